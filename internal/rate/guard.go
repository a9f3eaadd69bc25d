package rate

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	xrate "golang.org/x/time/rate"
)

// RateLimitError is returned when calls are blocked.
type RateLimitError struct {
	Provider string
	Reason   string
	RetryAt  time.Time
}

func (e RateLimitError) Error() string {
	if e.RetryAt.IsZero() {
		return fmt.Sprintf("%s rate limited: %s", e.Provider, e.Reason)
	}
	return fmt.Sprintf("%s rate limited: %s (retry at %s)", e.Provider, e.Reason, e.RetryAt.UTC().Format(time.RFC3339))
}

type Decision struct {
	Allowed bool
	Reason  string
	RetryAt time.Time
}

// Guard enforces the declared limits for one upstream API.
type Guard struct {
	decl     Declaration
	limiters map[Window]*xrate.Limiter

	mu sync.Mutex
	// cooldown and lastStatus are guarded by mu
	cooldown   time.Time
	lastStatus int
}

// WrapHTTP wraps an http.Client with rate-limit enforcement.
func WrapHTTP(decl Declaration, base *http.Client) *http.Client {
	if base == nil {
		base = &http.Client{}
	}
	client := *base
	transport := client.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	client.Transport = &roundTripper{
		base:  transport,
		guard: NewGuard(decl),
	}
	return &client
}

func NewGuard(decl Declaration) *Guard {
	limiters := make(map[Window]*xrate.Limiter, len(decl.Limits()))
	for window, limit := range decl.Limits() {
		if limit <= 0 {
			limiters[window] = xrate.NewLimiter(0, 0)
			continue
		}
		every := window.Duration() / time.Duration(limit)
		limiters[window] = xrate.NewLimiter(xrate.Every(every), decl.burstFor(limit))
	}
	return &Guard{
		decl:     decl,
		limiters: limiters,
	}
}

type roundTripper struct {
	base  http.RoundTripper
	guard *Guard
}

func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	provider := rt.guard.decl.ProviderName()
	if rt.guard.decl.wait {
		if err := rt.guard.Wait(req); err != nil {
			rejectedTotal.WithLabelValues(provider).Inc()
			return nil, err
		}
	} else if decision := rt.guard.ShouldCall(time.Now()); !decision.Allowed {
		rejectedTotal.WithLabelValues(provider).Inc()
		return nil, RateLimitError{
			Provider: provider,
			Reason:   decision.Reason,
			RetryAt:  decision.RetryAt,
		}
	}

	resp, err := rt.base.RoundTrip(req)
	if err != nil {
		return resp, err
	}
	rt.guard.RecordResponse(resp.StatusCode, resp.Header)
	return resp, nil
}

// ShouldCall takes one token from every window or none at all.
func (g *Guard) ShouldCall(now time.Time) Decision {
	if !g.decl.HasLimits() {
		return Decision{Allowed: false, Reason: "disabled"}
	}
	if retryAt, ok := g.coolingDown(now); ok {
		return Decision{Allowed: false, Reason: "cooldown", RetryAt: retryAt}
	}

	reservations := make([]*xrate.Reservation, 0, len(g.limiters))
	cancel := func() {
		for _, r := range reservations {
			r.CancelAt(now)
		}
	}
	for window, limiter := range g.limiters {
		r := limiter.ReserveN(now, 1)
		if !r.OK() {
			cancel()
			return Decision{Allowed: false, Reason: "disabled"}
		}
		reservations = append(reservations, r)
		if delay := r.DelayFrom(now); delay > 0 {
			cancel()
			remainingGauge.WithLabelValues(g.decl.ProviderName(), window.String()).Set(0)
			return Decision{Allowed: false, Reason: "budget", RetryAt: now.Add(delay)}
		}
	}
	for window, limiter := range g.limiters {
		remainingGauge.WithLabelValues(g.decl.ProviderName(), window.String()).Set(limiter.TokensAt(now))
	}
	return Decision{Allowed: true}
}

// Wait blocks until every window has a token for req or its context ends.
// An active cooldown fails immediately.
func (g *Guard) Wait(req *http.Request) error {
	if !g.decl.HasLimits() {
		return RateLimitError{Provider: g.decl.ProviderName(), Reason: "disabled"}
	}
	if retryAt, ok := g.coolingDown(time.Now()); ok {
		return RateLimitError{Provider: g.decl.ProviderName(), Reason: "cooldown", RetryAt: retryAt}
	}
	for _, limiter := range g.limiters {
		if err := limiter.Wait(req.Context()); err != nil {
			return RateLimitError{Provider: g.decl.ProviderName(), Reason: err.Error()}
		}
	}
	return nil
}

func (g *Guard) coolingDown(now time.Time) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.cooldown.IsZero() && now.Before(g.cooldown) {
		return g.cooldown, true
	}
	return time.Time{}, false
}

// RecordResponse applies backoff hints from a response.
func (g *Guard) RecordResponse(status int, headers http.Header) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.lastStatus = status
	lastStatusGauge.WithLabelValues(g.decl.ProviderName()).Set(float64(status))

	now := time.Now()
	cfg := g.decl.Headers()
	if retryAfter := headerSeconds(headers, cfg.RetryAfter, now); retryAfter > 0 {
		g.setCooldown(now, retryAfter)
		return
	}
	if resetAfter := headerSeconds(headers, cfg.ResetAfter, now); resetAfter > 0 && status == http.StatusTooManyRequests {
		g.setCooldown(now, resetAfter)
		return
	}
	if status == http.StatusTooManyRequests && g.decl.defaultCooldown > 0 {
		g.setCooldown(now, g.decl.defaultCooldown)
	}
}

func (g *Guard) setCooldown(now time.Time, d time.Duration) {
	g.cooldown = now.Add(d)
	retryAfterGauge.WithLabelValues(g.decl.ProviderName()).Set(d.Seconds())
}

// LastStatus is the status code of the most recent response.
func (g *Guard) LastStatus() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastStatus
}

// headerSeconds reads a delay given as seconds or as an HTTP date.
func headerSeconds(h http.Header, key string, now time.Time) time.Duration {
	if key == "" {
		return 0
	}
	val := strings.TrimSpace(h.Get(key))
	if val == "" {
		return 0
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(val); err == nil {
		return at.Sub(now)
	}
	return 0
}
