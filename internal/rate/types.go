package rate

import "time"

// Window represents an upstream rate-limit bucket.
type Window int

const (
	Minute Window = iota
	Hour
	Day
)

func (w Window) String() string {
	switch w {
	case Minute:
		return "minute"
	case Hour:
		return "hour"
	case Day:
		return "day"
	default:
		return "unknown"
	}
}

func (w Window) Duration() time.Duration {
	switch w {
	case Hour:
		return time.Hour
	case Day:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// Headers names the response headers that carry backoff hints.
type Headers struct {
	RetryAfter string
	ResetAfter string
}

// StandardHeaders returns the header mapping MELCloud and most HTTP APIs use.
func StandardHeaders() Headers {
	return Headers{
		RetryAfter: "Retry-After",
		ResetAfter: "ratelimit-reset",
	}
}

// Declaration defines the limits one upstream API is called with.
type Declaration struct {
	provider        string
	limits          map[Window]int
	burst           int
	headers         Headers
	wait            bool
	defaultCooldown time.Duration
}

// Provider creates a new declaration for an upstream API.
func Provider(name string) Declaration {
	return Declaration{provider: name, defaultCooldown: time.Minute}
}

func (d Declaration) ProviderName() string {
	return d.provider
}

func (d Declaration) MaxRequestsPer(window Window, limit int) Declaration {
	limits := make(map[Window]int, len(d.limits)+1)
	for w, l := range d.limits {
		limits[w] = l
	}
	limits[window] = limit
	d.limits = limits
	return d
}

// Burst caps how many calls may go out back to back. Defaults to the limit
// of each window.
func (d Declaration) Burst(n int) Declaration {
	d.burst = n
	return d
}

func (d Declaration) ReadHeaders(headers Headers) Declaration {
	d.headers = headers
	return d
}

// WaitForBudget makes calls block until a token is available instead of
// failing with RateLimitError. The request context bounds the wait.
func (d Declaration) WaitForBudget() Declaration {
	d.wait = true
	return d
}

// CooldownOn429 sets the pause applied after a 429 without a Retry-After
// hint.
func (d Declaration) CooldownOn429(cooldown time.Duration) Declaration {
	d.defaultCooldown = cooldown
	return d
}

func (d Declaration) Limits() map[Window]int {
	return d.limits
}

func (d Declaration) Headers() Headers {
	return d.headers
}

func (d Declaration) HasLimits() bool {
	return len(d.limits) > 0
}

func (d Declaration) burstFor(limit int) int {
	if d.burst > 0 && d.burst < limit {
		return d.burst
	}
	return limit
}
