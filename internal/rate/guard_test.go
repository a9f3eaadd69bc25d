package rate

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldCallBudget(t *testing.T) {
	guard := NewGuard(Provider("melcloud").MaxRequestsPer(Minute, 2))
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	assert.True(t, guard.ShouldCall(now).Allowed)
	assert.True(t, guard.ShouldCall(now).Allowed)

	decision := guard.ShouldCall(now)
	assert.False(t, decision.Allowed)
	assert.Equal(t, "budget", decision.Reason)
	assert.Equal(t, now.Add(30*time.Second), decision.RetryAt)

	assert.True(t, guard.ShouldCall(now.Add(30*time.Second)).Allowed, "one token refills every 30s")
}

func TestShouldCallAllWindowsOrNone(t *testing.T) {
	guard := NewGuard(Provider("melcloud").
		MaxRequestsPer(Minute, 10).
		MaxRequestsPer(Hour, 1))
	now := time.Now()

	require.True(t, guard.ShouldCall(now).Allowed)
	require.False(t, guard.ShouldCall(now).Allowed)

	// The rejected call must not have drained the minute window.
	assert.InDelta(t, 9, guard.limiters[Minute].TokensAt(now), 0.01)
}

func TestShouldCallDisabled(t *testing.T) {
	assert.Equal(t, "disabled", NewGuard(Provider("melcloud")).ShouldCall(time.Now()).Reason)
	assert.Equal(t, "disabled", NewGuard(Provider("melcloud").MaxRequestsPer(Minute, 0)).ShouldCall(time.Now()).Reason)
}

func TestWrapHTTPRejectsOverBudget(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := WrapHTTP(Provider("melcloud").MaxRequestsPer(Minute, 1), server.Client())

	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()

	_, err = client.Get(server.URL)
	var rateErr RateLimitError
	require.True(t, errors.As(err, &rateErr))
	assert.Equal(t, "melcloud", rateErr.Provider)
	assert.Equal(t, "budget", rateErr.Reason)
	assert.EqualValues(t, 1, hits.Load())
}

func TestRetryAfterStartsCooldown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := WrapHTTP(Provider("melcloud").
		MaxRequestsPer(Minute, 100).
		ReadHeaders(StandardHeaders()), server.Client())

	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	_, err = client.Get(server.URL)
	var rateErr RateLimitError
	require.ErrorAs(t, err, &rateErr)
	assert.Equal(t, "cooldown", rateErr.Reason)
	assert.WithinDuration(t, time.Now().Add(120*time.Second), rateErr.RetryAt, 5*time.Second)
}

func TestTooManyRequestsWithoutHint(t *testing.T) {
	guard := NewGuard(Provider("melcloud").MaxRequestsPer(Minute, 100).CooldownOn429(time.Hour))
	guard.RecordResponse(http.StatusTooManyRequests, http.Header{})

	decision := guard.ShouldCall(time.Now())
	assert.False(t, decision.Allowed)
	assert.Equal(t, "cooldown", decision.Reason)
	assert.Equal(t, http.StatusTooManyRequests, guard.LastStatus())
}

func TestWaitForBudgetHonoursContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := WrapHTTP(Provider("melcloud").MaxRequestsPer(Hour, 1).WaitForBudget(), server.Client())

	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	require.NoError(t, err)
	_, err = client.Do(req)
	var rateErr RateLimitError
	require.ErrorAs(t, err, &rateErr)
}

func TestHeaderSeconds(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	h := http.Header{}
	h.Set("Retry-After", now.Add(90*time.Second).Format(http.TimeFormat))
	assert.Equal(t, 90*time.Second, headerSeconds(h, "Retry-After", now))

	h.Set("Retry-After", "15")
	assert.Equal(t, 15*time.Second, headerSeconds(h, "Retry-After", now))

	h.Set("Retry-After", "soon")
	assert.Zero(t, headerSeconds(h, "Retry-After", now))
	assert.Zero(t, headerSeconds(h, "", now))
}
