package server

import (
	"fmt"
	"net/http"
	"time"
)

// HealthHandler returns a simple OK for liveness checks.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// PollReporter reports the outcome of the last device poll.
type PollReporter interface {
	LastPoll() (time.Time, error)
}

// ReadyHandler answers 200 once a poll has succeeded and the last poll is
// younger than maxAge.
func ReadyHandler(poller PollReporter, maxAge time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		at, err := poller.LastPoll()
		switch {
		case at.IsZero():
			http.Error(w, "no poll yet", http.StatusServiceUnavailable)
		case err != nil:
			http.Error(w, fmt.Sprintf("last poll failed: %v", err), http.StatusServiceUnavailable)
		case maxAge > 0 && time.Since(at) > maxAge:
			http.Error(w, "last poll is stale", http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
		}
	}
}
