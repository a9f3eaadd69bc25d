package melcloud

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrAccessDenied is matched by errors.Is for calls refused because of the
// caller's access level.
var ErrAccessDenied = errors.New("melcloud access denied")

// ErrNoContextKey is returned when a login response carries no session key.
var ErrNoContextKey = errors.New("melcloud login returned no context key")

// HTTPStatusError is a non-2xx response from the API.
type HTTPStatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("melcloud %s: status %d: %s", e.Op, e.Status, strings.TrimSpace(e.Body))
}

func (e *HTTPStatusError) Is(target error) bool {
	if target != ErrAccessDenied {
		return false
	}
	return e.Status == http.StatusForbidden
}

// LoginError is returned when ClientLogin answers with an ErrorId.
type LoginError struct {
	ErrorID int
}

func (e LoginError) Error() string {
	return fmt.Sprintf("melcloud login failed: error id %d", e.ErrorID)
}
