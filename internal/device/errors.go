package device

import (
	"errors"
	"fmt"
)

var (
	// ErrDeviceNotFound is matched when the listing no longer contains the
	// device, usually because it was removed remotely.
	ErrDeviceNotFound = errors.New("device not found in listing")

	// ErrNoState is returned by a flush when no state has been fetched yet.
	ErrNoState = errors.New("device state not fetched yet")
)

type NotFoundError struct {
	DeviceID   int
	BuildingID int
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("device %d in building %d not found in listing", e.DeviceID, e.BuildingID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrDeviceNotFound
}

// ValidationError is returned synchronously by Set when a property is
// rejected by the device kind.
type ValidationError struct {
	Key   string
	Value any
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s=%v: %v", e.Key, e.Value, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}
