package core

import (
	"errors"
	"fmt"
)

var (
	// ErrStationExists indicates a station with the same ID is already registered.
	ErrStationExists = errors.New("station already registered")
	// ErrStationNotFound indicates a requested station was not found.
	ErrStationNotFound = errors.New("station not found")
	// ErrStationDestroyed indicates an operation targeted a station mid-teardown.
	// Delivery paths treat this as a routing miss, never a fault.
	ErrStationDestroyed = errors.New("station destroyed")
	// ErrSensorInit indicates the underlying environment attachment failed at
	// station creation. The caller decides whether to retry.
	ErrSensorInit = errors.New("sensor attachment failed")
	// ErrNoLocation indicates a send was attempted before any location
	// observation was received.
	ErrNoLocation = errors.New("no location observation yet")
	// ErrChannelNotFound indicates a broadcast targeted an unknown channel.
	ErrChannelNotFound = errors.New("channel not found")
)

// DecodeError reports a malformed wire frame or CAM payload. It is
// recoverable: sessions log it and continue.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("decode: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// NewDecodeError constructs a DecodeError with an optional cause.
func NewDecodeError(reason string, err error) *DecodeError {
	return &DecodeError{Reason: reason, Err: err}
}

// HandlerFault records a handler or filter that panicked or returned an
// error during delivery. Faults are logged and never abort delivery to
// remaining handlers or recipients.
type HandlerFault struct {
	StationID string
	SenderID  string
	Index     int
	Err       error
}

func (f *HandlerFault) Error() string {
	return fmt.Sprintf("handler %d on station %s faulted on message from %s: %v",
		f.Index, f.StationID, f.SenderID, f.Err)
}

func (f *HandlerFault) Unwrap() error { return f.Err }
