package media

import (
	"fmt"
	"strings"
)

// ErrorKind classifies a capture failure so callers can tell "no permission"
// from "no camera" without parsing driver error strings.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindPermissionDenied
	KindDeviceNotFound
	KindDeviceBusy
	KindConstraintsUnsatisfiable
)

func (k ErrorKind) String() string {
	switch k {
	case KindPermissionDenied:
		return "permission-denied"
	case KindDeviceNotFound:
		return "device-not-found"
	case KindDeviceBusy:
		return "device-busy"
	case KindConstraintsUnsatisfiable:
		return "constraints-unsatisfiable"
	default:
		return "unknown"
	}
}

// CaptureError wraps a raw driver error with its classification.
type CaptureError struct {
	Kind ErrorKind
	Err  error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("media capture (%s): %v", e.Kind, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// Classify maps a raw mediadevices/driver error onto an ErrorKind. The
// underlying drivers surface plain error strings, so this is necessarily
// substring matching.
func Classify(err error) *CaptureError {
	if err == nil {
		return nil
	}
	if ce, ok := err.(*CaptureError); ok {
		return ce
	}
	msg := strings.ToLower(err.Error())
	kind := KindUnknown
	switch {
	case strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "operation not permitted"):
		kind = KindPermissionDenied
	case strings.Contains(msg, "busy"):
		kind = KindDeviceBusy
	case strings.Contains(msg, "failed to find the best driver"),
		strings.Contains(msg, "constraint"):
		kind = KindConstraintsUnsatisfiable
	case strings.Contains(msg, "no such"),
		strings.Contains(msg, "not found"),
		strings.Contains(msg, "no device"),
		strings.Contains(msg, "failed to find"):
		kind = KindDeviceNotFound
	}
	return &CaptureError{Kind: kind, Err: err}
}
