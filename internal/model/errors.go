package model

import (
	"errors"
	"fmt"
)

// TransportError reports a failed HTTP exchange with the feature API:
// a network failure, a non-success status or an undecodable body.
type TransportError struct {
	URL        string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// SchemaError reports a document whose shape does not match what a
// component expected (missing key, wrong type).
type SchemaError struct {
	Document string
	Key      string
	Reason   string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema %s: key %q: %s", e.Document, e.Key, e.Reason)
}

// TimeoutError reports a link resolution that exceeded its deadline.
type TimeoutError struct {
	URL string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout resolving %s: %v", e.URL, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// ValidationError rejects a caller-supplied argument before any I/O happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsTimeout reports whether err is (or wraps) a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
