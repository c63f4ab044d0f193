package session

import (
	"errors"
	"fmt"
)

// CompressionFailedMessage is the only error text a user ever sees
const CompressionFailedMessage = "Failed to compress the image. Please try again with different settings."

var (
	ErrInvalidParameter  = errors.New("invalid parameter")
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionClosed     = errors.New("session closed")
	ErrCompressionFailed = errors.New("compression failed")
)

// ValidationError describes a rejected field value
type ValidationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %v: %s", e.Field, e.Value, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidParameter
}
