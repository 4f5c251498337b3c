package ingest

import (
	"errors"
	"fmt"
)

// ErrUnknownChannel rejects chunks addressed outside the configured
// channel set.
var ErrUnknownChannel = errors.New("unknown channel")

// ErrStorage marks buffer write failures. The producer owns its own
// retry policy; the relay only surfaces the failure synchronously.
var ErrStorage = errors.New("storage failure")

// ValidationError rejects malformed or missing input fields. No state
// is mutated when one is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalidf(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
