// Package errs defines the error taxonomy shared by every collaborator adapter.
// Adapters wrap provider errors with one of the sentinel kinds so callers can
// decide between retrying, surfacing, or falling back without knowing the provider.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable marks a transient generation, embedding, or vector-store failure.
	ErrUnavailable = errors.New("collaborator unavailable")

	// ErrAuthRequired marks an external action that needs re-authentication.
	ErrAuthRequired = errors.New("collaborator requires re-authentication")

	// ErrMalformedOutput marks a generation result that omits or misformats a required field.
	ErrMalformedOutput = errors.New("malformed generation output")
)

// Unavailable wraps err as a transient collaborator failure.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// AuthRequired wraps err as an authentication failure.
func AuthRequired(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrAuthRequired, err)
}

// Malformed wraps err as a malformed generation output.
func Malformed(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrMalformedOutput, err)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// FromStatus classifies an HTTP status code returned by a collaborator.
// Codes that do not indicate a transient or auth problem are returned unwrapped.
func FromStatus(op string, code int, err error) error {
	switch {
	case code == 401 || code == 403:
		return AuthRequired(op, err)
	case code == 408 || code == 429 || code >= 500:
		return Unavailable(op, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
