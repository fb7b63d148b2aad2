package service

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthRequired means no credential was presented where one is
	// mandatory.
	ErrAuthRequired = errors.New("authentication required")

	// ErrInvalidCredentials covers malformed, unknown, disabled, and expired
	// credentials alike. The caller is never told which case applied.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrNotFound is returned for missing records and for ownership
	// mismatches, which are deliberately indistinguishable.
	ErrNotFound = errors.New("not found")

	// ErrRateLimited means the key exceeded its hourly request budget.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrIPNotAllowed means the caller's address failed the key's IP
	// allow-list.
	ErrIPNotAllowed = errors.New("ip address not allowed")

	// ErrOriginNotAllowed means the request origin failed the key's origin
	// allow-list.
	ErrOriginNotAllowed = errors.New("origin not allowed")

	// ErrSchemaAccessDenied means the key is not scoped to the target schema.
	ErrSchemaAccessDenied = errors.New("schema access denied")
)

// PermissionDeniedError is returned when an authenticated caller lacks the
// resolved permission. It carries the resolved id for logging.
type PermissionDeniedError struct {
	Permission string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied: %s", e.Permission)
}

// ValidationError reports malformed input to a create or update operation.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// InvariantError reports an operation blocked by a structural invariant,
// such as deleting a system role or a role still referenced by users.
type InvariantError struct {
	Message       string
	BlockingCount int
}

func (e *InvariantError) Error() string {
	return e.Message
}
