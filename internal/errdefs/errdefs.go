// Package errdefs defines the error classes shared by the orchestration core.
// Component errors wrap one of these so callers can classify with errors.Is
// without importing the component that produced them.
package errdefs

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrExternalProcess   = errors.New("external process failure")
	ErrPlatformOperation = errors.New("platform operation failure")
	ErrTimeout           = errors.New("timeout")
)

// Kind returns a short class name for err, or "internal" when it does not
// wrap any of the known classes.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrResourceExhausted):
		return "resource_exhausted"
	case errors.Is(err, ErrExternalProcess):
		return "external_process"
	case errors.Is(err, ErrPlatformOperation):
		return "platform_operation"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "internal"
	}
}
