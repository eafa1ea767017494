package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrLockNotAcquired indicates a facility lock could not be obtained in time.
	ErrLockNotAcquired = errors.New("facility lock not acquired")
)

// UserSafeMessage maps internal errors onto strings safe to return to API clients.
// Unknown errors collapse to a generic message so internals never leak.
func UserSafeMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "The requested resource was not found."
	case errors.Is(err, ErrLockNotAcquired):
		return "Another submission for this facility is in progress. Retry shortly."
	default:
		return "The request could not be processed."
	}
}
