package nestauth

import "github.com/pkg/errors"

// Refresh outcomes that callers dispatch on. Matched with errors.Is
// through whatever wrapping the manager adds.
var (
	// ErrThrottled is returned without a network call while the
	// failure cooldown is in effect.
	ErrThrottled = errors.New("token refresh throttled after repeated failures")

	// ErrInvalidGrant means the refresh token itself was rejected.
	// Re-authorization is required; retrying is never productive.
	ErrInvalidGrant = errors.New("refresh token rejected (invalid_grant), re-authorization required")

	// ErrRefreshFailed covers transient refresh failures after the
	// internal attempt budget is exhausted.
	ErrRefreshFailed = errors.New("token refresh failed")
)
