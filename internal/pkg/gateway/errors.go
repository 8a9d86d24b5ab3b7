package gateway

import (
	"context"
	"fmt"
	"net"

	"github.com/pkg/errors"
	"google.golang.org/api/googleapi"
)

var (
	// ErrUnauthorized means the upstream rejected the access token
	// twice: once before and once after a forced refresh. Terminal
	// for the call, not for the process.
	ErrUnauthorized = errors.New("api call unauthorized after forced token refresh")

	// ErrConnectionFailed covers DNS/TCP/TLS level failures after
	// the retry budget is exhausted.
	ErrConnectionFailed = errors.New("api connection failed")

	// ErrTimeout covers request deadlines exceeded after the retry
	// budget is exhausted.
	ErrTimeout = errors.New("api call timed out")
)

// StatusError is any non-2xx application status other than 401. These
// are not retried; interpretation is the caller's concern.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api returned HTTP status %d: %s", e.Code, e.Body)
}

// httpStatus extracts the HTTP status from an SDM client error chain,
// if the request made it far enough to get a response.
func httpStatus(err error) (int, bool) {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code, true
	}

	var serr *StatusError
	if errors.As(err, &serr) {
		return serr.Code, true
	}

	return 0, false
}

// isTimeout distinguishes deadline expiry from other connection-level
// failures.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}

	return false
}
