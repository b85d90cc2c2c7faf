package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	ErrUnreachable = errors.New("upstream unreachable")
	ErrRejected    = errors.New("upstream rejected request")
	ErrTimedOut    = errors.New("upstream timed out")
	ErrRateLimited = errors.New("upstream rate limited")
)

// HTTPError is a non-2xx upstream reply. It matches ErrRejected, and also
// ErrRateLimited when the status or body is quota shaped.
type HTTPError struct {
	Backend    string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend %s status %d", e.Backend, e.StatusCode)
	}
	return fmt.Sprintf("backend %s status %d: %s", e.Backend, e.StatusCode, e.Body)
}

func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrRejected:
		return true
	case ErrRateLimited:
		return e.RateLimited()
	}
	return false
}

func (e *HTTPError) RateLimited() bool {
	if e.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return quotaShaped(e.Body)
}

func (e *HTTPError) AuthFailure() bool {
	return e.StatusCode == http.StatusUnauthorized || (e.StatusCode == http.StatusForbidden && !e.RateLimited())
}

func quotaShaped(body string) bool {
	body = strings.TrimSpace(body)
	if body == "" {
		return false
	}
	var parts []string
	if gjson.Valid(body) {
		for _, path := range []string{"error.code", "error.type", "error.message", "error", "message", "code"} {
			if v := gjson.Get(body, path); v.Type == gjson.String || v.Type == gjson.Number {
				parts = append(parts, v.String())
			}
		}
	} else {
		parts = append(parts, body)
	}
	hay := strings.ToLower(strings.Join(parts, " "))
	return strings.Contains(hay, "insufficient_quota") ||
		strings.Contains(hay, "rate_limit") ||
		strings.Contains(hay, "rate limit") ||
		strings.Contains(hay, "quota")
}

// ClassifyTransportError maps a failed dial or read onto the error taxonomy.
func ClassifyTransportError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || (ctx != nil && errors.Is(ctx.Err(), context.DeadlineExceeded)) {
		return fmt.Errorf("%w: %w", ErrTimedOut, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrTimedOut, err)
	}
	return fmt.Errorf("%w: %w", ErrUnreachable, err)
}

// Kind names the taxonomy bucket of err for logs and metrics.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrTimedOut):
		return "timed_out"
	case errors.Is(err, ErrRejected):
		return "rejected"
	case errors.Is(err, ErrUnreachable):
		return "unreachable"
	default:
		return "other"
	}
}
