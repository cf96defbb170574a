package pixels

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrClosed is returned by operations issued after Close, or interrupted by
// it while suspended on a cooldown.
var ErrClosed = errors.New("pixeldraw: client closed")

// APIError captures a non-2xx response from the canvas service.
type APIError struct {
	StatusCode int
	// Message is the "message" or "detail" field of the error body, or the
	// raw body when it is not JSON.
	Message string
	// RawBody keeps the original payload for debugging.
	RawBody []byte
}

func (e *APIError) Error() string {
	b := strings.Builder{}
	b.WriteString("pixeldraw: API error (status=")
	b.WriteString(strconv.Itoa(e.StatusCode))
	b.WriteString(")")
	if m := strings.TrimSpace(e.Message); m != "" {
		b.WriteString(": ")
		b.WriteString(m)
	}
	return b.String()
}

// TransportError wraps a network-level failure. The client never retries
// these; they surface to the caller with only this classification added.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("pixeldraw: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RateLimitedError is a write the service rejected for arriving inside a
// cooldown window. PutPixel and SwapPixels absorb these internally, so
// callers of those never see one.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("pixeldraw: rate limited, retry after %s", e.RetryAfter)
}

// IsRateLimited reports whether err is a rate-limit rejection.
func IsRateLimited(err error) bool {
	var rle *RateLimitedError
	return errors.As(err, &rle)
}

// IsAuthError reports whether err is an APIError with HTTP status 401 or
// 403 (bad or revoked token).
func IsAuthError(err error) bool {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.StatusCode == 401 || ae.StatusCode == 403
	}
	return false
}

// isEndpointUnavailable reports whether err means the endpoint itself is
// not there to talk to: unknown (404), wrong shape (405), or temporarily
// disabled by the service (410).
func isEndpointUnavailable(err error) bool {
	var ae *APIError
	if errors.As(err, &ae) {
		switch ae.StatusCode {
		case 404, 405, 410:
			return true
		}
	}
	return false
}

func buildAPIError(status int, body []byte) error {
	trimmed := strings.TrimSpace(string(body))
	ae := &APIError{StatusCode: status, RawBody: body, Message: trimmed}

	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
		var obj map[string]interface{}
		if err := json.Unmarshal(body, &obj); err == nil {
			if v, ok := obj["message"].(string); ok && v != "" {
				ae.Message = v
			} else if v, ok := obj["detail"].(string); ok && v != "" {
				ae.Message = v
			}
		}
	}
	return ae
}
