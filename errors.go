package reverie

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrLLM reports a provider-side failure that is not a plain HTTP error
// (marshalling, malformed responses, protocol violations).
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP reports a non-2xx response from an upstream HTTP service.
// RetryAfter carries the parsed Retry-After header when present.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrInvalid reports a caller mistake: bad request shape, unknown archive,
// invalid time format, invalid tool choice. Never retried.
type ErrInvalid struct {
	Op      string
	Message string
}

func (e *ErrInvalid) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// ErrNotFound reports a missing row or named resource.
type ErrNotFound struct {
	Kind string
	ID   string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// ErrConflict reports a uniqueness violation, such as creating a period
// whose business id already exists within its type.
type ErrConflict struct {
	Kind string
	ID   string
}

func (e *ErrConflict) Error() string {
	return fmt.Sprintf("%s %q already exists", e.Kind, e.ID)
}

// ParseRetryAfter parses a Retry-After header value: either delta-seconds
// or an HTTP date. Returns 0 when the value is empty or unparseable.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
