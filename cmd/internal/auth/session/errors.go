package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSessionExpired is returned when a request was rejected with 401 and the session
	// could not be refreshed. Credentials have been cleared by the time it is returned.
	ErrSessionExpired = errors.New("session expired")

	// ErrUnauthenticated is returned by Refresh when no refresh token is stored,
	// or when the session changed underneath an in-flight refresh.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrTransport marks failures where no HTTP response was received.
	ErrTransport = errors.New("transport failure")

	// ErrTimeout is returned (wrapped in a TransportError) when a dispatch exceeds RequestTimeout.
	ErrTimeout = errors.New("request timed out")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")

	// ErrInvalidRequest is returned for request descriptors that cannot be dispatched.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrMalformedResponse is returned when a 2xx auth response lacks the expected tokens.
	ErrMalformedResponse = errors.New("malformed response")
)

// ResponseError is a normalized non-2xx backend response.
//
// Payload holds the backend's JSON error body for 4xx responses so callers can render
// field-level errors. 5xx responses never carry a payload, so Message falls back to Op,
// the generic operation-failed text.
type ResponseError struct {
	Op      string
	Status  int
	Payload json.RawMessage
}

func (e *ResponseError) Error() string {
	if d := e.Detail(); d != "" {
		return fmt.Sprintf("%s: %s (status %d)", e.Op, d, e.Status)
	}
	return fmt.Sprintf("%s (status %d)", e.Op, e.Status)
}

// Message returns the text a UI should show: the backend detail when present, else Op.
func (e *ResponseError) Message() string {
	if d := e.Detail(); d != "" {
		return d
	}
	return e.Op
}

// ServerError reports whether the backend failed (5xx) rather than rejecting input.
func (e *ResponseError) ServerError() bool { return e.Status >= 500 }

// Detail extracts a top-level human message from the payload.
// Understands {"detail": "..."}, {"message": "..."} and {"error": {"message": "..."}}.
func (e *ResponseError) Detail() string {
	if len(e.Payload) == 0 {
		return ""
	}
	var body struct {
		Detail  string `json:"detail"`
		Message string `json:"message"`
		Error   struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(e.Payload, &body); err != nil {
		return ""
	}
	switch {
	case strings.TrimSpace(body.Detail) != "":
		return body.Detail
	case strings.TrimSpace(body.Message) != "":
		return body.Message
	default:
		return body.Error.Message
	}
}

// Fields returns per-field validation messages ({"email": ["already taken"]}).
// Non-list values are skipped.
func (e *ResponseError) Fields() map[string][]string {
	if len(e.Payload) == 0 {
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(e.Payload, &raw); err != nil {
		return nil
	}
	out := make(map[string][]string)
	for k, v := range raw {
		var msgs []string
		if err := json.Unmarshal(v, &msgs); err == nil && len(msgs) > 0 {
			out[k] = msgs
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// TransportError wraps failures where no response was received (DNS, refused, timeout).
// It matches ErrTransport and the underlying cause with errors.Is.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, ErrTransport.Error(), e.Err)
}

func (e *TransportError) Unwrap() []error { return []error{ErrTransport, e.Err} }

// ExpiredError is returned when a request ends in session termination.
// Cause records why the refresh failed; it is kept for logs and does not match errors.Is.
type ExpiredError struct {
	Op    string
	Cause error
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, ErrSessionExpired.Error())
}

func (e *ExpiredError) Unwrap() error { return ErrSessionExpired }
