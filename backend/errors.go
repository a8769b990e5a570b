package backend

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
)

var (
	// ErrMalformedReply is returned when a 2xx reply cannot be decoded.
	ErrMalformedReply = errors.New("backend: malformed reply")
	// ErrNoCredential is returned when a code exchange succeeds but the
	// backend handed back neither a session cookie nor an access token.
	ErrNoCredential = errors.New("backend: exchange returned no session")
)

// generic user-facing messages, used when the backend gives no detail.
var genericMessages = map[string]string{
	opExchange: "token exchange failed",
	opUserInfo: "failed to fetch user info",
	opLogout:   "failed to log out",
	opProjects: "failed to fetch projects",
	opEnvs:     "failed to fetch envs",
	opFlags:    "failed to fetch flags",
	opUpdate:   "failed to update flags",
	opAdd:      "failed to add flags",
}

// Error is a failed backend call. Status is 0 when no HTTP response was
// received.
type Error struct {
	Op     string
	Status int
	// Detail is the backend's own explanation, when it sent one.
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Message()
	if e.Err != nil {
		return "backend: " + e.Op + ": " + msg + ": " + e.Err.Error()
	}
	return "backend: " + e.Op + ": " + msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Message is the text to show to the operator: the backend detail when
// present, a generic message otherwise.
func (e *Error) Message() string {
	if e.Detail != "" {
		return e.Detail
	}
	if m, ok := genericMessages[e.Op]; ok {
		return m
	}
	return "backend request failed"
}

// IsUnauthorized reports whether err is a backend rejection of the session.
func IsUnauthorized(err error) bool {
	var be *Error
	return errors.As(err, &be) && be.Status == http.StatusUnauthorized
}

// Message extracts an operator-facing message from err.
func Message(err error) string {
	var be *Error
	if errors.As(err, &be) {
		return be.Message()
	}
	return "backend request failed"
}

// parseDetail reads the "detail" member of an error body. A string detail
// is returned as is, any other JSON value in compact form.
func parseDetail(body []byte) string {
	var env struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &env); err != nil || len(env.Detail) == 0 || string(env.Detail) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(env.Detail, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, env.Detail); err != nil {
		return ""
	}
	return buf.String()
}
