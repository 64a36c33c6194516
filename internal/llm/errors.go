package llm

import (
	"errors"
	"fmt"
	"strings"
)

// AuthError means credentials are bad or expired. Fatal: callers must stop
// processing and alert an operator rather than retry.
type AuthError struct {
	Msg string
}

func (e *AuthError) Error() string { return e.Msg }

// ContextTooLargeError means the backend rejected the request as too large.
// Callers compact once and retry; a second occurrence becomes an apology.
type ContextTooLargeError struct {
	Msg string
}

func (e *ContextTooLargeError) Error() string { return e.Msg }

// BackendError is a generic transient API or subprocess failure. Caught and
// turned into an apology; conversation state stays intact.
type BackendError struct {
	Msg string
}

func (e *BackendError) Error() string { return e.Msg }

func authErrorf(format string, args ...any) error {
	return &AuthError{Msg: fmt.Sprintf(format, args...)}
}

func contextTooLargeErrorf(format string, args ...any) error {
	return &ContextTooLargeError{Msg: fmt.Sprintf(format, args...)}
}

func backendErrorf(format string, args ...any) error {
	return &BackendError{Msg: fmt.Sprintf(format, args...)}
}

// IsAuthError reports whether err is (or wraps) an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsContextTooLarge reports whether err is (or wraps) a ContextTooLargeError.
func IsContextTooLarge(err error) bool {
	var ce *ContextTooLargeError
	return errors.As(err, &ce)
}

// ClassifyStderr maps subprocess stderr to the error taxonomy. The
// subprocess has no structured error channel, so substrings decide the
// class.
func ClassifyStderr(stderr string, exitCode int) error {
	lower := strings.ToLower(stderr)
	for _, word := range []string{"auth", "unauthorized", "token"} {
		if strings.Contains(lower, word) {
			return authErrorf("claude auth error (exit %d): %s", exitCode, strings.TrimSpace(stderr))
		}
	}
	for _, word := range []string{"context", "too large"} {
		if strings.Contains(lower, word) {
			return contextTooLargeErrorf("context too large (exit %d): %s", exitCode, strings.TrimSpace(stderr))
		}
	}
	return backendErrorf("claude error (exit %d): %s", exitCode, strings.TrimSpace(stderr))
}
