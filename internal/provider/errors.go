package provider

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a provider failure so callers can schedule backoff,
// prompt for re-auth, or surface install guidance instead of treating every
// failure the same way.
type ErrorKind string

const (
	// KindSpawn means the backend binary was missing or not executable.
	KindSpawn ErrorKind = "spawn"
	// KindAuth means the credential was missing or rejected.
	KindAuth ErrorKind = "auth"
	// KindRateLimit covers quota exhaustion and rate limiting. Callers
	// should pause and resume rather than count these as generic failures.
	KindRateLimit ErrorKind = "rate_limit"
	// KindAborted means the caller canceled the query. Not reported as an
	// error to user-facing layers.
	KindAborted ErrorKind = "aborted"
	// KindProtocol means the backend produced an unexpected shape.
	KindProtocol ErrorKind = "protocol"
)

// Error is a classified provider failure.
type Error struct {
	Kind     ErrorKind
	Provider string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified provider error.
func NewError(kind ErrorKind, providerName, message string, err error) *Error {
	return &Error{Kind: kind, Provider: providerName, Message: message, Err: err}
}

// KindOf returns the classification of err, or KindProtocol when err is not
// a provider error.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindProtocol
}

// ClassifyText maps a terminal error message back into the taxonomy by its
// wording. Streams carry failures as text, so consumers that must react to
// the kind (rate-limit backoff in particular) re-derive it from the message.
func ClassifyText(providerName, text string) *Error {
	return classifyBackendFailureText(providerName, text)
}

// IsRateLimited reports whether err is a quota or rate-limit failure.
func IsRateLimited(err error) bool {
	return KindOf(err) == KindRateLimit
}

// IsAborted reports whether err resulted from caller cancellation.
func IsAborted(err error) bool {
	return KindOf(err) == KindAborted
}
