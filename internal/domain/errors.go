package domain

import (
	"errors"
	"fmt"
)

// ErrorKind is a stable machine-readable error category. Kinds cross the
// wire in JSON-RPC error data, so their strings never change.
type ErrorKind string

const (
	// protocol
	KindParseError     ErrorKind = "ParseError"
	KindInvalidRequest ErrorKind = "InvalidRequest"
	KindMethodNotFound ErrorKind = "MethodNotFound"
	KindInvalidParams  ErrorKind = "InvalidParams"

	// routing
	KindBundleNotFound      ErrorKind = "BundleNotFound"
	KindConfigNotFound      ErrorKind = "ConfigNotFound"
	KindConfigMismatch      ErrorKind = "ConfigMismatch"
	KindServerNotConfigured ErrorKind = "ServerNotConfigured"
	KindToolNotFound        ErrorKind = "ToolNotFound"
	KindToolNotEnabled      ErrorKind = "ToolNotEnabled"

	// auth
	KindNotConnected               ErrorKind = "NotConnected"
	KindReauthenticationRequired   ErrorKind = "ReauthenticationRequired"
	KindCredentialProviderRejected ErrorKind = "CredentialProviderRejected"

	// upstream
	KindUpstreamTransient         ErrorKind = "UpstreamTransient"
	KindUpstreamPermanent         ErrorKind = "UpstreamPermanent"
	KindUpstreamSessionTerminated ErrorKind = "UpstreamSessionTerminated"

	// internal
	KindStorage      ErrorKind = "StorageError"
	KindEmbedding    ErrorKind = "EmbeddingError"
	KindSanitization ErrorKind = "Sanitization"
)

// Error is a kinded gateway error. Lower layers raise these; the JSON-RPC
// engine converts them to wire errors at the boundary.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a kinded error with a formatted message
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds a kinded error around an underlying cause
func WrapError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from err, unwrapping as needed. Unkinded errors
// report an empty kind.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the error is worth retrying against the same
// upstream.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindUpstreamTransient, KindUpstreamSessionTerminated:
		return true
	}
	return false
}
