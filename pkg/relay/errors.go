package relay

import (
	"fmt"
	"sort"
	"strings"
)

// ErrorKind classifies a relay error.
type ErrorKind string

const (
	KindMissingParameters     ErrorKind = "missing_parameters"
	KindUnsupportedDeviceType ErrorKind = "unsupported_device_type"
	KindNotFound              ErrorKind = "not_found"
	KindForbidden             ErrorKind = "forbidden"
	KindSourceNotFound        ErrorKind = "source_not_found"
	KindTooManySources        ErrorKind = "too_many_sources"
	KindGatewayAuth           ErrorKind = "gateway_auth"
	KindDelivery              ErrorKind = "delivery"
	KindValidationFailed      ErrorKind = "validation_failed"
)

// Error is the typed error returned by every relay operation. Fields holds
// per-field messages for ValidationFailed.
type Error struct {
	Kind    ErrorKind
	Message string
	Fields  map[string]string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	if len(e.Fields) == 0 {
		return e.Message
	}
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+e.Fields[name])
	}
	return e.Message + " (" + strings.Join(parts, "; ") + ")"
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any relay error of the same kind, so the Err* sentinels work
// with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrMissingParameters     = &Error{Kind: KindMissingParameters}
	ErrUnsupportedDeviceType = &Error{Kind: KindUnsupportedDeviceType}
	ErrNotFound              = &Error{Kind: KindNotFound}
	ErrForbidden             = &Error{Kind: KindForbidden}
	ErrSourceNotFound        = &Error{Kind: KindSourceNotFound}
	ErrTooManySources        = &Error{Kind: KindTooManySources}
	ErrGatewayAuth           = &Error{Kind: KindGatewayAuth}
	ErrDelivery              = &Error{Kind: KindDelivery}
	ErrValidationFailed      = &Error{Kind: KindValidationFailed}
)

// Errorf builds a relay error of the given kind.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ValidationError builds a ValidationFailed error carrying field messages.
func ValidationError(fields map[string]string) *Error {
	return &Error{Kind: KindValidationFailed, Message: "validation failed", Fields: fields}
}

// GatewayAuthError reports a rejected credential exchange.
func GatewayAuthError(status int, body string) *Error {
	return &Error{
		Kind:    KindGatewayAuth,
		Message: fmt.Sprintf("failed to get token: response code %d with content %s", status, body),
	}
}
