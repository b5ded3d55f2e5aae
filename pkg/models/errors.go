package models

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies failures so callers can branch programmatically.
// Components compare kinds, not concrete error values.
type ErrorKind string

const (
	KindNone                    ErrorKind = ""
	KindConfig                  ErrorKind = "config_error"
	KindAuth                    ErrorKind = "auth_error"
	KindTransient               ErrorKind = "transient"
	KindRateLimited             ErrorKind = "rate_limited"
	KindClientError             ErrorKind = "client_error"
	KindProtocolError           ErrorKind = "protocol_error"
	KindTimeout                 ErrorKind = "timeout"
	KindCancelled               ErrorKind = "cancelled"
	KindDependencyOpen          ErrorKind = "dependency_open"
	KindBackingStoreUnavailable ErrorKind = "backing_store_unavailable"
	KindResourceExhausted       ErrorKind = "resource_exhausted"
	KindProviderUnavailable     ErrorKind = "provider_unavailable"
)

// Retryable reports whether a call failing with this kind may be retried.
func (k ErrorKind) Retryable() bool {
	return k == KindTransient || k == KindRateLimited
}

// GatewayError pairs an ErrorKind with a caller-safe detail message.
// Detail never contains credential material or internal stack frames.
type GatewayError struct {
	Kind   ErrorKind
	Detail string
	cause  error
}

// NewError creates a GatewayError with the given kind and detail.
func NewError(kind ErrorKind, detail string) *GatewayError {
	return &GatewayError{Kind: kind, Detail: detail}
}

// WrapError creates a GatewayError wrapping an underlying cause.
func WrapError(kind ErrorKind, detail string, cause error) *GatewayError {
	return &GatewayError{Kind: kind, Detail: detail, cause: cause}
}

func (e *GatewayError) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *GatewayError) Unwrap() error {
	return e.cause
}

// KindOf extracts the ErrorKind from an error chain. Context errors map to
// their gateway kinds; anything unclassified is reported as Transient so the
// retry layer stays conservative.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindTransient
}
