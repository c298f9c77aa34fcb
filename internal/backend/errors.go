package backend

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/sony/gobreaker/v2"
)

var (
	ErrPoolClosed  = errors.New("backend: pool closed")
	ErrNoEndpoints = errors.New("backend: no endpoints configured")
)

// ErrorKind classifies backend failures.
type ErrorKind uint8

const (
	KindInternal ErrorKind = iota
	KindTransport
	KindTimeout
	KindCircuitOpen
	KindUnauthenticated
	KindResourceExhausted
	KindNamespaceNotFound
	KindTooLarge
	KindRateLimited

	// KindInvalidKey and KindInvalidArgument reject a call before or without
	// touching the endpoint's health: the request itself was wrong.
	KindInvalidKey
	KindInvalidArgument

	// KindWrongType is a collection call on a key holding another type.
	KindWrongType

	// KindUnsupported is a call the session's backend kind cannot serve.
	KindUnsupported
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindTimeout:
		return "timeout"
	case KindCircuitOpen:
		return "circuit_open"
	case KindUnauthenticated:
		return "unauthenticated"
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindNamespaceNotFound:
		return "namespace_not_found"
	case KindTooLarge:
		return "too_large"
	case KindRateLimited:
		return "rate_limited"
	case KindInvalidKey:
		return "invalid_key"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindWrongType:
		return "wrong_type"
	case KindUnsupported:
		return "unsupported"
	default:
		return "internal"
	}
}

// Error is a failed backend call.
type Error struct {
	Kind     ErrorKind
	Op       string
	Endpoint string
	Err      error
}

func (e *Error) Error() string {
	if e.Endpoint == "" {
		return fmt.Sprintf("backend %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("backend %s %s: %s: %v", e.Op, e.Endpoint, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ShouldCloseConnection reports whether the session that produced the error
// is no longer usable. Wrapped errors that know their connection state decide
// for the other kinds.
func (e *Error) ShouldCloseConnection() bool {
	if e.Kind == KindTransport || e.Kind == KindTimeout {
		return true
	}
	var cs connectionState
	if errors.As(e.Err, &cs) {
		return cs.ShouldCloseConnection()
	}
	return false
}

type connectionState interface {
	ShouldCloseConnection() bool
}

// NewError wraps err. An err that already is an *Error keeps its kind.
func NewError(kind ErrorKind, op, endpoint string, err error) *Error {
	var be *Error
	if errors.As(err, &be) {
		return &Error{Kind: be.Kind, Op: op, Endpoint: endpoint, Err: be.Err}
	}
	return &Error{Kind: kind, Op: op, Endpoint: endpoint, Err: err}
}

// KindOf classifies any error returned by a Conn, a Pool or a breaker.
func KindOf(err error) ErrorKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return KindCircuitOpen
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindTransport
}

// ShouldCloseConnection reports whether err leaves its session unusable.
// Errors without connection state are treated as fatal to the session.
func ShouldCloseConnection(err error) bool {
	if err == nil {
		return false
	}
	var cs connectionState
	if errors.As(err, &cs) {
		return cs.ShouldCloseConnection()
	}
	return true
}

// countsAsFailure decides what trips the breaker: only failures that say
// something about the endpoint's health. Error replies, including unexpected
// ones, come from a live endpoint and are left to the caller.
func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindTransport, KindTimeout:
		return true
	}
	return false
}
