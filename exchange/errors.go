package exchange

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrExchangeFailed matches every failure of [Client.Exchange].
	ErrExchangeFailed = errors.New("delegated token exchange failed")
	// ErrRefreshFailed matches every failure of [Client.Refresh].
	ErrRefreshFailed = errors.New("delegated token refresh failed")
	// ErrOrganizationsFailed matches every failure of [Client.ListOrganizations].
	ErrOrganizationsFailed = errors.New("organization listing failed")
	// ErrUnauthorized matches 401 and 403 responses.
	ErrUnauthorized = errors.New("credential rejected")
	// ErrTransport matches failures to reach the backend at all.
	ErrTransport = errors.New("transport error")
)

// Op names the remote operation that failed.
type Op string

const (
	OpExchange      Op = "exchange"
	OpRefresh       Op = "refresh"
	OpOrganizations Op = "organizations"
)

// Kind classifies a failure independently of the operation.
type Kind int

const (
	// KindInvalidRequest means the request was never sent (missing input or configuration).
	KindInvalidRequest Kind = iota
	// KindTransport means the request could not be completed on the network.
	KindTransport
	// KindUnauthorized means the backend rejected the presented credential.
	KindUnauthorized
	// KindServer means the backend answered 5xx.
	KindServer
	// KindRejected means any other non-2xx answer.
	KindRejected
	// KindMalformed means a 2xx answer whose body did not have the expected shape.
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindInvalidRequest:
		return "invalid_request"
	case KindTransport:
		return "transport"
	case KindUnauthorized:
		return "unauthorized"
	case KindServer:
		return "server"
	case KindRejected:
		return "rejected"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Error is the typed failure of every client call.
type Error struct {
	Op         Op
	Kind       Kind
	StatusCode int
	RequestID  string
	Message    string
	Cause      error
}

func (e *Error) Error() string {
	if e == nil {
		return ErrExchangeFailed.Error()
	}
	base := opSentinel(e.Op).Error() + ": " + e.Kind.String()
	if msg := strings.TrimSpace(e.Message); msg != "" {
		base += ": " + msg
	}
	if e.StatusCode > 0 {
		base += fmt.Sprintf(" (status=%d)", e.StatusCode)
	}
	if e.Cause != nil {
		base += ": " + e.Cause.Error()
	}
	return base
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches the operation sentinel and the kind sentinel.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	if target == opSentinel(e.Op) {
		return true
	}
	switch e.Kind {
	case KindUnauthorized:
		return target == ErrUnauthorized
	case KindTransport:
		return target == ErrTransport
	}
	return false
}

// Temporary reports whether a caller-level retry may succeed.
func (e *Error) Temporary() bool {
	return e != nil && (e.Kind == KindTransport || e.Kind == KindServer)
}

func opSentinel(op Op) error {
	switch op {
	case OpRefresh:
		return ErrRefreshFailed
	case OpOrganizations:
		return ErrOrganizationsFailed
	default:
		return ErrExchangeFailed
	}
}
