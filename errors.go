package delegauth

import (
	"errors"

	"github.com/MrEthical07/delegauth/exchange"
)

var (
	// ErrExchangeFailed is returned when the primary token could not be exchanged.
	ErrExchangeFailed = exchange.ErrExchangeFailed
	// ErrRefreshFailed is returned when the delegated refresh token was not accepted. The
	// delegated session is cleared whenever it is returned.
	ErrRefreshFailed = exchange.ErrRefreshFailed
	// ErrUnauthorized is returned when the backend rejects a delegated token, including the
	// second 401 of an authenticated call.
	ErrUnauthorized = exchange.ErrUnauthorized
	// ErrTransport is returned when the backend could not be reached at all.
	ErrTransport = exchange.ErrTransport
	// ErrUnauthenticated is returned when an operation needs a delegated credential and none exists.
	ErrUnauthenticated = errors.New("no delegated credential")
	// ErrOrganizationLoadFailed is returned when the organization list could not be fetched.
	ErrOrganizationLoadFailed = errors.New("organization load failed")
	// ErrOrganizationNotFound is returned when switching to an organization outside the loaded set.
	ErrOrganizationNotFound = errors.New("organization not found")
	// ErrSuperseded is returned to callers whose result was discarded because the primary
	// token changed or the session was cleared while the call was in flight.
	ErrSuperseded = errors.New("result superseded")
	// ErrRefreshThrottled is returned when refreshes are issued faster than Refresh.MinInterval allows.
	ErrRefreshThrottled = errors.New("refresh throttled")
	// ErrFacadeNotReady is returned by a nil or closed facade.
	ErrFacadeNotReady = errors.New("facade not ready")
	// ErrPrimarySignInUnavailable is returned when the primary provider cannot start a sign-in.
	ErrPrimarySignInUnavailable = errors.New("primary sign-in unavailable")
)

// retryable reports whether err is a backend failure that a later attempt may not repeat.
func retryable(err error) bool {
	var e *exchange.Error
	return errors.As(err, &e) && e.Temporary()
}
