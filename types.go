package delegauth

import (
	"context"
	"time"

	"github.com/MrEthical07/delegauth/credential"
	"github.com/MrEthical07/delegauth/exchange"
)

type (
	// PrimaryCredential is the externally owned base identity credential.
	PrimaryCredential = credential.Primary
	// DelegatedCredential is the access/refresh pair exchanged from the primary credential.
	DelegatedCredential = credential.Delegated
	// UserProfile is the identity snapshot returned with every exchange or refresh.
	UserProfile = credential.Profile
	// Organization is a tenant the delegated user can act in.
	Organization = credential.Organization
	// Grant is a successful exchange or refresh response.
	Grant = exchange.Grant
)

// PrimaryProvider exposes the primary session owned by the host identity flow.
//
// Primary must be cheap and safe for concurrent use. SignIn and SignOut drive the external
// flow; providers that cannot start one return [ErrPrimarySignInUnavailable].
type PrimaryProvider interface {
	Primary() PrimaryCredential
	SignIn(ctx context.Context) error
	SignOut(ctx context.Context) error
}

// Exchanger is the delegated-auth backend. [*exchange.Client] implements it.
type Exchanger interface {
	Exchange(ctx context.Context, primaryToken string) (Grant, error)
	Refresh(ctx context.Context, refreshToken string) (Grant, error)
	ListOrganizations(ctx context.Context, accessToken string) ([]Organization, error)
}

// SessionState is the lifecycle state of the delegated session.
type SessionState int

const (
	// StateUninitialized means no delegated credential exists and none is being fetched.
	StateUninitialized SessionState = iota
	// StateInitializing means an exchange is in flight.
	StateInitializing
	// StateAuthenticated means a committed delegated credential is available.
	StateAuthenticated
	// StateRefreshing means a refresh is in flight; the previous credential is still usable.
	StateRefreshing
	// StateFailed means the last exchange or refresh failed.
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshing:
		return "refreshing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PrimaryView is the token-free projection of the primary session.
type PrimaryView struct {
	IsAuthenticated bool
	IsLoading       bool
}

// DelegatedView is the token-free projection of the delegated session.
type DelegatedView struct {
	IsAuthenticated bool
	State           SessionState
	Profile         *UserProfile
	FetchedAt       time.Time
	ExpiresAt       time.Time
}

// OrganizationState is the organization set and the current selection.
//
// Current is always an element of Organizations or nil.
type OrganizationState struct {
	Organizations []Organization
	Current       *Organization
	IsLoading     bool
	Loaded        bool
}

// CombinedView is the read projection of all three layers. It is derived on every call
// and never stored.
type CombinedView struct {
	Primary      PrimaryView
	Delegated    DelegatedView
	Organization OrganizationState

	// IsFullyAuthenticated is true only when the primary session, the delegated session and
	// the organization selection all agree.
	IsFullyAuthenticated bool
	IsLoading            bool
	Error                string
}
