package delegauth

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/oauth2"
)

// PrimarySession is a [PrimaryProvider] whose state is pushed by the host identity flow.
//
// Every state change is announced on Changes, which coalesces bursts into one pending
// notification. Pass Changes to [Facade.Watch] to keep the facade in sync.
type PrimarySession struct {
	mu      sync.RWMutex
	cred    PrimaryCredential
	changes chan struct{}

	signIn  func(ctx context.Context) (string, error)
	signOut func(ctx context.Context) error
}

// PrimarySessionOption configures a [PrimarySession].
type PrimarySessionOption func(*PrimarySession)

// WithSignIn sets the function that runs the external sign-in and returns the primary token.
func WithSignIn(fn func(ctx context.Context) (string, error)) PrimarySessionOption {
	return func(p *PrimarySession) { p.signIn = fn }
}

// WithSignOut sets the function that ends the external session.
func WithSignOut(fn func(ctx context.Context) error) PrimarySessionOption {
	return func(p *PrimarySession) { p.signOut = fn }
}

// NewPrimarySession returns an unauthenticated session.
func NewPrimarySession(opts ...PrimarySessionOption) *PrimarySession {
	p := &PrimarySession{changes: make(chan struct{}, 1)}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *PrimarySession) Primary() PrimaryCredential {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cred
}

// Changes delivers a notification after every state change.
func (p *PrimarySession) Changes() <-chan struct{} {
	return p.changes
}

// SetToken marks the session authenticated with token. An empty token signs the session out.
func (p *PrimarySession) SetToken(token string) {
	token = strings.TrimSpace(token)
	p.set(PrimaryCredential{AccessToken: token, IsAuthenticated: token != ""})
}

// SetLoading marks the external flow as in progress, keeping the current token.
func (p *PrimarySession) SetLoading(loading bool) {
	p.mu.Lock()
	p.cred.IsLoading = loading
	p.mu.Unlock()
	p.notify()
}

// Reset marks the session unauthenticated.
func (p *PrimarySession) Reset() {
	p.set(PrimaryCredential{})
}

// SignIn runs the configured sign-in function. Without one it returns
// [ErrPrimarySignInUnavailable] and leaves the state untouched.
func (p *PrimarySession) SignIn(ctx context.Context) error {
	if p.signIn == nil {
		p.mu.RLock()
		present := p.cred.Present()
		p.mu.RUnlock()
		if present {
			return nil
		}
		return ErrPrimarySignInUnavailable
	}
	p.SetLoading(true)
	token, err := p.signIn(ctx)
	if err != nil {
		p.SetLoading(false)
		return fmt.Errorf("primary sign-in: %w", err)
	}
	p.SetToken(token)
	return nil
}

// SignOut runs the configured sign-out function, then marks the session unauthenticated.
func (p *PrimarySession) SignOut(ctx context.Context) error {
	var err error
	if p.signOut != nil {
		err = p.signOut(ctx)
	}
	p.Reset()
	if err != nil {
		return fmt.Errorf("primary sign-out: %w", err)
	}
	return nil
}

func (p *PrimarySession) set(cred PrimaryCredential) {
	p.mu.Lock()
	p.cred = cred
	p.mu.Unlock()
	p.notify()
}

func (p *PrimarySession) notify() {
	select {
	case p.changes <- struct{}{}:
	default:
	}
}

// TokenSourcePrimary adapts an [oauth2.TokenSource] into a [PrimaryProvider]. The primary
// session is authenticated while the source yields a valid token; a rotated token value
// changes the exchange fingerprint.
type TokenSourcePrimary struct {
	src oauth2.TokenSource

	mu        sync.Mutex
	signedOut bool
}

// NewTokenSourcePrimary wraps src so valid tokens are reused until they expire.
func NewTokenSourcePrimary(src oauth2.TokenSource) *TokenSourcePrimary {
	return &TokenSourcePrimary{src: oauth2.ReuseTokenSource(nil, src)}
}

func (t *TokenSourcePrimary) Primary() PrimaryCredential {
	t.mu.Lock()
	signedOut := t.signedOut
	t.mu.Unlock()
	if signedOut {
		return PrimaryCredential{}
	}
	tok, err := t.src.Token()
	if err != nil || !tok.Valid() {
		return PrimaryCredential{}
	}
	return PrimaryCredential{AccessToken: tok.AccessToken, IsAuthenticated: true}
}

// SignIn fetches a token from the source and clears a previous sign-out.
func (t *TokenSourcePrimary) SignIn(context.Context) error {
	tok, err := t.src.Token()
	if err != nil {
		return fmt.Errorf("primary sign-in: %w", err)
	}
	if !tok.Valid() {
		return fmt.Errorf("primary sign-in: %w", ErrPrimarySignInUnavailable)
	}
	t.mu.Lock()
	t.signedOut = false
	t.mu.Unlock()
	return nil
}

// SignOut reports the session unauthenticated until the next SignIn.
func (t *TokenSourcePrimary) SignOut(context.Context) error {
	t.mu.Lock()
	t.signedOut = true
	t.mu.Unlock()
	return nil
}
