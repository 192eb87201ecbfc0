package delegauth

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/MrEthical07/delegauth/exchange"
	"github.com/sirupsen/logrus"
)

// Facade composes the primary session, the delegated session and the organization
// selection into one view and dispatches every auth action onto the owning manager.
//
// Facade holds no auth state of its own. It is safe for concurrent use.
type Facade struct {
	config  Config
	primary PrimaryProvider
	session *SessionManager
	orgs    *OrganizationResolver
	http    exchange.HTTPDoer
	metrics *Metrics
	events  *eventDispatcher
	log     logrus.FieldLogger

	closed atomic.Bool
}

func (f *Facade) ready() error {
	if f == nil || f.closed.Load() {
		return ErrFacadeNotReady
	}
	return nil
}

// Session returns the delegated session manager.
func (f *Facade) Session() *SessionManager {
	return f.session
}

// Organizations returns the organization resolver.
func (f *Facade) Organizations() *OrganizationResolver {
	return f.orgs
}

// Sync reconciles the delegated and organization layers with the current primary session.
//
// While the primary session is loading Sync does nothing. When it is authenticated and the
// delegated session is not, Sync exchanges the primary token and then loads organizations;
// when only organizations are missing it loads them. When the primary session has ended,
// Sync clears the delegated and organization state. A primary token rotation while the
// delegated session is authenticated does not trigger a new exchange.
func (f *Facade) Sync(ctx context.Context) error {
	if err := f.ready(); err != nil {
		return err
	}
	p := f.primary.Primary()
	if p.IsLoading {
		return nil
	}

	if !p.Present() {
		if f.session.State() == StateUninitialized && !f.orgs.Loaded() {
			return nil
		}
		f.log.Debug("delegauth: primary session ended, clearing delegated state")
		return f.session.Clear(ctx)
	}

	if !f.session.IsAuthenticated() {
		if err := f.session.Initialize(ctx, p.AccessToken); err != nil {
			return err
		}
	}
	if !f.orgs.Loaded() {
		if err := f.orgs.Load(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Watch calls Sync once and then on every value received from changes, until ctx ends or
// changes is closed. Sync errors are logged and surface through View.
func (f *Facade) Watch(ctx context.Context, changes <-chan struct{}) error {
	if err := f.ready(); err != nil {
		return err
	}
	f.syncLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-changes:
			if !ok {
				return nil
			}
			f.syncLogged(ctx)
		}
	}
}

func (f *Facade) syncLogged(ctx context.Context) {
	if err := f.Sync(ctx); err != nil && !errors.Is(err, ErrSuperseded) && ctx.Err() == nil {
		f.log.WithError(err).Warn("delegauth: sync failed")
	}
}

// Login asks the primary provider to sign in and then runs Sync.
func (f *Facade) Login(ctx context.Context) error {
	if err := f.ready(); err != nil {
		return err
	}
	if err := f.primary.SignIn(ctx); err != nil {
		return err
	}
	return f.Sync(ctx)
}

// Logout clears the delegated credential and organization state in one store write and
// then signs the primary session out. All three layers report absent when it returns.
func (f *Facade) Logout(ctx context.Context) error {
	if err := f.ready(); err != nil {
		return err
	}
	clearErr := f.session.Clear(ctx)
	signOutErr := f.primary.SignOut(ctx)
	return errors.Join(clearErr, signOutErr)
}

// Refresh refreshes the delegated credential.
func (f *Facade) Refresh(ctx context.Context) error {
	if err := f.ready(); err != nil {
		return err
	}
	return f.session.Refresh(ctx)
}

// SwitchOrganization selects a loaded organization and persists the choice.
func (f *Facade) SwitchOrganization(ctx context.Context, id string) error {
	if err := f.ready(); err != nil {
		return err
	}
	return f.orgs.Switch(ctx, id)
}

// Retry forgets the last attempted primary token and runs Sync again.
func (f *Facade) Retry(ctx context.Context) error {
	if err := f.ready(); err != nil {
		return err
	}
	f.session.ResetGuard()
	return f.Sync(ctx)
}

// View returns the combined projection of all three layers.
func (f *Facade) View() CombinedView {
	if f == nil {
		return CombinedView{Error: ErrFacadeNotReady.Error()}
	}
	p := f.primary.Primary()
	delegated := f.session.view()
	orgs := f.orgs.State()

	v := CombinedView{
		Primary:      PrimaryView{IsAuthenticated: p.IsAuthenticated, IsLoading: p.IsLoading},
		Delegated:    delegated,
		Organization: orgs,
	}
	v.IsFullyAuthenticated = p.IsAuthenticated && delegated.IsAuthenticated && orgs.Current != nil
	v.IsLoading = p.IsLoading ||
		delegated.State == StateInitializing ||
		delegated.State == StateRefreshing ||
		orgs.IsLoading
	if err := f.session.Err(); err != nil {
		v.Error = err.Error()
	} else if err := f.orgs.Err(); err != nil {
		v.Error = err.Error()
	}
	return v
}

// MetricsSnapshot returns a copy of all counters.
func (f *Facade) MetricsSnapshot() MetricsSnapshot {
	if f == nil {
		return MetricsSnapshot{}
	}
	return f.metrics.Snapshot()
}

// EventsDropped returns the number of events dropped because the buffer was full.
func (f *Facade) EventsDropped() uint64 {
	if f == nil {
		return 0
	}
	return f.events.Dropped()
}

// Close flushes pending events. Actions on a closed facade return [ErrFacadeNotReady].
func (f *Facade) Close() {
	if f == nil || !f.closed.CompareAndSwap(false, true) {
		return
	}
	f.events.Close()
}
