package delegauth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrEthical07/delegauth/credential"
	"github.com/MrEthical07/delegauth/internal/flight"
	"github.com/MrEthical07/delegauth/store"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// SessionManager owns the lifecycle of the delegated credential: it exchanges the primary
// token, commits the result to the store, refreshes it and clears it.
//
// It is the only writer of the delegated credential. All methods are safe for concurrent use.
type SessionManager struct {
	store     *store.Store
	exchanger Exchanger
	metrics   *Metrics
	events    *eventDispatcher
	log       logrus.FieldLogger
	now       func() time.Time
	limiter   *rate.Limiter

	guard     flight.Guard
	exchanges *flight.Group[struct{}]
	refreshes *flight.Group[struct{}]

	// commitMu serializes every store write together with its staleness check.
	commitMu sync.Mutex

	mu          sync.RWMutex
	state       SessionState
	lastErr     error
	target      string // fingerprint of the most recently requested primary token
	committedFP string // fingerprint the stored credential was exchanged under
	epoch       uint64 // advanced by every clear

	dependents []func()
}

type sessionDeps struct {
	store     *store.Store
	exchanger Exchanger
	metrics   *Metrics
	events    *eventDispatcher
	log       logrus.FieldLogger
	timeout   time.Duration
	refresh   RefreshConfig
}

func newSessionManager(d sessionDeps) *SessionManager {
	limit := rate.Inf
	burst := 1
	if d.refresh.MinInterval > 0 {
		limit = rate.Every(d.refresh.MinInterval)
		burst = d.refresh.Burst
	}
	m := &SessionManager{
		store:     d.store,
		exchanger: d.exchanger,
		metrics:   d.metrics,
		events:    d.events,
		log:       d.log.WithField("component", "session"),
		now:       time.Now,
		limiter:   rate.NewLimiter(limit, burst),
		exchanges: flight.NewGroup[struct{}](d.timeout),
		refreshes: flight.NewGroup[struct{}](d.timeout),
		state:     StateUninitialized,
	}
	if _, ok := d.store.Credential(); ok {
		m.state = StateAuthenticated
	}
	return m
}

// onClear registers fn to run synchronously whenever the delegated session is cleared or
// fails. On a clear fn runs before the store is wiped, so a dependent write that completes
// before fn returns is wiped with it. Registration happens during Build only.
func (m *SessionManager) onClear(fn func()) {
	m.dependents = append(m.dependents, fn)
}

// State returns the current lifecycle state.
func (m *SessionManager) State() SessionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Err returns the error recorded by the last failed transition, or nil.
func (m *SessionManager) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// IsAuthenticated reports whether a committed delegated credential is usable.
func (m *SessionManager) IsAuthenticated() bool {
	_, ok := m.Credential()
	return ok
}

// Credential returns the committed delegated credential while the session is
// authenticated or refreshing.
func (m *SessionManager) Credential() (DelegatedCredential, bool) {
	m.mu.RLock()
	state := m.state
	m.mu.RUnlock()
	if state != StateAuthenticated && state != StateRefreshing {
		return DelegatedCredential{}, false
	}
	return m.store.Credential()
}

// Initialize exchanges primaryToken for a delegated credential.
//
// Concurrent calls for the same token share one exchange and its outcome. A call for a
// token that already produced the committed credential returns nil without a network
// call. A result that completes after a newer token was requested, or after Clear, is
// discarded and its callers receive [ErrSuperseded].
func (m *SessionManager) Initialize(ctx context.Context, primaryToken string) error {
	token := strings.TrimSpace(primaryToken)
	if token == "" {
		return fmt.Errorf("%w: primary token is empty", ErrExchangeFailed)
	}
	fp := flight.Fingerprint(token)

	m.commitMu.Lock()
	m.mu.Lock()
	m.target = fp
	epoch := m.epoch
	done := m.committedFP == fp && (m.state == StateAuthenticated || m.state == StateRefreshing)
	m.mu.Unlock()
	m.commitMu.Unlock()
	if done {
		return nil
	}

	_, shared, err := m.exchanges.Do(ctx, flightKey(fp, epoch), func(runCtx context.Context) (struct{}, error) {
		return struct{}{}, m.runExchange(runCtx, token, fp, epoch)
	})
	if shared {
		m.metrics.Inc(MetricExchangeDeduplicated)
	}
	return err
}

// flightKey scopes a coalesced call to one session epoch, so a call made after Clear never
// joins a flight that Clear already discarded.
func flightKey(fp string, epoch uint64) string {
	return fp + ":" + strconv.FormatUint(epoch, 10)
}

func (m *SessionManager) runExchange(ctx context.Context, token, fp string, epoch uint64) error {
	if !m.guard.Admit(fp) {
		// Admitted earlier and still standing: either committed or discarded as stale.
		if m.committed(fp) {
			return nil
		}
		return ErrSuperseded
	}

	m.mu.Lock()
	if m.epoch == epoch && (m.state == StateUninitialized || m.state == StateFailed) {
		m.state = StateInitializing
	}
	m.mu.Unlock()

	log := m.log.WithFields(logrus.Fields{"op": "exchange", "fingerprint": flight.Short(fp)})
	log.Debug("delegauth: exchange started")

	grant, err := m.exchanger.Exchange(ctx, token)
	if err != nil {
		m.guard.Release(fp)
		if !m.failExchange(err, fp, epoch) {
			m.discard(log, EventExchange)
			return ErrSuperseded
		}
		log.WithError(err).WithField("retryable", retryable(err)).Warn("delegauth: exchange failed")
		return err
	}

	if err := m.commit(ctx, grant, fp, epoch); err != nil {
		m.guard.Release(fp)
		if errors.Is(err, ErrSuperseded) {
			m.discard(log, EventExchange)
			return err
		}
		err = fmt.Errorf("%w: %v", ErrExchangeFailed, err)
		if !m.failExchange(err, fp, epoch) {
			m.discard(log, EventExchange)
			return ErrSuperseded
		}
		log.WithError(err).Warn("delegauth: exchange commit failed")
		return err
	}

	m.metrics.Inc(MetricExchangeSuccess)
	ev := newEvent(EventExchange, true, nil)
	ev.State = StateAuthenticated.String()
	ev.UserID = grant.Profile.ID
	m.events.Emit(ctx, ev)
	log.WithField("user_id", grant.Profile.ID).Info("delegauth: delegated session established")
	return nil
}

// commit validates and writes grant as one credential. It fails with ErrSuperseded when
// fp is no longer the requested fingerprint (fp == "" skips that check) or the session was
// cleared since epoch.
func (m *SessionManager) commit(ctx context.Context, grant Grant, fp string, epoch uint64) error {
	cred := credential.Delegated{
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		Profile:      grant.Profile,
		FetchedAt:    m.now().UTC(),
		ExpiresAt:    credential.ExpiryFromToken(grant.AccessToken),
	}

	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	if m.stale(fp, epoch) {
		return ErrSuperseded
	}
	if err := m.store.CommitCredential(ctx, cred); err != nil {
		return err
	}

	m.mu.Lock()
	m.state = StateAuthenticated
	m.lastErr = nil
	if fp != "" {
		m.committedFP = fp
	}
	m.mu.Unlock()
	return nil
}

func (m *SessionManager) stale(fp string, epoch uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.epoch != epoch {
		return true
	}
	return fp != "" && m.target != fp
}

func (m *SessionManager) committed(fp string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.committedFP == fp && (m.state == StateAuthenticated || m.state == StateRefreshing)
}

func (m *SessionManager) discard(log logrus.FieldLogger, typ EventType) {
	m.metrics.Inc(MetricExchangeStaleDiscarded)
	ev := newEvent(EventExchangeDiscarded, false, ErrSuperseded)
	ev.Metadata = map[string]string{"op": string(typ)}
	m.events.Emit(context.Background(), ev)
	log.Info("delegauth: stale result discarded")
}

// failExchange records an exchange failure unless the attempt is stale. The stored
// credential, if any, is kept so a later refresh can recover; organization state is cleared.
func (m *SessionManager) failExchange(err error, fp string, epoch uint64) bool {
	m.commitMu.Lock()
	if m.stale(fp, epoch) {
		m.commitMu.Unlock()
		return false
	}
	m.mu.Lock()
	m.state = StateFailed
	m.lastErr = err
	m.mu.Unlock()
	m.commitMu.Unlock()

	m.metrics.Inc(MetricExchangeFailure)

	m.notifyDependents()
	ev := newEvent(EventExchange, false, err)
	ev.State = StateFailed.String()
	ev.Metadata = map[string]string{"retryable": strconv.FormatBool(retryable(err))}
	m.events.Emit(context.Background(), ev)
	return true
}

// Refresh replaces the delegated credential using its refresh token.
//
// Concurrent calls for the same refresh token share one backend call. Any failure other
// than throttling is terminal: the session moves to [StateFailed] and the stored
// credential and organization state are cleared.
func (m *SessionManager) Refresh(ctx context.Context) error {
	m.mu.RLock()
	state := m.state
	m.mu.RUnlock()
	if state != StateAuthenticated && state != StateRefreshing && state != StateFailed {
		return ErrUnauthenticated
	}
	cred, ok := m.store.Credential()
	if !ok {
		return ErrUnauthenticated
	}
	return m.refresh(ctx, cred)
}

// RefreshIfStale refreshes only if usedAccessToken is still the stored access token. A
// caller holding a token that was already replaced gets nil without a backend call.
func (m *SessionManager) RefreshIfStale(ctx context.Context, usedAccessToken string) error {
	cred, ok := m.Credential()
	if !ok {
		return ErrUnauthenticated
	}
	if cred.AccessToken != usedAccessToken {
		m.metrics.Inc(MetricRefreshSkipped)
		return nil
	}
	return m.refresh(ctx, cred)
}

func (m *SessionManager) refresh(ctx context.Context, cred DelegatedCredential) error {
	m.mu.RLock()
	epoch := m.epoch
	m.mu.RUnlock()
	key := flightKey(flight.Fingerprint(cred.RefreshToken), epoch)
	_, shared, err := m.refreshes.Do(ctx, key, func(runCtx context.Context) (struct{}, error) {
		return struct{}{}, m.runRefresh(runCtx, cred, epoch)
	})
	if shared {
		m.metrics.Inc(MetricRefreshShared)
	}
	return err
}

func (m *SessionManager) runRefresh(ctx context.Context, used DelegatedCredential, epoch uint64) error {
	log := m.log.WithFields(logrus.Fields{"op": "refresh", "user_id": used.Profile.ID})

	// The caller read the credential before joining; its refresh token may already be rotated.
	current, ok := m.store.Credential()
	if !ok {
		return ErrUnauthenticated
	}
	if current.RefreshToken != used.RefreshToken {
		m.metrics.Inc(MetricRefreshSkipped)
		return nil
	}
	if !m.limiter.Allow() {
		m.metrics.Inc(MetricRefreshThrottled)
		m.events.Emit(ctx, newEvent(EventRefreshThrottled, false, ErrRefreshThrottled))
		log.Debug("delegauth: refresh throttled")
		return ErrRefreshThrottled
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return ErrSuperseded
	}
	prev := m.state
	if m.state == StateAuthenticated {
		m.state = StateRefreshing
	}
	m.mu.Unlock()

	grant, err := m.exchanger.Refresh(ctx, used.RefreshToken)
	if err == nil {
		var committed bool
		committed, err = m.commitRefresh(ctx, grant, used, epoch)
		if err == nil && !committed {
			m.restoreState(prev, epoch)
			m.metrics.Inc(MetricRefreshSkipped)
			return nil
		}
		if err == nil {
			m.metrics.Inc(MetricRefreshSuccess)
			ev := newEvent(EventRefresh, true, nil)
			ev.State = StateAuthenticated.String()
			ev.UserID = grant.Profile.ID
			m.events.Emit(ctx, ev)
			log.Debug("delegauth: delegated session refreshed")
			return nil
		}
		if errors.Is(err, ErrSuperseded) {
			m.restoreState(prev, epoch)
			return err
		}
		if !errors.Is(err, ErrRefreshFailed) {
			err = fmt.Errorf("%w: %v", ErrRefreshFailed, err)
		}
	}

	// A failure for a credential that has since been replaced carries no information about
	// the current one.
	if m.replaced(used) {
		m.restoreState(prev, epoch)
		m.metrics.Inc(MetricRefreshSkipped)
		return nil
	}
	return m.failRefresh(ctx, err, epoch, log)
}

// commitRefresh writes grant unless another exchange or refresh already replaced used.
func (m *SessionManager) commitRefresh(ctx context.Context, grant Grant, used DelegatedCredential, epoch uint64) (bool, error) {
	if grant.Profile.ID != used.Profile.ID {
		return false, fmt.Errorf("%w: refresh returned a different user", ErrRefreshFailed)
	}
	current, ok := m.store.Credential()
	if !ok {
		return false, ErrSuperseded
	}
	if current.RefreshToken != used.RefreshToken {
		return false, nil
	}
	if err := m.commit(ctx, grant, "", epoch); err != nil {
		return false, err
	}
	return true, nil
}

// replaced reports whether the stored credential no longer carries used's refresh token.
func (m *SessionManager) replaced(used DelegatedCredential) bool {
	current, ok := m.store.Credential()
	return ok && current.RefreshToken != used.RefreshToken
}

// restoreState leaves Refreshing after a refresh that committed nothing.
func (m *SessionManager) restoreState(prev SessionState, epoch uint64) {
	if prev == StateRefreshing {
		prev = StateAuthenticated
	}
	m.mu.Lock()
	if m.epoch == epoch && m.state == StateRefreshing {
		m.state = prev
	}
	m.mu.Unlock()
}

func (m *SessionManager) failRefresh(ctx context.Context, err error, epoch uint64, log logrus.FieldLogger) error {
	m.commitMu.Lock()
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		m.commitMu.Unlock()
		return ErrSuperseded
	}
	m.epoch++
	m.state = StateFailed
	m.lastErr = err
	m.target = ""
	m.committedFP = ""
	m.mu.Unlock()
	m.notifyDependents()
	clearErr := m.store.ClearAll(ctx)
	m.commitMu.Unlock()

	m.guard.Reset()

	m.metrics.Inc(MetricRefreshFailure)
	m.metrics.Inc(MetricSessionCleared)
	ev := newEvent(EventRefresh, false, err)
	ev.State = StateFailed.String()
	m.events.Emit(ctx, ev)
	log.WithError(err).Warn("delegauth: refresh failed, delegated session cleared")

	if clearErr != nil {
		log.WithError(clearErr).Error("delegauth: clearing store after refresh failure")
		return errors.Join(err, clearErr)
	}
	return err
}

// Clear removes the delegated credential and the organization selection from the store in
// one write, resets the guard, clears organization state and moves to
// [StateUninitialized]. In-flight exchanges and refreshes started before Clear are discarded.
func (m *SessionManager) Clear(ctx context.Context) error {
	m.commitMu.Lock()
	m.mu.Lock()
	m.epoch++
	prev := m.state
	m.state = StateUninitialized
	m.lastErr = nil
	m.target = ""
	m.committedFP = ""
	m.mu.Unlock()
	m.notifyDependents()
	err := m.store.ClearAll(ctx)
	m.commitMu.Unlock()

	m.guard.Reset()

	if prev != StateUninitialized {
		m.metrics.Inc(MetricSessionCleared)
		ev := newEvent(EventCleared, err == nil, err)
		ev.State = StateUninitialized.String()
		ev.Metadata = map[string]string{"previous_state": prev.String()}
		m.events.Emit(ctx, ev)
		m.log.WithField("previous_state", prev.String()).Info("delegauth: delegated session cleared")
	}
	if err != nil {
		return fmt.Errorf("clear delegated session: %w", err)
	}
	return nil
}

// ResetGuard forgets the last attempted primary token so the next Initialize for it
// issues a new exchange.
func (m *SessionManager) ResetGuard() {
	m.guard.Reset()
}

func (m *SessionManager) notifyDependents() {
	for _, fn := range m.dependents {
		fn()
	}
}

func (m *SessionManager) view() DelegatedView {
	m.mu.RLock()
	state := m.state
	m.mu.RUnlock()

	v := DelegatedView{State: state}
	if state != StateAuthenticated && state != StateRefreshing {
		return v
	}
	cred, ok := m.store.Credential()
	if !ok {
		return v
	}
	profile := cred.Profile
	v.IsAuthenticated = true
	v.Profile = &profile
	v.FetchedAt = cred.FetchedAt
	v.ExpiresAt = cred.ExpiresAt
	return v
}
