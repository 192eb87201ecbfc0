package delegauth

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/MrEthical07/delegauth/credential"
	"github.com/MrEthical07/delegauth/internal/flight"
	"github.com/MrEthical07/delegauth/store"
	"github.com/sirupsen/logrus"
)

// OrganizationResolver loads the organizations visible to the delegated user and keeps
// the current selection. It is the only writer of the persisted selection.
type OrganizationResolver struct {
	store   *store.Store
	source  Exchanger
	session *SessionManager
	metrics *Metrics
	events  *eventDispatcher
	log     logrus.FieldLogger
	loads   *flight.Group[struct{}]

	commitMu sync.Mutex

	mu      sync.RWMutex
	orgs    []Organization
	current *Organization
	loading int
	loaded  bool
	lastErr error
	epoch   uint64
}

func newOrganizationResolver(d sessionDeps, session *SessionManager) *OrganizationResolver {
	return &OrganizationResolver{
		store:   d.store,
		source:  d.exchanger,
		session: session,
		metrics: d.metrics,
		events:  d.events,
		log:     d.log.WithField("component", "organizations"),
		loads:   flight.NewGroup[struct{}](d.timeout),
	}
}

// Load fetches the organization list for the current delegated credential and selects
// the persisted organization when it is still a member, else the first one, else none.
//
// Concurrent calls for the same delegated access token share one fetch. A fetch that
// completes after Clear, or after the delegated user changed, is discarded.
func (r *OrganizationResolver) Load(ctx context.Context) error {
	cred, ok := r.session.Credential()
	if !ok {
		return ErrUnauthenticated
	}
	r.mu.RLock()
	epoch := r.epoch
	r.mu.RUnlock()
	_, _, err := r.loads.Do(ctx, flightKey(flight.Fingerprint(cred.AccessToken), epoch), func(runCtx context.Context) (struct{}, error) {
		return struct{}{}, r.runLoad(runCtx, cred, epoch)
	})
	return err
}

func (r *OrganizationResolver) runLoad(ctx context.Context, cred DelegatedCredential, epoch uint64) error {
	r.mu.Lock()
	r.loading++
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.loading--
		r.mu.Unlock()
	}()

	log := r.log.WithField("user_id", cred.Profile.ID)

	orgs, err := r.source.ListOrganizations(ctx, cred.AccessToken)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrOrganizationLoadFailed, err)
		r.mu.Lock()
		if r.epoch == epoch {
			r.lastErr = err
		}
		r.mu.Unlock()
		r.metrics.Inc(MetricOrganizationLoadFailure)
		r.events.Emit(ctx, newEvent(EventOrganizationsLoaded, false, err))
		log.WithError(err).Warn("delegauth: organization load failed")
		return err
	}
	orgs = credential.NormalizeOrganizations(orgs)

	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	if r.staleLoad(epoch, cred) {
		log.Info("delegauth: stale organization list discarded")
		return ErrSuperseded
	}

	persisted, _ := r.store.SelectedOrganization()
	var current *Organization
	if org, ok := credential.FindOrganization(orgs, persisted); ok {
		current = &org
	} else if len(orgs) > 0 {
		first := orgs[0]
		current = &first
	}

	selected := ""
	if current != nil {
		selected = current.ID
	}
	if selected != persisted {
		if err := r.store.SetSelectedOrganization(ctx, selected); err != nil {
			err = fmt.Errorf("%w: persist selection: %v", ErrOrganizationLoadFailed, err)
			r.mu.Lock()
			r.lastErr = err
			r.mu.Unlock()
			r.metrics.Inc(MetricOrganizationLoadFailure)
			return err
		}
	}

	r.mu.Lock()
	r.orgs = orgs
	r.current = current
	r.loaded = true
	r.lastErr = nil
	r.mu.Unlock()

	r.metrics.Inc(MetricOrganizationLoadSuccess)
	ev := newEvent(EventOrganizationsLoaded, true, nil)
	ev.UserID = cred.Profile.ID
	ev.OrganizationID = selected
	ev.Metadata = map[string]string{"count": fmt.Sprint(len(orgs))}
	r.events.Emit(ctx, ev)
	log.WithFields(logrus.Fields{"count": len(orgs), "organization_id": selected}).Debug("delegauth: organizations loaded")
	return nil
}

func (r *OrganizationResolver) staleLoad(epoch uint64, used DelegatedCredential) bool {
	r.mu.RLock()
	cleared := r.epoch != epoch
	r.mu.RUnlock()
	if cleared {
		return true
	}
	current, ok := r.session.Credential()
	return !ok || current.Profile.ID != used.Profile.ID
}

// Switch selects organization id and persists the choice. It returns
// [ErrOrganizationNotFound] without changing the selection when id is not in the loaded
// set. The list is never re-fetched.
func (r *OrganizationResolver) Switch(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)

	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	r.mu.RLock()
	org, ok := credential.FindOrganization(r.orgs, id)
	r.mu.RUnlock()
	if !ok {
		r.metrics.Inc(MetricOrganizationSwitchRejected)
		return fmt.Errorf("%w: %q", ErrOrganizationNotFound, id)
	}

	if err := r.store.SetSelectedOrganization(ctx, org.ID); err != nil {
		return fmt.Errorf("persist organization selection: %w", err)
	}

	r.mu.Lock()
	previous := ""
	if r.current != nil {
		previous = r.current.ID
	}
	r.current = &org
	r.mu.Unlock()

	r.metrics.Inc(MetricOrganizationSwitch)
	ev := newEvent(EventOrganizationSwitched, true, nil)
	ev.OrganizationID = org.ID
	ev.Metadata = map[string]string{"previous_organization_id": previous}
	r.events.Emit(ctx, ev)
	r.log.WithFields(logrus.Fields{"organization_id": org.ID, "previous": previous}).Info("delegauth: organization switched")
	return nil
}

// Clear empties the organization set and selection, including the persisted choice.
func (r *OrganizationResolver) Clear(ctx context.Context) error {
	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	r.resetLocked()
	if err := r.store.SetSelectedOrganization(ctx, ""); err != nil {
		return fmt.Errorf("clear organization selection: %w", err)
	}
	return nil
}

// reset empties in-memory state and invalidates in-flight loads. It runs as a session
// manager dependent and waits for a load that is already committing.
func (r *OrganizationResolver) reset() {
	r.commitMu.Lock()
	defer r.commitMu.Unlock()
	r.resetLocked()
}

func (r *OrganizationResolver) resetLocked() {
	r.mu.Lock()
	r.epoch++
	r.orgs = nil
	r.current = nil
	r.loaded = false
	r.lastErr = nil
	r.mu.Unlock()
}

// Loaded reports whether a list has been committed since the last clear.
func (r *OrganizationResolver) Loaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loaded
}

// Err returns the last load failure, or nil.
func (r *OrganizationResolver) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastErr
}

// State returns a copy of the organization state.
func (r *OrganizationResolver) State() OrganizationState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := OrganizationState{
		IsLoading: r.loading > 0,
		Loaded:    r.loaded,
	}
	if len(r.orgs) > 0 {
		st.Organizations = append([]Organization(nil), r.orgs...)
	}
	if r.current != nil {
		cur := *r.current
		st.Current = &cur
	}
	return st
}
