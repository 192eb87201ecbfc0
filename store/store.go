package store

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/MrEthical07/delegauth/credential"
	"github.com/sirupsen/logrus"
)

// Store is the cached, durable credential holder.
//
// Reads never touch the backend. Writes are serialized and applied to the backend before
// the cache, so a failed write leaves the previous state readable.
type Store struct {
	backend Backend
	keys    Keys
	log     logrus.FieldLogger
	onHeal  func(keys []string)

	writeMu sync.Mutex

	mu    sync.RWMutex
	raw   map[string][]byte
	cred  *credential.Delegated
	orgID string
}

// Option configures a Store at Open.
type Option func(*Store)

// WithPrefix sets the key namespace. The default is "delegauth".
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.keys = NewKeys(prefix)
	}
}

// WithLogger routes store diagnostics to log.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// WithHealHook is called with the keys removed when corruption is self-healed.
func WithHealHook(fn func(keys []string)) Option {
	return func(s *Store) {
		s.onHeal = fn
	}
}

// Open loads every namespaced key from backend into the cache.
func Open(ctx context.Context, backend Backend, opts ...Option) (*Store, error) {
	if backend == nil {
		return nil, errors.New("store: backend required")
	}
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	s := &Store{
		backend: backend,
		keys:    NewKeys(defaultPrefix),
		log:     discard,
		raw:     map[string][]byte{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithField("component", "store")

	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Keys returns the key layout in use.
func (s *Store) Keys() Keys {
	return s.keys
}

// Reload discards the cache and reads the backend again, healing corrupt values.
func (s *Store) Reload(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	raw, err := s.backend.Load(ctx, s.keys.All())
	corruptMedium := errors.Is(err, ErrCorrupt)
	if err != nil && !corruptMedium {
		return err
	}
	if raw == nil {
		raw = map[string][]byte{}
	}

	cred, status := decodeCredential(s.keys, raw)
	var heal []string
	if corruptMedium {
		heal = s.keys.All()
		raw = map[string][]byte{}
		cred = nil
	} else if status == decodeCorrupt {
		heal = s.keys.credential()
		for _, key := range heal {
			delete(raw, key)
		}
	}

	if len(heal) > 0 {
		s.log.WithField("keys", len(heal)).Warn("delegauth: discarding corrupt stored credential")
		if err := s.backend.Apply(ctx, nil, heal); err != nil {
			s.log.WithError(err).Warn("delegauth: corrupt credential cleanup failed")
		}
		if s.onHeal != nil {
			s.onHeal(heal)
		}
	}

	s.mu.Lock()
	s.raw = raw
	s.cred = cred
	s.orgID = strings.TrimSpace(string(raw[s.keys.Organization]))
	s.mu.Unlock()
	return nil
}

// Get returns a copy of the cached raw value for key.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.raw[key]
	if !ok {
		return nil, false
	}
	return cloneBytes(v), true
}

// Set writes one raw value. Writing a single credential key produces a partial credential,
// which readers then see as absent until the next atomic commit.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if !s.keys.has(key) {
		return ErrUnknownKey
	}
	return s.apply(ctx, map[string][]byte{key: value}, nil)
}

// Remove deletes raw values.
func (s *Store) Remove(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if !s.keys.has(key) {
			return ErrUnknownKey
		}
	}
	return s.apply(ctx, nil, keys)
}

// ClearAll removes the delegated credential and the organization selection in one
// backend transaction.
func (s *Store) ClearAll(ctx context.Context) error {
	return s.apply(ctx, nil, s.keys.All())
}

// Credential returns the committed delegated credential, if any.
func (s *Store) Credential() (credential.Delegated, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cred == nil {
		return credential.Delegated{}, false
	}
	return cloneDelegated(*s.cred), true
}

// CommitCredential replaces the delegated credential as a whole.
func (s *Store) CommitCredential(ctx context.Context, cred credential.Delegated) error {
	if err := cred.Validate(); err != nil {
		return err
	}
	set, err := encodeCredential(s.keys, cred)
	if err != nil {
		return err
	}
	return s.apply(ctx, set, nil)
}

// SelectedOrganization returns the persisted organization ID.
func (s *Store) SelectedOrganization() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.orgID, s.orgID != ""
}

// SetSelectedOrganization persists the organization choice.
func (s *Store) SetSelectedOrganization(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return s.apply(ctx, nil, []string{s.keys.Organization})
	}
	return s.apply(ctx, map[string][]byte{s.keys.Organization: []byte(id)}, nil)
}

func (s *Store) apply(ctx context.Context, set map[string][]byte, del []string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.backend.Apply(ctx, set, del); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string][]byte, len(s.raw)+len(set))
	for key, value := range s.raw {
		next[key] = value
	}
	for _, key := range del {
		delete(next, key)
	}
	for key, value := range set {
		next[key] = cloneBytes(value)
	}
	cred, _ := decodeCredential(s.keys, next)

	s.raw = next
	s.cred = cred
	s.orgID = strings.TrimSpace(string(next[s.keys.Organization]))
	return nil
}
