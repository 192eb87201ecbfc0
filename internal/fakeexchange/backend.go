// Package fakeexchange is an in-process delegated-auth backend serving the exchange,
// refresh and organization endpoints plus one protected API route.
//
// Access tokens are HS256 JWTs with a short expiry so proactive refresh paths run. It
// backs the load generator, the example server and the integration tests.
package fakeexchange

import (
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrEthical07/delegauth"
	"github.com/MrEthical07/delegauth/credential"
	json "github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Stats counts requests per endpoint.
type Stats struct {
	Exchanges     uint64
	Refreshes     uint64
	Organizations uint64
	APICalls      uint64
	Rejected      uint64
}

type user struct {
	profile credential.Profile
	orgs    []credential.Organization
}

// Backend holds registered users and every token it issued.
type Backend struct {
	secret    []byte
	accessTTL time.Duration
	latency   time.Duration

	mu       sync.RWMutex
	users    map[string]user   // primary token -> user
	refresh  map[string]string // refresh token -> user ID
	profiles map[string]user   // user ID -> user

	exchanges     atomic.Uint64
	refreshes     atomic.Uint64
	organizations atomic.Uint64
	apiCalls      atomic.Uint64
	rejected      atomic.Uint64
}

// Option configures a Backend.
type Option func(*Backend)

// WithAccessTTL sets the lifetime of issued access tokens. The default is one minute.
func WithAccessTTL(d time.Duration) Option {
	return func(b *Backend) { b.accessTTL = d }
}

// WithLatency delays every response by d.
func WithLatency(d time.Duration) Option {
	return func(b *Backend) { b.latency = d }
}

// NewBackend returns an empty backend.
func NewBackend(opts ...Option) *Backend {
	b := &Backend{
		secret:    []byte(uuid.NewString()),
		accessTTL: time.Minute,
		users:     map[string]user{},
		refresh:   map[string]string{},
		profiles:  map[string]user{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// AddUser registers primaryToken as a sign-in for profile with access to orgs.
func (b *Backend) AddUser(primaryToken string, profile credential.Profile, orgs ...credential.Organization) {
	u := user{profile: profile, orgs: append([]credential.Organization(nil), orgs...)}
	b.mu.Lock()
	b.users[primaryToken] = u
	b.profiles[profile.ID] = u
	b.mu.Unlock()
}

// RevokeRefresh invalidates every refresh token issued to userID.
func (b *Backend) RevokeRefresh(userID string) {
	b.mu.Lock()
	for tok, id := range b.refresh {
		if id == userID {
			delete(b.refresh, tok)
		}
	}
	b.mu.Unlock()
}

// Stats returns request counters.
func (b *Backend) Stats() Stats {
	return Stats{
		Exchanges:     b.exchanges.Load(),
		Refreshes:     b.refreshes.Load(),
		Organizations: b.organizations.Load(),
		APICalls:      b.apiCalls.Load(),
		Rejected:      b.rejected.Load(),
	}
}

// Handler serves POST /auth/exchange, POST /auth/refresh, GET /organizations and GET /api/me.
func (b *Backend) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/exchange", b.handleExchange)
	mux.HandleFunc("POST /auth/refresh", b.handleRefresh)
	mux.HandleFunc("GET /organizations", b.handleOrganizations)
	mux.HandleFunc("GET /api/me", b.handleMe)
	return mux
}

// Config returns a facade configuration pointed at baseURL with the throttle and events off.
func Config(baseURL string) delegauth.Config {
	cfg := delegauth.DefaultConfig()
	cfg.Endpoint.BaseURL = baseURL
	cfg.Endpoint.APIBaseURL = strings.TrimRight(baseURL, "/") + "/api"
	cfg.Endpoint.RequestTimeout = 5 * time.Second
	cfg.Refresh.MinInterval = 0
	cfg.Events.Enabled = false
	return cfg
}

func (b *Backend) handleExchange(w http.ResponseWriter, r *http.Request) {
	b.exchanges.Add(1)
	b.delay()
	var body struct {
		PrimaryToken string `json:"primaryToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		b.reject(w, http.StatusBadRequest, "malformed request")
		return
	}
	b.mu.RLock()
	u, ok := b.users[body.PrimaryToken]
	b.mu.RUnlock()
	if !ok {
		b.reject(w, http.StatusUnauthorized, "unknown primary token")
		return
	}
	b.grant(w, u)
}

func (b *Backend) handleRefresh(w http.ResponseWriter, r *http.Request) {
	b.refreshes.Add(1)
	b.delay()
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		b.reject(w, http.StatusBadRequest, "malformed request")
		return
	}
	b.mu.Lock()
	id, ok := b.refresh[body.RefreshToken]
	if ok {
		delete(b.refresh, body.RefreshToken)
	}
	u := b.profiles[id]
	b.mu.Unlock()
	if !ok {
		b.reject(w, http.StatusUnauthorized, "refresh token invalid")
		return
	}
	b.grant(w, u)
}

func (b *Backend) handleOrganizations(w http.ResponseWriter, r *http.Request) {
	b.organizations.Add(1)
	b.delay()
	u, ok := b.authorize(r)
	if !ok {
		b.reject(w, http.StatusUnauthorized, "access token invalid")
		return
	}
	orgs := u.orgs
	if orgs == nil {
		orgs = []credential.Organization{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"organizations": orgs})
}

func (b *Backend) handleMe(w http.ResponseWriter, r *http.Request) {
	b.apiCalls.Add(1)
	b.delay()
	u, ok := b.authorize(r)
	if !ok {
		b.reject(w, http.StatusUnauthorized, "access token invalid")
		return
	}
	writeJSON(w, http.StatusOK, u.profile)
}

func (b *Backend) grant(w http.ResponseWriter, u user) {
	access, err := b.sign(u.profile.ID)
	if err != nil {
		b.reject(w, http.StatusInternalServerError, "signing failed")
		return
	}
	refresh := uuid.NewString()
	b.mu.Lock()
	b.refresh[refresh] = u.profile.ID
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"accessToken":  access,
		"refreshToken": refresh,
		"profile":      u.profile,
	})
}

func (b *Backend) sign(userID string) (string, error) {
	now := time.Now()
	return jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(b.accessTTL)),
	}).SignedString(b.secret)
}

func (b *Backend) authorize(r *http.Request) (user, bool) {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return user{}, false
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return b.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return user{}, false
	}
	b.mu.RLock()
	u, found := b.profiles[claims.Subject]
	b.mu.RUnlock()
	return u, found
}

func (b *Backend) reject(w http.ResponseWriter, status int, msg string) {
	b.rejected.Add(1)
	writeJSON(w, status, map[string]string{"message": msg})
}

func (b *Backend) delay() {
	if b.latency > 0 {
		time.Sleep(b.latency)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "encode failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
