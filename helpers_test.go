package delegauth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrEthical07/delegauth/exchange"
	"github.com/MrEthical07/delegauth/store"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeExchanger struct {
	exchangeCalls atomic.Int32
	refreshCalls  atomic.Int32
	orgCalls      atomic.Int32

	mu         sync.Mutex
	exchangeFn func(ctx context.Context, token string) (Grant, error)
	refreshFn  func(ctx context.Context, refresh string) (Grant, error)
	orgsFn     func(ctx context.Context, access string) ([]Organization, error)
}

func newFakeExchanger() *fakeExchanger {
	return &fakeExchanger{}
}

func (f *fakeExchanger) onExchange(fn func(ctx context.Context, token string) (Grant, error)) {
	f.mu.Lock()
	f.exchangeFn = fn
	f.mu.Unlock()
}

func (f *fakeExchanger) onRefresh(fn func(ctx context.Context, refresh string) (Grant, error)) {
	f.mu.Lock()
	f.refreshFn = fn
	f.mu.Unlock()
}

func (f *fakeExchanger) onOrganizations(fn func(ctx context.Context, access string) ([]Organization, error)) {
	f.mu.Lock()
	f.orgsFn = fn
	f.mu.Unlock()
}

func (f *fakeExchanger) Exchange(ctx context.Context, token string) (Grant, error) {
	f.exchangeCalls.Add(1)
	f.mu.Lock()
	fn := f.exchangeFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, token)
	}
	return grantFor("D-"+token, "R-"+token, "u1"), nil
}

func (f *fakeExchanger) Refresh(ctx context.Context, refresh string) (Grant, error) {
	f.refreshCalls.Add(1)
	f.mu.Lock()
	fn := f.refreshFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, refresh)
	}
	return grantFor("D-"+refresh, "R-"+refresh, "u1"), nil
}

func (f *fakeExchanger) ListOrganizations(ctx context.Context, access string) ([]Organization, error) {
	f.orgCalls.Add(1)
	f.mu.Lock()
	fn := f.orgsFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, access)
	}
	return []Organization{{ID: "o1", Name: "One"}, {ID: "o2", Name: "Two"}}, nil
}

func grantFor(access, refresh, userID string) Grant {
	return Grant{
		AccessToken:  access,
		RefreshToken: refresh,
		Profile:      UserProfile{ID: userID, Email: userID + "@example.com", Active: true},
	}
}

func rejected(op exchange.Op, status int) error {
	kind := exchange.KindRejected
	switch {
	case status == 401 || status == 403:
		kind = exchange.KindUnauthorized
	case status >= 500:
		kind = exchange.KindServer
	}
	return &exchange.Error{Op: op, Kind: kind, StatusCode: status}
}

func testConfig() Config {
	cfg := defaultConfig()
	cfg.Endpoint.BaseURL = "http://delegauth.test"
	cfg.Endpoint.RequestTimeout = 2 * time.Second
	cfg.Refresh.MinInterval = 0
	cfg.Refresh.Proactive = false
	cfg.Events.Enabled = false
	return cfg
}

type testHarness struct {
	facade  *Facade
	primary *PrimarySession
	backend *store.MemoryBackend
	ex      *fakeExchanger
}

func newHarness(t *testing.T, cfg Config, ex *fakeExchanger) *testHarness {
	t.Helper()
	return newHarnessWithBackend(t, cfg, ex, store.NewMemoryBackend())
}

func newHarnessWithBackend(t *testing.T, cfg Config, ex *fakeExchanger, backend *store.MemoryBackend) *testHarness {
	t.Helper()
	primary := NewPrimarySession()
	f, err := New().
		WithConfig(cfg).
		WithBackend(backend).
		WithExchanger(ex).
		WithPrimary(primary).
		Build(context.Background())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(f.Close)
	return &testHarness{facade: f, primary: primary, backend: backend, ex: ex}
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func mustNoErr(t *testing.T, err error, what string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s failed: %v", what, err)
	}
}

func expectErr(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
}
