package delegauth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrEthical07/delegauth/exchange"
	"github.com/MrEthical07/delegauth/store"
)

func TestInitializeSingleFlight(t *testing.T) {
	ex := newFakeExchanger()
	release := make(chan struct{})
	ex.onExchange(func(ctx context.Context, token string) (Grant, error) {
		<-release
		return grantFor("D1", "R1", "u1"), nil
	})
	h := newHarness(t, testConfig(), ex)
	sm := h.facade.Session()

	const callers = 8
	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			errs <- sm.Initialize(context.Background(), "P1")
		}()
	}
	close(start)
	waitFor(t, "exchange in flight", func() bool { return ex.exchangeCalls.Load() == 1 })
	time.Sleep(30 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		mustNoErr(t, err, "Initialize")
	}
	if got := ex.exchangeCalls.Load(); got != 1 {
		t.Fatalf("expected exactly one exchange, got %d", got)
	}
	if sm.State() != StateAuthenticated {
		t.Fatalf("expected authenticated, got %s", sm.State())
	}

	// Same token again: no new exchange.
	mustNoErr(t, sm.Initialize(context.Background(), "P1"), "Initialize again")
	if got := ex.exchangeCalls.Load(); got != 1 {
		t.Fatalf("expected no further exchange, got %d", got)
	}
}

func TestInitializeSharedFailureAndRetry(t *testing.T) {
	ex := newFakeExchanger()
	release := make(chan struct{})
	var fail atomic.Bool
	fail.Store(true)
	ex.onExchange(func(ctx context.Context, token string) (Grant, error) {
		<-release
		if fail.Load() {
			return Grant{}, rejected(exchange.OpExchange, 502)
		}
		return grantFor("D1", "R1", "u1"), nil
	})
	h := newHarness(t, testConfig(), ex)
	sm := h.facade.Session()

	const callers = 4
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- sm.Initialize(context.Background(), "P1")
		}()
	}
	waitFor(t, "exchange in flight", func() bool { return ex.exchangeCalls.Load() == 1 })
	time.Sleep(30 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		expectErr(t, err, ErrExchangeFailed)
	}
	if ex.exchangeCalls.Load() != 1 {
		t.Fatalf("expected one shared exchange, got %d", ex.exchangeCalls.Load())
	}
	if sm.State() != StateFailed {
		t.Fatalf("expected failed, got %s", sm.State())
	}
	if h.facade.View().Error == "" {
		t.Fatalf("expected view error after failed exchange")
	}

	// The guard was released; the same token can be retried.
	fail.Store(false)
	mustNoErr(t, sm.Initialize(context.Background(), "P1"), "retry Initialize")
	if ex.exchangeCalls.Load() != 2 {
		t.Fatalf("expected a second exchange, got %d", ex.exchangeCalls.Load())
	}
	if h.facade.View().Error != "" {
		t.Fatalf("expected error cleared after recovery, got %q", h.facade.View().Error)
	}
}

func TestStaleExchangeResultDiscarded(t *testing.T) {
	ex := newFakeExchanger()
	releaseA := make(chan struct{})
	startedA := make(chan struct{})
	ex.onExchange(func(ctx context.Context, token string) (Grant, error) {
		if token == "PA" {
			close(startedA)
			<-releaseA
			return grantFor("DA", "RA", "u1"), nil
		}
		return grantFor("DB", "RB", "u1"), nil
	})
	h := newHarness(t, testConfig(), ex)
	sm := h.facade.Session()

	resA := make(chan error, 1)
	go func() { resA <- sm.Initialize(context.Background(), "PA") }()
	<-startedA

	mustNoErr(t, sm.Initialize(context.Background(), "PB"), "Initialize PB")
	close(releaseA)
	expectErr(t, <-resA, ErrSuperseded)

	cred, ok := sm.Credential()
	if !ok {
		t.Fatalf("expected committed credential")
	}
	if cred.AccessToken != "DB" || cred.RefreshToken != "RB" {
		t.Fatalf("stale result overwrote store: %+v", cred)
	}
	if got := h.facade.metrics.Value(MetricExchangeStaleDiscarded); got != 1 {
		t.Fatalf("expected one stale discard, got %d", got)
	}
}

func TestStaleResultDiscardedBeforeNewerCommit(t *testing.T) {
	ex := newFakeExchanger()
	releaseA, releaseB := make(chan struct{}), make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)
	ex.onExchange(func(ctx context.Context, token string) (Grant, error) {
		started.Done()
		if token == "PA" {
			<-releaseA
			return grantFor("DA", "RA", "u1"), nil
		}
		<-releaseB
		return grantFor("DB", "RB", "u1"), nil
	})
	h := newHarness(t, testConfig(), ex)
	sm := h.facade.Session()

	resA := make(chan error, 1)
	resB := make(chan error, 1)
	go func() { resA <- sm.Initialize(context.Background(), "PA") }()
	waitFor(t, "first exchange", func() bool { return ex.exchangeCalls.Load() == 1 })
	go func() { resB <- sm.Initialize(context.Background(), "PB") }()
	started.Wait()

	close(releaseA)
	expectErr(t, <-resA, ErrSuperseded)
	if _, ok := h.backend.Value("delegauth:delegated:access"); ok {
		t.Fatalf("store must not hold a result from the superseded token")
	}

	close(releaseB)
	mustNoErr(t, <-resB, "Initialize PB")
	cred, _ := sm.Credential()
	if cred.AccessToken != "DB" {
		t.Fatalf("expected DB committed, got %q", cred.AccessToken)
	}
}

func TestClearDiscardsInFlightExchange(t *testing.T) {
	ex := newFakeExchanger()
	release := make(chan struct{})
	ex.onExchange(func(ctx context.Context, token string) (Grant, error) {
		<-release
		return grantFor("D1", "R1", "u1"), nil
	})
	h := newHarness(t, testConfig(), ex)
	sm := h.facade.Session()

	res := make(chan error, 1)
	go func() { res <- sm.Initialize(context.Background(), "P1") }()
	waitFor(t, "exchange in flight", func() bool { return ex.exchangeCalls.Load() == 1 })

	mustNoErr(t, sm.Clear(context.Background()), "Clear")
	close(release)
	expectErr(t, <-res, ErrSuperseded)

	if sm.State() != StateUninitialized {
		t.Fatalf("expected uninitialized, got %s", sm.State())
	}
	if _, ok := h.backend.Value("delegauth:delegated:access"); ok {
		t.Fatalf("cleared session must not be repopulated")
	}
}

func TestRefreshReplacesCredentialWholesale(t *testing.T) {
	ex := newFakeExchanger()
	ex.onRefresh(func(ctx context.Context, refresh string) (Grant, error) {
		g := grantFor("D2", "R2", "u1")
		g.Profile.Name = "Renamed"
		return g, nil
	})
	h := newHarness(t, testConfig(), ex)
	sm := h.facade.Session()
	mustNoErr(t, sm.Initialize(context.Background(), "P1"), "Initialize")

	mustNoErr(t, sm.Refresh(context.Background()), "Refresh")
	cred, ok := sm.Credential()
	if !ok || cred.AccessToken != "D2" || cred.RefreshToken != "R2" || cred.Profile.Name != "Renamed" {
		t.Fatalf("unexpected credential after refresh: %+v", cred)
	}
	if h.facade.metrics.Value(MetricRefreshSuccess) != 1 {
		t.Fatalf("expected refresh success metric")
	}
}

func TestRefreshCoalescesConcurrentCallers(t *testing.T) {
	ex := newFakeExchanger()
	release := make(chan struct{})
	ex.onRefresh(func(ctx context.Context, refresh string) (Grant, error) {
		<-release
		return grantFor("D2", "R2", "u1"), nil
	})
	h := newHarness(t, testConfig(), ex)
	sm := h.facade.Session()
	mustNoErr(t, sm.Initialize(context.Background(), "P1"), "Initialize")

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- sm.Refresh(context.Background())
		}()
	}
	waitFor(t, "refresh in flight", func() bool { return ex.refreshCalls.Load() == 1 })
	time.Sleep(30 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		mustNoErr(t, err, "Refresh")
	}
	if got := ex.refreshCalls.Load(); got != 1 {
		t.Fatalf("expected one refresh call, got %d", got)
	}
}

func TestRefreshFailureCascadesClear(t *testing.T) {
	ex := newFakeExchanger()
	ex.onRefresh(func(ctx context.Context, refresh string) (Grant, error) {
		return Grant{}, rejected(exchange.OpRefresh, 401)
	})
	h := newHarness(t, testConfig(), ex)
	h.primary.SetToken("P1")
	mustNoErr(t, h.facade.Sync(context.Background()), "Sync")
	if !h.facade.View().IsFullyAuthenticated {
		t.Fatalf("expected fully authenticated before refresh")
	}

	err := h.facade.Refresh(context.Background())
	expectErr(t, err, ErrRefreshFailed)
	expectErr(t, err, ErrUnauthorized)

	sm := h.facade.Session()
	if sm.State() != StateFailed {
		t.Fatalf("expected failed, got %s", sm.State())
	}
	for _, key := range store.NewKeys("").All() {
		if _, ok := h.backend.Value(key); ok {
			t.Fatalf("expected %s cleared after refresh failure", key)
		}
	}
	v := h.facade.View()
	if v.Delegated.IsAuthenticated || v.Organization.Current != nil || len(v.Organization.Organizations) != 0 {
		t.Fatalf("expected dependent state cleared, got %+v", v)
	}
	if v.Error == "" || v.IsFullyAuthenticated {
		t.Fatalf("expected surfaced error and not fully authenticated, got %+v", v)
	}
	if err := sm.Refresh(context.Background()); err == nil {
		t.Fatalf("expected refresh without credential to fail")
	}
}

func TestRefreshThrottleKeepsSession(t *testing.T) {
	cfg := testConfig()
	cfg.Refresh.MinInterval = time.Hour
	cfg.Refresh.Burst = 1
	ex := newFakeExchanger()
	var n atomic.Int32
	ex.onRefresh(func(ctx context.Context, refresh string) (Grant, error) {
		i := n.Add(1)
		return grantFor(fmt.Sprintf("D%d", i+1), fmt.Sprintf("R%d", i+1), "u1"), nil
	})
	h := newHarness(t, cfg, ex)
	sm := h.facade.Session()
	mustNoErr(t, sm.Initialize(context.Background(), "P1"), "Initialize")

	mustNoErr(t, sm.Refresh(context.Background()), "first Refresh")
	expectErr(t, sm.Refresh(context.Background()), ErrRefreshThrottled)

	if sm.State() != StateAuthenticated {
		t.Fatalf("throttle must not change state, got %s", sm.State())
	}
	if _, ok := sm.Credential(); !ok {
		t.Fatalf("throttle must not clear the credential")
	}
	if h.facade.metrics.Value(MetricRefreshThrottled) != 1 {
		t.Fatalf("expected throttled metric")
	}
}

func TestRefreshIfStaleSkipsReplacedToken(t *testing.T) {
	ex := newFakeExchanger()
	h := newHarness(t, testConfig(), ex)
	sm := h.facade.Session()
	mustNoErr(t, sm.Initialize(context.Background(), "P1"), "Initialize")

	mustNoErr(t, sm.RefreshIfStale(context.Background(), "old-token"), "RefreshIfStale")
	if ex.refreshCalls.Load() != 0 {
		t.Fatalf("expected no refresh for a replaced token")
	}
	cred, _ := sm.Credential()
	mustNoErr(t, sm.RefreshIfStale(context.Background(), cred.AccessToken), "RefreshIfStale current")
	if ex.refreshCalls.Load() != 1 {
		t.Fatalf("expected one refresh for the current token")
	}
}

func TestCommitIsNeverTorn(t *testing.T) {
	ex := newFakeExchanger()
	var n atomic.Int32
	ex.onRefresh(func(ctx context.Context, refresh string) (Grant, error) {
		i := n.Add(1)
		g := grantFor(fmt.Sprintf("D-%d", i), fmt.Sprintf("R-%d", i), "u1")
		g.Profile.Name = fmt.Sprintf("gen-%d", i)
		return g, nil
	})
	ex.onExchange(func(ctx context.Context, token string) (Grant, error) {
		g := grantFor("D-0", "R-0", "u1")
		g.Profile.Name = "gen-0"
		return g, nil
	})
	h := newHarness(t, testConfig(), ex)
	sm := h.facade.Session()
	mustNoErr(t, sm.Initialize(context.Background(), "P1"), "Initialize")

	stop := make(chan struct{})
	var torn atomic.Int32
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				cred, ok := sm.Credential()
				if !ok {
					continue
				}
				gen := strings.TrimPrefix(cred.AccessToken, "D-")
				if cred.RefreshToken != "R-"+gen || cred.Profile.Name != "gen-"+gen {
					torn.Add(1)
				}
			}
		}()
	}
	for i := 0; i < 50; i++ {
		mustNoErr(t, sm.Refresh(context.Background()), "Refresh")
	}
	close(stop)
	wg.Wait()

	if torn.Load() != 0 {
		t.Fatalf("observed %d torn credential reads", torn.Load())
	}
}

func TestSessionRestoredFromStore(t *testing.T) {
	backend := store.NewMemoryBackend()
	ex := newFakeExchanger()
	first := newHarnessWithBackend(t, testConfig(), ex, backend)
	mustNoErr(t, first.facade.Session().Initialize(context.Background(), "P1"), "Initialize")
	first.facade.Close()

	second := newHarnessWithBackend(t, testConfig(), ex, backend)
	sm := second.facade.Session()
	if sm.State() != StateAuthenticated {
		t.Fatalf("expected restored session, got %s", sm.State())
	}
	cred, ok := sm.Credential()
	if !ok || cred.AccessToken != "D-P1" {
		t.Fatalf("unexpected restored credential %+v", cred)
	}
}

func TestSessionStateString(t *testing.T) {
	cases := map[SessionState]string{
		StateUninitialized: "uninitialized",
		StateInitializing:  "initializing",
		StateAuthenticated: "authenticated",
		StateRefreshing:    "refreshing",
		StateFailed:        "failed",
		SessionState(42):   "unknown",
	}
	for s, want := range cases {
		if s.String() != want {
			t.Fatalf("state %d: expected %q, got %q", int(s), want, s.String())
		}
	}
}

func TestRefreshOfRotatedTokenSkipsBackend(t *testing.T) {
	ex := newFakeExchanger()
	h := newHarness(t, testConfig(), ex)
	sm := h.facade.Session()
	mustNoErr(t, sm.Initialize(context.Background(), "P1"), "Initialize")
	old, _ := sm.Credential()
	mustNoErr(t, sm.Refresh(context.Background()), "Refresh")

	// A caller that read the credential before the rotation joins late.
	mustNoErr(t, sm.refresh(context.Background(), old), "refresh with rotated token")
	if got := ex.refreshCalls.Load(); got != 1 {
		t.Fatalf("rotated refresh token must not reach the backend, got %d calls", got)
	}
	if sm.State() != StateAuthenticated {
		t.Fatalf("expected authenticated, got %s", sm.State())
	}
	if v := h.facade.View(); v.Delegated.State != StateAuthenticated || v.IsLoading {
		t.Fatalf("expected settled view, got %+v", v)
	}
	if h.facade.metrics.Value(MetricRefreshSkipped) != 1 {
		t.Fatalf("expected refresh skipped metric")
	}
}

func TestRefreshOutcomeForReplacedCredentialLeavesRefreshing(t *testing.T) {
	tests := []struct {
		name    string
		outcome func() (Grant, error)
	}{
		{"success", func() (Grant, error) { return grantFor("D-late", "R-late", "u1"), nil }},
		{"rejected", func() (Grant, error) { return Grant{}, rejected(exchange.OpRefresh, 401) }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ex := newFakeExchanger()
			release := make(chan struct{})
			ex.onRefresh(func(ctx context.Context, refresh string) (Grant, error) {
				<-release
				return tc.outcome()
			})
			h := newHarness(t, testConfig(), ex)
			sm := h.facade.Session()
			mustNoErr(t, sm.Initialize(context.Background(), "P1"), "Initialize")

			res := make(chan error, 1)
			go func() { res <- sm.Refresh(context.Background()) }()
			waitFor(t, "refresh in flight", func() bool { return sm.State() == StateRefreshing })

			mustNoErr(t, sm.Initialize(context.Background(), "P2"), "Initialize P2")
			close(release)
			mustNoErr(t, <-res, "Refresh")

			if sm.State() != StateAuthenticated {
				t.Fatalf("expected authenticated, got %s", sm.State())
			}
			cred, ok := sm.Credential()
			if !ok || cred.AccessToken != "D-P2" {
				t.Fatalf("expected the P2 credential to survive, got %+v", cred)
			}
			if h.facade.View().IsLoading {
				t.Fatalf("view must not stay loading")
			}
		})
	}
}

func TestInitializeAfterClearStartsNewExchange(t *testing.T) {
	ex := newFakeExchanger()
	release := make(chan struct{})
	ex.onExchange(func(ctx context.Context, token string) (Grant, error) {
		<-release
		return grantFor("D-"+token, "R-"+token, "u1"), nil
	})
	h := newHarness(t, testConfig(), ex)
	sm := h.facade.Session()

	first := make(chan error, 1)
	go func() { first <- sm.Initialize(context.Background(), "P1") }()
	waitFor(t, "exchange in flight", func() bool { return ex.exchangeCalls.Load() == 1 })
	mustNoErr(t, sm.Clear(context.Background()), "Clear")

	second := make(chan error, 1)
	go func() { second <- sm.Initialize(context.Background(), "P1") }()
	waitFor(t, "exchange after clear", func() bool { return ex.exchangeCalls.Load() == 2 })
	close(release)

	expectErr(t, <-first, ErrSuperseded)
	mustNoErr(t, <-second, "Initialize after Clear")
	if sm.State() != StateAuthenticated {
		t.Fatalf("expected authenticated, got %s", sm.State())
	}
	if cred, ok := sm.Credential(); !ok || cred.AccessToken != "D-P1" {
		t.Fatalf("expected committed credential, got %+v", cred)
	}
}

func TestExchangeFailureEventMarksRetryable(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{503, "true"},
		{401, "false"},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprint(tc.status), func(t *testing.T) {
			ex := newFakeExchanger()
			ex.onExchange(func(ctx context.Context, token string) (Grant, error) {
				return Grant{}, rejected(exchange.OpExchange, tc.status)
			})
			cfg := testConfig()
			cfg.Events.Enabled = true
			cfg.Events.BufferSize = 16
			sink := NewChannelSink(16)
			f, err := New().
				WithConfig(cfg).
				WithExchanger(ex).
				WithPrimary(NewPrimarySession()).
				WithEventSink(sink).
				Build(context.Background())
			if err != nil {
				t.Fatalf("Build failed: %v", err)
			}
			t.Cleanup(f.Close)

			expectErr(t, f.Session().Initialize(context.Background(), "P1"), ErrExchangeFailed)
			for {
				ev := nextEvent(t, sink.Events())
				if ev.Type != EventExchange {
					continue
				}
				if ev.Success || ev.Metadata["retryable"] != tc.want {
					t.Fatalf("expected failed exchange with retryable=%s, got %+v", tc.want, ev)
				}
				return
			}
		})
	}
}
