package delegauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/MrEthical07/delegauth/store"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newBenchmarkFacade(b *testing.B, cfg Config, backend store.Backend) (*Facade, *PrimarySession) {
	b.Helper()
	ex := newFakeExchanger()
	var n atomic.Uint64
	ex.onRefresh(func(context.Context, string) (Grant, error) {
		i := strconv.FormatUint(n.Add(1), 10)
		return grantFor("D"+i, "R"+i, "u1"), nil
	})
	primary := NewPrimarySession()
	f, err := New().
		WithConfig(cfg).
		WithBackend(backend).
		WithExchanger(ex).
		WithPrimary(primary).
		Build(context.Background())
	if err != nil {
		b.Fatalf("build failed: %v", err)
	}
	b.Cleanup(f.Close)
	primary.SetToken("P1")
	if err := f.Sync(context.Background()); err != nil {
		b.Fatalf("sync failed: %v", err)
	}
	return f, primary
}

func newBenchmarkRedis(b *testing.B) store.Backend {
	b.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		b.Fatalf("miniredis run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return store.NewRedisBackend(rdb)
}

func BenchmarkView(b *testing.B) {
	f, _ := newBenchmarkFacade(b, testConfig(), store.NewMemoryBackend())

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if !f.View().IsFullyAuthenticated {
			b.Fatalf("expected fully authenticated view")
		}
	}
}

func BenchmarkMakeAuthenticatedCall(b *testing.B) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	b.Cleanup(srv.Close)
	cfg := testConfig()
	cfg.Endpoint.APIBaseURL = srv.URL
	f, _ := newBenchmarkFacade(b, cfg, store.NewMemoryBackend())

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if res := f.MakeAuthenticatedCall(context.Background(), "/me", CallOptions{}); res.Error != nil {
			b.Fatalf("call failed: %v", res.Error)
		}
	}
}

func BenchmarkRefresh(b *testing.B) {
	f, _ := newBenchmarkFacade(b, testConfig(), store.NewMemoryBackend())

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := f.Refresh(context.Background()); err != nil {
			b.Fatalf("refresh failed: %v", err)
		}
	}
}

func BenchmarkRefreshRedis(b *testing.B) {
	f, _ := newBenchmarkFacade(b, testConfig(), newBenchmarkRedis(b))

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := f.Refresh(context.Background()); err != nil {
			b.Fatalf("refresh failed: %v", err)
		}
	}
}

func BenchmarkLoginLogout(b *testing.B) {
	f, primary := newBenchmarkFacade(b, testConfig(), store.NewMemoryBackend())

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		primary.SetToken("P1")
		if err := f.Sync(context.Background()); err != nil {
			b.Fatalf("sync failed: %v", err)
		}
		if err := f.Logout(context.Background()); err != nil {
			b.Fatalf("logout failed: %v", err)
		}
	}
}
