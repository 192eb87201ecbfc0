//go:build integration
// +build integration

package test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrEthical07/delegauth"
	"github.com/MrEthical07/delegauth/credential"
	"github.com/MrEthical07/delegauth/internal/fakeexchange"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type integrationStack struct {
	backend *fakeexchange.Backend
	baseURL string
	rdb     redis.UniversalClient
}

// newIntegrationStack starts a backend with user u1 (primary token P1, organizations o1
// and o2) and a miniredis instance.
func newIntegrationStack(t *testing.T, opts ...fakeexchange.Option) *integrationStack {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return newStackWithRedis(t, rdb, opts...)
}

func newStackWithRedis(t *testing.T, rdb redis.UniversalClient, opts ...fakeexchange.Option) *integrationStack {
	t.Helper()
	backend := fakeexchange.NewBackend(opts...)
	backend.AddUser("P1",
		credential.Profile{ID: "u1", Email: "u1@example.com", Active: true},
		credential.Organization{ID: "o1", Name: "One"},
		credential.Organization{ID: "o2", Name: "Two"},
	)
	srv := httptest.NewServer(backend.Handler())
	t.Cleanup(srv.Close)
	return &integrationStack{backend: backend, baseURL: srv.URL, rdb: rdb}
}

// facade builds a facade over the shared redis. Facades built with the same prefix share
// one durable session.
func (s *integrationStack) facade(t *testing.T, prefix string) (*delegauth.Facade, *delegauth.PrimarySession) {
	t.Helper()
	cfg := fakeexchange.Config(s.baseURL)
	cfg.Store.Prefix = prefix
	primary := delegauth.NewPrimarySession()
	f, err := delegauth.New().
		WithConfig(cfg).
		WithRedis(s.rdb).
		WithPrimary(primary).
		Build(context.Background())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(f.Close)
	return f, primary
}

func login(t *testing.T, f *delegauth.Facade, primary *delegauth.PrimarySession) {
	t.Helper()
	primary.SetToken("P1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.Sync(ctx); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if !f.View().IsFullyAuthenticated {
		t.Fatalf("expected fully authenticated view, got %+v", f.View())
	}
}
