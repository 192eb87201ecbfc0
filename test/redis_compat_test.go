//go:build integration
// +build integration

package test

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/MrEthical07/delegauth/store"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// redisMode describes which Redis backend the compatibility suite is running against.
type redisMode struct {
	name  string
	setup func(t *testing.T) (redis.UniversalClient, func())
}

// redisModes returns the set of Redis backends to test.
// miniredis is always available.
// Real Redis standalone is used when REDIS_ADDR is set (e.g. "127.0.0.1:6379").
func redisModes(t *testing.T) []redisMode {
	t.Helper()
	modes := []redisMode{
		{
			name: "miniredis",
			setup: func(t *testing.T) (redis.UniversalClient, func()) {
				t.Helper()
				mr, err := miniredis.Run()
				if err != nil {
					t.Fatalf("miniredis: %v", err)
				}
				rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
				return rdb, func() { _ = rdb.Close(); mr.Close() }
			},
		},
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		modes = append(modes, redisMode{
			name: "standalone:" + addr,
			setup: func(t *testing.T) (redis.UniversalClient, func()) {
				t.Helper()
				rdb := redis.NewClient(&redis.Options{Addr: addr})
				ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				defer cancel()
				if err := rdb.Ping(ctx).Err(); err != nil {
					t.Skipf("cannot connect to Redis at %s: %v", addr, err)
				}
				// Flush the test DB to avoid state leaking between runs.
				rdb.FlushDB(context.Background())
				return rdb, func() { rdb.FlushDB(context.Background()); _ = rdb.Close() }
			},
		})
	}

	// Cluster mode: when REDIS_CLUSTER_ADDRS is set (comma-separated).
	if addrs := os.Getenv("REDIS_CLUSTER_ADDRS"); addrs != "" {
		modes = append(modes, redisMode{
			name: "cluster",
			setup: func(t *testing.T) (redis.UniversalClient, func()) {
				t.Helper()
				clusterAddrs := splitAddrs(addrs)
				rdb := redis.NewClusterClient(&redis.ClusterOptions{Addrs: clusterAddrs})
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := rdb.Ping(ctx).Err(); err != nil {
					t.Skipf("cannot connect to Redis cluster: %v", err)
				}
				return rdb, func() { _ = rdb.Close() }
			},
		})
	}

	// Sentinel mode: when REDIS_SENTINEL_ADDRS and REDIS_SENTINEL_MASTER are set.
	if addrs := os.Getenv("REDIS_SENTINEL_ADDRS"); addrs != "" {
		master := os.Getenv("REDIS_SENTINEL_MASTER")
		if master == "" {
			master = "mymaster"
		}
		modes = append(modes, redisMode{
			name: "sentinel",
			setup: func(t *testing.T) (redis.UniversalClient, func()) {
				t.Helper()
				rdb := redis.NewFailoverClient(&redis.FailoverOptions{
					MasterName:    master,
					SentinelAddrs: splitAddrs(addrs),
				})
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := rdb.Ping(ctx).Err(); err != nil {
					t.Skipf("cannot connect to Redis sentinel: %v", err)
				}
				rdb.FlushDB(context.Background())
				return rdb, func() { rdb.FlushDB(context.Background()); _ = rdb.Close() }
			},
		})
	}

	return modes
}

func splitAddrs(s string) []string {
	var addrs []string
	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			addrs = append(addrs, a)
		}
	}
	return addrs
}

// compatPrefix carries a hash tag so every key of the session maps to one cluster slot.
const compatPrefix = "{delegauth-compat}"

func TestRedisCompatSessionLifecycle(t *testing.T) {
	for _, mode := range redisModes(t) {
		t.Run(mode.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			rdb, cleanup := mode.setup(t)
			defer cleanup()

			stack := newStackWithRedis(t, rdb)
			f, primary := stack.facade(t, compatPrefix)
			login(t, f, primary)
			if err := f.SwitchOrganization(ctx, "o2"); err != nil {
				t.Fatalf("SwitchOrganization failed: %v", err)
			}

			keys := store.NewKeys(compatPrefix)
			selected, err := rdb.Get(ctx, keys.Organization).Result()
			if err != nil || selected != "o2" {
				t.Fatalf("expected persisted selection o2, got %q (%v)", selected, err)
			}

			restored, primary2 := stack.facade(t, compatPrefix)
			login(t, restored, primary2)
			if cur := restored.View().Organization.Current; cur == nil || cur.ID != "o2" {
				t.Fatalf("expected o2 restored, got %+v", cur)
			}
			if got := stack.backend.Stats().Exchanges; got != 1 {
				t.Fatalf("restored session must not exchange again, got %d exchanges", got)
			}

			if err := restored.Refresh(ctx); err != nil {
				t.Fatalf("Refresh failed: %v", err)
			}
			cred, _ := restored.Session().Credential()
			stored, err := rdb.Get(ctx, keys.Refresh).Result()
			if err != nil || !strings.Contains(stored, cred.RefreshToken) {
				t.Fatalf("expected rotated refresh token in redis, got %q (%v)", stored, err)
			}

			if err := restored.Logout(ctx); err != nil {
				t.Fatalf("Logout failed: %v", err)
			}
			for _, key := range keys.All() {
				if n, err := rdb.Exists(ctx, key).Result(); err != nil || n != 0 {
					t.Fatalf("expected %s removed, got %d (%v)", key, n, err)
				}
			}
		})
	}
}
