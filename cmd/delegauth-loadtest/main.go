package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net/http/httptest"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrEthical07/delegauth"
	"github.com/MrEthical07/delegauth/credential"
	"github.com/MrEthical07/delegauth/internal/fakeexchange"
	"github.com/MrEthical07/delegauth/store"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type client struct {
	token   string
	primary *delegauth.PrimarySession
	facade  *delegauth.Facade
}

func main() {
	var (
		sessions    = flag.Int("sessions", 200, "number of delegated sessions (one facade each)")
		concurrency = flag.Int("concurrency", 64, "number of concurrent workers")
		ops         = flag.Int("ops", 20000, "authenticated calls in the call phase")
		storm       = flag.Int("storm", 32, "concurrent refresh callers per session in the storm phase")
		accessTTL   = flag.Duration("access-ttl", 45*time.Second, "access token lifetime; below the 30s skew every call refreshes")
		latency     = flag.Duration("latency", 0, "artificial backend latency per request")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		prefix      = flag.String("prefix", "lt", "store key prefix; each session appends its index")
	)
	flag.Parse()

	if *sessions <= 0 || *concurrency <= 0 || *ops <= 0 || *storm <= 0 {
		fmt.Fprintln(os.Stderr, "sessions, concurrency, ops and storm must be > 0")
		os.Exit(2)
	}

	ctx := context.Background()

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var (
		cleanup func()
		rdb     redis.UniversalClient
	)
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		addr = mr.Addr()
		rdb = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{addr},
		})
		cleanup = func() {
			_ = rdb.Close()
			mr.Close()
		}
		fmt.Printf("using miniredis at %s\n", addr)
	} else {
		rdb = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{addr},
		})
		cleanup = func() { _ = rdb.Close() }
		fmt.Printf("using redis at %s\n", addr)
	}
	defer cleanup()

	backend := fakeexchange.NewBackend(
		fakeexchange.WithAccessTTL(*accessTTL),
		fakeexchange.WithLatency(*latency),
	)
	srv := httptest.NewServer(backend.Handler())
	defer srv.Close()

	clients := make([]*client, *sessions)
	fmt.Printf("building %d sessions...\n", *sessions)
	for i := range clients {
		c, err := newClient(ctx, backend, srv.URL, rdb, fmt.Sprintf("%s%d", *prefix, i), i)
		if err != nil {
			fmt.Fprintf(os.Stderr, "build failed: %v\n", err)
			os.Exit(1)
		}
		clients[i] = c
	}
	defer func() {
		for _, c := range clients {
			c.facade.Close()
		}
	}()

	loginStats := runLoginPhase(ctx, clients, *concurrency)
	callStats := runCallPhase(ctx, clients, *ops, *concurrency)
	before := backend.Stats().Refreshes
	stormStats := runStormPhase(ctx, clients, *storm)
	stormRefreshes := backend.Stats().Refreshes - before

	fmt.Println("---- results ----")
	printStats("login", loginStats)
	printStats("call", callStats)
	printStats("refresh-storm", stormStats)
	st := backend.Stats()
	fmt.Printf("backend: exchanges=%d refreshes=%d organizations=%d api=%d rejected=%d\n",
		st.Exchanges, st.Refreshes, st.Organizations, st.APICalls, st.Rejected)
	fmt.Printf("storm: callers=%d backend refreshes=%d\n", stormStats.ops, stormRefreshes)
}

func newClient(ctx context.Context, backend *fakeexchange.Backend, baseURL string, rdb redis.UniversalClient, prefix string, i int) (*client, error) {
	token := fmt.Sprintf("primary-%d", i)
	backend.AddUser(token,
		credential.Profile{ID: fmt.Sprintf("u%d", i), Active: true},
		credential.Organization{ID: fmt.Sprintf("org-%d-a", i)},
		credential.Organization{ID: fmt.Sprintf("org-%d-b", i)},
	)

	cfg := fakeexchange.Config(baseURL)
	cfg.Store.Prefix = prefix
	primary := delegauth.NewPrimarySession()
	f, err := delegauth.New().
		WithConfig(cfg).
		WithBackend(store.NewRedisBackend(rdb)).
		WithPrimary(primary).
		Build(ctx)
	if err != nil {
		return nil, err
	}
	return &client{token: token, primary: primary, facade: f}, nil
}

// runLoginPhase sets every primary token and syncs each facade from several goroutines
// at once, so concurrent logins for one session must coalesce into one exchange.
func runLoginPhase(ctx context.Context, clients []*client, concurrency int) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, len(clients)*2)
		mu        sync.Mutex
	)
	for _, c := range clients {
		c.primary.SetToken(c.token)
	}

	ops := len(clients) * 2
	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				c := clients[i%len(clients)]
				t0 := time.Now()
				err := c.facade.Sync(ctx)
				d := time.Since(t0)
				if err != nil || !c.facade.View().IsFullyAuthenticated {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	total := time.Since(start)
	return computeStats(total, latencies, failures)
}

func runCallPhase(ctx context.Context, clients []*client, ops, concurrency int) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*7919))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				c := clients[r.Intn(len(clients))]
				t0 := time.Now()
				res := c.facade.MakeAuthenticatedCall(ctx, "/me", delegauth.CallOptions{})
				d := time.Since(t0)
				if res.Error != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	total := time.Since(start)
	return computeStats(total, latencies, failures)
}

// runStormPhase fires storm concurrent refreshes at every session.
func runStormPhase(ctx context.Context, clients []*client, storm int) phaseStats {
	var (
		wg        sync.WaitGroup
		failures  int64
		latencies = make([]time.Duration, 0, len(clients)*storm)
		mu        sync.Mutex
	)

	start := time.Now()
	for _, c := range clients {
		release := make(chan struct{})
		for s := 0; s < storm; s++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-release
				t0 := time.Now()
				err := c.facade.Refresh(ctx)
				d := time.Since(t0)
				if err != nil && !errors.Is(err, delegauth.ErrSuperseded) {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}()
		}
		close(release)
	}
	wg.Wait()
	total := time.Since(start)
	return computeStats(total, latencies, failures)
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
