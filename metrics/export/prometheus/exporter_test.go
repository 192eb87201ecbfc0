package prometheus

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrEthical07/delegauth"
	"github.com/MrEthical07/delegauth/credential"
	"github.com/MrEthical07/delegauth/internal/fakeexchange"
)

type fakeSource struct {
	snapshot delegauth.MetricsSnapshot
	dropped  uint64
}

func (f fakeSource) MetricsSnapshot() delegauth.MetricsSnapshot { return f.snapshot }
func (f fakeSource) EventsDropped() uint64                      { return f.dropped }

func TestRenderEmptyWhenMetricsDisabled(t *testing.T) {
	exp := NewPrometheusExporterFromSource(fakeSource{
		snapshot: delegauth.MetricsSnapshot{
			Counters:   map[delegauth.MetricID]uint64{},
			Histograms: map[delegauth.MetricID][]uint64{},
		},
	})

	if got := exp.Render(); got != "" {
		t.Fatalf("expected empty output for disabled metrics, got:\n%s", got)
	}
}

func TestRenderDeterministicIncludesCounterAndHistogram(t *testing.T) {
	exp := NewPrometheusExporterFromSource(fakeSource{
		snapshot: delegauth.MetricsSnapshot{
			Counters: map[delegauth.MetricID]uint64{
				delegauth.MetricExchangeSuccess: 7,
			},
			Histograms: map[delegauth.MetricID][]uint64{
				delegauth.MetricCallLatency: {1, 2, 3, 4, 5, 6, 7, 8},
			},
		},
		dropped: 2,
	})

	out := exp.Render()
	if !strings.Contains(out, "delegauth_exchange_success_total 7") {
		t.Fatalf("expected exchange_success counter in output, got:\n%s", out)
	}
	if !strings.Contains(out, "delegauth_call_latency_seconds_bucket{le=\"0.005\"} 1") {
		t.Fatalf("expected first histogram bucket in output, got:\n%s", out)
	}
	if !strings.Contains(out, "delegauth_call_latency_seconds_bucket{le=\"+Inf\"} 36") {
		t.Fatalf("expected +Inf cumulative bucket in output, got:\n%s", out)
	}
	if !strings.Contains(out, "delegauth_events_dropped_total 2") {
		t.Fatalf("expected events dropped counter in output, got:\n%s", out)
	}
}

func TestHandlerWritesPrometheusContentType(t *testing.T) {
	exp := NewPrometheusExporterFromSource(fakeSource{
		snapshot: delegauth.MetricsSnapshot{
			Counters:   map[delegauth.MetricID]uint64{delegauth.MetricExchangeSuccess: 1},
			Histograms: map[delegauth.MetricID][]uint64{},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	exp.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("Content-Type"); !strings.Contains(got, "text/plain") {
		t.Fatalf("expected prometheus content type, got %q", got)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestExporterReadsFacade(t *testing.T) {
	backend := fakeexchange.NewBackend()
	backend.AddUser("P1", credential.Profile{ID: "u1"}, credential.Organization{ID: "o1"})
	srv := httptest.NewServer(backend.Handler())
	defer srv.Close()

	primary := delegauth.NewPrimarySession()
	f, err := delegauth.New().
		WithConfig(fakeexchange.Config(srv.URL)).
		WithPrimary(primary).
		Build(context.Background())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer f.Close()

	primary.SetToken("P1")
	if err := f.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	out := NewPrometheusExporter(f).Render()
	if !strings.Contains(out, "delegauth_exchange_success_total 1") {
		t.Fatalf("expected exchange success from facade, got:\n%s", out)
	}
	if !strings.Contains(out, "delegauth_organization_load_success_total 1") {
		t.Fatalf("expected organization load from facade, got:\n%s", out)
	}
	for _, line := range []string{
		`delegauth_session_state{state="authenticated"} 1`,
		`delegauth_session_state{state="refreshing"} 0`,
		"delegauth_session_ready 1",
		"delegauth_organization_selected 1",
	} {
		if !strings.Contains(out, line) {
			t.Fatalf("expected %q in output, got:\n%s", line, out)
		}
	}

	if err := f.Logout(context.Background()); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	out = NewPrometheusExporter(f).Render()
	if !strings.Contains(out, `delegauth_session_state{state="uninitialized"} 1`) || !strings.Contains(out, "delegauth_session_ready 0") {
		t.Fatalf("expected cleared session gauges, got:\n%s", out)
	}
}

func TestSnapshotSourceHasNoSessionGauges(t *testing.T) {
	exp := NewPrometheusExporterFromSource(fakeSource{
		snapshot: delegauth.MetricsSnapshot{
			Counters: map[delegauth.MetricID]uint64{delegauth.MetricRefreshSkipped: 3},
		},
	})
	out := exp.Render()
	if !strings.Contains(out, "delegauth_refresh_skipped_total 3") {
		t.Fatalf("expected skipped refresh counter, got:\n%s", out)
	}
	if strings.Contains(out, "delegauth_session_state") {
		t.Fatalf("snapshot-only source must not export session gauges, got:\n%s", out)
	}
}

func BenchmarkRender(b *testing.B) {
	exp := NewPrometheusExporterFromSource(fakeSource{
		snapshot: delegauth.MetricsSnapshot{
			Counters: map[delegauth.MetricID]uint64{
				delegauth.MetricExchangeSuccess: 1000,
				delegauth.MetricExchangeFailure: 40,
				delegauth.MetricRefreshSuccess:  800,
				delegauth.MetricRefreshFailure:  10,
				delegauth.MetricCallSuccess:     5000,
				delegauth.MetricCallRetried:     20,
				delegauth.MetricSessionCleared:  3,
			},
			Histograms: map[delegauth.MetricID][]uint64{
				delegauth.MetricCallLatency: {10, 20, 30, 40, 50, 60, 70, 80},
			},
		},
	})

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = exp.Render()
	}
}
