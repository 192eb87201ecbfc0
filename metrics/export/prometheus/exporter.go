package prometheus

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/MrEthical07/delegauth"
	"github.com/MrEthical07/delegauth/metrics/export/internaldefs"
)

type metricsSource interface {
	MetricsSnapshot() delegauth.MetricsSnapshot
	EventsDropped() uint64
}

// viewSource is implemented by *delegauth.Facade. Sources without a view export counters only.
type viewSource interface {
	View() delegauth.CombinedView
}

// PrometheusExporter renders delegauth metrics in Prometheus text exposition format.
type PrometheusExporter struct {
	source metricsSource
}

// NewPrometheusExporter creates an exporter that reads from facade.
func NewPrometheusExporter(facade *delegauth.Facade) *PrometheusExporter {
	return &PrometheusExporter{source: facade}
}

// NewPrometheusExporterFromSource creates an exporter over any snapshot source.
func NewPrometheusExporterFromSource(source metricsSource) *PrometheusExporter {
	return &PrometheusExporter{source: source}
}

// Handler serves Render on every request.
func (p *PrometheusExporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(p.Render()))
	})
}

// Render returns the current metrics, or "" when metrics are disabled and nothing was dropped.
func (p *PrometheusExporter) Render() string {
	if p == nil || p.source == nil {
		return ""
	}

	snapshot := p.source.MetricsSnapshot()
	dropped := p.source.EventsDropped()
	if len(snapshot.Counters) == 0 && len(snapshot.Histograms) == 0 && dropped == 0 {
		return ""
	}

	w := exposition{}
	w.b.Grow(4096)

	for _, def := range internaldefs.CounterDefs {
		w.family(def.Name, def.Help, "counter")
		w.sample(def.Name, "", snapshot.Counters[def.ID])
	}
	w.family("delegauth_events_dropped_total", "Auth events dropped because the dispatch buffer was full.", "counter")
	w.sample("delegauth_events_dropped_total", "", dropped)

	for _, def := range internaldefs.HistogramDefs {
		buckets := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(snapshot.Histograms[def.ID]))
		w.family(def.Name, def.Help, "histogram")
		for i, le := range internaldefs.HistogramBounds {
			w.sample(def.Name+"_bucket", `le="`+le+`"`, buckets[i])
		}
		w.sample(def.Name+"_count", "", buckets[len(buckets)-1])
		// Bucket counts only; the in-process histogram keeps no sum.
		w.sample(def.Name+"_sum", "", 0)
	}

	if vs, ok := p.source.(viewSource); ok {
		w.sessionGauges(vs.View())
	}
	return w.b.String()
}

// exposition accumulates text format families.
type exposition struct {
	b strings.Builder
}

func (w *exposition) family(name, help, typ string) {
	w.b.WriteString("# HELP ")
	w.b.WriteString(name)
	w.b.WriteByte(' ')
	w.b.WriteString(escapeHelp(help))
	w.b.WriteString("\n# TYPE ")
	w.b.WriteString(name)
	w.b.WriteByte(' ')
	w.b.WriteString(typ)
	w.b.WriteByte('\n')
}

func (w *exposition) sample(name, labels string, value uint64) {
	w.b.WriteString(name)
	if labels != "" {
		w.b.WriteByte('{')
		w.b.WriteString(labels)
		w.b.WriteByte('}')
	}
	w.b.WriteByte(' ')
	w.b.WriteString(strconv.FormatUint(value, 10))
	w.b.WriteByte('\n')
}

// sessionGauges exports the current layer states: one series per delegated state with
// exactly one set to 1, plus readiness and organization selection flags.
func (w *exposition) sessionGauges(v delegauth.CombinedView) {
	const stateName = "delegauth_session_state"
	w.family(stateName, "Delegated session lifecycle state (1 for the current state).", "gauge")
	for _, st := range sessionStates {
		w.sample(stateName, `state="`+st.String()+`"`, boolValue(v.Delegated.State == st))
	}

	w.family("delegauth_session_ready", "1 when primary, delegated and organization layers agree.", "gauge")
	w.sample("delegauth_session_ready", "", boolValue(v.IsFullyAuthenticated))

	w.family("delegauth_organization_selected", "1 when an organization is selected.", "gauge")
	w.sample("delegauth_organization_selected", "", boolValue(v.Organization.Current != nil))
}

var sessionStates = []delegauth.SessionState{
	delegauth.StateUninitialized,
	delegauth.StateInitializing,
	delegauth.StateAuthenticated,
	delegauth.StateRefreshing,
	delegauth.StateFailed,
}

func boolValue(ok bool) uint64 {
	if ok {
		return 1
	}
	return 0
}

func escapeHelp(help string) string {
	help = strings.ReplaceAll(help, "\\", "\\\\")
	help = strings.ReplaceAll(help, "\n", "\\n")
	return help
}
