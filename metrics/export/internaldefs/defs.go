package internaldefs

import (
	"github.com/MrEthical07/delegauth"
)

// CounterDef maps one orchestrator counter to its exported name.
type CounterDef struct {
	ID   delegauth.MetricID
	Name string
	Help string
}

// HistogramDef maps one orchestrator histogram to its exported name.
type HistogramDef struct {
	ID   delegauth.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter in render order.
var CounterDefs = []CounterDef{
	{ID: delegauth.MetricExchangeSuccess, Name: "delegauth_exchange_success_total", Help: "Exchanges committed to the credential store."},
	{ID: delegauth.MetricExchangeFailure, Name: "delegauth_exchange_failure_total", Help: "Exchanges rejected by the backend or the transport."},
	{ID: delegauth.MetricExchangeDeduplicated, Name: "delegauth_exchange_deduplicated_total", Help: "Initialize calls that joined an in-flight exchange."},
	{ID: delegauth.MetricExchangeStaleDiscarded, Name: "delegauth_exchange_stale_discarded_total", Help: "Exchange results discarded as stale."},
	{ID: delegauth.MetricRefreshSuccess, Name: "delegauth_refresh_success_total", Help: "Refreshes committed to the credential store."},
	{ID: delegauth.MetricRefreshFailure, Name: "delegauth_refresh_failure_total", Help: "Refresh failures that cleared the session."},
	{ID: delegauth.MetricRefreshShared, Name: "delegauth_refresh_shared_total", Help: "Refresh calls that joined an in-flight refresh."},
	{ID: delegauth.MetricRefreshThrottled, Name: "delegauth_refresh_throttled_total", Help: "Refreshes denied by the throttle."},
	{ID: delegauth.MetricRefreshSkipped, Name: "delegauth_refresh_skipped_total", Help: "Refresh requests for a credential already replaced."},
	{ID: delegauth.MetricOrganizationLoadSuccess, Name: "delegauth_organization_load_success_total", Help: "Committed organization loads."},
	{ID: delegauth.MetricOrganizationLoadFailure, Name: "delegauth_organization_load_failure_total", Help: "Failed organization loads."},
	{ID: delegauth.MetricOrganizationSwitch, Name: "delegauth_organization_switch_total", Help: "Accepted organization switches."},
	{ID: delegauth.MetricOrganizationSwitchRejected, Name: "delegauth_organization_switch_rejected_total", Help: "Switches to an organization outside the loaded set."},
	{ID: delegauth.MetricCallSuccess, Name: "delegauth_call_success_total", Help: "Authenticated calls answered with 2xx."},
	{ID: delegauth.MetricCallFailure, Name: "delegauth_call_failure_total", Help: "Authenticated calls that failed."},
	{ID: delegauth.MetricCallRetried, Name: "delegauth_call_retried_total", Help: "Authenticated calls retried after a 401."},
	{ID: delegauth.MetricCallUnauthenticated, Name: "delegauth_call_unauthenticated_total", Help: "Authenticated calls rejected before sending."},
	{ID: delegauth.MetricSessionCleared, Name: "delegauth_session_cleared_total", Help: "Delegated session clears."},
	{ID: delegauth.MetricStoreCorruptionHealed, Name: "delegauth_store_corruption_healed_total", Help: "Corrupt stored credentials removed on load."},
}

// HistogramDefs lists every exported histogram.
var HistogramDefs = []HistogramDef{
	{ID: delegauth.MetricCallLatency, Name: "delegauth_call_latency_seconds", Help: "Authenticated call latency histogram."},
}

// HistogramBounds are the upper bucket bounds in seconds, matching the in-process buckets.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix holds instrument-name-safe forms of HistogramBounds.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets copies raw into a fixed-size bucket array, zero-filling missing buckets.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts into cumulative counts.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
