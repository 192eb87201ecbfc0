// Package prometheus serves delegauth metrics in the Prometheus text format.
//
// The families follow the orchestrator layers:
//
//   - delegauth_exchange_*_total and delegauth_refresh_*_total: delegated session lifecycle,
//     including coalesced, stale, throttled and skipped attempts.
//   - delegauth_organization_*_total: organization loads and switches.
//   - delegauth_call_*_total and delegauth_call_latency_seconds: authenticated calls.
//   - delegauth_session_state, delegauth_session_ready, delegauth_organization_selected:
//     gauges read from the facade view at render time.
//
// The exporter never registers with a global registry; mount [PrometheusExporter.Handler]
// where the host serves metrics.
package prometheus
