// Package delegauth orchestrates a composite client-side authentication session: an
// externally owned primary sign-in, a delegated access/refresh pair exchanged from it, and
// the organization the delegated user is acting in.
//
// The package is designed for concurrent use: [Facade] methods are safe to call from any
// number of goroutines after construction through [Builder.Build]. Concurrent triggers for
// the same credential are coalesced so the exchange backend sees one call per primary token.
//
// # Architecture boundaries
//
// delegauth is the public surface. It exposes [Facade], [Builder], [Config], the
// [SessionManager] and [OrganizationResolver] state machines, and value types
// ([CombinedView], [CallResult], [MetricsSnapshot]). Persistence lives in store/, HTTP
// calls to the delegated-auth backend live in exchange/, and single-flight coordination
// lives in internal/flight.
//
// # What this package must NOT do
//
//   - Drive the primary sign-in flow itself; it only observes a [PrimaryProvider].
//   - Write the delegated credential or the organization selection anywhere other than
//     through the [SessionManager] and [OrganizationResolver].
//   - Log token values.
//
// # Failure contract
//
// Exchange and refresh failures are recovered locally: the session manager moves to
// [StateFailed], dependent organization state is cleared and the error is surfaced through
// [CombinedView.Error]. [Facade.MakeAuthenticatedCall] never panics or throws; failures are
// returned in [CallResult.Error].
package delegauth
