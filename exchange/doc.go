// Package exchange is the HTTP client for the delegated-auth backend: it trades a primary
// access token for a delegated access/refresh pair, refreshes that pair and lists the
// organizations visible to the delegated user.
//
// # Architecture boundaries
//
// Every call is a single request/response. The client keeps no credential state, never
// caches and never retries; retry and invalidation policy belong to the caller.
//
// # Error mapping
//
// All failures are [*Error] values. errors.Is matches the operation sentinel
// ([ErrExchangeFailed], [ErrRefreshFailed], [ErrOrganizationsFailed]) and, when applicable,
// the kind sentinel ([ErrUnauthorized] for 401/403, [ErrTransport] for network failures).
//
// # What this package must NOT do
//
//   - Log or return token values beyond the prefix produced by [Redact].
//   - Import delegauth or store.
package exchange
