// Package credential defines the value types shared by the delegauth store, the exchange
// client and the root orchestrator: the externally owned primary credential, the delegated
// credential produced by a token exchange, the user profile snapshot and organizations.
//
// # Architecture boundaries
//
// This package is a leaf. It owns shape validation and normalization so that loosely typed
// payloads never travel past the store or exchange boundary.
//
// # What this package must NOT do
//
//   - Perform I/O or hold state.
//   - Import delegauth, store or exchange.
package credential
