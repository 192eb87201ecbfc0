// Package store implements the delegauth credential store: a process-wide key-value holder
// for the delegated credential and the organization selection, served from an in-memory
// cache and persisted to a durable [Backend].
//
// # Consistency
//
// The delegated access token, refresh token and profile snapshot are stored under distinct
// namespaced keys but always written together through a single [Backend.Apply] call, and
// swapped into the cache under one write lock. Readers can never observe a new access token
// paired with an old profile.
//
// # Corruption
//
// A stored value that cannot be decoded, or a credential with missing parts, is treated as
// absent. [Open] and [Store.Reload] delete such keys from the backend so the next exchange
// starts from a clean slate. Corruption is never surfaced to readers as an error.
//
// # What this package must NOT do
//
//   - Perform network calls other than to its Backend.
//   - Decide when credentials are exchanged, refreshed or cleared.
package store
