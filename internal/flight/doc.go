// Package flight implements the single-flight primitives used by the delegauth managers.
//
// # Components
//
//   - [Guard]: remembers the fingerprint an operation was last attempted for, so a repeated
//     trigger for the same credential is skipped while a rotated credential is re-admitted.
//   - [Group]: coalesces concurrent callers for one key into a single execution whose
//     outcome every caller observes.
//   - [Fingerprint]: derives a non-reversible key from a token value.
//
// # Architecture boundaries
//
// A Group execution runs detached from the cancellation of the caller that started it;
// each caller stops waiting when its own context ends, but the shared execution continues
// for the others until its timeout.
//
// # What this package must NOT do
//
//   - Store token values.
//   - Import delegauth or any sibling package.
package flight
