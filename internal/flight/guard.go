package flight

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// Guard admits an operation at most once per fingerprint until it is released.
//
// The zero value is ready to use.
type Guard struct {
	mu        sync.Mutex
	attempted string
}

// Admit reports whether an attempt for fp may start. It returns true exactly once for a
// given fingerprint until Release(fp) or Reset is called. A different fingerprint always
// replaces the previous one and is admitted.
func (g *Guard) Admit(fp string) bool {
	if fp == "" {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.attempted == fp {
		return false
	}
	g.attempted = fp
	return true
}

// Release clears the admission for fp. A release for a fingerprint that has since been
// replaced is ignored.
func (g *Guard) Release(fp string) {
	g.mu.Lock()
	if g.attempted == fp {
		g.attempted = ""
	}
	g.mu.Unlock()
}

// Reset clears any admission.
func (g *Guard) Reset() {
	g.mu.Lock()
	g.attempted = ""
	g.mu.Unlock()
}

// Fingerprint returns the hex SHA-256 of token, or "" for an empty token.
func Fingerprint(token string) string {
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Short returns a log-safe prefix of a fingerprint.
func Short(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
