package store

import "strings"

const defaultPrefix = "delegauth"

// Keys is the namespaced key layout of a store.
type Keys struct {
	Access       string
	Refresh      string
	Profile      string
	Organization string
}

// NewKeys builds the key layout under prefix.
func NewKeys(prefix string) Keys {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultPrefix
	}
	return Keys{
		Access:       prefix + ":delegated:access",
		Refresh:      prefix + ":delegated:refresh",
		Profile:      prefix + ":delegated:profile",
		Organization: prefix + ":organization:selected",
	}
}

// All returns every key in a stable order.
func (k Keys) All() []string {
	return []string{k.Access, k.Refresh, k.Profile, k.Organization}
}

func (k Keys) credential() []string {
	return []string{k.Access, k.Refresh, k.Profile}
}

func (k Keys) has(key string) bool {
	switch key {
	case k.Access, k.Refresh, k.Profile, k.Organization:
		return true
	default:
		return false
	}
}
