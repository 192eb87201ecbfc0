package store

import (
	"strings"
	"time"

	"github.com/MrEthical07/delegauth/credential"
	json "github.com/goccy/go-json"
)

type profileRecord struct {
	Profile   credential.Profile `json:"profile"`
	FetchedAt time.Time          `json:"fetched_at"`
	ExpiresAt time.Time          `json:"expires_at"`
}

type decodeStatus int

const (
	decodeAbsent decodeStatus = iota
	decodeOK
	decodeCorrupt
)

func encodeCredential(keys Keys, cred credential.Delegated) (map[string][]byte, error) {
	data, err := json.Marshal(profileRecord{
		Profile:   cred.Profile,
		FetchedAt: cred.FetchedAt.UTC(),
		ExpiresAt: cred.ExpiresAt.UTC(),
	})
	if err != nil {
		return nil, err
	}
	return map[string][]byte{
		keys.Access:  []byte(cred.AccessToken),
		keys.Refresh: []byte(cred.RefreshToken),
		keys.Profile: data,
	}, nil
}

func decodeCredential(keys Keys, raw map[string][]byte) (*credential.Delegated, decodeStatus) {
	access, hasAccess := raw[keys.Access]
	refresh, hasRefresh := raw[keys.Refresh]
	profile, hasProfile := raw[keys.Profile]
	if !hasAccess && !hasRefresh && !hasProfile {
		return nil, decodeAbsent
	}
	if !hasAccess || !hasRefresh || !hasProfile {
		return nil, decodeCorrupt
	}

	var rec profileRecord
	if err := json.Unmarshal(profile, &rec); err != nil {
		return nil, decodeCorrupt
	}
	normalized, err := rec.Profile.Normalize()
	if err != nil {
		return nil, decodeCorrupt
	}

	cred := &credential.Delegated{
		AccessToken:  strings.TrimSpace(string(access)),
		RefreshToken: strings.TrimSpace(string(refresh)),
		Profile:      normalized,
		FetchedAt:    rec.FetchedAt,
		ExpiresAt:    rec.ExpiresAt,
	}
	if err := cred.Validate(); err != nil {
		return nil, decodeCorrupt
	}
	return cred, decodeOK
}

func cloneDelegated(in credential.Delegated) credential.Delegated {
	out := in
	if in.Profile.OrganizationID != nil {
		org := *in.Profile.OrganizationID
		out.Profile.OrganizationID = &org
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
