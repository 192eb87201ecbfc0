package credential

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrInvalidProfile is returned when a profile snapshot has no identity.
	ErrInvalidProfile = errors.New("invalid user profile")
	// ErrInvalidDelegated is returned when a delegated credential misses a token or profile.
	ErrInvalidDelegated = errors.New("invalid delegated credential")
	// ErrInvalidOrganization is returned when an organization has no ID.
	ErrInvalidOrganization = errors.New("invalid organization")
)

// Primary is the externally owned base identity credential. The orchestrator only reads it.
type Primary struct {
	AccessToken     string
	IsAuthenticated bool
	IsLoading       bool
}

// Present reports whether the primary session is usable for an exchange.
func (p Primary) Present() bool {
	return p.IsAuthenticated && !p.IsLoading && strings.TrimSpace(p.AccessToken) != ""
}

// Profile is an immutable identity snapshot returned with every exchange or refresh.
type Profile struct {
	ID             string  `json:"id"`
	Email          string  `json:"email,omitempty"`
	Name           string  `json:"name,omitempty"`
	EmailVerified  bool    `json:"email_verified"`
	Active         bool    `json:"active"`
	OrganizationID *string `json:"organization_id,omitempty"`
}

// Normalize trims identity fields and rejects profiles without an ID.
func (p Profile) Normalize() (Profile, error) {
	out := p
	out.ID = strings.TrimSpace(p.ID)
	out.Email = strings.TrimSpace(p.Email)
	out.Name = strings.TrimSpace(p.Name)
	if p.OrganizationID != nil {
		org := strings.TrimSpace(*p.OrganizationID)
		if org == "" {
			out.OrganizationID = nil
		} else {
			out.OrganizationID = &org
		}
	}
	if out.ID == "" {
		return Profile{}, ErrInvalidProfile
	}
	return out, nil
}

// Delegated is the secondary access/refresh pair exchanged from the primary credential.
//
// A Delegated value is only ever replaced as a whole; fields are never patched.
type Delegated struct {
	AccessToken  string
	RefreshToken string
	Profile      Profile
	FetchedAt    time.Time
	ExpiresAt    time.Time
}

// Validate checks that every field required for a commit is present.
func (d Delegated) Validate() error {
	if strings.TrimSpace(d.AccessToken) == "" || strings.TrimSpace(d.RefreshToken) == "" {
		return ErrInvalidDelegated
	}
	if strings.TrimSpace(d.Profile.ID) == "" {
		return ErrInvalidDelegated
	}
	return nil
}

// ExpiresWithin reports whether a known expiry falls before now+skew.
// Credentials without an expiry never report true.
func (d Delegated) ExpiresWithin(now time.Time, skew time.Duration) bool {
	if d.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(skew).Before(d.ExpiresAt)
}

// Organization is a tenant the delegated user can act in.
type Organization struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Slug string `json:"slug,omitempty"`
}

// NormalizeOrganizations trims IDs, drops entries without one and keeps the first
// occurrence of each ID, preserving order.
func NormalizeOrganizations(in []Organization) []Organization {
	out := make([]Organization, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, org := range in {
		org.ID = strings.TrimSpace(org.ID)
		if org.ID == "" {
			continue
		}
		if _, ok := seen[org.ID]; ok {
			continue
		}
		seen[org.ID] = struct{}{}
		org.Name = strings.TrimSpace(org.Name)
		org.Slug = strings.TrimSpace(org.Slug)
		out = append(out, org)
	}
	return out
}

// FindOrganization returns the member with the given ID.
func FindOrganization(orgs []Organization, id string) (Organization, bool) {
	for _, org := range orgs {
		if org.ID == id {
			return org, true
		}
	}
	return Organization{}, false
}
