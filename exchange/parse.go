package exchange

import (
	"strings"

	"github.com/MrEthical07/delegauth/credential"
	"github.com/tidwall/gjson"
)

func parseGrant(body []byte) (Grant, string) {
	if !gjson.ValidBytes(body) {
		return Grant{}, "response is not json"
	}
	root := unwrapEnvelope(gjson.ParseBytes(body))

	access := firstString(root, "accessToken", "access_token")
	if access == "" {
		return Grant{}, "response missing access token"
	}
	refresh := firstString(root, "refreshToken", "refresh_token")
	if refresh == "" {
		return Grant{}, "response missing refresh token"
	}

	node := root.Get("profile")
	if !node.IsObject() {
		node = root.Get("user")
	}
	if !node.IsObject() {
		return Grant{}, "response missing profile"
	}
	profile, err := parseProfile(node).Normalize()
	if err != nil {
		return Grant{}, "response profile has no id"
	}

	return Grant{AccessToken: access, RefreshToken: refresh, Profile: profile}, ""
}

func parseProfile(node gjson.Result) credential.Profile {
	p := credential.Profile{
		ID:            firstString(node, "id", "_id", "userId", "user_id"),
		Email:         firstString(node, "email"),
		Name:          firstString(node, "name", "fullName", "full_name"),
		EmailVerified: firstBool(node, "emailVerified", "email_verified", "isVerified", "is_verified"),
		Active:        firstBool(node, "active", "isActive", "is_active", "activated"),
	}
	org := firstString(node, "organizationId", "organization_id", "organization.id", "organization._id")
	if org != "" {
		p.OrganizationID = &org
	}
	return p
}

func parseOrganizations(body []byte) ([]credential.Organization, bool) {
	if !gjson.ValidBytes(body) {
		return nil, false
	}
	root := gjson.ParseBytes(body)
	list := root
	if !list.IsArray() {
		list = root.Get("data")
	}
	if !list.IsArray() {
		list = root.Get("organizations")
	}
	if !list.IsArray() {
		return nil, false
	}

	var out []credential.Organization
	list.ForEach(func(_, item gjson.Result) bool {
		if !item.IsObject() {
			return true
		}
		out = append(out, credential.Organization{
			ID:   firstString(item, "id", "_id"),
			Name: firstString(item, "name"),
			Slug: firstString(item, "slug"),
		})
		return true
	})
	return credential.NormalizeOrganizations(out), true
}

func unwrapEnvelope(root gjson.Result) gjson.Result {
	if data := root.Get("data"); data.IsObject() {
		return data
	}
	return root
}

func errorMessage(body []byte) string {
	if !gjson.ValidBytes(body) {
		return ""
	}
	root := gjson.ParseBytes(body)
	return firstString(root, "error_description", "message", "error.message", "error")
}

func firstString(node gjson.Result, paths ...string) string {
	for _, path := range paths {
		v := node.Get(path)
		if !v.Exists() || v.Type == gjson.Null || v.IsObject() || v.IsArray() {
			continue
		}
		if s := strings.TrimSpace(v.String()); s != "" {
			return s
		}
	}
	return ""
}

func firstBool(node gjson.Result, paths ...string) bool {
	for _, path := range paths {
		if v := node.Get(path); v.Exists() && v.Type != gjson.Null {
			return v.Bool()
		}
	}
	return false
}
