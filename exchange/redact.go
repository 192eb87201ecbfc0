package exchange

import "unicode/utf8"

const redactPrefixLen = 4

// Redact returns a diagnostic form of a token that keeps at most its first four characters.
func Redact(token string) string {
	if utf8.RuneCountInString(token) <= redactPrefixLen {
		return "****"
	}
	prefix := make([]rune, 0, redactPrefixLen)
	for _, r := range token {
		if len(prefix) == redactPrefixLen {
			break
		}
		prefix = append(prefix, r)
	}
	return string(prefix) + "…"
}
