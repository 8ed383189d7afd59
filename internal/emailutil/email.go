// Package emailutil normalizes email addresses and domains for comparison.
// Emails are never identity keys here; they only feed the domain gate and
// the profile copy on a local user.
package emailutil

import "strings"

// Normalize normalizes an email address for consistent comparison
// by converting to lowercase and trimming whitespace
func Normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizeDomain lowercases a domain and drops a leading "@" or trailing dot
func NormalizeDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	domain = strings.TrimPrefix(domain, "@")
	return strings.TrimSuffix(domain, ".")
}

// ExtractDomain extracts the normalized domain from an email address.
// Returns "" unless there is exactly one "@" with text on both sides.
func ExtractDomain(email string) string {
	local, domain, ok := strings.Cut(Normalize(email), "@")
	if !ok || local == "" || domain == "" || strings.Contains(domain, "@") {
		return ""
	}
	return NormalizeDomain(domain)
}
