package scraper

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	// Tolerates common protocol typos such as "htp://" or "https:/".
	schemePrefix  = regexp.MustCompile(`(?i)^[a-z]+:/+`)
	validUsername = regexp.MustCompile(`^[a-zA-Z0-9._]{1,30}$`)
)

// CanonicalUsername parses a source identifier into a bare username,
// accepting both usernames and profile URLs.
func CanonicalUsername(identifier string) (string, error) {
	s := strings.TrimSpace(identifier)
	if s == "" {
		return "", fmt.Errorf("empty source identifier")
	}

	s = schemePrefix.ReplaceAllString(s, "")
	s = strings.TrimPrefix(s, "www.")

	// Profile URL: drop the host and keep the first path segment.
	if idx := strings.IndexByte(s, '/'); idx >= 0 && strings.ContainsRune(s[:idx], '.') {
		s = s[idx+1:]
	}
	if idx := strings.IndexAny(s, "/?#"); idx >= 0 {
		s = s[:idx]
	}
	s = strings.TrimPrefix(s, "@")

	if !validUsername.MatchString(s) {
		return "", fmt.Errorf("cannot derive username from %q", identifier)
	}
	return strings.ToLower(s), nil
}
