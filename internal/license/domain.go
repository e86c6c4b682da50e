package license

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// defaultExemptPatterns keeps local development domains out of paid
// activation accounting even with no administrative configuration.
// These hosts never resolve publicly, so exempting them is not an
// entitlement hole.
var defaultExemptPatterns = []string{"localhost", "local", "test"}

// NormalizeDomain canonicalizes a bare hostname or URL to a comparable
// form: scheme, path, port, a leading "www." and trailing dots are
// stripped and the result is lowercased. Two domains are equal iff their
// normalized forms are byte-equal.
func NormalizeDomain(input string) (string, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return "", fmt.Errorf("empty domain")
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return "", fmt.Errorf("unparsable domain %q", input)
		}
		s = u.Host
	} else if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}

	// Strip a port if one is present.
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}

	s = strings.ToLower(s)
	s = strings.TrimSuffix(s, ".")
	s = strings.TrimPrefix(s, "www.")

	if s == "" || strings.ContainsAny(s, " \t") {
		return "", fmt.Errorf("invalid domain %q", input)
	}
	return s, nil
}

// ParseExemptPatterns splits an admin-configured allow list (newline or
// comma separated) into normalized patterns, always including the
// built-in developer set.
func ParseExemptPatterns(raw string) []string {
	patterns := append([]string(nil), defaultExemptPatterns...)
	seen := make(map[string]bool, len(patterns))
	for _, p := range patterns {
		seen[p] = true
	}

	for _, field := range strings.FieldsFunc(raw, func(r rune) bool {
		return r == '\n' || r == ','
	}) {
		normalized, err := NormalizeDomain(field)
		if err != nil || seen[normalized] {
			continue
		}
		seen[normalized] = true
		patterns = append(patterns, normalized)
	}
	return patterns
}

// IsExemptDomain reports whether a normalized domain matches the allow
// list: verbatim equality, or a strict subdomain of a pattern.
func IsExemptDomain(domain string, patterns []string) bool {
	for _, pattern := range patterns {
		if domain == pattern || strings.HasSuffix(domain, "."+pattern) {
			return true
		}
	}
	return false
}
