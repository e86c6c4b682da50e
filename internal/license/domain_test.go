package license

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDomain(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"bare hostname", "example.com", "example.com", false},
		{"uppercase", "EXAMPLE.COM", "example.com", false},
		{"leading www", "www.example.com", "example.com", false},
		{"https url", "https://example.com/path/to/page", "example.com", false},
		{"http url with www", "http://www.Example.com/", "example.com", false},
		{"url with port", "https://example.com:8443/admin", "example.com", false},
		{"bare host with port", "example.com:8080", "example.com", false},
		{"trailing dot", "example.com.", "example.com", false},
		{"subdomain preserved", "app.staging.example.com", "app.staging.example.com", false},
		{"path without scheme", "example.com/checkout", "example.com", false},
		{"query without scheme", "example.com?ref=1", "example.com", false},
		{"whitespace trimmed", "  example.com  ", "example.com", false},
		{"localhost", "localhost", "localhost", false},
		{"empty", "", "", true},
		{"only spaces", "   ", "", true},
		{"scheme only", "https://", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeDomain(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizedEquality(t *testing.T) {
	a, err := NormalizeDomain("https://WWW.Example.com/shop")
	require.NoError(t, err)
	b, err := NormalizeDomain("example.com.")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestIsExemptDomain(t *testing.T) {
	patterns := []string{"myapp.local", "staging.example.com"}

	tests := []struct {
		name   string
		domain string
		want   bool
	}{
		{"verbatim match", "myapp.local", true},
		{"strict subdomain", "dev.myapp.local", true},
		{"deep subdomain", "a.b.myapp.local", true},
		{"suffix but not subdomain", "notmyapp.local", false},
		{"unrelated", "example.com", false},
		{"parent of pattern", "local", false},
		{"second pattern subdomain", "pr-42.staging.example.com", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsExemptDomain(tt.domain, patterns))
		})
	}
}

func TestParseExemptPatterns(t *testing.T) {
	patterns := ParseExemptPatterns("myapp.local\nstaging.example.com, Demo.Example.com")

	// Built-in developer defaults always present.
	assert.Contains(t, patterns, "localhost")
	assert.Contains(t, patterns, "local")
	assert.Contains(t, patterns, "test")

	assert.Contains(t, patterns, "myapp.local")
	assert.Contains(t, patterns, "staging.example.com")
	assert.Contains(t, patterns, "demo.example.com")
}

func TestParseExemptPatternsDefaultsMatchDevHosts(t *testing.T) {
	patterns := ParseExemptPatterns("")

	assert.True(t, IsExemptDomain("localhost", patterns))
	assert.True(t, IsExemptDomain("myapp.local", patterns))
	assert.True(t, IsExemptDomain("ci.myapp.test", patterns))
	assert.False(t, IsExemptDomain("example.com", patterns))
}
