package keys

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestForHostPrecedence(t *testing.T) {
	s := NewStore(map[string][]string{
		"api.etherscan.io:8080": {"exact-with-port"},
		"api.etherscan.io":      {"exact-host"},
		"etherscan.io":          {"apex"},
		"nownodes.io":           {"nownodes"},
	}, nil)

	for _, tc := range []struct {
		host string
		key  string
		ok   bool
	}{
		{"api.etherscan.io:8080", "exact-with-port", true},
		{"api.etherscan.io:9999", "exact-host", true},
		{"api.etherscan.io", "exact-host", true},
		{"deep.api.etherscan.io", "exact-host", true},
		{"etherscan.io", "apex", true},
		{"other.etherscan.io", "apex", true},
		{"btc.blockbook.nownodes.io:443", "nownodes", true},
		{"unknown.example.org", "", false},
		// The two-label minimum stops the walk before the bare TLD.
		{"a.b.io", "", false},
	} {
		key, ok := s.ForHost(tc.host)
		require.Equal(t, tc.ok, ok, tc.host)
		require.Equal(t, tc.key, key, tc.host)
	}
}

func TestForHostRandomChoice(t *testing.T) {
	s := NewStore(map[string][]string{
		"api.example.com": {"k1", "k2", "k3"},
	}, nil)

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		key, ok := s.ForHost("api.example.com")
		require.True(t, ok)
		seen[key] = true
	}
	require.Subset(t, []string{"k1", "k2", "k3"}, mapKeys(seen))
}

func mapKeys(m map[string]bool) []string {
	ks := make([]string, 0, len(m))
	for k := range m {
		ks = append(ks, k)
	}
	return ks
}

func TestForURL(t *testing.T) {
	s := NewStore(map[string][]string{"etherscan.io": {"key"}}, nil)

	key, ok := s.ForURL("https://api.etherscan.io/api?module=account")
	require.True(t, ok)
	require.Equal(t, "key", key)

	_, ok = s.ForURL("https://example.org/api")
	require.False(t, ok)
	_, ok = s.ForURL("not a url")
	require.False(t, ok)
}

func TestExpandURL(t *testing.T) {
	s := NewStore(nil, map[string]string{
		"nowNodesApiKey": "secret",
		"region":         "eu",
	})

	require.Equal(t,
		"wss://btc.blockbook.nownodes.io/wss/secret?r=eu",
		s.ExpandURL("wss://btc.blockbook.nownodes.io/wss/{{nowNodesApiKey}}?r={{region}}"))
	require.Equal(t, "https://plain.example.com", s.ExpandURL("https://plain.example.com"))
	require.Equal(t, "https://x/{{unknown}}", s.ExpandURL("https://x/{{unknown}}"))
}
