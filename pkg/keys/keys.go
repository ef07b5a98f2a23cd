/*
Package keys resolves API credentials for upstream services. It holds the
configured service-key table (host pattern to key list) and the URL
parameter map used to expand {{name}} placeholders in upstream URLs.
*/
package keys

import (
	"math/rand"
	"net/url"
	"strings"
)

// Store is an immutable credential table shared by all adapters and scan
// backends of one process.
type Store struct {
	serviceKeys map[string][]string
	urlParams   map[string]string
}

// NewStore returns a Store over the given service-key table and URL
// parameter map. Both maps may be nil.
func NewStore(serviceKeys map[string][]string, urlParams map[string]string) *Store {
	if serviceKeys == nil {
		serviceKeys = make(map[string][]string)
	}
	if urlParams == nil {
		urlParams = make(map[string]string)
	}
	return &Store{serviceKeys: serviceKeys, urlParams: urlParams}
}

// ForHost picks an API key for the given host (with optional port). Matching
// tries the exact host:port, then the bare host, then progressively drops the
// leftmost host label (each form with and then without the port) down to a
// two-label minimum. A random key is chosen when the matching list has more
// than one entry.
func (s *Store) ForHost(hostport string) (string, bool) {
	host := hostport
	port := ""
	if i := strings.LastIndexByte(hostport, ':'); i >= 0 && !strings.Contains(hostport[i+1:], "]") {
		host, port = hostport[:i], hostport[i+1:]
	}

	labels := strings.Split(host, ".")
	for len(labels) >= 1 {
		candidate := strings.Join(labels, ".")
		if port != "" {
			if keys, ok := s.serviceKeys[candidate+":"+port]; ok && len(keys) > 0 {
				return keys[rand.Intn(len(keys))], true
			}
		}
		if keys, ok := s.serviceKeys[candidate]; ok && len(keys) > 0 {
			return keys[rand.Intn(len(keys))], true
		}
		if len(labels) <= 2 {
			break
		}
		labels = labels[1:]
	}
	return "", false
}

// ForURL picks an API key for the URL's host, see ForHost.
func (s *Store) ForURL(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", false
	}
	return s.ForHost(u.Host)
}

// ExpandURL replaces every {{name}} placeholder in the URL with the
// configured parameter value. Unknown placeholders are left as is.
func (s *Store) ExpandURL(rawURL string) string {
	if !strings.Contains(rawURL, "{{") {
		return rawURL
	}
	for name, value := range s.urlParams {
		rawURL = strings.ReplaceAll(rawURL, "{{"+name+"}}", value)
	}
	return rawURL
}
