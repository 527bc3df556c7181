package oauth

import (
	"net/url"
	"strings"
)

// NormalizeURL canonicalizes a URL for storage keys and issuer
// comparison: lowercase scheme and host, drop the default port for the
// scheme, strip exactly one trailing slash. The function is idempotent
// and returns the input unchanged when it does not parse.
func NormalizeURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" {
		return strings.TrimSuffix(raw, "/")
	}

	scheme := strings.ToLower(parsed.Scheme)
	host := strings.ToLower(parsed.Hostname())
	port := parsed.Port()
	if port != "" && port != defaultPort(scheme) {
		host += ":" + port
	}

	path := strings.TrimSuffix(parsed.EscapedPath(), "/")
	normalized := scheme + "://" + host + path
	if parsed.RawQuery != "" {
		normalized += "?" + parsed.RawQuery
	}
	return normalized
}

func defaultPort(scheme string) string {
	switch scheme {
	case "http", "ws":
		return "80"
	case "https", "wss":
		return "443"
	default:
		return ""
	}
}

// SameIssuer reports whether two issuer identifiers are equal after
// normalization.
func SameIssuer(a, b string) bool {
	return NormalizeURL(a) == NormalizeURL(b)
}

// ResourceMatches reports whether a protected-resource identifier covers
// the requested server URL: equal after normalization, or a prefix of it
// on a path boundary.
func ResourceMatches(resource, serverURL string) bool {
	r := NormalizeURL(resource)
	s := NormalizeURL(serverURL)
	if r == s {
		return true
	}
	return strings.HasPrefix(s, r+"/")
}
