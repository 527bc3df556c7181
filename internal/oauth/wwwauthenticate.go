package oauth

import (
	"net/http"
	"strings"
)

// Challenge is a parsed WWW-Authenticate Bearer challenge. The resource
// metadata URL is the entry point for RFC 9728 discovery.
type Challenge struct {
	Realm            string
	Scope            string
	ResourceMetadata string
}

// ParseChallenge extracts the Bearer challenge from a 401 response's
// headers. Returns nil when no Bearer challenge is present.
func ParseChallenge(headers http.Header) *Challenge {
	return ParseChallengeValues(headers.Values("WWW-Authenticate"))
}

// ParseChallengeValues scans WWW-Authenticate values for a Bearer
// challenge. Both the resource_metadata and resource_metadata_url
// parameter spellings are accepted.
func ParseChallengeValues(values []string) *Challenge {
	for _, value := range values {
		for _, ch := range parseAuthHeader(value) {
			if !strings.EqualFold(ch.scheme, "bearer") {
				continue
			}
			meta := ch.params["resource_metadata"]
			if meta == "" {
				meta = ch.params["resource_metadata_url"]
			}
			return &Challenge{
				Realm:            ch.params["realm"],
				Scope:            ch.params["scope"],
				ResourceMetadata: meta,
			}
		}
	}
	return nil
}

type challengeParts struct {
	scheme string
	params map[string]string
}

// parseAuthHeader parses one WWW-Authenticate value. RFC 7235 allows
// multiple challenges per value, comma-separated, while auth-params are
// also comma-separated, so the split happens on scheme tokens:
//
//	Bearer realm="x", scope="y"
//	Basic realm="a", Bearer resource_metadata="https://..."
func parseAuthHeader(value string) []challengeParts {
	tokens := lexAuthHeader(strings.TrimSpace(value))
	if len(tokens) == 0 {
		return nil
	}

	var challenges []challengeParts
	var current *challengeParts
	i := 0
	for i < len(tokens) {
		if isSchemeAt(tokens, i) {
			if current != nil {
				challenges = append(challenges, *current)
			}
			current = &challengeParts{scheme: tokens[i], params: map[string]string{}}
			i++
			continue
		}
		if current != nil && i+2 < len(tokens) && tokens[i+1] == "=" {
			current.params[strings.ToLower(tokens[i])] = tokens[i+2]
			i += 3
			continue
		}
		i++
	}
	if current != nil {
		challenges = append(challenges, *current)
	}
	return challenges
}

// isSchemeAt reports whether the token at i is an auth-scheme rather
// than a parameter key. A key is always followed by "=".
func isSchemeAt(tokens []string, i int) bool {
	tok := tokens[i]
	if len(tok) == 0 || !isAlpha(tok[0]) {
		return false
	}
	for j := 1; j < len(tok); j++ {
		c := tok[j]
		if !isAlphaNum(c) && c != '-' && c != '+' && c != '.' {
			return false
		}
	}
	return i+1 >= len(tokens) || tokens[i+1] != "="
}

// lexAuthHeader splits a header value into tokens, "=" separators, and
// unquoted string contents. Quoted strings may contain commas and
// escaped characters.
func lexAuthHeader(value string) []string {
	var tokens []string
	i, n := 0, len(value)
	for i < n {
		for i < n && (value[i] == ' ' || value[i] == '\t' || value[i] == ',') {
			i++
		}
		if i >= n {
			break
		}
		switch {
		case value[i] == '=':
			tokens = append(tokens, "=")
			i++
		case value[i] == '"':
			str, end := unquote(value, i)
			tokens = append(tokens, str)
			i = end
		default:
			start := i
			for i < n && isTokenChar(value[i]) {
				i++
			}
			if i > start {
				tokens = append(tokens, value[start:i])
			} else {
				// Unexpected byte (token68 padding etc); skip it so the
				// loop always advances.
				i++
			}
		}
	}
	return tokens
}

// unquote consumes a quoted-string starting at i and returns its
// contents plus the index past the closing quote.
func unquote(s string, i int) (string, int) {
	i++ // opening quote
	var b strings.Builder
	for i < len(s) {
		switch {
		case s[i] == '\\' && i+1 < len(s):
			b.WriteByte(s[i+1])
			i += 2
		case s[i] == '"':
			return b.String(), i + 1
		default:
			b.WriteByte(s[i])
			i++
		}
	}
	return b.String(), i
}

func isTokenChar(c byte) bool {
	if isAlphaNum(c) {
		return true
	}
	switch c {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~':
		return true
	}
	return false
}

func isAlpha(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

func isAlphaNum(c byte) bool {
	return isAlpha(c) || (c >= '0' && c <= '9')
}
