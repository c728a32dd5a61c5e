package httpserver

import (
	"net/http"
	"net/url"
	"strings"
)

// NewOriginChecker builds the CheckOrigin predicate shared by the signaling
// and WebSocket relay endpoints.
//
// With an empty allowlist only same-host browsers connect (and non-browser
// clients, which send no Origin header). Entries are full origins like
// "https://console.example.com"; the single entry "*" disables the check.
func NewOriginChecker(allowed []string) func(r *http.Request) bool {
	normalized := make(map[string]struct{}, len(allowed))
	wildcard := false
	for _, a := range allowed {
		if a == "*" {
			wildcard = true
			continue
		}
		if o, ok := normalizeOrigin(a); ok {
			normalized[o] = struct{}{}
		}
	}

	return func(r *http.Request) bool {
		header := strings.TrimSpace(r.Header.Get("Origin"))
		if header == "" {
			return true
		}
		if wildcard {
			return true
		}
		o, ok := normalizeOrigin(header)
		if !ok {
			return false
		}
		if _, ok := normalized[o]; ok {
			return true
		}
		// Same-host requests pass without configuration.
		u, err := url.Parse(o)
		if err != nil {
			return false
		}
		return hostsEqual(u.Host, r.Host, u.Scheme)
	}
}

// normalizeOrigin lowercases the scheme and host and strips default ports so
// "HTTPS://App.Example.com:443" and "https://app.example.com" compare equal.
func normalizeOrigin(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	host := strings.ToLower(u.Host)
	host = strings.TrimSuffix(host, defaultPortSuffix(scheme))
	return scheme + "://" + host, true
}

func defaultPortSuffix(scheme string) string {
	if scheme == "https" {
		return ":443"
	}
	return ":80"
}

func hostsEqual(originHost, requestHost, scheme string) bool {
	a := strings.ToLower(strings.TrimSuffix(originHost, defaultPortSuffix(scheme)))
	b := strings.ToLower(strings.TrimSuffix(requestHost, defaultPortSuffix(scheme)))
	return a != "" && a == b
}
