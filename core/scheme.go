package core

import (
	"net/url"
	"strings"
)

// Injectable reports whether an agent may be attached to a tab at rawURL: the
// URL is known, its scheme is allowed and it is not a denied internal scheme.
func Injectable(rawURL string, allow, deny []string) bool {
	scheme, ok := urlScheme(rawURL)
	if !ok {
		return false
	}
	for _, d := range deny {
		if scheme == d {
			return false
		}
	}
	for _, a := range allow {
		if scheme == a {
			return true
		}
	}
	return false
}

func urlScheme(rawURL string) (string, bool) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", false
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" {
		return "", false
	}
	return strings.ToLower(u.Scheme), true
}
