// Package urlutil builds and sanitizes the URLs the login endpoints hand out.
package urlutil

import (
	"net/url"
	"path"
	"strings"
)

// JoinPath joins path segments onto a base URL, keeping a trailing slash
// on the last segment
func JoinPath(base string, paths ...string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}

	allPaths := append([]string{u.Path}, paths...)
	u.Path = path.Join(allPaths...)

	if len(paths) > 0 && strings.HasSuffix(paths[len(paths)-1], "/") {
		u.Path += "/"
	}

	return u.String(), nil
}

// SafeReturnPath returns raw when it is a same-origin path, otherwise "/".
// Absolute URLs, scheme-relative "//host" and backslash tricks are refused
// so the post-login redirect cannot leave the site.
func SafeReturnPath(raw string) string {
	if raw == "" || !strings.HasPrefix(raw, "/") {
		return "/"
	}
	if strings.HasPrefix(raw, "//") || strings.ContainsAny(raw, "\\\r\n\t") {
		return "/"
	}
	u, err := url.Parse(raw)
	if err != nil || u.IsAbs() || u.Host != "" {
		return "/"
	}
	return raw
}
