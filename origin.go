// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package xchannel

import (
	"net/url"
	"strings"

	"golang.org/x/xerrors"
)

// wildcardOrigin disables sender-identity filtering entirely. It must be
// requested explicitly by the application; there is no implicit default
// that accepts every sender.
const wildcardOrigin = "*"

// canonicalizeOrigin reduces an origin string to scheme://host[:port],
// discarding any path, query, or fragment. "*" passes through unchanged as
// the explicit wildcard. This mirrors how a browser compares the origin
// component of two URLs for postMessage security checks: two URLs that
// differ only in path are the same origin, but differing scheme, host, or
// port are not.
func canonicalizeOrigin(raw string) (string, error) {
	if raw == wildcardOrigin {
		return wildcardOrigin, nil
	}
	if raw == "" {
		return "", xerrors.Errorf("%w: empty", errInvalidOrigin)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", xerrors.Errorf("%w: %v", errInvalidOrigin, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", xerrors.Errorf("%w: %q has no scheme or host", errInvalidOrigin, raw)
	}
	return u.Scheme + "://" + u.Host, nil
}

// originMatches reports whether a sender identity, as reported by the
// substrate for an inbound frame, is acceptable under the configured
// expected origin. This identity comes from the substrate layer, not
// from a peer Channel's own logging identity, so it never carries a
// handshake role-tag suffix.
func originMatches(expected, sender string) bool {
	if expected == wildcardOrigin {
		return true
	}
	got, err := canonicalizeOrigin(sender)
	if err != nil {
		return false
	}
	return got == expected
}

// validateScope rejects a scope label containing the "::" separator this
// package uses to prefix scoped method names, since a scope containing the
// separator could be crafted to collide with another scope's namespace.
func validateScope(scope string) error {
	if strings.Contains(scope, "::") {
		return errInvalidScope
	}
	return nil
}

const scopeSeparator = "::"

// scopeMethod prefixes method with the channel's scope label, if any.
func scopeMethod(scope, method string) string {
	if scope == "" {
		return method
	}
	return scope + scopeSeparator + method
}

// descopeMethod strips the channel's scope prefix from method, reporting
// whether method belonged to this scope at all. A Channel must ignore
// every frame whose method does not carry its own scope prefix, since
// that traffic belongs to a sibling Channel multiplexed over the same
// substrate connection.
func descopeMethod(scope, method string) (string, bool) {
	if scope == "" {
		if strings.Contains(method, scopeSeparator) {
			return "", false
		}
		return method, true
	}
	prefix := scope + scopeSeparator
	if !strings.HasPrefix(method, prefix) {
		return "", false
	}
	return strings.TrimPrefix(method, prefix), true
}
