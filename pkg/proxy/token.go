package proxy

import (
	"encoding/base64"
	"net/url"
	"regexp"
	"strings"
)

// defaultRealm is used when the /token request carries no
// _upstream_realm query parameter, or it fails to decode.
const defaultRealm = "https://auth.docker.io/token"

var realmParam = regexp.MustCompile(`realm="([^"]+)"`)

// RewriteWWWAuthenticate replaces the realm inside a Www-Authenticate
// header with one pointing back at this proxy's /token endpoint,
// leaving every other challenge parameter textually unchanged (§4.G).
// If the header carries no realm="...", it is returned unmodified
// (§7 header parsing failure).
func RewriteWWWAuthenticate(header, proxyScheme, proxyHost string) string {
	m := realmParam.FindStringSubmatch(header)
	if m == nil {
		return header
	}
	upstreamRealm := m[1]
	newRealm := proxyScheme + "://" + proxyHost + "/token?_upstream_realm=" + encodeRealm(upstreamRealm)
	return strings.Replace(header, upstreamRealm, newRealm, 1)
}

// encodeRealm produces the _upstream_realm query value: urlsafe-base64
// of the realm, then url-quoted.
func encodeRealm(realm string) string {
	return url.QueryEscape(base64.URLEncoding.EncodeToString([]byte(realm)))
}

// ResolveUpstreamRealm decodes a /token request's _upstream_realm
// query parameter back into the upstream realm URL. Absent or
// malformed values fall back to defaultRealm (§7).
func ResolveUpstreamRealm(rawQueryValue string) string {
	if rawQueryValue == "" {
		return defaultRealm
	}

	unquoted, err := url.QueryUnescape(rawQueryValue)
	if err != nil {
		return defaultRealm
	}

	if m := len(unquoted) % 4; m != 0 {
		unquoted += strings.Repeat("=", 4-m)
	}

	decoded, err := base64.URLEncoding.DecodeString(unquoted)
	if err != nil {
		return defaultRealm
	}
	return string(decoded)
}
