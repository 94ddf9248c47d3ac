// Package auth implements component E: parsing upstream 401 challenges,
// fetching bearer tokens, and building basic-auth headers.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/brisling/regmirror/pkg/model"
)

// FetchTimeout bounds the bearer token fetch per §4.E.
const FetchTimeout = 10 * time.Second

// Challenge is the parsed content of a Www-Authenticate: Bearer header.
type Challenge struct {
	Realm   string
	Service string
	Scope   string
}

// IsBearer reports whether the challenge carries the fields a bearer
// token fetch needs (a realm, at minimum).
func (c Challenge) IsBearer() bool {
	return c.Realm != ""
}

var challengeParam = regexp.MustCompile(`([a-zA-Z_]+)="([^"]*)"`)

// ParseChallenge extracts realm/service/scope from a Www-Authenticate
// header value. It tolerates arbitrary key ordering and unknown keys,
// and leaves a field empty when absent.
func ParseChallenge(header string) Challenge {
	var c Challenge
	for _, m := range challengeParam.FindAllStringSubmatch(header, -1) {
		switch m[1] {
		case "realm":
			c.Realm = m[2]
		case "service":
			c.Service = m[2]
		case "scope":
			c.Scope = m[2]
		}
	}
	return c
}

// IsBearerScheme reports whether a Www-Authenticate header advertises
// the Bearer scheme.
func IsBearerScheme(header string) bool {
	return strings.HasPrefix(header, "Bearer")
}

// IsBasicScheme reports whether a Www-Authenticate header advertises
// the Basic scheme.
func IsBasicScheme(header string) bool {
	return strings.HasPrefix(header, "Basic")
}

// Negotiator fetches bearer tokens from upstream realms using a shared,
// long-lived HTTP client (§9 "Session handle re-use").
type Negotiator struct {
	Client *http.Client
}

// NewNegotiator returns a Negotiator backed by client. A nil client
// falls back to http.DefaultClient.
func NewNegotiator(client *http.Client) *Negotiator {
	if client == nil {
		client = http.DefaultClient
	}
	return &Negotiator{Client: client}
}

type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
}

// FetchBearer issues a GET to challenge.Realm with service/scope as
// query parameters (when present), attaching creds as HTTP Basic when
// provided, anonymous otherwise. It returns the token and true on
// success; any other outcome (non-200, missing token field, transport
// error) yields ("", false).
func (n *Negotiator) FetchBearer(ctx context.Context, c Challenge, creds model.Credentials) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, FetchTimeout)
	defer cancel()

	u, err := url.Parse(c.Realm)
	if err != nil {
		return "", false
	}
	q := u.Query()
	if c.Service != "" {
		q.Set("service", c.Service)
	}
	if c.Scope != "" {
		q.Set("scope", c.Scope)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", false
	}
	if creds.Username != "" && creds.Password != "" {
		req.SetBasicAuth(creds.Username, creds.Password)
	}

	resp, err := n.Client.Do(req)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", false
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", false
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", false
	}
	if tr.Token != "" {
		return tr.Token, true
	}
	if tr.AccessToken != "" {
		return tr.AccessToken, true
	}
	return "", false
}

// BuildBasic returns the literal "Basic <base64(user:pass)>" header
// value for the given credentials.
func BuildBasic(creds model.Credentials) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(creds.Username+":"+creds.Password))
}
