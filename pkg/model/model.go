// Package model holds the durable and transient types shared across the
// proxy engine, selector, health tracker, and auth negotiator.
package model

import (
	"strings"
	"time"
)

// Unreachable is the sentinel latency value for a mirror whose probe
// failed. It sorts last in ascending latency order and is excluded by
// the selectable predicate.
const Unreachable = 9999

// RegistryType is an advisory tag on a mirror record. No component in
// this package branches on it; it exists for operator tooling built on
// top of Store.
type RegistryType string

const (
	RegistryDockerHub RegistryType = "dockerhub"
	RegistryGHCR      RegistryType = "ghcr"
	RegistryGeneric   RegistryType = "generic"
)

// Credentials are optional upstream basic-auth credentials stored on a
// mirror record.
type Credentials struct {
	Username string
	Password string
}

// Mirror is one configured upstream registry endpoint.
type Mirror struct {
	ID           string
	Name         string
	URL          string
	Enabled      bool
	LatencyMS    int
	LastCheck    *time.Time
	RegistryType RegistryType
	RoutePrefix  string
	Creds        Credentials
	IsDefault    bool
}

// HasCreds reports whether the mirror has stored upstream credentials.
func (m Mirror) HasCreds() bool {
	return m.Creds.Username != "" && m.Creds.Password != ""
}

// Selectable reports whether the mirror may be returned by the
// selector: enabled and with a finite measured latency.
func (m Mirror) Selectable() bool {
	return m.Enabled && m.LatencyMS < Unreachable
}

// BaseURL returns the mirror's URL with any trailing slash stripped.
func (m Mirror) BaseURL() string {
	return strings.TrimSuffix(m.URL, "/")
}

// NormalizedPrefix returns RoutePrefix with leading/trailing slashes
// stripped, canonicalizing the value on read so callers never need to
// re-trim it themselves.
func (m Mirror) NormalizedPrefix() string {
	return NormalizePrefix(m.RoutePrefix)
}

// NormalizePrefix strips leading/trailing slashes from a route prefix,
// the canonical form mirror records must be written and read with.
func NormalizePrefix(prefix string) string {
	return strings.Trim(prefix, "/")
}

// Fallback is the synthetic mirror the selector returns when no
// persisted mirror is selectable. It is never written to a Store.
func Fallback() Mirror {
	return Mirror{
		ID:        "fallback",
		Name:      "Docker Hub (fallback)",
		URL:       "https://registry-1.docker.io",
		Enabled:   true,
		LatencyMS: 0,
		IsDefault: true,
	}
}
