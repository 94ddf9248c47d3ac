package proxy

import (
	"log/slog"
	"net/http"
	"strings"
)

// TokenHandler relays GET /token requests to the upstream auth realm
// encoded in the _upstream_realm query parameter (component G,
// request direction).
type TokenHandler struct {
	Client *http.Client
	Logger *slog.Logger
}

func (h *TokenHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	realm := ResolveUpstreamRealm(r.URL.Query().Get("_upstream_realm"))

	upstreamURL := realm
	if forwarded := forwardedQuery(r); forwarded != "" {
		if strings.Contains(upstreamURL, "?") {
			upstreamURL += "&" + forwarded
		} else {
			upstreamURL += "?" + forwarded
		}
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, upstreamURL, nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	copyRequestHeaders(req.Header, r.Header)

	resp, err := h.Client.Do(req)
	if err != nil {
		h.Logger.Error("token relay failed", "realm", realm, "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	copyResponseHeaders(w.Header(), resp.Header)
	w.Header().Del("Content-Length")
	w.Header().Del("Content-Encoding")
	w.WriteHeader(resp.StatusCode)
	if _, err := copyBody(w, resp.Body); err != nil {
		h.Logger.Debug("error streaming token response", "error", err)
	}
}

// forwardedQuery re-encodes the incoming query string with
// _upstream_realm removed, so every other client-supplied parameter
// (service, scope, ...) still reaches the upstream realm.
func forwardedQuery(r *http.Request) string {
	q := r.URL.Query()
	q.Del("_upstream_realm")
	return q.Encode()
}
