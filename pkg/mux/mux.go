// Package mux wires the HTTP surface: the Registry V2 proxy routes and
// the token relay, following the teacher's router-per-concern layout.
package mux

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brisling/regmirror/pkg/proxy"
)

var v2Methods = []string{
	http.MethodGet, http.MethodHead, http.MethodPost,
	http.MethodPut, http.MethodDelete, http.MethodPatch,
}

// NewRouter builds the router exposed by the proxy server: GET /token,
// ANY /v2/ and /v2/{rest}, and /metrics for Prometheus scraping.
func NewRouter(engine *proxy.Engine, token *proxy.TokenHandler, logger *slog.Logger) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<h1>regmirror</h1>
		<a href="/metrics">/metrics</a> - prometheus metrics</br>
		`))
	})

	r.Handle("/token", token).Methods(http.MethodGet)

	r.HandleFunc("/v2/", func(w http.ResponseWriter, r *http.Request) {
		engine.ServeV2(w, r, "")
	}).Methods(v2Methods...)

	r.HandleFunc("/v2/{rest:.*}", func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		engine.ServeV2(w, r, vars["rest"])
	}).Methods(v2Methods...)

	r.Handle("/metrics", promhttp.Handler())

	logger.Debug("router initialized")
	return r
}
