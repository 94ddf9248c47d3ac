package proxy

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brisling/regmirror/pkg/auth"
	"github.com/brisling/regmirror/pkg/model"
	"github.com/brisling/regmirror/pkg/selector"
	"github.com/brisling/regmirror/pkg/traffic"
)

type fixedSource struct {
	snap *selector.Snapshot
}

func (f fixedSource) Snapshot() *selector.Snapshot { return f.snap }

func newEngine(t *testing.T, mirrors []model.Mirror) (*Engine, *traffic.InMemorySink) {
	t.Helper()
	sink := traffic.NewInMemorySink(100)
	src := fixedSource{snap: selector.NewSnapshot(mirrors)}
	e := NewEngine(src, auth.NewNegotiator(http.DefaultClient), sink, http.DefaultClient, nil)
	return e, sink
}

// S1 — anonymous pull through a transparent mirror.
func TestEngine_S1_AnonymousPull(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/library/alpine/manifests/latest", r.URL.Path)
		w.Write([]byte("X"))
	}))
	defer upstream.Close()

	e, sink := newEngine(t, []model.Mirror{{
		ID: "m1", Name: "m1", URL: upstream.URL, Enabled: true, LatencyMS: 10,
	}})

	req := httptest.NewRequest(http.MethodGet, "/v2/library/alpine/manifests/latest", nil)
	rr := httptest.NewRecorder()
	e.ServeV2(rr, req, "library/alpine/manifests/latest")

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "X", rr.Body.String())

	pulls := sink.Pulls()
	require.Len(t, pulls, 1)
	assert.Equal(t, "library/alpine", pulls[0].Image)
	assert.Equal(t, "latest", pulls[0].Ref)
}

// S2 — 401 bearer challenge, stored creds used, retry succeeds.
func TestEngine_S2_BearerRetrySucceeds(t *testing.T) {
	authSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "u", user)
		assert.Equal(t, "p", pass)
		assert.Equal(t, "reg", r.URL.Query().Get("service"))
		w.Write([]byte(`{"token":"TOK"}`))
	}))
	defer authSrv.Close()

	var calls int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Header.Get("Authorization") != "Bearer TOK" {
			w.Header().Set("Www-Authenticate", `Bearer realm="`+authSrv.URL+`",service="reg",scope="repository:priv/app:pull"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	e, _ := newEngine(t, []model.Mirror{{
		ID: "m1", Name: "m1", URL: upstream.URL, Enabled: true, LatencyMS: 10,
		Creds: model.Credentials{Username: "u", Password: "p"},
	}})

	req := httptest.NewRequest(http.MethodGet, "/v2/priv/app/manifests/1", nil)
	rr := httptest.NewRecorder()
	e.ServeV2(rr, req, "priv/app/manifests/1")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 2, calls)
}

// S3 — token fetch fails: original 401 replayed and surfaced, never a
// second retry against the token endpoint.
func TestEngine_S3_TokenFetchFails(t *testing.T) {
	authSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer authSrv.Close()

	var calls int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Www-Authenticate", `Bearer realm="`+authSrv.URL+`",service="reg",scope="repository:priv/app:pull"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer upstream.Close()

	e, _ := newEngine(t, []model.Mirror{{
		ID: "m1", Name: "m1", URL: upstream.URL, Enabled: true, LatencyMS: 10,
	}})

	req := httptest.NewRequest(http.MethodGet, "/v2/priv/app/manifests/1", nil)
	rr := httptest.NewRecorder()
	e.ServeV2(rr, req, "priv/app/manifests/1")

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	// One original send plus one replay — at most one retry (property 8).
	assert.Equal(t, 2, calls)

	challenge := rr.Header().Get("Www-Authenticate")
	assert.Contains(t, challenge, "/token?_upstream_realm=")
}

// S4 — prefix routing picks the right mirror and strips the prefix.
func TestEngine_S4_PrefixRouting(t *testing.T) {
	ghcr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/o/r/manifests/v1", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer ghcr.Close()
	hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/library/alpine/manifests/latest", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer hub.Close()

	e, _ := newEngine(t, []model.Mirror{
		{ID: "ghcr", Name: "ghcr", URL: ghcr.URL, Enabled: true, LatencyMS: 5, RoutePrefix: "ghcr"},
		{ID: "hub", Name: "hub", URL: hub.URL, Enabled: true, LatencyMS: 5, RoutePrefix: ""},
	})

	req := httptest.NewRequest(http.MethodGet, "/v2/ghcr/o/r/manifests/v1", nil)
	rr := httptest.NewRecorder()
	e.ServeV2(rr, req, "ghcr/o/r/manifests/v1")
	assert.Equal(t, http.StatusOK, rr.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/v2/library/alpine/manifests/latest", nil)
	rr2 := httptest.NewRecorder()
	e.ServeV2(rr2, req2, "library/alpine/manifests/latest")
	assert.Equal(t, http.StatusOK, rr2.Code)
}

func TestEngine_BasicChallengeWithoutCreds_PassesThrough(t *testing.T) {
	var calls int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Www-Authenticate", `Basic realm="registry"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer upstream.Close()

	e, _ := newEngine(t, []model.Mirror{{ID: "m1", Name: "m1", URL: upstream.URL, Enabled: true, LatencyMS: 10}})

	req := httptest.NewRequest(http.MethodGet, "/v2/x/manifests/1", nil)
	rr := httptest.NewRecorder()
	e.ServeV2(rr, req, "x/manifests/1")

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, 1, calls)
}

func TestEngine_BasicChallengeWithCreds_Retries(t *testing.T) {
	var calls int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		user, pass, ok := r.BasicAuth()
		if ok && user == "u" && pass == "p" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Www-Authenticate", `Basic realm="registry"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer upstream.Close()

	e, _ := newEngine(t, []model.Mirror{{
		ID: "m1", Name: "m1", URL: upstream.URL, Enabled: true, LatencyMS: 10,
		Creds: model.Credentials{Username: "u", Password: "p"},
	}})

	req := httptest.NewRequest(http.MethodGet, "/v2/x/manifests/1", nil)
	rr := httptest.NewRecorder()
	e.ServeV2(rr, req, "x/manifests/1")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 2, calls)
}

func TestEngine_ClientAuthorizationPassedThroughOnFirstAttempt(t *testing.T) {
	var gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	e, _ := newEngine(t, []model.Mirror{{ID: "m1", Name: "m1", URL: upstream.URL, Enabled: true, LatencyMS: 10}})

	req := httptest.NewRequest(http.MethodGet, "/v2/x/manifests/1", nil)
	clientAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte("client:creds"))
	req.Header.Set("Authorization", clientAuth)
	rr := httptest.NewRecorder()
	e.ServeV2(rr, req, "x/manifests/1")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, clientAuth, gotAuth)
}

func TestEngine_HeadRequestSkipsBodyAccounting(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "4")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	e, sink := newEngine(t, []model.Mirror{{ID: "m1", Name: "m1", URL: upstream.URL, Enabled: true, LatencyMS: 10}})

	req := httptest.NewRequest(http.MethodHead, "/v2/x/manifests/1", nil)
	rr := httptest.NewRecorder()
	e.ServeV2(rr, req, "x/manifests/1")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, rr.Body.String())

	counters := sink.Counters(time.Now().UTC().Format("2006-01-02"))
	assert.Equal(t, int64(0), counters.DownloadBytes)
	assert.Equal(t, int64(1), counters.RequestCount)
}

func TestEngine_UpstreamUnreachable_Returns502(t *testing.T) {
	e, _ := newEngine(t, []model.Mirror{{ID: "m1", Name: "m1", URL: "http://127.0.0.1:1", Enabled: true, LatencyMS: 10}})

	req := httptest.NewRequest(http.MethodGet, "/v2/x/manifests/1", nil)
	rr := httptest.NewRecorder()
	e.ServeV2(rr, req, "x/manifests/1")

	assert.Equal(t, http.StatusBadGateway, rr.Code)
}

func TestRequestScheme(t *testing.T) {
	plain := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, "http", requestScheme(plain))

	forwarded := httptest.NewRequest(http.MethodGet, "/", nil)
	forwarded.Header.Set("X-Forwarded-Proto", "https")
	assert.Equal(t, "https", requestScheme(forwarded))
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.5:54321"
	assert.Equal(t, "203.0.113.5", clientIP(req))
}
