// Package proxy implements component F (the request pipeline) and
// component G (the token endpoint and Www-Authenticate rewrite).
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/brisling/regmirror/pkg/auth"
	"github.com/brisling/regmirror/pkg/model"
	"github.com/brisling/regmirror/pkg/selector"
	"github.com/brisling/regmirror/pkg/traffic"
)

// pullPath matches a manifest GET's sub-path into (image, reference)
// for the pull-history hook (§4.F step 5).
var pullPath = regexp.MustCompile(`^(.+)/manifests/(.+)$`)

// MirrorSource supplies the selector snapshot the engine routes
// against. *health.Tracker satisfies this.
type MirrorSource interface {
	Snapshot() *selector.Snapshot
}

// Engine is component F: it selects an upstream, forwards the request,
// negotiates the 401 challenge when needed, and streams the response
// back with the Www-Authenticate rewrite applied.
type Engine struct {
	Mirrors    MirrorSource
	Negotiator *auth.Negotiator
	Sink       traffic.Sink
	Client     *http.Client
	Logger     *slog.Logger
}

// NewEngine wires the four collaborators. A nil client falls back to
// http.DefaultClient; a nil logger falls back to slog.Default().
func NewEngine(mirrors MirrorSource, negotiator *auth.Negotiator, sink traffic.Sink, client *http.Client, logger *slog.Logger) *Engine {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{Mirrors: mirrors, Negotiator: negotiator, Sink: sink, Client: client, Logger: logger}
}

// ServeV2 handles ANY method under /v2/ or /v2/<path> (component F).
// subPath is everything after "/v2/" (possibly empty, for the login
// probe case).
func (e *Engine) ServeV2(w http.ResponseWriter, r *http.Request, subPath string) {
	ip := clientIP(r)
	logger := e.Logger.With("method", r.Method, "uri", r.RequestURI, "addr", ip, "request_id", r.Header.Get("X-Request-ID"))

	snap := e.Mirrors.Snapshot()
	m, adjusted := selector.Select(snap, subPath)
	logger = logger.With("mirror", m.Name)

	body, uploaded, err := readBody(r)
	if err != nil {
		logger.Error("failed to read request body", "error", err)
		http.Error(w, "failed to read request body", http.StatusBadGateway)
		return
	}

	upstreamURL := m.BaseURL() + "/v2/" + adjusted
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	headers := make(http.Header)
	copyRequestHeaders(headers, r.Header)

	resp, err := e.roundTrip(r.Context(), r.Method, upstreamURL, headers, body, m, logger)
	if err != nil {
		logger.Error("upstream transport error", "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if r.Method == http.MethodGet {
		e.logPull(r.Context(), subPath, ip)
	}

	e.writeResponse(w, r, resp, uploaded, logger)
}

// roundTrip implements the §4.F steps 3–4 state machine: first attempt,
// then at most one 401-driven retry.
func (e *Engine) roundTrip(ctx context.Context, method, upstreamURL string, headers http.Header, body []byte, m model.Mirror, logger *slog.Logger) (*http.Response, error) {
	resp, err := e.send(ctx, method, upstreamURL, headers, body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	challengeHeader := resp.Header.Get("Www-Authenticate")

	switch {
	case auth.IsBasicScheme(challengeHeader) && !m.HasCreds():
		// Cannot help: no stored credentials for a Basic challenge.
		return resp, nil

	case auth.IsBearerScheme(challengeHeader):
		resp.Body.Close()
		challenge := auth.ParseChallenge(challengeHeader)
		token, ok := e.Negotiator.FetchBearer(ctx, challenge, m.Creds)
		if !ok {
			logger.Warn("bearer token fetch failed, replaying original request", "realm", challenge.Realm)
			return e.send(ctx, method, upstreamURL, headers, body)
		}
		retryHeaders := headers.Clone()
		retryHeaders.Set("Authorization", "Bearer "+token)
		return e.send(ctx, method, upstreamURL, retryHeaders, body)

	case auth.IsBasicScheme(challengeHeader) && m.HasCreds():
		resp.Body.Close()
		retryHeaders := headers.Clone()
		retryHeaders.Set("Authorization", auth.BuildBasic(m.Creds))
		return e.send(ctx, method, upstreamURL, retryHeaders, body)

	default:
		return resp, nil
	}
}

func (e *Engine) send(ctx context.Context, method, upstreamURL string, headers http.Header, body []byte) (*http.Response, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, upstreamURL, reader)
	if err != nil {
		return nil, err
	}
	req.Header = headers.Clone()
	if len(body) > 0 {
		req.ContentLength = int64(len(body))
	}

	return e.Client.Do(req)
}

// writeResponse implements §4.F step 7–8: copy status/headers with the
// required mutations, rewrite Www-Authenticate, then stream the body.
func (e *Engine) writeResponse(w http.ResponseWriter, r *http.Request, resp *http.Response, uploaded int64, logger *slog.Logger) {
	copyResponseHeaders(w.Header(), resp.Header)
	w.Header().Del("Content-Encoding")
	if r.Method != http.MethodHead {
		w.Header().Del("Content-Length")
	}
	if challenge := resp.Header.Get("Www-Authenticate"); challenge != "" {
		scheme := requestScheme(r)
		w.Header().Set("Www-Authenticate", RewriteWWWAuthenticate(challenge, scheme, r.Host))
	}

	w.WriteHeader(resp.StatusCode)
	if r.Method == http.MethodHead {
		e.Sink.AddBytes(r.Context(), 0, uploaded)
		return
	}

	n, err := e.streamBody(w, resp.Body)
	e.Sink.AddBytes(r.Context(), n, uploaded)
	if err != nil {
		logger.Debug("error streaming response body", "error", err)
	}
}

// streamBody copies the upstream body to w in 32KiB chunks, recording
// each chunk's length for byte accounting (§4.F step 8, §5
// cancellation: a client disconnect or read error stops the copy and
// neither side is retried).
func (e *Engine) streamBody(w io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			wn, werr := w.Write(buf[:n])
			total += int64(wn)
			if werr != nil {
				return total, werr
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return total, nil
			}
			return total, rerr
		}
	}
}

func (e *Engine) logPull(ctx context.Context, subPath, clientIP string) {
	m := pullPath.FindStringSubmatch(subPath)
	if m == nil {
		return
	}
	e.Sink.LogPull(ctx, traffic.PullEvent{
		Time:     time.Now(),
		Image:    m[1],
		Ref:      m[2],
		ClientIP: clientIP,
	})
}

// readBody buffers the request body so it can be resent unmodified on
// a 401 retry (§9 "Streaming ownership"); its length is returned as
// the uploaded byte count (§4.F step 3).
func readBody(r *http.Request) ([]byte, int64, error) {
	if r.Body == nil {
		return nil, 0, nil
	}
	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read request body: %w", err)
	}
	return body, int64(len(body)), nil
}

func clientIP(r *http.Request) string {
	addr := r.RemoteAddr
	if i := strings.LastIndex(addr, ":"); i != -1 {
		return addr[:i]
	}
	return addr
}

func requestScheme(r *http.Request) string {
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
