// Package health implements component C: periodic latency probing of
// every enabled mirror's /v2/ endpoint, status transitions, and the
// read-mostly snapshot the selector consumes.
package health

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/brisling/regmirror/pkg/mirror"
	"github.com/brisling/regmirror/pkg/model"
	"github.com/brisling/regmirror/pkg/selector"
)

// ProbeTimeout is the connect+read ceiling for a single mirror probe.
const ProbeTimeout = 5 * time.Second

// Interval is the steady-state cadence between sweeps.
const Interval = 60 * time.Minute

// MaxConcurrentProbes bounds how many mirrors are probed in parallel
// per sweep (teacher's buffer-reuse sync.Pool idiom, generalized to a
// semaphore so one slow mirror never delays the rest beyond its own
// timeout).
const MaxConcurrentProbes = 16

var (
	probeLatency = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "regmirror_probe_latency_ms",
		Help: "Last observed probe latency per mirror, in milliseconds.",
	}, []string{"mirror"})

	probeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "regmirror_probe_total",
		Help: "Probe outcomes per mirror.",
	}, []string{"mirror", "result"})
)

// Tracker owns the current selectable-mirror snapshot and the probe
// loop that refreshes it.
type Tracker struct {
	Store  mirror.Store
	Client *http.Client
	Logger *slog.Logger

	snapshot atomic.Pointer[selector.Snapshot]
	running  chan struct{}
}

// NewTracker returns a Tracker with an empty snapshot (so Selector.Select
// falls back to the synthetic mirror until the first sweep completes).
func NewTracker(store mirror.Store, client *http.Client, logger *slog.Logger) *Tracker {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		Store:   store,
		Client:  client,
		Logger:  logger,
		running: make(chan struct{}, 1),
	}
	t.snapshot.Store(selector.EmptySnapshot())
	return t
}

// Snapshot returns the most recently published snapshot.
func (t *Tracker) Snapshot() *selector.Snapshot {
	return t.snapshot.Load()
}

// Probe issues a GET to <mirror.URL>/v2/ with ProbeTimeout and
// classifies the result: 200/401 is reachable (latency in ms), any
// other status or transport failure is model.Unreachable.
func (t *Tracker) Probe(ctx context.Context, m model.Mirror) int {
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.BaseURL()+"/v2/", nil)
	if err != nil {
		return model.Unreachable
	}
	if m.HasCreds() {
		req.SetBasicAuth(m.Creds.Username, m.Creds.Password)
	}

	start := time.Now()
	resp, err := t.Client.Do(req)
	if err != nil {
		return model.Unreachable
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusUnauthorized {
		return model.Unreachable
	}
	return int(time.Since(start).Milliseconds())
}

// ProbeAll runs Probe concurrently (bounded by MaxConcurrentProbes)
// across every enabled mirror in the store, writes
// latency/last_check/enabled back to the store, and publishes a fresh
// snapshot for the selector. Mirrors an operator has disabled are
// never probed and so can never be silently re-enabled by a sweep.
func (t *Tracker) ProbeAll(ctx context.Context) error {
	all, err := t.Store.List(ctx)
	if err != nil {
		return err
	}

	mirrors := make([]model.Mirror, 0, len(all))
	for _, m := range all {
		if m.Enabled {
			mirrors = append(mirrors, m)
		}
	}

	sem := make(chan struct{}, MaxConcurrentProbes)
	var wg sync.WaitGroup
	updated := make([]model.Mirror, len(mirrors))

	for i, m := range mirrors {
		wg.Add(1)
		go func(i int, m model.Mirror) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			latency := t.Probe(ctx, m)
			reachable := latency < model.Unreachable

			result := "ok"
			if !reachable {
				result = "unreachable"
			}
			probeLatency.WithLabelValues(m.Name).Set(float64(latency))
			probeTotal.WithLabelValues(m.Name, result).Inc()

			now := time.Now()
			if err := t.Store.UpdateHealth(ctx, m.ID, latency, reachable, now); err != nil {
				t.Logger.Error("failed to persist probe result", "mirror", m.Name, "error", err)
			}

			m.LatencyMS = latency
			m.Enabled = reachable
			m.LastCheck = &now
			updated[i] = m
		}(i, m)
	}
	wg.Wait()

	t.snapshot.Store(selector.NewSnapshot(updated))
	t.Logger.Info("probe sweep complete", "mirrors", len(updated))
	return nil
}

// Run starts the 60-minute probe loop with one eager invocation at
// startup. Ticks are dropped (never queued) while a sweep is already
// in flight, so invocations never overlap. Run blocks until ctx is
// cancelled.
func (t *Tracker) Run(ctx context.Context) {
	t.tick(ctx)

	ticker := time.NewTicker(Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

// tick attempts to enter the running gate; if a sweep is already in
// flight, this tick is silently dropped.
func (t *Tracker) tick(ctx context.Context) {
	select {
	case t.running <- struct{}{}:
	default:
		t.Logger.Warn("probe sweep already in progress, dropping tick")
		return
	}
	defer func() { <-t.running }()

	if err := t.ProbeAll(ctx); err != nil {
		t.Logger.Error("probe sweep failed", "error", err)
	}
}
