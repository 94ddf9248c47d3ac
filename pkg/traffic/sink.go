// Package traffic defines the traffic sink seam (component B): daily
// byte/request counters and pull-history events. Persistence of these
// is an external collaborator's job; this package ships the interface
// the proxy engine calls and an in-memory default so the core runs
// standalone.
package traffic

import (
	"context"
	"sync"
	"time"
)

// PullEvent records one manifest fetch for pull-history purposes.
type PullEvent struct {
	Time     time.Time
	Image    string
	Ref      string
	ClientIP string
}

// DailyCounters accumulates the three traffic.day figures the spec
// persists, keyed by ISO date.
type DailyCounters struct {
	DownloadBytes int64
	UploadBytes   int64
	RequestCount  int64
}

// Sink is the interface the proxy engine emits traffic events to.
// Implementations must make increments atomic per day-key, but need
// not order them across requests (§5).
type Sink interface {
	AddBytes(ctx context.Context, downloaded, uploaded int64)
	LogPull(ctx context.Context, event PullEvent)
}

// InMemorySink is the default Sink: a mutex-guarded map of day-key to
// counters, plus a bounded ring of recent pull events. A failure here
// never surfaces to the client (§7) — there is simply nothing that can
// fail in-process.
type InMemorySink struct {
	mu       sync.Mutex
	byDay    map[string]*DailyCounters
	pulls    []PullEvent
	maxPulls int
	now      func() time.Time
}

var _ Sink = (*InMemorySink)(nil)

// NewInMemorySink returns a sink that retains up to maxPulls recent
// pull events. A maxPulls of 0 or less puts no bound on retention:
// every event is kept.
func NewInMemorySink(maxPulls int) *InMemorySink {
	return &InMemorySink{
		byDay:    make(map[string]*DailyCounters),
		maxPulls: maxPulls,
		now:      time.Now,
	}
}

func (s *InMemorySink) AddBytes(_ context.Context, downloaded, uploaded int64) {
	day := s.now().UTC().Format("2006-01-02")

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byDay[day]
	if !ok {
		c = &DailyCounters{}
		s.byDay[day] = c
	}
	c.DownloadBytes += downloaded
	c.UploadBytes += uploaded
	c.RequestCount++
}

func (s *InMemorySink) LogPull(_ context.Context, event PullEvent) {
	if event.Time.IsZero() {
		event.Time = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pulls = append(s.pulls, event)
	if s.maxPulls > 0 && len(s.pulls) > s.maxPulls {
		s.pulls = s.pulls[len(s.pulls)-s.maxPulls:]
	}
}

// Counters returns a snapshot of the day's counters, for tests and
// operator tooling.
func (s *InMemorySink) Counters(day string) DailyCounters {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.byDay[day]; ok {
		return *c
	}
	return DailyCounters{}
}

// Pulls returns a snapshot of the retained pull history, oldest first.
func (s *InMemorySink) Pulls() []PullEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PullEvent, len(s.pulls))
	copy(out, s.pulls)
	return out
}
