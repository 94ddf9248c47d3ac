// Package mirror defines the persistence seam for mirror records
// (component A in the system overview) and ships a default in-memory
// implementation plus an optional S3-backed one. Persistence of mirror
// records is an external collaborator's responsibility per the proxy
// engine's scope; this package exists so the core compiles and runs
// standalone without a database.
package mirror

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brisling/regmirror/pkg/model"
)

// ErrNotFound is returned by Get/UpdateHealth when no mirror with the
// given ID exists.
var ErrNotFound = errors.New("mirror: not found")

// Store persists mirror records. The health tracker calls UpdateHealth
// after every probe sweep; everything else (CRUD, discovery ingestion)
// belongs to the administrative layer, which is out of scope here.
type Store interface {
	List(ctx context.Context) ([]model.Mirror, error)
	Get(ctx context.Context, id string) (model.Mirror, error)
	Upsert(ctx context.Context, m model.Mirror) (model.Mirror, error)
	UpdateHealth(ctx context.Context, id string, latencyMS int, enabled bool, checkedAt time.Time) error
}

// InMemoryStore is the default Store: a mutex-guarded map. It is the
// store every test in this module runs against.
type InMemoryStore struct {
	mu      sync.RWMutex
	mirrors map[string]model.Mirror
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore returns an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{mirrors: make(map[string]model.Mirror)}
}

func (s *InMemoryStore) List(_ context.Context) ([]model.Mirror, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Mirror, 0, len(s.mirrors))
	for _, m := range s.mirrors {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (model.Mirror, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.mirrors[id]
	if !ok {
		return model.Mirror{}, ErrNotFound
	}
	return m, nil
}

// Upsert canonicalizes RoutePrefix on write and assigns a fresh uuid
// when the record has no ID yet.
func (s *InMemoryStore) Upsert(_ context.Context, m model.Mirror) (model.Mirror, error) {
	m.RoutePrefix = m.NormalizedPrefix()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.mirrors[m.ID] = m
	return m, nil
}

func (s *InMemoryStore) UpdateHealth(_ context.Context, id string, latencyMS int, enabled bool, checkedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.mirrors[id]
	if !ok {
		return ErrNotFound
	}
	m.LatencyMS = latencyMS
	m.Enabled = enabled
	ts := checkedAt
	m.LastCheck = &ts
	s.mirrors[m.ID] = m
	return nil
}
