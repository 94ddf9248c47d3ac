// Package selector implements component D: choosing an upstream
// mirror for an incoming Registry V2 sub-path, and adjusting the path
// for prefix-routed mirrors.
package selector

import (
	"sort"
	"strings"

	"github.com/brisling/regmirror/pkg/model"
)

// Snapshot is an immutable, pre-sorted view of selectable mirrors. The
// health tracker builds a new Snapshot after every probe sweep and
// swaps it in atomically; Select is then a pure function over it, with
// no locking and no store I/O on the request path.
type Snapshot struct {
	// byLatency holds every selectable mirror, ascending by latency.
	byLatency []model.Mirror
}

// NewSnapshot sorts the given mirrors and filters to the selectable
// ones (enabled and with finite latency).
func NewSnapshot(mirrors []model.Mirror) *Snapshot {
	selectable := make([]model.Mirror, 0, len(mirrors))
	for _, m := range mirrors {
		if m.Selectable() {
			selectable = append(selectable, m)
		}
	}
	sort.SliceStable(selectable, func(i, j int) bool {
		return selectable[i].LatencyMS < selectable[j].LatencyMS
	})
	return &Snapshot{byLatency: selectable}
}

// EmptySnapshot returns a snapshot with no mirrors, so Select always
// falls back to the synthetic default.
func EmptySnapshot() *Snapshot {
	return &Snapshot{}
}

// Len returns the number of selectable mirrors held in the snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.byLatency)
}

// Select implements §4.D: longest matching route prefix first, then
// the lowest-latency mirror with no prefix, then the synthetic
// fallback. It returns the chosen mirror and the sub-path adjusted for
// that mirror (prefix stripped, if any).
func Select(snap *Snapshot, subPath string) (model.Mirror, string) {
	if snap == nil {
		snap = EmptySnapshot()
	}

	if m, adjusted, ok := longestPrefixMatch(snap.byLatency, subPath); ok {
		return m, adjusted
	}

	for _, m := range snap.byLatency {
		if m.NormalizedPrefix() == "" {
			return m, subPath
		}
	}

	return model.Fallback(), subPath
}

// longestPrefixMatch finds the selectable, prefixed mirror whose
// RoutePrefix is the longest one matching subPath, breaking ties by
// lower latency (byLatency is already latency-sorted, so the first
// longest match wins).
func longestPrefixMatch(mirrors []model.Mirror, subPath string) (model.Mirror, string, bool) {
	var (
		best       model.Mirror
		bestPrefix = -1
		found      bool
	)

	for _, m := range mirrors {
		prefix := m.NormalizedPrefix()
		if prefix == "" {
			continue
		}
		if !pathMatchesPrefix(subPath, prefix) {
			continue
		}
		if len(prefix) > bestPrefix {
			bestPrefix = len(prefix)
			best = m
			found = true
		}
	}

	if !found {
		return model.Mirror{}, "", false
	}

	adjusted := strings.TrimPrefix(subPath, best.NormalizedPrefix())
	adjusted = strings.TrimPrefix(adjusted, "/")
	return best, adjusted, true
}

// pathMatchesPrefix reports whether subPath equals prefix or starts
// with prefix + "/".
func pathMatchesPrefix(subPath, prefix string) bool {
	return subPath == prefix || strings.HasPrefix(subPath, prefix+"/")
}
