package feedhandler

import (
	"sync"
	"time"

	"github.com/atlas-desktop/quotefeed/pkg/types"
)

// Stats accumulates per-command timing, keyed by lower-cased command name,
// served back to clients by get_stats.
type Stats struct {
	mu      sync.Mutex
	entries map[string]*types.StatEntry
}

// NewStats returns an empty stats table.
func NewStats() *Stats {
	return &Stats{entries: make(map[string]*types.StatEntry)}
}

// Record folds one observed command duration into method's entry.
func (s *Stats) Record(method string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[method]
	if !ok {
		e = &types.StatEntry{}
		s.entries[method] = e
	}
	e.Record(float64(d) / float64(time.Millisecond))
}

// Snapshot returns a copy of the stats table, safe to marshal.
func (s *Stats) Snapshot() map[string]types.StatEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]types.StatEntry, len(s.entries))
	for k, v := range s.entries {
		out[k] = *v
	}
	return out
}
