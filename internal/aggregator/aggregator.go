// Package aggregator keeps a sliding time window of sightings and summarises
// them per aggregation key.
package aggregator

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"folkbears/go-beacon-monitor/internal/model"
)

// DefaultWindowMs is used when a non-positive window is requested.
const DefaultWindowMs int64 = 300_000

// KeyFunc derives the aggregation key of a sighting.
type KeyFunc func(model.Sighting) string

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithKeyFunc replaces the default Sighting.Key grouping.
func WithKeyFunc(fn KeyFunc) Option {
	return func(a *Aggregator) {
		if fn != nil {
			a.keyFn = fn
		}
	}
}

type entry struct {
	key      string
	sighting model.Sighting
	ts       int64
}

// Aggregator is safe for concurrent use. Entries are kept in insertion order.
type Aggregator struct {
	mu       sync.Mutex
	windowMs int64
	keyFn    KeyFunc
	entries  []entry
}

// New creates an aggregator retaining sightings for windowMs milliseconds.
func New(windowMs int64, opts ...Option) *Aggregator {
	if windowMs <= 0 {
		windowMs = DefaultWindowMs
	}
	a := &Aggregator{
		windowMs: windowMs,
		keyFn:    model.Sighting.Key,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Window returns the effective window length in milliseconds.
func (a *Aggregator) Window() int64 {
	return a.windowMs
}

// Record appends a sighting. Duplicates are kept; counting them is the point.
func (a *Aggregator) Record(s model.Sighting) {
	if s == nil {
		return
	}
	key := a.keyFn(s)

	a.mu.Lock()
	a.entries = append(a.entries, entry{key: key, sighting: s, ts: s.SeenAt()})
	a.mu.Unlock()
}

// Prune drops every entry older than nowMs - window and returns how many
// were removed. An entry exactly at the boundary is kept.
func (a *Aggregator) Prune(nowMs int64) int {
	cutoff := nowMs - a.windowMs

	a.mu.Lock()
	defer a.mu.Unlock()

	kept := a.entries[:0]
	for _, e := range a.entries {
		if e.ts >= cutoff {
			kept = append(kept, e)
		}
	}
	removed := len(a.entries) - len(kept)
	for i := len(kept); i < len(a.entries); i++ {
		a.entries[i] = entry{}
	}
	a.entries = kept
	return removed
}

// Snapshot groups live entries by key. Rows come back in the order their key
// was first seen. The representative is the newest sighting of the group;
// on equal timestamps the one recorded last wins.
func (a *Aggregator) Snapshot() []model.AggregateRow {
	a.mu.Lock()
	defer a.mu.Unlock()

	index := make(map[string]int)
	reps := make([]entry, 0)
	counts := make([]int, 0)

	for _, e := range a.entries {
		i, ok := index[e.key]
		if !ok {
			index[e.key] = len(reps)
			reps = append(reps, e)
			counts = append(counts, 1)
			continue
		}
		counts[i]++
		if e.ts >= reps[i].ts {
			reps[i] = e
		}
	}

	rows := make([]model.AggregateRow, len(reps))
	for i, rep := range reps {
		rssi, tx := rep.sighting.Signal()
		rows[i] = model.AggregateRow{
			Format:         rep.sighting.Format(),
			Key:            rep.key,
			Representative: rep.sighting,
			Count:          counts[i],
			LastSeenMs:     rep.ts,
			LastRSSI:       rssi,
			LastTxPower:    tx,
		}
	}
	return rows
}

// Len returns the number of live entries.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// Reset discards every entry.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.entries = nil
	a.mu.Unlock()
}

// SortOrder selects how rows are presented.
type SortOrder int

const (
	// SortByLastSeen puts the most recently seen key first.
	SortByLastSeen SortOrder = iota
	// SortByCount puts the most frequently seen key first.
	SortByCount
)

func (o SortOrder) String() string {
	switch o {
	case SortByLastSeen:
		return "last_seen"
	case SortByCount:
		return "count"
	default:
		return fmt.Sprintf("sort(%d)", int(o))
	}
}

// ParseSortOrder accepts "last_seen" and "count"; the empty string is last_seen.
func ParseSortOrder(s string) (SortOrder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "last_seen", "lastseen", "recent":
		return SortByLastSeen, nil
	case "count":
		return SortByCount, nil
	default:
		return 0, fmt.Errorf("unknown sort order %q", s)
	}
}

// SortRows orders rows in place. Ties fall back to the other metric and then the key.
func SortRows(rows []model.AggregateRow, order SortOrder) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if order == SortByCount {
			if a.Count != b.Count {
				return a.Count > b.Count
			}
			if a.LastSeenMs != b.LastSeenMs {
				return a.LastSeenMs > b.LastSeenMs
			}
			return a.Key < b.Key
		}
		if a.LastSeenMs != b.LastSeenMs {
			return a.LastSeenMs > b.LastSeenMs
		}
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Key < b.Key
	})
}
