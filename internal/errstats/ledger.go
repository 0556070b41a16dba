// Package errstats implements the Error Ledger: a compact, fixed-memory
// record of recent child crash and timeout causes, keyed by pool name, so
// the admin surface can answer "why does this pool keep respawning"
// without holding every historical error in a growing slice.
package errstats

import (
	"encoding/binary"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/fastcache"
)

// Entry is one recorded crash or timeout cause.
type Entry struct {
	Pool string    `json:"pool"`
	PID  int       `json:"pid"`
	Kind string    `json:"kind"` // "exit", "timeout", "maint_timeout"
	Data string    `json:"data,omitempty"`
	At   time.Time `json:"at"`
}

// Ledger records recent error entries per pool in a bounded in-memory list
// and tracks a simple fastcache-backed per-pool occurrence counter for
// circuit-breaking decisions an operator might make from the admin surface.
type Ledger struct {
	cache *fastcache.Cache

	mu    sync.RWMutex
	recent map[string][]Entry // pool -> most recent entries, bounded by maxRecent

	maxRecent int

	hits   atomic.Uint64
	misses atomic.Uint64
}

const defaultCacheBytes = 32 * 1024 * 1024 // fastcache's documented minimum

// NewLedger constructs a Ledger with an in-memory fastcache store.
func NewLedger() *Ledger {
	return &Ledger{
		cache:     fastcache.New(defaultCacheBytes),
		recent:    make(map[string][]Entry),
		maxRecent: 20,
	}
}

// Record appends an entry to pool's history and bumps its cumulative
// occurrence counter.
func (l *Ledger) Record(e Entry) {
	e.At = e.At.UTC()

	l.mu.Lock()
	list := append(l.recent[e.Pool], e)
	if len(list) > l.maxRecent {
		list = list[len(list)-l.maxRecent:]
	}
	l.recent[e.Pool] = list
	l.mu.Unlock()

	l.incrementCount(e.Pool)
}

// Recent returns, newest-last, the bounded recent-entry history for pool.
func (l *Ledger) Recent(pool string) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.recent[pool]))
	copy(out, l.recent[pool])
	return out
}

// Count returns the cumulative number of entries ever recorded for pool.
func (l *Ledger) Count(pool string) uint32 {
	buf := make([]byte, 4)
	if v := l.cache.Get(buf[:0], []byte(pool)); len(v) == 4 {
		return binary.LittleEndian.Uint32(v)
	}
	return 0
}

func (l *Ledger) incrementCount(pool string) {
	key := []byte(pool)
	buf := make([]byte, 4)
	if v := l.cache.Get(buf[:0], key); len(v) == 4 {
		count := binary.LittleEndian.Uint32(v) + 1
		binary.LittleEndian.PutUint32(buf, count)
		l.cache.Set(key, buf)
		l.hits.Add(1)
		return
	}
	binary.LittleEndian.PutUint32(buf, 1)
	l.cache.Set(key, buf)
	l.misses.Add(1)
}

// Reset clears pool's recorded history and counter.
func (l *Ledger) Reset(pool string) {
	l.mu.Lock()
	delete(l.recent, pool)
	l.mu.Unlock()
	l.cache.Del([]byte(pool))
}

// Stats reports the ledger's own hit/miss counts: how many counter
// increments found an existing per-pool counter in the cache and how many
// had to create one (a miss also follows a counter evicted from the cache).
type Stats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
}

func (l *Ledger) Stats() Stats {
	return Stats{Hits: l.hits.Load(), Misses: l.misses.Load()}
}

// MarshalRecent is a convenience for the admin surface: the bounded recent
// history for every pool that has recorded at least one entry.
func (l *Ledger) MarshalRecent() ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return json.Marshal(l.recent)
}
