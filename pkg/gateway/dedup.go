package gateway

import (
	"sync"
	"time"

	"github.com/cbodonnell/theyr/pkg/tree"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// DefaultDedupWindow is how long an unchanged value is suppressed after
	// it was last broadcast.
	DefaultDedupWindow = 500 * time.Millisecond
	// DefaultDedupMaxEntries bounds the number of remembered paths. The
	// least recently broadcast path is evicted first.
	DefaultDedupMaxEntries = 1000
)

type dedupEntry struct {
	value tree.Value
	ts    time.Time
}

// DedupFilter remembers the last broadcast value per path so that rapid
// duplicate sends of an unchanged value are not rebroadcast.
type DedupFilter struct {
	lock    sync.Mutex
	entries *lru.Cache[string, dedupEntry]
	window  time.Duration
	now     func() time.Time
}

type NewDedupFilterOptions struct {
	Window     time.Duration
	MaxEntries int
	Now        func() time.Time
}

func NewDedupFilter(opts NewDedupFilterOptions) *DedupFilter {
	window := opts.Window
	if window <= 0 {
		window = DefaultDedupWindow
	}
	maxEntries := opts.MaxEntries
	if maxEntries <= 0 {
		maxEntries = DefaultDedupMaxEntries
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	// only fails for a non-positive size
	entries, _ := lru.New[string, dedupEntry](maxEntries)
	return &DedupFilter{
		entries: entries,
		window:  window,
		now:     now,
	}
}

// ShouldBroadcast decides whether a write of value at path is broadcast.
// Changed values always are. An unchanged value is suppressed only when an
// equal value was broadcast for the same path within the window; otherwise
// it goes out as a resync ping. Every positive decision refreshes the entry.
func (d *DedupFilter) ShouldBroadcast(path string, value tree.Value, changed bool) bool {
	d.lock.Lock()
	defer d.lock.Unlock()

	now := d.now()
	if !changed {
		if e, ok := d.entries.Peek(path); ok && tree.Equal(e.value, value) && now.Sub(e.ts) < d.window {
			return false
		}
	}
	d.record(path, value, now)
	return true
}

// Record notes a broadcast that did not go through ShouldBroadcast, such as
// an authoritative atomic result.
func (d *DedupFilter) Record(path string, value tree.Value) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.record(path, value, d.now())
}

func (d *DedupFilter) record(path string, value tree.Value, now time.Time) {
	d.entries.Add(path, dedupEntry{value: value, ts: now})
}

// Clear forgets every entry.
func (d *DedupFilter) Clear() {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.entries.Purge()
}

func (d *DedupFilter) Len() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.entries.Len()
}
