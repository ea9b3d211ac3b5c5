package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cbodonnell/theyr/pkg/tree"
)

// DefaultHistorySize is the number of update records retained when no size
// is configured.
const DefaultHistorySize = 100

type InMemoryStateManager struct {
	lock    sync.RWMutex
	root    tree.Value
	seq     uint64
	history *ring
	now     func() time.Time
}

type NewInMemoryStateManagerOptions struct {
	// Initial is the starting tree. A null value starts from an empty object.
	Initial     tree.Value
	HistorySize int
	Now         func() time.Time
}

func NewInMemoryStateManager(opts NewInMemoryStateManagerOptions) *InMemoryStateManager {
	root := opts.Initial
	if root.Kind() != tree.KindObject {
		root = tree.Object(nil)
	}
	size := opts.HistorySize
	if size <= 0 {
		size = DefaultHistorySize
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &InMemoryStateManager{
		root:    root,
		history: newRing(size),
		now:     now,
	}
}

func (m *InMemoryStateManager) GetState(ctx context.Context) (tree.Value, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	// subtrees are shared with the store, which never mutates in place
	return m.root, nil
}

func (m *InMemoryStateManager) Snapshot(ctx context.Context) (tree.Value, uint64, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.root, m.seq, nil
}

func (m *InMemoryStateManager) MergeState(ctx context.Context, diff tree.Value, clientSeq uint64) (uint64, error) {
	if diff.Kind() != tree.KindObject {
		return 0, fmt.Errorf("diff must be an object, got %s", diff.Kind())
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	m.root = tree.Merge(m.root, diff)
	m.seq++
	m.history.push(UpdateRecord{
		Seq:       m.seq,
		ClientSeq: clientSeq,
		Timestamp: m.now(),
		Diff:      diff,
	})
	return m.seq, nil
}

func (m *InMemoryStateManager) ReplaceState(ctx context.Context, root tree.Value) error {
	if root.Kind() != tree.KindObject {
		return fmt.Errorf("state must be an object, got %s", root.Kind())
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	m.root = root
	m.seq = 0
	m.history.clear()
	return nil
}

func (m *InMemoryStateManager) SequenceNumber() uint64 {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.seq
}

func (m *InMemoryStateManager) UpdateHistory() []UpdateRecord {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.history.items()
}

// HistoryLen returns the number of retained update records.
func (m *InMemoryStateManager) HistoryLen() int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.history.count
}

// ring is a fixed-capacity buffer that evicts its oldest record when full.
type ring struct {
	buf   []UpdateRecord
	start int
	count int
}

func newRing(size int) *ring {
	return &ring{buf: make([]UpdateRecord, size)}
}

func (r *ring) push(rec UpdateRecord) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = rec
		r.count++
		return
	}
	r.buf[r.start] = rec
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) items() []UpdateRecord {
	out := make([]UpdateRecord, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

func (r *ring) clear() {
	for i := range r.buf {
		r.buf[i] = UpdateRecord{}
	}
	r.start = 0
	r.count = 0
}
