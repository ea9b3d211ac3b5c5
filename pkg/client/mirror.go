package client

import (
	"sync"

	"github.com/cbodonnell/theyr/pkg/tree"
)

// ChangeKind tells listeners how the local tree changed.
type ChangeKind int

const (
	// ChangeMerged means Diff was merged into the local tree.
	ChangeMerged ChangeKind = iota
	// ChangeReloaded means the local tree was replaced and views should be
	// rebuilt from scratch.
	ChangeReloaded
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeMerged:
		return "merged"
	case ChangeReloaded:
		return "reloaded"
	default:
		return "unknown"
	}
}

type Change struct {
	Kind ChangeKind
	// Diff is the merged fragment, or the whole tree for a reload.
	Diff tree.Value
}

// Mirror is a client's copy of the shared tree. It keeps the optimistic
// local tree and the last tree known to be in sync with the server; their
// difference is what still has to be sent.
type Mirror struct {
	lock       sync.Mutex
	local      tree.Value
	lastSynced tree.Value
	exceptions *ExceptionSet
	onChange   func(Change)
}

type NewMirrorOptions struct {
	Exceptions *ExceptionSet
	// OnChange is called after inbound changes, outside the mirror lock.
	OnChange func(Change)
}

func NewMirror(opts NewMirrorOptions) *Mirror {
	exceptions := opts.Exceptions
	if exceptions == nil {
		exceptions, _ = NewExceptionSet()
	}
	return &Mirror{
		local:      tree.Object(nil),
		lastSynced: tree.Object(nil),
		exceptions: exceptions,
		onChange:   opts.OnChange,
	}
}

func (m *Mirror) Exceptions() *ExceptionSet {
	return m.exceptions
}

// Local returns the current local tree.
func (m *Mirror) Local() tree.Value {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.local
}

func (m *Mirror) Get(path string) (tree.Value, bool) {
	p, err := tree.ParsePath(path)
	if err != nil {
		return tree.Value{}, false
	}
	return tree.Get(m.Local(), p)
}

// Set writes a value locally. It reaches the server with the next Outbound.
func (m *Mirror) Set(path string, v tree.Value) error {
	p, err := tree.ParsePath(path)
	if err != nil {
		return err
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	m.local = tree.Set(m.local, p, v)
	return nil
}

// Outbound returns the local changes not yet sent, minus excluded
// variables, and marks them as synced. ok is false when there is nothing
// to send.
func (m *Mirror) Outbound() (diff tree.Value, ok bool) {
	m.lock.Lock()
	defer m.lock.Unlock()

	diff = m.exceptions.Strip(tree.Diff(m.local, m.lastSynced))
	if tree.IsEmpty(diff) {
		return tree.Value{}, false
	}
	m.lastSynced = tree.Merge(m.lastSynced, diff)
	return diff, true
}

// ApplyInitial adopts the server's tree on (re)connect. Local writes not yet
// sent, and local variables the server does not know about, are kept over
// the server's values and go out on the next tick.
func (m *Mirror) ApplyInitial(root tree.Value) {
	m.lock.Lock()
	pending := tree.Diff(m.local, m.lastSynced)
	m.local = tree.Merge(tree.Merge(m.local, root), pending)
	m.lastSynced = root
	local := m.local
	m.lock.Unlock()

	m.notify(Change{Kind: ChangeReloaded, Diff: local})
}

// ApplyInbound merges a server diff into both trees, so the change is not
// echoed back.
func (m *Mirror) ApplyInbound(diff tree.Value) {
	if tree.IsEmpty(diff) {
		return
	}
	m.lock.Lock()
	m.local = tree.Merge(m.local, diff)
	m.lastSynced = tree.Merge(m.lastSynced, diff)
	m.lock.Unlock()

	m.notify(Change{Kind: ChangeMerged, Diff: diff})
}

// ApplyReset replaces both trees with root.
func (m *Mirror) ApplyReset(root tree.Value) {
	m.lock.Lock()
	m.local = root
	m.lastSynced = root
	m.lock.Unlock()

	m.notify(Change{Kind: ChangeReloaded, Diff: root})
}

// Resync compares the server tree with the local one on the critical paths,
// or on the whole tree when none are given. If anything differs the server
// tree is merged in wholesale. It reports whether the local tree changed.
func (m *Mirror) Resync(server tree.Value, critical []tree.Path) bool {
	m.lock.Lock()
	if !m.drifted(server, critical) {
		m.lock.Unlock()
		return false
	}
	merged := tree.Merge(m.local, server)
	if tree.Equal(merged, m.local) {
		m.lastSynced = tree.Merge(m.lastSynced, server)
		m.lock.Unlock()
		return false
	}
	diff := tree.Diff(merged, m.local)
	m.local = merged
	m.lastSynced = tree.Merge(m.lastSynced, server)
	m.lock.Unlock()

	m.notify(Change{Kind: ChangeMerged, Diff: diff})
	return true
}

// drifted must be called with the lock held.
func (m *Mirror) drifted(server tree.Value, critical []tree.Path) bool {
	if len(critical) == 0 {
		return !tree.IsEmpty(tree.Diff(server, m.local))
	}
	for _, p := range critical {
		sv, sok := tree.Get(server, p)
		lv, lok := tree.Get(m.local, p)
		if sok != lok || !tree.Equal(sv, lv) {
			return true
		}
	}
	return false
}

func (m *Mirror) notify(c Change) {
	if m.onChange != nil {
		m.onChange(c)
	}
}
