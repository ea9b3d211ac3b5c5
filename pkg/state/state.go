package state

import (
	"context"
	"time"

	"github.com/cbodonnell/theyr/pkg/tree"
)

// StateManager provides shared access to the authoritative state tree.
// Implementations must be thread-safe. Only the mutation gateway is expected
// to call the write methods.
type StateManager interface {
	// GetState returns a read-only snapshot of the current tree.
	GetState(ctx context.Context) (tree.Value, error)
	// Snapshot returns the current tree together with its sequence number.
	Snapshot(ctx context.Context) (tree.Value, uint64, error)
	// MergeState deep-merges diff into the tree, increments the sequence
	// number and records the update. It returns the new sequence number.
	MergeState(ctx context.Context, diff tree.Value, clientSeq uint64) (uint64, error)
	// ReplaceState replaces the tree wholesale and resets the sequence
	// number and update history.
	ReplaceState(ctx context.Context, root tree.Value) error
	// SequenceNumber returns the number of merges since the last replace.
	SequenceNumber() uint64
	// UpdateHistory returns the retained update records, oldest first.
	UpdateHistory() []UpdateRecord
}

// UpdateRecord describes one merge applied to the store.
type UpdateRecord struct {
	Seq       uint64     `json:"seq"`
	ClientSeq uint64     `json:"clientSeq,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	Diff      tree.Value `json:"diff"`
}
