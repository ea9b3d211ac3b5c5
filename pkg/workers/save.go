package workers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cbodonnell/theyr/pkg/log"
	"github.com/cbodonnell/theyr/pkg/metrics"
	"github.com/cbodonnell/theyr/pkg/repositories"
	"github.com/cbodonnell/theyr/pkg/state"
	"github.com/cbodonnell/theyr/pkg/tree"
)

// SaveStateWorker periodically writes the tree to cold storage when it has
// changed since the last save, and flushes it once more on shutdown.
type SaveStateWorker struct {
	repository   repositories.Repository
	stateManager state.StateManager
	interval     time.Duration

	lock      sync.Mutex
	lastSaved tree.Value
	saved     bool
}

type NewSaveStateWorkerOptions struct {
	Repository   repositories.Repository
	StateManager state.StateManager
	Interval     time.Duration
}

func NewSaveStateWorker(opts NewSaveStateWorkerOptions) *SaveStateWorker {
	interval := opts.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &SaveStateWorker{
		repository:   opts.Repository,
		stateManager: opts.StateManager,
		interval:     interval,
	}
}

// MarkSaved records root as the content already in cold storage, e.g. the
// tree loaded at boot.
func (w *SaveStateWorker) MarkSaved(root tree.Value) {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.lastSaved = root
	w.saved = true
}

func (w *SaveStateWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.save(ctx, false); err != nil {
				log.Error("Failed to save state: %v", err)
			}
		}
	}
}

// Flush saves the current tree regardless of whether it changed.
func (w *SaveStateWorker) Flush(ctx context.Context) error {
	_, err := w.save(ctx, true)
	return err
}

func (w *SaveStateWorker) save(ctx context.Context, force bool) (bool, error) {
	w.lock.Lock()
	defer w.lock.Unlock()

	root, err := w.stateManager.GetState(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to get current state: %v", err)
	}
	if !force && w.saved && tree.Equal(root, w.lastSaved) {
		log.Trace("State unchanged since last save")
		return false, nil
	}

	if err := w.repository.Save(ctx, root); err != nil {
		metrics.ColdStorage.WithLabelValues("save", "error").Inc()
		return false, fmt.Errorf("failed to save state: %v", err)
	}
	metrics.ColdStorage.WithLabelValues("save", "ok").Inc()
	w.lastSaved = root
	w.saved = true
	log.Debug("Saved state at seq %d", w.stateManager.SequenceNumber())
	return true, nil
}
