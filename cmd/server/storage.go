package main

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/cbodonnell/theyr/pkg/config"
	"github.com/cbodonnell/theyr/pkg/log"
	"github.com/cbodonnell/theyr/pkg/metrics"
	"github.com/cbodonnell/theyr/pkg/repositories"
	"github.com/cbodonnell/theyr/pkg/state"
	"github.com/cbodonnell/theyr/pkg/tree"
)

// openColdStorage opens the configured repository and loads the tree from
// it. It never fails: an unreachable backend runs the server without cold
// storage, and a missing or unreadable snapshot starts from defaultState.
func openColdStorage(ctx context.Context, cfg *config.ServerConfig, defaultState tree.Value) (repositories.Repository, tree.Value) {
	if cfg.StorageURL == "" {
		log.Warn("No storage URL configured, state will not survive a restart")
		return nil, defaultState
	}
	repository, err := repositories.Open(ctx, repositories.OpenOptions{
		URL:         cfg.StorageURL,
		GitHubToken: cfg.GitHubToken,
	})
	if err != nil {
		log.Warn("Failed to open cold storage, continuing without it: %v", err)
		metrics.ColdStorage.WithLabelValues("open", "error").Inc()
		return nil, defaultState
	}
	return repository, loadInitialState(ctx, repository, defaultState, cfg.PrivateNamespace)
}

func loadInitialState(ctx context.Context, repository repositories.Repository, defaultState tree.Value, namespace string) tree.Value {
	root, err := repository.Load(ctx)
	if err != nil {
		if repositories.IsNotFound(err) {
			log.Info("No snapshot in cold storage, starting from the default state")
			metrics.ColdStorage.WithLabelValues("load", "empty").Inc()
		} else {
			log.Warn("Failed to load snapshot, starting from the default state: %v", err)
			metrics.ColdStorage.WithLabelValues("load", "error").Inc()
		}
		return defaultState
	}
	metrics.ColdStorage.WithLabelValues("load", "ok").Inc()
	log.Info("Restored state from cold storage")
	return state.EnsureNamespace(root, namespace)
}

// supervise runs fn on its own goroutine. A panic is reported on errc so
// the shutdown path still flushes cold storage.
func supervise(errc chan<- error, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errc <- fmt.Errorf("%s panicked: %v\n%s", name, r, debug.Stack())
			}
		}()
		fn()
	}()
}
