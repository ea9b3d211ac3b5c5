// Package gateway owns the only write path to the authoritative store.
//
// Every mutation, whether it arrives over a WebSocket or the HTTP side
// channel, runs read, compute, write and the broadcast decision under one
// mutex. Broadcasts are handed to the Broadcaster before the mutex is
// released, so fanout order always matches commit order.
package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cbodonnell/theyr/pkg/log"
	"github.com/cbodonnell/theyr/pkg/metrics"
	"github.com/cbodonnell/theyr/pkg/state"
	"github.com/cbodonnell/theyr/pkg/tree"
)

const (
	StatusOK      = "ok"
	StatusIgnored = "ignored"
)

// Ack acknowledges a mutation. Seq echoes the caller's sequence number and
// ServerSeq is the store's sequence number after the mutation.
type Ack struct {
	Status    string `json:"status"`
	Seq       uint64 `json:"seq"`
	ServerSeq uint64 `json:"serverSeq"`
	Broadcast bool   `json:"broadcast"`
}

// SetRequest writes a single variable. RawValue is decoded as JSON when it is
// well-formed and kept as a plain string otherwise.
type SetRequest struct {
	Variable  string
	RawValue  *string
	ClientSeq uint64
	Origin    uint32
}

// AtomicRequest applies an arithmetic operator to the value at Path.
type AtomicRequest struct {
	Path      string
	Operator  string
	Operand   tree.Value
	ClientSeq uint64
	Origin    uint32
}

type Gateway struct {
	lock            sync.Mutex
	store           state.StateManager
	broadcaster     Broadcaster
	dedup           *DedupFilter
	defaultState    tree.Value
	connectionIDKey string
	chatLogField    string
	now             func() time.Time
	logger          *log.Logger
}

type NewGatewayOptions struct {
	Store       state.StateManager
	Broadcaster Broadcaster
	Dedup       *DedupFilter
	// DefaultState replaces the tree on a full reset.
	DefaultState tree.Value
	// ConnectionIDKey is stripped from incoming differences.
	ConnectionIDKey string
	// ChatLogField names the top-level field whose records get server timestamps.
	ChatLogField string
	Now          func() time.Time
}

func NewGateway(opts NewGatewayOptions) *Gateway {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	dedup := opts.Dedup
	if dedup == nil {
		dedup = NewDedupFilter(NewDedupFilterOptions{Now: now})
	}
	defaultState := opts.DefaultState
	if defaultState.Kind() != tree.KindObject {
		defaultState = tree.Object(nil)
	}
	return &Gateway{
		store:           opts.Store,
		broadcaster:     opts.Broadcaster,
		dedup:           dedup,
		defaultState:    defaultState,
		connectionIDKey: opts.ConnectionIDKey,
		chatLogField:    opts.ChatLogField,
		now:             now,
		logger:          log.DefaultLogger().WithComponent("gateway"),
	}
}

// SetValue is the entry point of the HTTP action endpoint. The caller is not
// a connected client, so the resulting difference goes to every client.
func (g *Gateway) SetValue(ctx context.Context, req SetRequest) (*Ack, error) {
	if req.Variable == "" {
		return nil, missing("variable")
	}
	if req.RawValue == nil {
		return nil, missing("value")
	}
	path, err := tree.ParsePath(req.Variable)
	if err != nil {
		metrics.Mutations.WithLabelValues("set", "rejected").Inc()
		return nil, invalid(err)
	}

	g.lock.Lock()
	defer g.lock.Unlock()

	value := tree.ParseLoose(*req.RawValue)
	if err := tree.ValidateKeys(value); err != nil {
		metrics.Mutations.WithLabelValues("set", "rejected").Inc()
		return nil, invalid(err)
	}
	if g.isChatLog(path) {
		value = stampRecords(value, g.now())
	}

	current, err := g.store.GetState(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read state: %v", err)
	}
	existing, found := tree.Get(current, path)
	changed := !found || !tree.Equal(existing, value)
	patch := tree.Patch(current, path, value)

	serverSeq := g.store.SequenceNumber()
	if changed {
		serverSeq, err = g.store.MergeState(ctx, patch, req.ClientSeq)
		if err != nil {
			return nil, fmt.Errorf("failed to merge state: %v", err)
		}
	}

	ack := &Ack{Status: StatusOK, Seq: req.ClientSeq, ServerSeq: serverSeq}
	if !g.dedup.ShouldBroadcast(path.String(), value, changed) {
		metrics.Mutations.WithLabelValues("set", "suppressed").Inc()
		metrics.Suppressed.WithLabelValues("set").Inc()
		g.logger.Debug("Suppressed duplicate write to %s", path)
		return ack, nil
	}

	if err := g.broadcaster.Broadcast(ctx, Broadcast{
		Policy:    PolicyExcludeSender,
		Origin:    req.Origin,
		Diff:      patch,
		Seq:       serverSeq,
		ClientSeq: req.ClientSeq,
	}); err != nil {
		g.logger.Error("Failed to queue broadcast for %s: %v", path, err)
		metrics.Mutations.WithLabelValues("set", "applied").Inc()
		return ack, nil
	}
	ack.Broadcast = true
	metrics.Mutations.WithLabelValues("set", "applied").Inc()
	return ack, nil
}

// ApplyDifference merges a client's difference message. The per-connection
// identifier is stripped, every key is checked against the pollution guard
// and each top-level key is passed through the duplicate filter on its own.
// The broadcast excludes the sender.
func (g *Gateway) ApplyDifference(ctx context.Context, origin uint32, diff tree.Value, clientSeq uint64) (*Ack, error) {
	if diff.Kind() != tree.KindObject {
		return nil, invalid(fmt.Errorf("difference must be an object, got %s", diff.Kind()))
	}
	if g.connectionIDKey != "" {
		diff = diff.Without(g.connectionIDKey)
	}
	if err := tree.ValidateKeys(diff); err != nil {
		metrics.Mutations.WithLabelValues("difference", "rejected").Inc()
		return nil, invalid(err)
	}

	g.lock.Lock()
	defer g.lock.Unlock()

	if g.chatLogField != "" {
		if channels, ok := diff.Field(g.chatLogField); ok && channels.Kind() == tree.KindObject {
			stamped := channels
			for _, name := range channels.Keys() {
				records, _ := channels.Field(name)
				stamped = stamped.With(name, stampRecords(records, g.now()))
			}
			diff = diff.With(g.chatLogField, stamped)
		}
	}

	current, err := g.store.GetState(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read state: %v", err)
	}

	changes := map[string]tree.Value{}
	outgoing := map[string]tree.Value{}
	for _, key := range diff.Keys() {
		incoming, _ := diff.Field(key)
		existing, found := current.Field(key)
		changed := !found || !tree.Equal(tree.Merge(existing, incoming), existing)
		if changed {
			changes[key] = incoming
		}
		if g.dedup.ShouldBroadcast(key, incoming, changed) {
			outgoing[key] = incoming
		} else {
			metrics.Suppressed.WithLabelValues("difference").Inc()
		}
	}

	serverSeq := g.store.SequenceNumber()
	if len(changes) > 0 {
		serverSeq, err = g.store.MergeState(ctx, tree.Object(changes), clientSeq)
		if err != nil {
			return nil, fmt.Errorf("failed to merge state: %v", err)
		}
	}

	ack := &Ack{Status: StatusOK, Seq: clientSeq, ServerSeq: serverSeq}
	metrics.Mutations.WithLabelValues("difference", "applied").Inc()
	if len(outgoing) == 0 {
		return ack, nil
	}
	if err := g.broadcaster.Broadcast(ctx, Broadcast{
		Policy:    PolicyExcludeSender,
		Origin:    origin,
		Diff:      tree.Object(outgoing),
		Seq:       serverSeq,
		ClientSeq: clientSeq,
	}); err != nil {
		g.logger.Error("Failed to queue difference broadcast from client %d: %v", origin, err)
		return ack, nil
	}
	ack.Broadcast = true
	return ack, nil
}

// AtomicUpdate reads the value at the request path, applies the operator and
// writes the result back, all under the gateway lock. The result is sent to
// every client including the origin, bypassing the duplicate filter. An
// unknown operator changes nothing.
func (g *Gateway) AtomicUpdate(ctx context.Context, req AtomicRequest) (*Ack, error) {
	if req.Path == "" {
		return nil, missing("path")
	}
	path, err := tree.ParsePath(req.Path)
	if err != nil {
		metrics.Mutations.WithLabelValues("atomic", "rejected").Inc()
		return nil, invalid(err)
	}
	if err := tree.ValidateKeys(req.Operand); err != nil {
		metrics.Mutations.WithLabelValues("atomic", "rejected").Inc()
		return nil, invalid(err)
	}
	op, ok := ParseOperator(req.Operator)
	if !ok {
		g.logger.Warn("Ignoring unknown operator %q on %s", req.Operator, path)
		metrics.Mutations.WithLabelValues("atomic", "ignored").Inc()
		return &Ack{Status: StatusIgnored, Seq: req.ClientSeq, ServerSeq: g.store.SequenceNumber()}, nil
	}

	g.lock.Lock()
	defer g.lock.Unlock()

	current, err := g.store.GetState(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read state: %v", err)
	}
	existing, _ := tree.Get(current, path)
	result := op.Apply(existing, req.Operand)
	patch := tree.Patch(current, path, result)

	serverSeq, err := g.store.MergeState(ctx, patch, req.ClientSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to merge state: %v", err)
	}
	g.dedup.Record(path.String(), result)
	metrics.Mutations.WithLabelValues("atomic", "applied").Inc()

	ack := &Ack{Status: StatusOK, Seq: req.ClientSeq, ServerSeq: serverSeq}
	if err := g.broadcaster.Broadcast(ctx, Broadcast{
		Policy:    PolicyAll,
		Origin:    req.Origin,
		Diff:      patch,
		Seq:       serverSeq,
		ClientSeq: req.ClientSeq,
	}); err != nil {
		g.logger.Error("Failed to queue atomic result for %s: %v", path, err)
		return ack, nil
	}
	ack.Broadcast = true
	return ack, nil
}

// Reset replaces the tree with the default tree and tells every client,
// the origin included, to replace its mirror.
func (g *Gateway) Reset(ctx context.Context, origin uint32) (*Ack, error) {
	g.lock.Lock()
	defer g.lock.Unlock()

	if err := g.store.ReplaceState(ctx, g.defaultState); err != nil {
		return nil, fmt.Errorf("failed to replace state: %v", err)
	}
	g.dedup.Clear()
	metrics.Mutations.WithLabelValues("reset", "applied").Inc()
	g.logger.Info("State reset by client %d", origin)

	ack := &Ack{Status: StatusOK}
	if err := g.broadcaster.Broadcast(ctx, Broadcast{
		Policy: PolicyReset,
		Origin: origin,
		Diff:   g.defaultState,
	}); err != nil {
		g.logger.Error("Failed to queue reset broadcast: %v", err)
		return ack, nil
	}
	ack.Broadcast = true
	return ack, nil
}

// Join queues the current tree for a newly identified client. Going through
// the broadcaster under the lock orders it with every other broadcast, so
// the client sees each later difference exactly once.
func (g *Gateway) Join(ctx context.Context, clientID uint32) error {
	g.lock.Lock()
	defer g.lock.Unlock()

	current, seq, err := g.store.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to read state: %v", err)
	}
	return g.broadcaster.Broadcast(ctx, Broadcast{
		Policy: PolicyInitialState,
		Origin: clientID,
		Diff:   current,
		Seq:    seq,
	})
}

// Restore replaces the tree without broadcasting. It is used when hydrating
// from cold storage before any client connects.
func (g *Gateway) Restore(ctx context.Context, root tree.Value) error {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.store.ReplaceState(ctx, root)
}

// isChatLog reports whether path addresses a channel of the chat log, e.g.
// chatlog.general. Writes to the log root are not stamped.
func (g *Gateway) isChatLog(path tree.Path) bool {
	return g.chatLogField != "" && len(path) == 2 && path.Root() == g.chatLogField
}

// stampRecords overwrites the timestamp of every top-level record of an
// array with the server clock in unix milliseconds. Records without a
// timestamp and anything that is not an array are left alone.
func stampRecords(v tree.Value, now time.Time) tree.Value {
	if v.Kind() != tree.KindArray {
		return v
	}
	items := v.Items()
	for i, item := range items {
		if _, ok := item.Field("timestamp"); ok {
			items[i] = item.With("timestamp", tree.Number(float64(now.UnixMilli())))
		}
	}
	return tree.Array(items...)
}
