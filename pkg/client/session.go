// Package client keeps a local mirror of the shared tree in sync with a
// theyr server.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cbodonnell/theyr/pkg/log"
	"github.com/cbodonnell/theyr/pkg/messages"
	"github.com/cbodonnell/theyr/pkg/tree"
	"github.com/google/uuid"
)

const (
	DefaultSyncInterval   = 100 * time.Millisecond
	DefaultResyncInterval = 30 * time.Second
	DefaultReconnectDelay = 2 * time.Second
)

// ConnState is the connection lifecycle of a Session.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateAwaitingInitialState
	StateSynced
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingInitialState:
		return "awaiting_initial_state"
	case StateSynced:
		return "synced"
	default:
		return "unknown"
	}
}

// Transport carries messages to and from the server. Receive must return an
// error once the connection is gone.
type Transport interface {
	Send(ctx context.Context, msg *messages.Message) error
	Receive(ctx context.Context) (*messages.Message, error)
	Close() error
}

// Dialer opens a new Transport.
type Dialer func(ctx context.Context) (Transport, error)

// StateFetcher retrieves the full tree over the side channel.
type StateFetcher interface {
	FullState(ctx context.Context) (tree.Value, uint64, error)
}

// ErrNotSynced is returned by operations that need a synced session.
var ErrNotSynced = errors.New("session is not synced")

// Session runs the reconciliation loop for one client. Inbound messages,
// outbound diffs, resyncs and local requests all run on the loop goroutine,
// so an inbound diff is always merged before the next outbound comparison.
type Session struct {
	userID         string
	connectionID   string
	dial           Dialer
	fetcher        StateFetcher
	mirror         *Mirror
	syncInterval   time.Duration
	resyncInterval time.Duration
	reconnectDelay time.Duration
	critical       []tree.Path

	state     atomic.Int32
	requests  chan request
	clientSeq uint64
	lastSeq   uint64
	clientID  uint32

	listenersLock sync.RWMutex
	listeners     []func(Change)
	stateChanges  []func(ConnState)
}

type NewSessionOptions struct {
	UserID string
	// ConnectionID identifies this connection to the server. A random one
	// is generated when empty.
	ConnectionID   string
	Dial           Dialer
	Fetcher        StateFetcher
	Exceptions     *ExceptionSet
	SyncInterval   time.Duration
	ResyncInterval time.Duration
	ReconnectDelay time.Duration
	// CriticalPaths are compared during resync. Empty compares the whole tree.
	CriticalPaths []string
}

func NewSession(opts NewSessionOptions) (*Session, error) {
	if opts.Dial == nil {
		return nil, fmt.Errorf("dialer is required")
	}
	critical := make([]tree.Path, 0, len(opts.CriticalPaths))
	for _, raw := range opts.CriticalPaths {
		p, err := tree.ParsePath(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid critical path %q: %v", raw, err)
		}
		critical = append(critical, p)
	}
	connectionID := opts.ConnectionID
	if connectionID == "" {
		connectionID = uuid.NewString()
	}

	s := &Session{
		userID:         opts.UserID,
		connectionID:   connectionID,
		dial:           opts.Dial,
		fetcher:        opts.Fetcher,
		syncInterval:   orDefault(opts.SyncInterval, DefaultSyncInterval),
		resyncInterval: orDefault(opts.ResyncInterval, DefaultResyncInterval),
		reconnectDelay: orDefault(opts.ReconnectDelay, DefaultReconnectDelay),
		critical:       critical,
		requests:       make(chan request, 64),
	}
	s.mirror = NewMirror(NewMirrorOptions{
		Exceptions: opts.Exceptions,
		OnChange:   s.emit,
	})
	return s, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func (s *Session) ConnectionID() string {
	return s.connectionID
}

func (s *Session) Mirror() *Mirror {
	return s.mirror
}

func (s *Session) State() ConnState {
	return ConnState(s.state.Load())
}

// OnChange registers a listener for changes to the local tree. Listeners
// run on the session loop and must not call back into the Session
// synchronously.
func (s *Session) OnChange(fn func(Change)) {
	s.listenersLock.Lock()
	defer s.listenersLock.Unlock()
	s.listeners = append(s.listeners, fn)
}

// OnStateChange registers a listener for connection state transitions.
func (s *Session) OnStateChange(fn func(ConnState)) {
	s.listenersLock.Lock()
	defer s.listenersLock.Unlock()
	s.stateChanges = append(s.stateChanges, fn)
}

func (s *Session) emit(c Change) {
	s.listenersLock.RLock()
	defer s.listenersLock.RUnlock()
	for _, fn := range s.listeners {
		fn(c)
	}
}

func (s *Session) setState(state ConnState) {
	if ConnState(s.state.Swap(int32(state))) == state {
		return
	}
	log.Debug("Session %s is %s", s.connectionID, state)
	s.listenersLock.RLock()
	defer s.listenersLock.RUnlock()
	for _, fn := range s.stateChanges {
		fn(state)
	}
}

// Set writes a variable locally and sends the resulting diff right away.
// While the session is not synced the change stays local and goes out with
// the first diff after the next initial state.
func (s *Session) Set(ctx context.Context, path string, v tree.Value) error {
	if err := s.mirror.Set(path, v); err != nil {
		return err
	}
	err := s.submit(ctx, func(ctx context.Context, t Transport) error {
		return s.flush(ctx, t)
	})
	if errors.Is(err, ErrNotSynced) {
		return nil
	}
	return err
}

// AtomicUpdate asks the server to apply an operator. The local tree changes
// when the authoritative result comes back.
func (s *Session) AtomicUpdate(ctx context.Context, path, operator string, operand tree.Value) error {
	if _, err := tree.ParsePath(path); err != nil {
		return err
	}
	return s.submit(ctx, func(ctx context.Context, t Transport) error {
		s.clientSeq++
		return s.send(ctx, t, messages.MessageTypeAtomicUpdate, messages.AtomicUpdate{
			Path:      path,
			Operator:  operator,
			Operand:   operand,
			ClientSeq: s.clientSeq,
		})
	})
}

// FullReset asks the server to restore its default tree for everyone.
func (s *Session) FullReset(ctx context.Context) error {
	return s.submit(ctx, func(ctx context.Context, t Transport) error {
		return s.send(ctx, t, messages.MessageTypeFullReset, messages.FullReset{})
	})
}

// Resync fetches the full tree and merges it when the critical paths drifted.
func (s *Session) Resync(ctx context.Context) error {
	return s.submit(ctx, func(ctx context.Context, t Transport) error {
		return s.resync(ctx)
	})
}

type request struct {
	fn   func(ctx context.Context, t Transport) error
	done chan error
}

// submit runs fn on the loop goroutine and waits for its result.
func (s *Session) submit(ctx context.Context, fn func(ctx context.Context, t Transport) error) error {
	if s.State() != StateSynced {
		return ErrNotSynced
	}
	req := request{fn: fn, done: make(chan error, 1)}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.requests <- req:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-req.done:
		return err
	}
}

// rejectPending fails requests queued for a connection that is gone.
func (s *Session) rejectPending() {
	for {
		select {
		case req := <-s.requests:
			req.done <- ErrNotSynced
		default:
			return
		}
	}
}

// Run connects and keeps the session in sync until ctx is done. A dropped
// connection is redialed after the reconnect delay; nothing is replayed, the
// fresh initial state brings the mirror up to date.
func (s *Session) Run(ctx context.Context) error {
	for {
		err := s.runOnce(ctx)
		s.setState(StateDisconnected)
		s.rejectPending()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("Session %s disconnected: %v", s.connectionID, err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.reconnectDelay):
		}
	}
}

func (s *Session) runOnce(ctx context.Context) error {
	s.setState(StateConnecting)
	t, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect: %v", err)
	}
	defer t.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.send(ctx, t, messages.MessageTypeIdentify, messages.Identify{
		ClientID: s.connectionID,
		UserID:   s.userID,
	}); err != nil {
		return err
	}
	s.setState(StateAwaitingInitialState)

	inbound := make(chan *messages.Message, 64)
	readErr := make(chan error, 1)
	go func() {
		for {
			msg, err := t.Receive(ctx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case inbound <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	syncTicker := time.NewTicker(s.syncInterval)
	defer syncTicker.Stop()
	resyncTicker := time.NewTicker(s.resyncInterval)
	defer resyncTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case msg := <-inbound:
			s.handleInbound(msg)
		case req := <-s.requests:
			err := req.fn(ctx, t)
			req.done <- err
			if err != nil {
				log.Warn("Session request failed: %v", err)
			}
		case <-syncTicker.C:
			if s.State() != StateSynced {
				continue
			}
			if err := s.flush(ctx, t); err != nil {
				return err
			}
		case <-resyncTicker.C:
			if s.State() != StateSynced {
				continue
			}
			if err := s.resync(ctx); err != nil {
				log.Warn("Periodic resync failed: %v", err)
			}
		}
	}
}

func (s *Session) handleInbound(msg *messages.Message) {
	switch msg.Type {
	case messages.MessageTypeInitialState:
		initial := &messages.InitialState{}
		if err := msg.Decode(initial); err != nil {
			log.Error("%v", err)
			return
		}
		s.clientID = initial.ClientID
		s.lastSeq = initial.Seq
		s.mirror.ApplyInitial(initial.State)
		s.setState(StateSynced)
	case messages.MessageTypeDifference:
		if s.State() != StateSynced {
			// the initial state already includes it
			return
		}
		diff := &messages.Difference{}
		if err := msg.Decode(diff); err != nil {
			log.Error("%v", err)
			return
		}
		s.checkSeq(diff.Seq)
		s.mirror.ApplyInbound(diff.Diff)
	case messages.MessageTypeReset:
		reset := &messages.Reset{}
		if err := msg.Decode(reset); err != nil {
			log.Error("%v", err)
			return
		}
		s.lastSeq = 0
		s.mirror.ApplyReset(reset.State)
	case messages.MessageTypeError:
		e := &messages.Error{}
		if err := msg.Decode(e); err != nil {
			log.Error("%v", err)
			return
		}
		log.Warn("Server rejected a message: %s", e.Reason)
	default:
		log.Warn("Ignoring unexpected %s message", msg.Type)
	}
}

// checkSeq records the newest server sequence number and reports whether seq
// is older than it. Out of order updates are logged and applied anyway. A
// repeated seq is not out of order.
func (s *Session) checkSeq(seq uint64) bool {
	if seq == 0 {
		return false
	}
	if seq < s.lastSeq {
		log.Warn("Received update %d after %d", seq, s.lastSeq)
		return true
	}
	s.lastSeq = seq
	return false
}

func (s *Session) flush(ctx context.Context, t Transport) error {
	diff, ok := s.mirror.Outbound()
	if !ok {
		return nil
	}
	s.clientSeq++
	return s.send(ctx, t, messages.MessageTypeDifference, messages.Difference{
		Diff:      diff,
		ClientSeq: s.clientSeq,
	})
}

func (s *Session) resync(ctx context.Context) error {
	if s.fetcher == nil {
		return nil
	}
	server, _, err := s.fetcher.FullState(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch full state: %v", err)
	}
	if s.mirror.Resync(server, s.critical) {
		log.Info("Resync merged drifted state from the server")
	}
	return nil
}

func (s *Session) send(ctx context.Context, t Transport, mt messages.MessageType, payload interface{}) error {
	msg, err := messages.NewMessage(s.clientID, mt, payload)
	if err != nil {
		return err
	}
	if err := t.Send(ctx, msg); err != nil {
		return fmt.Errorf("failed to send %s: %v", mt, err)
	}
	return nil
}
