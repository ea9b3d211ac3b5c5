package gateway

import (
	"context"

	"github.com/cbodonnell/theyr/pkg/tree"
)

// Policy selects the recipients of a broadcast.
type Policy int

const (
	// PolicyExcludeSender sends a difference to every client but its origin.
	PolicyExcludeSender Policy = iota
	// PolicyAll sends an authoritative result to every client, origin included.
	PolicyAll
	// PolicyReset replaces every client's mirror.
	PolicyReset
	// PolicyInitialState sends the whole tree to the origin only.
	PolicyInitialState
)

func (p Policy) String() string {
	switch p {
	case PolicyExcludeSender:
		return "exclude_sender"
	case PolicyAll:
		return "all"
	case PolicyReset:
		return "reset"
	case PolicyInitialState:
		return "initial_state"
	default:
		return "unknown"
	}
}

// Broadcast is a committed mutation waiting to be fanned out. Diff holds the
// whole tree for resets and initial states. It is unfiltered: private namespace filtering happens
// per recipient when the message is written.
type Broadcast struct {
	Policy    Policy
	Origin    uint32
	Diff      tree.Value
	Seq       uint64
	ClientSeq uint64
}

// Broadcaster accepts broadcasts in commit order.
type Broadcaster interface {
	Broadcast(ctx context.Context, b Broadcast) error
}

// ChanBroadcaster hands broadcasts to a worker over a channel.
type ChanBroadcaster chan<- Broadcast

func (c ChanBroadcaster) Broadcast(ctx context.Context, b Broadcast) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case c <- b:
		return nil
	}
}
