package workers

import (
	"context"

	"github.com/cbodonnell/theyr/pkg/gateway"
	"github.com/cbodonnell/theyr/pkg/log"
	"github.com/cbodonnell/theyr/pkg/messages"
	"github.com/cbodonnell/theyr/pkg/metrics"
	"github.com/cbodonnell/theyr/pkg/network"
	"github.com/cbodonnell/theyr/pkg/state"
)

// BroadcastMessageWorker fans committed mutations out to clients in the
// order the gateway committed them. Private namespace content is filtered
// for each recipient as the message is built.
type BroadcastMessageWorker struct {
	networkManager       *network.NetworkManager
	broadcastMessageChan <-chan gateway.Broadcast
	privateNamespace     string
}

type NewBroadcastMessageWorkerOptions struct {
	NetworkManager       *network.NetworkManager
	BroadcastMessageChan <-chan gateway.Broadcast
	PrivateNamespace     string
}

func NewBroadcastMessageWorker(opts NewBroadcastMessageWorkerOptions) *BroadcastMessageWorker {
	namespace := opts.PrivateNamespace
	if namespace == "" {
		namespace = state.DefaultPrivateNamespace
	}
	return &BroadcastMessageWorker{
		networkManager:       opts.NetworkManager,
		broadcastMessageChan: opts.BroadcastMessageChan,
		privateNamespace:     namespace,
	}
}

func (w *BroadcastMessageWorker) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-w.broadcastMessageChan:
			w.handle(ctx, b)
		}
	}
}

// Drain delivers every broadcast already queued. It is called on shutdown
// after the gateway stops accepting mutations.
func (w *BroadcastMessageWorker) Drain(ctx context.Context) {
	for {
		select {
		case b := <-w.broadcastMessageChan:
			w.handle(ctx, b)
		default:
			return
		}
	}
}

func (w *BroadcastMessageWorker) handle(ctx context.Context, b gateway.Broadcast) {
	switch b.Policy {
	case gateway.PolicyExcludeSender:
		sent := w.networkManager.SendToAllExcept(ctx, b.Origin, w.difference(b))
		log.Trace("Sent difference %d to %d clients", b.Seq, sent)
	case gateway.PolicyAll:
		sent := w.networkManager.SendToAll(ctx, w.difference(b))
		log.Trace("Sent authoritative result %d to %d clients", b.Seq, sent)
	case gateway.PolicyReset:
		sent := w.networkManager.SendToAll(ctx, w.reset(b))
		log.Debug("Sent reset to %d clients", sent)
	case gateway.PolicyInitialState:
		if err := w.networkManager.SendToClient(ctx, b.Origin, w.initialState(b)); err != nil {
			log.Error("Failed to send initial state to client %d: %v", b.Origin, err)
			return
		}
	default:
		log.Error("Unknown broadcast policy: %v", b.Policy)
		return
	}
	metrics.Broadcasts.WithLabelValues(b.Policy.String()).Inc()
}

func (w *BroadcastMessageWorker) difference(b gateway.Broadcast) network.MessageBuilder {
	return func(client *network.Client) (*messages.Message, error) {
		diff := state.FilterPrivateDiff(b.Diff, w.privateNamespace, client.UserID)
		if diff.Len() == 0 {
			return nil, nil
		}
		return messages.NewMessage(0, messages.MessageTypeDifference, messages.Difference{
			Diff:      diff,
			Seq:       b.Seq,
			ClientSeq: b.ClientSeq,
		})
	}
}

func (w *BroadcastMessageWorker) reset(b gateway.Broadcast) network.MessageBuilder {
	return func(client *network.Client) (*messages.Message, error) {
		return messages.NewMessage(0, messages.MessageTypeReset, messages.Reset{
			State: state.FilterPrivate(b.Diff, w.privateNamespace, client.UserID),
		})
	}
}

func (w *BroadcastMessageWorker) initialState(b gateway.Broadcast) network.MessageBuilder {
	return func(client *network.Client) (*messages.Message, error) {
		return messages.NewMessage(0, messages.MessageTypeInitialState, messages.InitialState{
			State:    state.FilterPrivate(b.Diff, w.privateNamespace, client.UserID),
			Seq:      b.Seq,
			ClientID: client.ID,
		})
	}
}
