package workers

import (
	"context"
	"fmt"

	"github.com/cbodonnell/theyr/pkg/gateway"
	"github.com/cbodonnell/theyr/pkg/log"
	"github.com/cbodonnell/theyr/pkg/messages"
	"github.com/cbodonnell/theyr/pkg/network"
	"github.com/cbodonnell/theyr/pkg/queue"
)

// ClientMessageWorker processes client messages one at a time in the order
// they were queued, which keeps each client's mutations in send order.
type ClientMessageWorker struct {
	networkManager *network.NetworkManager
	gateway        *gateway.Gateway
	messageQueue   queue.Queue
}

type NewClientMessageWorkerOptions struct {
	NetworkManager *network.NetworkManager
	Gateway        *gateway.Gateway
	MessageQueue   queue.Queue
}

func NewClientMessageWorker(opts NewClientMessageWorkerOptions) *ClientMessageWorker {
	return &ClientMessageWorker{
		networkManager: opts.NetworkManager,
		gateway:        opts.Gateway,
		messageQueue:   opts.MessageQueue,
	}
}

func (w *ClientMessageWorker) Start(ctx context.Context) {
	for {
		item, err := w.messageQueue.Dequeue(ctx)
		if err != nil {
			return
		}
		message, ok := item.(*messages.Message)
		if !ok {
			log.Error("Unexpected item in client message queue: %T", item)
			continue
		}
		if err := w.handle(ctx, message); err != nil {
			log.Warn("Failed to handle %s message from client %d: %v", message.Type, message.ClientID, err)
			if gateway.IsValidation(err) {
				w.sendError(ctx, message.ClientID, err)
			}
		}
	}
}

func (w *ClientMessageWorker) handle(ctx context.Context, message *messages.Message) error {
	if message.Type != messages.MessageTypeIdentify && !w.isIdentified(message.ClientID) {
		return fmt.Errorf("client %d sent %s before identify", message.ClientID, message.Type)
	}

	switch message.Type.Canonical() {
	case messages.MessageTypeIdentify:
		return w.handleIdentify(ctx, message)
	case messages.MessageTypeDifference:
		return w.handleDifference(ctx, message)
	case messages.MessageTypeAtomicUpdate:
		return w.handleAtomicUpdate(ctx, message)
	case messages.MessageTypeFullReset:
		_, err := w.gateway.Reset(ctx, message.ClientID)
		return err
	default:
		return fmt.Errorf("unknown client message type: %v", message.Type)
	}
}

func (w *ClientMessageWorker) handleIdentify(ctx context.Context, message *messages.Message) error {
	identify := &messages.Identify{}
	if err := message.Decode(identify); err != nil {
		return err
	}
	if err := w.networkManager.ClientManager.IdentifyClient(message.ClientID, identify.UserID, identify.ClientID); err != nil {
		return fmt.Errorf("failed to identify client: %v", err)
	}
	client, err := w.networkManager.ClientManager.GetClient(message.ClientID)
	if err != nil {
		return fmt.Errorf("failed to identify client: %v", err)
	}
	log.Info("Client %d identified as user %q", message.ClientID, client.UserID)
	return w.gateway.Join(ctx, message.ClientID)
}

func (w *ClientMessageWorker) handleDifference(ctx context.Context, message *messages.Message) error {
	difference := &messages.Difference{}
	if err := message.Decode(difference); err != nil {
		return err
	}
	_, err := w.gateway.ApplyDifference(ctx, message.ClientID, difference.Diff, difference.ClientSeq)
	return err
}

func (w *ClientMessageWorker) handleAtomicUpdate(ctx context.Context, message *messages.Message) error {
	update := &messages.AtomicUpdate{}
	if err := message.Decode(update); err != nil {
		return err
	}
	_, err := w.gateway.AtomicUpdate(ctx, gateway.AtomicRequest{
		Path:      update.Path,
		Operator:  update.Operator,
		Operand:   update.Operand,
		ClientSeq: update.ClientSeq,
		Origin:    message.ClientID,
	})
	return err
}

func (w *ClientMessageWorker) isIdentified(clientID uint32) bool {
	client, err := w.networkManager.ClientManager.GetClient(clientID)
	return err == nil && client.Identified
}

func (w *ClientMessageWorker) sendError(ctx context.Context, clientID uint32, cause error) {
	msg := network.Static(messages.MessageTypeError, messages.Error{Reason: cause.Error()})
	if err := w.networkManager.SendToClient(ctx, clientID, msg); err != nil {
		log.Error("Failed to send error to client %d: %v", clientID, err)
	}
}
