package network

import (
	"context"
	"fmt"
	"net/http"

	"github.com/cbodonnell/theyr/pkg/log"
	"github.com/cbodonnell/theyr/pkg/messages"
	"github.com/cbodonnell/theyr/pkg/metrics"
	"github.com/cbodonnell/theyr/pkg/queue"
)

type NetworkManager struct {
	ClientManager *ClientManager
	MessageQueue  queue.Queue
	WSServer      *WSServer
}

type NewNetworkManagerOptions struct {
	ClientManager *ClientManager
	MessageQueue  queue.Queue
	AllowOrigin   string
}

func NewNetworkManager(options NewNetworkManagerOptions) *NetworkManager {
	return &NetworkManager{
		ClientManager: options.ClientManager,
		MessageQueue:  options.MessageQueue,
		WSServer: NewWSServer(NewWSServerOptions{
			AllowOrigin: options.AllowOrigin,
		}),
	}
}

// Handler returns the WebSocket endpoint. Connections live until ctx is done.
func (n *NetworkManager) Handler(ctx context.Context) http.Handler {
	return n.WSServer.Handler(ctx, n.handleConnect, n.handleDisconnect, n.handleMessage)
}

func (n *NetworkManager) handleConnect(conn Conn, verifiedUserID string) (uint32, error) {
	clientID, err := n.ClientManager.ConnectClient(conn)
	if err != nil {
		return 0, err
	}
	if verifiedUserID != "" {
		if err := n.ClientManager.PinUser(clientID, verifiedUserID); err != nil {
			return 0, err
		}
		log.Info("Client %d connected as verified user %q", clientID, verifiedUserID)
		return clientID, nil
	}
	log.Info("Client %d connected", clientID)
	return clientID, nil
}

func (n *NetworkManager) handleDisconnect(clientID uint32) {
	n.ClientManager.DisconnectClient(clientID)
	log.Info("Client %d disconnected", clientID)
}

// handleMessage queues every client message, identify included, so that one
// worker processes them in arrival order.
func (n *NetworkManager) handleMessage(ctx context.Context, clientID uint32, message *messages.Message) {
	if err := n.MessageQueue.Enqueue(message); err != nil {
		log.Error("Failed to enqueue %s message from client %d: %v", message.Type, clientID, err)
		n.sendError(ctx, clientID, "server busy")
	}
}

func (n *NetworkManager) sendError(ctx context.Context, clientID uint32, reason string) {
	if err := n.SendToClient(ctx, clientID, Static(messages.MessageTypeError, messages.Error{Reason: reason})); err != nil {
		log.Error("Failed to send error to client %d: %v", clientID, err)
	}
}

// MessageBuilder builds the message written to one recipient, so that
// payloads can be filtered per user. A nil message skips the recipient.
type MessageBuilder func(client *Client) (*messages.Message, error)

// Static builds the same message for every recipient.
func Static(t messages.MessageType, payload interface{}) MessageBuilder {
	msg, err := messages.NewMessage(0, t, payload)
	return func(*Client) (*messages.Message, error) {
		return msg, err
	}
}

func (n *NetworkManager) SendToClient(ctx context.Context, clientID uint32, build MessageBuilder) error {
	client, err := n.ClientManager.GetClient(clientID)
	if err != nil {
		return fmt.Errorf("failed to get client %d: %v", clientID, err)
	}
	if err := n.sendToClient(client, build); err != nil {
		return fmt.Errorf("failed to send message to client %d: %v", clientID, err)
	}
	return nil
}

// SendToAll sends to every identified client and returns the number of
// successful writes.
func (n *NetworkManager) SendToAll(ctx context.Context, build MessageBuilder) int {
	return n.SendToAllExcept(ctx, 0, build)
}

// SendToAllExcept sends to every identified client except exceptID. Client
// IDs are never 0, so 0 excludes nobody.
func (n *NetworkManager) SendToAllExcept(ctx context.Context, exceptID uint32, build MessageBuilder) int {
	sent := 0
	for _, client := range n.ClientManager.GetClients() {
		if client.ID == exceptID || !client.Identified {
			continue
		}
		if err := n.sendToClient(client, build); err != nil {
			log.Error("Failed to send message to client %d: %v", client.ID, err)
			continue
		}
		sent++
	}
	return sent
}

// sendToClient closes the connection on a write failure. The reader then
// fails and unregisters the client; the committed state is not rolled back.
func (n *NetworkManager) sendToClient(client *Client, build MessageBuilder) error {
	msg, err := build(client)
	if err != nil {
		return fmt.Errorf("failed to build message: %v", err)
	}
	if msg == nil {
		return nil
	}
	if err := client.Write(msg); err != nil {
		metrics.SendFailures.Inc()
		client.conn.Close()
		return err
	}
	return nil
}
