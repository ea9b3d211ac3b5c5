package network

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/cbodonnell/theyr/pkg/log"
	"github.com/cbodonnell/theyr/pkg/messages"
	"github.com/cbodonnell/theyr/pkg/metrics"
	"github.com/gorilla/websocket"
)

const (
	// ClientIDMaxRetries represents the maximum number of retries when generating a unique ID
	ClientIDMaxRetries = 1024
	// ConnectionEventChannelSize represents the size of the connection event channel
	ConnectionEventChannelSize = 1024
	// WriteTimeout bounds a single message write to a client
	WriteTimeout = 10 * time.Second
)

// Conn is the part of a WebSocket connection the client manager writes to.
// *websocket.Conn satisfies it.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
	RemoteAddr() net.Addr
}

// Client represents a connected client
type Client struct {
	ID uint32
	// UserID is announced by the client on identify and selects the private
	// namespace entry it may see.
	UserID string
	// ConnectionID is the client-generated id announced on identify.
	ConnectionID string
	Identified   bool

	// pinnedUserID comes from a verified bearer token and wins over the
	// user announced on identify.
	pinnedUserID string
	conn         Conn
	writeLock *sync.Mutex
}

// Write serializes msg and writes it to the client. Writes to the same
// connection are serialized.
func (c *Client) Write(msg *messages.Message) error {
	b, err := messages.SerializeMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to serialize message: %v", err)
	}

	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(WriteTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %v", err)
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return fmt.Errorf("failed to write message to WebSocket connection: %v", err)
	}
	return nil
}

// ConnectionEvent represents an event that happened to a client connection
type ConnectionEvent struct {
	ClientID uint32
	Type     ConnectionEventType
	Data     interface{}
}

// ConnectionEventType represents the type of a connection event
type ConnectionEventType int

const (
	ConnectionEventTypeConnect ConnectionEventType = iota
	ConnectionEventTypeIdentify
	ConnectionEventTypeDisconnect
)

func (t ConnectionEventType) String() string {
	switch t {
	case ConnectionEventTypeConnect:
		return "connect"
	case ConnectionEventTypeIdentify:
		return "identify"
	case ConnectionEventTypeDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

type ClientConnectData struct {
	RemoteAddr string
}

type ClientIdentifyData struct {
	UserID       string
	ConnectionID string
}

// ClientManager manages connected clients
type ClientManager struct {
	clients             map[uint32]*Client
	clientsLock         sync.RWMutex
	connectionEventChan chan ConnectionEvent
}

// NewClientManager creates a new ClientManager
func NewClientManager() *ClientManager {
	return &ClientManager{
		clients:             make(map[uint32]*Client),
		connectionEventChan: make(chan ConnectionEvent, ConnectionEventChannelSize),
	}
}

// GetConnectionEventChan returns a one-way channel for receiving connection events
func (cm *ClientManager) GetConnectionEventChan() <-chan ConnectionEvent {
	return cm.connectionEventChan
}

// GetClients returns a slice with a copy of all connected clients.
func (cm *ClientManager) GetClients() []*Client {
	cm.clientsLock.RLock()
	defer cm.clientsLock.RUnlock()
	clients := make([]*Client, 0, len(cm.clients))
	for _, client := range cm.clients {
		copy := *client
		clients = append(clients, &copy)
	}
	return clients
}

// GetClient returns a copy of the client with the given ID
func (cm *ClientManager) GetClient(clientID uint32) (*Client, error) {
	cm.clientsLock.RLock()
	defer cm.clientsLock.RUnlock()
	client, ok := cm.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("client %d not found", clientID)
	}
	copy := *client
	return &copy, nil
}

// ConnectClient adds a new client to the manager and returns its ID
func (cm *ClientManager) ConnectClient(conn Conn) (uint32, error) {
	cm.clientsLock.Lock()
	defer cm.clientsLock.Unlock()

	clientID, err := cm.generateUniqueID(ClientIDMaxRetries)
	if err != nil {
		return 0, fmt.Errorf("failed to generate a unique ID: %v", err)
	}
	cm.clients[clientID] = &Client{
		ID:        clientID,
		conn:      conn,
		writeLock: &sync.Mutex{},
	}
	metrics.ConnectedClients.Set(float64(len(cm.clients)))

	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	cm.emit(ConnectionEvent{
		ClientID: clientID,
		Type:     ConnectionEventTypeConnect,
		Data:     ClientConnectData{RemoteAddr: remote},
	})

	return clientID, nil
}

// PinUser binds a client to a verified user id. A later identify cannot
// claim a different user.
func (cm *ClientManager) PinUser(clientID uint32, userID string) error {
	cm.clientsLock.Lock()
	defer cm.clientsLock.Unlock()

	client, ok := cm.clients[clientID]
	if !ok {
		return fmt.Errorf("client %d not found", clientID)
	}
	client.pinnedUserID = userID
	return nil
}

// IdentifyClient records the user announced by a client. A pinned user
// replaces the announced one.
func (cm *ClientManager) IdentifyClient(clientID uint32, userID, connectionID string) error {
	cm.clientsLock.Lock()
	defer cm.clientsLock.Unlock()

	client, ok := cm.clients[clientID]
	if !ok {
		return fmt.Errorf("client %d not found", clientID)
	}
	if client.pinnedUserID != "" && client.pinnedUserID != userID {
		log.Warn("Client %d announced user %q but its token belongs to %q", clientID, userID, client.pinnedUserID)
		userID = client.pinnedUserID
	}
	client.UserID = userID
	client.ConnectionID = connectionID
	client.Identified = true

	cm.emit(ConnectionEvent{
		ClientID: clientID,
		Type:     ConnectionEventTypeIdentify,
		Data:     ClientIdentifyData{UserID: userID, ConnectionID: connectionID},
	})
	return nil
}

// GetClientIDByConn returns the ID of a client by its connection.
// Returns 0 if the client is not found
func (cm *ClientManager) GetClientIDByConn(conn Conn) uint32 {
	cm.clientsLock.RLock()
	defer cm.clientsLock.RUnlock()
	for _, client := range cm.clients {
		if client.conn == conn {
			return client.ID
		}
	}
	return 0
}

// DisconnectClient removes a client from the manager
func (cm *ClientManager) DisconnectClient(clientID uint32) {
	cm.clientsLock.Lock()
	defer cm.clientsLock.Unlock()

	client, ok := cm.clients[clientID]
	if !ok {
		return
	}
	delete(cm.clients, clientID)
	metrics.ConnectedClients.Set(float64(len(cm.clients)))

	cm.emit(ConnectionEvent{
		ClientID: client.ID,
		Type:     ConnectionEventTypeDisconnect,
		Data:     ClientIdentifyData{UserID: client.UserID, ConnectionID: client.ConnectionID},
	})
}

func (cm *ClientManager) Exists(clientID uint32) bool {
	cm.clientsLock.RLock()
	defer cm.clientsLock.RUnlock()
	_, ok := cm.clients[clientID]
	return ok
}

func (cm *ClientManager) Count() int {
	cm.clientsLock.RLock()
	defer cm.clientsLock.RUnlock()
	return len(cm.clients)
}

// emit must be called with the lock held. Events are dropped rather than
// blocking the connection when nobody drains the channel.
func (cm *ClientManager) emit(event ConnectionEvent) {
	select {
	case cm.connectionEventChan <- event:
	default:
		log.Warn("Connection event channel full, dropping %s event for client %d", event.Type, event.ClientID)
	}
}

// generateUniqueID generates a unique client ID with a maximum number of retries
// it reads from the clients, so it needs to be locked before calling
func (cm *ClientManager) generateUniqueID(maxRetries int) (uint32, error) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		id := rand.Uint32()
		if id == 0 {
			continue
		}
		if _, ok := cm.clients[id]; !ok {
			return id, nil
		}
	}

	return 0, fmt.Errorf("failed to generate a unique ID after %d attempts", maxRetries)
}

// CloseAll closes every client connection. Readers then fail and unregister
// their clients.
func (cm *ClientManager) CloseAll() {
	cm.clientsLock.RLock()
	defer cm.clientsLock.RUnlock()
	for _, client := range cm.clients {
		client.conn.Close()
	}
}
