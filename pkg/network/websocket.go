package network

import (
	"context"
	"fmt"
	"net/http"
	"time"

	authproviders "github.com/cbodonnell/theyr/pkg/auth/providers"
	"github.com/cbodonnell/theyr/pkg/log"
	"github.com/cbodonnell/theyr/pkg/messages"
	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// ConnectHandler registers a new connection. verifiedUserID is the user a
// bearer token on the upgrade request was issued to, or empty.
type ConnectHandler func(conn Conn, verifiedUserID string) (uint32, error)

type DisconnectHandler func(clientID uint32)

type MessageHandler func(ctx context.Context, clientID uint32, message *messages.Message)

// WSServer upgrades HTTP requests to WebSocket connections and reads client
// messages. It does not listen on its own; its handler is mounted by the API
// server.
type WSServer struct {
	upgrader  websocket.Upgrader
	readLimit int64
}

type NewWSServerOptions struct {
	// AllowOrigin is matched against the Origin header. "*" or empty allows any origin.
	AllowOrigin string
	ReadLimit   int64
}

// NewWSServer creates a new WebSocket server.
func NewWSServer(opts NewWSServerOptions) *WSServer {
	readLimit := opts.ReadLimit
	if readLimit <= 0 {
		readLimit = messages.MessageBufferSize
	}
	allowOrigin := opts.AllowOrigin
	return &WSServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if allowOrigin == "" || allowOrigin == "*" {
					return true
				}
				return r.Header.Get("Origin") == allowOrigin
			},
		},
		readLimit: readLimit,
	}
}

// Handler returns the HTTP handler that accepts WebSocket connections.
// Messages from one connection are handed to messageHandler in the order
// they were received.
func (s *WSServer) Handler(ctx context.Context, connectHandler ConnectHandler, disconnectHandler DisconnectHandler, messageHandler MessageHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error("Failed to upgrade to WebSocket: %v", err)
			return
		}
		log.Debug("New WebSocket connection from %s", conn.RemoteAddr().String())

		verifiedUserID, _ := authproviders.UserFromContext(r.Context())
		clientID, err := connectHandler(conn, verifiedUserID)
		if err != nil {
			log.Error("Failed to register WebSocket connection from %s: %v", conn.RemoteAddr().String(), err)
			conn.Close()
			return
		}
		s.handleWSConnection(ctx, clientID, conn, disconnectHandler, messageHandler)
	})
}

// handleWSConnection reads messages until the connection fails or ctx is done.
func (s *WSServer) handleWSConnection(ctx context.Context, clientID uint32, conn *websocket.Conn, disconnectHandler DisconnectHandler, messageHandler MessageHandler) {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		disconnectHandler(clientID)
		conn.Close()
	}()

	conn.SetReadLimit(s.readLimit)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go keepAlive(ctx, conn)

	for {
		message, err := ReadMessageFromWS(conn)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Error("Error reading WebSocket message from client %d: %v", clientID, err)
			}
			log.Trace("Connection closed for client %d", clientID)
			return
		}
		// the connection, not the payload, identifies the sender
		message.ClientID = clientID
		messageHandler(ctx, clientID, message)
	}
}

// keepAlive pings the peer so dead connections hit the read deadline.
// WriteControl may be called concurrently with the other write methods.
func keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(WriteTimeout)); err != nil {
				log.Debug("Failed to ping %s: %v", conn.RemoteAddr().String(), err)
				return
			}
		}
	}
}

// ReadMessageFromWS reads a Message from a WebSocket connection
func ReadMessageFromWS(conn *websocket.Conn) (*messages.Message, error) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType != websocket.BinaryMessage {
			log.Warn("Ignoring non-binary WebSocket message from %s", conn.RemoteAddr().String())
			continue
		}

		msg, err := messages.DeserializeMessage(data)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize message: %v", err)
		}
		return msg, nil
	}
}
