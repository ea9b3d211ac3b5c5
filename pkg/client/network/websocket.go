package network

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/cbodonnell/theyr/pkg/client"
	"github.com/cbodonnell/theyr/pkg/log"
	"github.com/cbodonnell/theyr/pkg/messages"
	"nhooyr.io/websocket"
)

var _ client.Transport = &WSClient{}

// WSClient is a client.Transport over a WebSocket connection.
type WSClient struct {
	conn *websocket.Conn
}

// Dial connects to the WebSocket endpoint of the server at serverURL, which
// may be given as an http(s) base URL or a full ws(s) URL. A non-empty token
// is sent as a bearer token and binds the connection to its user.
func Dial(ctx context.Context, serverURL, token string) (*WSClient, error) {
	target, err := WebSocketURL(serverURL)
	if err != nil {
		return nil, err
	}
	var opts *websocket.DialOptions
	if token != "" {
		opts = &websocket.DialOptions{HTTPHeader: http.Header{"Authorization": {"Bearer " + token}}}
	}
	log.Info("Connecting to WebSocket server at %s", target)
	conn, _, err := websocket.Dial(ctx, target, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %v", err)
	}
	conn.SetReadLimit(messages.MessageBufferSize)
	return &WSClient{conn: conn}, nil
}

// NewDialer returns a client.Dialer for serverURL.
func NewDialer(serverURL, token string) client.Dialer {
	return func(ctx context.Context) (client.Transport, error) {
		c, err := Dial(ctx, serverURL, token)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// WebSocketURL maps http(s)://host/base to ws(s)://host/base/ws.
func WebSocketURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %v", err)
	}
	switch u.Scheme {
	case "ws", "wss":
		return u.String(), nil
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

// Send writes msg as a binary frame. nhooyr connections allow concurrent
// writers.
func (c *WSClient) Send(ctx context.Context, msg *messages.Message) error {
	b, err := messages.SerializeMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to serialize message: %v", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageBinary, b); err != nil {
		return fmt.Errorf("failed to write message to WebSocket connection: %v", err)
	}
	return nil
}

// Receive blocks until the next server message arrives.
func (c *WSClient) Receive(ctx context.Context) (*messages.Message, error) {
	for {
		messageType, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil, &ErrConnectionClosedByServer{}
			}
			return nil, err
		}
		if messageType != websocket.MessageBinary {
			log.Warn("Ignoring non-binary WebSocket message")
			continue
		}
		msg, err := messages.DeserializeMessage(data)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize message: %v", err)
		}
		log.Trace("Received %s message", msg.Type)
		return msg, nil
	}
}

func (c *WSClient) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
