package messages

import (
	"encoding/json"
	"fmt"

	"github.com/cbodonnell/theyr/pkg/tree"
)

const (
	// MessageBufferSize represents the maximum size of a message
	MessageBufferSize = 1 << 20
)

type MessageType byte

// Message types
const (
	MessageTypeIdentify MessageType = iota + 1
	MessageTypeInitialState
	MessageTypeDifference
	MessageTypeAtomicUpdate
	MessageTypeFullReset
	MessageTypeReset
	MessageTypeError
	// Sent by clients relaying updates that originated in the Unity view.
	// The server handles them like their plain counterparts.
	MessageTypeUnityStateUpdate
	MessageTypeUnityAtomicUpdate
)

var messageTypeNames = map[MessageType]string{
	MessageTypeIdentify:          "identify",
	MessageTypeInitialState:      "initialState",
	MessageTypeDifference:        "difference",
	MessageTypeAtomicUpdate:      "atomicUpdate",
	MessageTypeFullReset:         "fullReset",
	MessageTypeReset:             "reset",
	MessageTypeError:             "error",
	MessageTypeUnityStateUpdate:  "unityStateUpdate",
	MessageTypeUnityAtomicUpdate: "unityAtomicUpdate",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(%d)", byte(t))
}

// Canonical maps bridge-origin types onto the type the server handles them as.
func (t MessageType) Canonical() MessageType {
	switch t {
	case MessageTypeUnityStateUpdate:
		return MessageTypeDifference
	case MessageTypeUnityAtomicUpdate:
		return MessageTypeAtomicUpdate
	default:
		return t
	}
}

// Message represents a generic message for serialization/deserialization
type Message struct {
	ClientID uint32          `json:"clientID"`
	Type     MessageType     `json:"type"`
	Payload  json.RawMessage `json:"payload"`
}

// NewMessage builds a message with a JSON-encoded payload.
func NewMessage(clientID uint32, t MessageType, payload interface{}) (*Message, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %v", t, err)
	}
	return &Message{
		ClientID: clientID,
		Type:     t,
		Payload:  b,
	}, nil
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v interface{}) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %v", m.Type, err)
	}
	return nil
}

// Identify is the first message a client sends after connecting.
type Identify struct {
	ClientID string `json:"clientId"`
	UserID   string `json:"userId"`
}

// InitialState answers an identify with the tree filtered for the user.
type InitialState struct {
	State    tree.Value `json:"state"`
	Seq      uint64     `json:"seq"`
	ClientID uint32     `json:"clientId"`
}

// Difference carries a partial tree. Seq is the store sequence number after
// the merge; ClientSeq echoes the sender's sequence for authoritative results.
type Difference struct {
	Diff      tree.Value `json:"diff"`
	Seq       uint64     `json:"seq,omitempty"`
	ClientSeq uint64     `json:"clientSeq,omitempty"`
}

type AtomicUpdate struct {
	Path      string     `json:"path"`
	Operator  string     `json:"operator"`
	Operand   tree.Value `json:"operand"`
	ClientSeq uint64     `json:"clientSeq,omitempty"`
}

// Reset tells clients to replace their mirror with State.
type Reset struct {
	State tree.Value `json:"state"`
}

type FullReset struct{}

type Error struct {
	Reason string `json:"reason"`
}
