// Package bridge connects a client session to the narrative runtime and to
// an embedded Unity view.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cbodonnell/theyr/pkg/client"
	"github.com/cbodonnell/theyr/pkg/tree"
)

type MessageType string

const (
	// Sent to Unity.
	MessageTypeStateUpdate MessageType = "STATE_UPDATE"
	MessageTypeSceneChange MessageType = "SCENE_CHANGE"
	// Sent by Unity.
	MessageTypeUnityStateUpdate  MessageType = "UNITY_STATE_UPDATE"
	MessageTypeUnityAtomicUpdate MessageType = "UNITY_ATOMIC_UPDATE"
)

// Message is the envelope exchanged with the Unity view.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func NewMessage(t MessageType, payload interface{}) (Message, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal %s payload: %v", t, err)
	}
	return Message{Type: t, Payload: b}, nil
}

// VariableUpdate is the payload of UNITY_STATE_UPDATE.
type VariableUpdate struct {
	Variable string     `json:"variable"`
	Value    tree.Value `json:"value"`
}

// AtomicUpdate is the payload of UNITY_ATOMIC_UPDATE.
type AtomicUpdate struct {
	Variable  string     `json:"variable"`
	Operation string     `json:"operation"`
	Value     tree.Value `json:"value"`
}

// Runtime is the narrative runtime that renders the story from the local
// tree.
type Runtime interface {
	// VariablesChanged is called after a diff was merged into the local tree.
	VariablesChanged(diff tree.Value)
	// Reload is called when the local tree was replaced and the current
	// view has to be rebuilt.
	Reload(root tree.Value)
}

// UnityBridge delivers messages to the Unity view.
type UnityBridge interface {
	Post(ctx context.Context, msg Message) error
}

// Syncer is the part of a client session the bridge drives.
type Syncer interface {
	Set(ctx context.Context, path string, v tree.Value) error
	AtomicUpdate(ctx context.Context, path, operator string, operand tree.Value) error
	OnChange(fn func(client.Change))
	Mirror() *client.Mirror
}

var _ Syncer = &client.Session{}
