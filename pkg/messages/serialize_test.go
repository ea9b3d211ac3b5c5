package messages

import (
	"testing"

	"github.com/cbodonnell/theyr/pkg/tree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeDeserializeMessage(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		payload interface{}
	}{
		{
			name:    "identify",
			msgType: MessageTypeIdentify,
			payload: Identify{ClientID: "c-1", UserID: "alice"},
		},
		{
			name:    "difference",
			msgType: MessageTypeDifference,
			payload: Difference{Diff: tree.MustParse(`{"a":{"b":[1,2]}}`), Seq: 3, ClientSeq: 9},
		},
		{
			name:    "empty reset",
			msgType: MessageTypeFullReset,
			payload: FullReset{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := NewMessage(42, tt.msgType, tt.payload)
			require.NoError(t, err)

			b, err := SerializeMessage(msg)
			require.NoError(t, err)

			got, err := DeserializeMessage(b)
			require.NoError(t, err)
			assert.Equal(t, uint32(42), got.ClientID)
			assert.Equal(t, tt.msgType, got.Type)
			assert.JSONEq(t, string(msg.Payload), string(got.Payload))
		})
	}
}

func TestDecodeDifference(t *testing.T) {
	msg, err := NewMessage(0, MessageTypeDifference, Difference{Diff: tree.MustParse(`{"hp":5}`), Seq: 1})
	require.NoError(t, err)

	var diff Difference
	require.NoError(t, msg.Decode(&diff))
	assert.True(t, tree.Equal(tree.MustParse(`{"hp":5}`), diff.Diff))
	assert.Equal(t, uint64(1), diff.Seq)
	assert.Zero(t, diff.ClientSeq)
}

func TestDeserializeGarbage(t *testing.T) {
	_, err := DeserializeMessage([]byte("not zstd"))
	assert.Error(t, err)

	_, err = DeserializeMessageFlatbuffer([]byte{1})
	assert.Error(t, err)
}

func TestMessageTypeCanonical(t *testing.T) {
	assert.Equal(t, MessageTypeDifference, MessageTypeUnityStateUpdate.Canonical())
	assert.Equal(t, MessageTypeAtomicUpdate, MessageTypeUnityAtomicUpdate.Canonical())
	assert.Equal(t, MessageTypeReset, MessageTypeReset.Canonical())
	assert.Equal(t, "initialState", MessageTypeInitialState.String())
}
