package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// StreamBridge exchanges messages with a Unity host process as JSON lines.
type StreamBridge struct {
	lock sync.Mutex
	enc  *json.Encoder
}

func NewStreamBridge(w io.Writer) *StreamBridge {
	return &StreamBridge{enc: json.NewEncoder(w)}
}

func (b *StreamBridge) Post(ctx context.Context, msg Message) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.enc.Encode(msg)
}

// ReadMessages decodes JSON-line messages from r and hands each to handle
// until r is exhausted or ctx is done. Malformed lines are reported to
// onError and skipped.
func ReadMessages(ctx context.Context, r io.Reader, handle func(Message) error, onError func(error)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg := Message{}
		if err := json.Unmarshal(line, &msg); err != nil {
			onError(fmt.Errorf("invalid message: %v", err))
			continue
		}
		if err := handle(msg); err != nil {
			onError(err)
		}
	}
	return scanner.Err()
}

func decode(msg Message, v interface{}) error {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %v", msg.Type, err)
	}
	return nil
}
