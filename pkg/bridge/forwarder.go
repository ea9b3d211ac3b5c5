package bridge

import (
	"context"
	"fmt"

	"github.com/cbodonnell/theyr/pkg/client"
	"github.com/cbodonnell/theyr/pkg/log"
)

// Forwarder pushes local tree changes to the runtime and the Unity view,
// and feeds Unity-originated updates into the session's outbound path.
type Forwarder struct {
	syncer  Syncer
	runtime Runtime
	unity   UnityBridge
	ctx     context.Context
}

type NewForwarderOptions struct {
	Syncer Syncer
	// Runtime and Unity are optional.
	Runtime Runtime
	Unity   UnityBridge
}

// NewForwarder registers the forwarder with the session. Posts to Unity use
// ctx.
func NewForwarder(ctx context.Context, opts NewForwarderOptions) *Forwarder {
	f := &Forwarder{
		syncer:  opts.Syncer,
		runtime: opts.Runtime,
		unity:   opts.Unity,
		ctx:     ctx,
	}
	opts.Syncer.OnChange(f.onChange)
	return f
}

func (f *Forwarder) onChange(c client.Change) {
	if f.runtime != nil {
		switch c.Kind {
		case client.ChangeReloaded:
			f.runtime.Reload(c.Diff)
		default:
			f.runtime.VariablesChanged(c.Diff)
		}
	}
	if err := f.postState(f.ctx); err != nil {
		log.Warn("Failed to forward state to Unity: %v", err)
	}
}

// SceneChanged tells Unity the story moved to a new passage, followed by
// the full local tree.
func (f *Forwarder) SceneChanged(ctx context.Context, scene string) error {
	if f.unity == nil {
		return nil
	}
	msg, err := NewMessage(MessageTypeSceneChange, scene)
	if err != nil {
		return err
	}
	if err := f.unity.Post(ctx, msg); err != nil {
		return fmt.Errorf("failed to post scene change: %v", err)
	}
	return f.postState(ctx)
}

func (f *Forwarder) postState(ctx context.Context) error {
	if f.unity == nil {
		return nil
	}
	msg, err := NewMessage(MessageTypeStateUpdate, f.syncer.Mirror().Local())
	if err != nil {
		return err
	}
	return f.unity.Post(ctx, msg)
}

// HandleUnity applies a message sent by the Unity view. Updates go through
// the same path as a local mutation.
func (f *Forwarder) HandleUnity(ctx context.Context, msg Message) error {
	switch msg.Type {
	case MessageTypeUnityStateUpdate:
		update := VariableUpdate{}
		if err := decode(msg, &update); err != nil {
			return err
		}
		return f.syncer.Set(ctx, update.Variable, update.Value)
	case MessageTypeUnityAtomicUpdate:
		update := AtomicUpdate{}
		if err := decode(msg, &update); err != nil {
			return err
		}
		return f.syncer.AtomicUpdate(ctx, update.Variable, update.Operation, update.Value)
	default:
		return fmt.Errorf("unexpected message from Unity: %s", msg.Type)
	}
}
