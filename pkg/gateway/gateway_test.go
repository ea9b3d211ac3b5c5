package gateway

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/cbodonnell/theyr/pkg/state"
	"github.com/cbodonnell/theyr/pkg/tree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBroadcaster struct {
	lock       sync.Mutex
	broadcasts []Broadcast
}

func (r *recordingBroadcaster) Broadcast(ctx context.Context, b Broadcast) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.broadcasts = append(r.broadcasts, b)
	return nil
}

func (r *recordingBroadcaster) all() []Broadcast {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]Broadcast(nil), r.broadcasts...)
}

type fakeClock struct {
	lock sync.Mutex
	t    time.Time
}

func (c *fakeClock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	gateway *Gateway
	store   *state.InMemoryStateManager
	sink    *recordingBroadcaster
	clock   *fakeClock
}

func newFixture(t *testing.T, initial string) *fixture {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := state.NewInMemoryStateManager(state.NewInMemoryStateManagerOptions{
		Initial: tree.MustParse(initial),
		Now:     clock.Now,
	})
	sink := &recordingBroadcaster{}
	g := NewGateway(NewGatewayOptions{
		Store:           store,
		Broadcaster:     sink,
		Dedup:           NewDedupFilter(NewDedupFilterOptions{Window: 500 * time.Millisecond, Now: clock.Now}),
		DefaultState:    tree.MustParse(`{"counter":0,"theyrPrivateVars":{}}`),
		ConnectionIDKey: "userId",
		ChatLogField:    "chatlog",
		Now:             clock.Now,
	})
	return &fixture{gateway: g, store: store, sink: sink, clock: clock}
}

func (f *fixture) get(t *testing.T, path string) tree.Value {
	t.Helper()
	root, err := f.store.GetState(context.Background())
	require.NoError(t, err)
	v, _ := tree.Get(root, tree.MustParsePath(path))
	return v
}

func raw(s string) *string {
	return &s
}

func TestSetValue(t *testing.T) {
	f := newFixture(t, `{"users":{"alice":{"hp":3}}}`)

	ack, err := f.gateway.SetValue(context.Background(), SetRequest{Variable: "$users[alice].hp", RawValue: raw("5"), ClientSeq: 4})
	require.NoError(t, err)
	assert.Equal(t, &Ack{Status: StatusOK, Seq: 4, ServerSeq: 1, Broadcast: true}, ack)
	assert.Equal(t, tree.Number(5), f.get(t, "users.alice.hp"))

	sent := f.sink.all()
	require.Len(t, sent, 1)
	assert.Equal(t, PolicyExcludeSender, sent[0].Policy)
	assert.True(t, tree.Equal(tree.MustParse(`{"users":{"alice":{"hp":5}}}`), sent[0].Diff))
}

func TestSetValueFallsBackToString(t *testing.T) {
	f := newFixture(t, `{}`)
	_, err := f.gateway.SetValue(context.Background(), SetRequest{Variable: "name", RawValue: raw("not {json")})
	require.NoError(t, err)
	assert.Equal(t, tree.String("not {json"), f.get(t, "name"))
}

func TestSetValueValidation(t *testing.T) {
	tests := []struct {
		name string
		req  SetRequest
	}{
		{name: "missing variable", req: SetRequest{RawValue: raw("1")}},
		{name: "missing value", req: SetRequest{Variable: "a"}},
		{name: "proto path", req: SetRequest{Variable: "$users[alice].__proto__.x", RawValue: raw("1")}},
		{name: "constructor path", req: SetRequest{Variable: "a.constructor", RawValue: raw("1")}},
		{name: "proto in value", req: SetRequest{Variable: "a", RawValue: raw(`{"__proto__":{"polluted":true}}`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, `{"users":{"alice":{}}}`)
			_, err := f.gateway.SetValue(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, IsValidation(err))
			assert.Equal(t, uint64(0), f.store.SequenceNumber())
			assert.Empty(t, f.sink.all())
		})
	}
}

func TestDedupWindow(t *testing.T) {
	f := newFixture(t, `{}`)
	ctx := context.Background()
	req := SetRequest{Variable: "flag", RawValue: raw("true")}

	ack, err := f.gateway.SetValue(ctx, req)
	require.NoError(t, err)
	assert.True(t, ack.Broadcast)

	f.clock.Advance(100 * time.Millisecond)
	ack, err = f.gateway.SetValue(ctx, req)
	require.NoError(t, err)
	assert.False(t, ack.Broadcast)

	f.clock.Advance(time.Second)
	ack, err = f.gateway.SetValue(ctx, req)
	require.NoError(t, err)
	assert.True(t, ack.Broadcast)

	assert.Len(t, f.sink.all(), 2)
	// unchanged writes do not bump the sequence
	assert.Equal(t, uint64(1), f.store.SequenceNumber())
}

func TestApplyDifference(t *testing.T) {
	f := newFixture(t, `{"a":{"b":1,"c":2},"userId":"server"}`)

	ack, err := f.gateway.ApplyDifference(context.Background(), 7, tree.MustParse(`{"a":{"b":9},"userId":"alice","n":1}`), 3)
	require.NoError(t, err)
	assert.True(t, ack.Broadcast)
	assert.Equal(t, uint64(1), ack.ServerSeq)

	assert.Equal(t, tree.Number(9), f.get(t, "a.b"))
	assert.Equal(t, tree.Number(2), f.get(t, "a.c"))
	assert.Equal(t, tree.String("server"), f.get(t, "userId"))

	sent := f.sink.all()
	require.Len(t, sent, 1)
	assert.Equal(t, PolicyExcludeSender, sent[0].Policy)
	assert.Equal(t, uint32(7), sent[0].Origin)
	_, hasID := sent[0].Diff.Field("userId")
	assert.False(t, hasID)
}

func TestApplyDifferenceRejectsPollution(t *testing.T) {
	f := newFixture(t, `{}`)
	_, err := f.gateway.ApplyDifference(context.Background(), 1, tree.MustParse(`{"a":{"constructor":{"x":1}}}`), 0)
	assert.True(t, IsValidation(err))

	_, err = f.gateway.ApplyDifference(context.Background(), 1, tree.MustParse(`[1]`), 0)
	assert.True(t, IsValidation(err))
	assert.Equal(t, uint64(0), f.store.SequenceNumber())
}

func TestApplyDifferenceSuppressesDuplicateKeys(t *testing.T) {
	f := newFixture(t, `{}`)
	ctx := context.Background()

	_, err := f.gateway.ApplyDifference(ctx, 1, tree.MustParse(`{"x":1}`), 0)
	require.NoError(t, err)
	f.clock.Advance(50 * time.Millisecond)
	ack, err := f.gateway.ApplyDifference(ctx, 1, tree.MustParse(`{"x":1,"y":2}`), 0)
	require.NoError(t, err)
	require.True(t, ack.Broadcast)

	sent := f.sink.all()
	require.Len(t, sent, 2)
	assert.True(t, tree.Equal(tree.MustParse(`{"y":2}`), sent[1].Diff), sent[1].Diff.String())
}

func TestChatLogTimestampsAreServerAuthoritative(t *testing.T) {
	f := newFixture(t, `{}`)
	ctx := context.Background()
	want := tree.Number(float64(f.clock.Now().UnixMilli()))

	_, err := f.gateway.SetValue(ctx, SetRequest{
		Variable: "chatlog.general",
		RawValue: raw(`[{"text":"hi","timestamp":1},{"text":"no stamp"},{"text":"nested","meta":{"timestamp":2}}]`),
	})
	require.NoError(t, err)
	assert.Equal(t, want, f.get(t, "chatlog.general[0].timestamp"))
	_, stamped := tree.Get(f.get(t, "chatlog.general[1]"), tree.MustParsePath("timestamp"))
	assert.False(t, stamped)
	assert.Equal(t, tree.Number(2), f.get(t, "chatlog.general[2].meta.timestamp"), "nested objects are not stamped")

	_, err = f.gateway.ApplyDifference(ctx, 2, tree.MustParse(`{"chatlog":{"trade":[{"text":"yo","timestamp":5}]}}`), 0)
	require.NoError(t, err)
	assert.Equal(t, want, f.get(t, "chatlog.trade[0].timestamp"))
}

func TestChatLogStampingIsLimitedToChannels(t *testing.T) {
	tests := []struct {
		name     string
		variable string
		raw      string
		path     string
	}{
		{name: "log root", variable: "chatlog", raw: `[{"timestamp":1}]`, path: "chatlog[0].timestamp"},
		{name: "deeper than a channel", variable: "chatlog.general.pinned", raw: `[{"timestamp":1}]`, path: "chatlog.general.pinned[0].timestamp"},
		{name: "object channel", variable: "chatlog.general", raw: `{"timestamp":1}`, path: "chatlog.general.timestamp"},
		{name: "other root", variable: "notes.general", raw: `[{"timestamp":1}]`, path: "notes.general[0].timestamp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, `{}`)
			_, err := f.gateway.SetValue(context.Background(), SetRequest{Variable: tt.variable, RawValue: raw(tt.raw)})
			require.NoError(t, err)
			assert.Equal(t, tree.Number(1), f.get(t, tt.path))
		})
	}
}

func TestAtomicUpdateIsAtomic(t *testing.T) {
	f := newFixture(t, `{"counter":5}`)
	ctx := context.Background()

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.gateway.AtomicUpdate(ctx, AtomicRequest{Path: "counter", Operator: "add", Operand: tree.Number(1), Origin: uint32(i + 1)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, tree.Number(5+n), f.get(t, "counter"))
	assert.Equal(t, uint64(n), f.store.SequenceNumber())

	sent := f.sink.all()
	require.Len(t, sent, n)
	for i, b := range sent {
		assert.Equal(t, PolicyAll, b.Policy)
		assert.Equal(t, uint64(i+1), b.Seq)
	}
}

func TestAtomicUpdateScenario(t *testing.T) {
	f := newFixture(t, `{"counter":0}`)
	ctx := context.Background()

	_, err := f.gateway.AtomicUpdate(ctx, AtomicRequest{Path: "counter", Operator: "add", Operand: tree.Number(1), Origin: 1, ClientSeq: 1})
	require.NoError(t, err)
	ack, err := f.gateway.AtomicUpdate(ctx, AtomicRequest{Path: "counter", Operator: "add", Operand: tree.Number(10), Origin: 2, ClientSeq: 1})
	require.NoError(t, err)

	assert.Equal(t, tree.Number(11), f.get(t, "counter"))
	assert.Equal(t, uint64(2), ack.ServerSeq)
	sent := f.sink.all()
	require.Len(t, sent, 2)
	assert.True(t, tree.Equal(tree.MustParse(`{"counter":11}`), sent[1].Diff))
}

func TestAtomicUpdateEdgeCases(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown operator is a no-op", func(t *testing.T) {
		f := newFixture(t, `{"counter":3}`)
		ack, err := f.gateway.AtomicUpdate(ctx, AtomicRequest{Path: "counter", Operator: "pow", Operand: tree.Number(2)})
		require.NoError(t, err)
		assert.Equal(t, StatusIgnored, ack.Status)
		assert.False(t, ack.Broadcast)
		assert.Equal(t, tree.Number(3), f.get(t, "counter"))
		assert.Empty(t, f.sink.all())
	})

	t.Run("divide by zero", func(t *testing.T) {
		f := newFixture(t, `{"counter":3}`)
		_, err := f.gateway.AtomicUpdate(ctx, AtomicRequest{Path: "counter", Operator: "/=", Operand: tree.Number(0)})
		require.NoError(t, err)
		n, ok := f.get(t, "counter").AsNumber()
		require.True(t, ok)
		assert.True(t, math.IsInf(n, 1))
	})

	t.Run("absent path counts as zero", func(t *testing.T) {
		f := newFixture(t, `{}`)
		_, err := f.gateway.AtomicUpdate(ctx, AtomicRequest{Path: "stats.gold", Operator: "SUBTRACT", Operand: tree.String("4")})
		require.NoError(t, err)
		assert.Equal(t, tree.Number(-4), f.get(t, "stats.gold"))
	})

	t.Run("array element keeps siblings", func(t *testing.T) {
		f := newFixture(t, `{"scores":[1,2,3]}`)
		_, err := f.gateway.AtomicUpdate(ctx, AtomicRequest{Path: "scores[1]", Operator: "multiply", Operand: tree.Number(10)})
		require.NoError(t, err)
		assert.True(t, tree.Equal(tree.MustParse(`[1,20,3]`), f.get(t, "scores")))
	})

	t.Run("pollution guard", func(t *testing.T) {
		f := newFixture(t, `{}`)
		_, err := f.gateway.AtomicUpdate(ctx, AtomicRequest{Path: "a.__proto__", Operator: "add", Operand: tree.Number(1)})
		assert.True(t, IsValidation(err))
		_, err = f.gateway.AtomicUpdate(ctx, AtomicRequest{Operator: "add"})
		assert.ErrorIs(t, err, ErrMissingField)
	})
}

func TestReset(t *testing.T) {
	f := newFixture(t, `{"counter":9,"theyrPrivateVars":{"alice":{"secret":1}}}`)
	ctx := context.Background()
	_, err := f.gateway.SetValue(ctx, SetRequest{Variable: "counter", RawValue: raw("0")})
	require.NoError(t, err)

	ack, err := f.gateway.Reset(ctx, 3)
	require.NoError(t, err)
	assert.True(t, ack.Broadcast)

	root, err := f.store.GetState(ctx)
	require.NoError(t, err)
	assert.True(t, tree.Equal(tree.MustParse(`{"counter":0,"theyrPrivateVars":{}}`), root))
	assert.Equal(t, uint64(0), f.store.SequenceNumber())

	sent := f.sink.all()
	require.Len(t, sent, 2)
	assert.Equal(t, PolicyReset, sent[1].Policy)
	assert.Equal(t, uint32(3), sent[1].Origin)

	// without the reset clearing the filter this unchanged write would be suppressed
	ack, err = f.gateway.SetValue(ctx, SetRequest{Variable: "counter", RawValue: raw("0")})
	require.NoError(t, err)
	assert.True(t, ack.Broadcast)
	assert.Len(t, f.sink.all(), 3)
}

func TestJoinQueuesInitialState(t *testing.T) {
	f := newFixture(t, `{"a":1}`)
	ctx := context.Background()
	_, err := f.gateway.ApplyDifference(ctx, 1, tree.MustParse(`{"b":2}`), 0)
	require.NoError(t, err)

	require.NoError(t, f.gateway.Join(ctx, 9))

	sent := f.sink.all()
	require.Len(t, sent, 2)
	assert.Equal(t, PolicyInitialState, sent[1].Policy)
	assert.Equal(t, uint32(9), sent[1].Origin)
	assert.Equal(t, uint64(1), sent[1].Seq)
	assert.True(t, tree.Equal(tree.MustParse(`{"a":1,"b":2}`), sent[1].Diff))
}
