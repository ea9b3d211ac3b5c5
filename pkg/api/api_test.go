package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	authproviders "github.com/cbodonnell/theyr/pkg/auth/providers"
	"github.com/cbodonnell/theyr/pkg/gateway"
	"github.com/cbodonnell/theyr/pkg/messages"
	"github.com/cbodonnell/theyr/pkg/metrics"
	"github.com/cbodonnell/theyr/pkg/network"
	"github.com/cbodonnell/theyr/pkg/queue"
	"github.com/cbodonnell/theyr/pkg/state"
	"github.com/cbodonnell/theyr/pkg/tree"
	"github.com/cbodonnell/theyr/pkg/workers"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDefault = `{"counter":0,"theyrPrivateVars":{}}`

type testServer struct {
	server *httptest.Server
	store  *state.InMemoryStateManager
}

func newTestServer(t *testing.T, initial string, configure ...func(*NewAPIServerOptions)) *testServer {
	ctx, cancel := context.WithCancel(context.Background())

	store := state.NewInMemoryStateManager(state.NewInMemoryStateManagerOptions{Initial: tree.MustParse(initial)})
	broadcasts := make(chan gateway.Broadcast, 256)
	q := queue.NewInMemoryQueue(256)
	nm := network.NewNetworkManager(network.NewNetworkManagerOptions{
		ClientManager: network.NewClientManager(),
		MessageQueue:  q,
	})
	gw := gateway.NewGateway(gateway.NewGatewayOptions{
		Store:           store,
		Broadcaster:     gateway.ChanBroadcaster(broadcasts),
		DefaultState:    tree.MustParse(testDefault),
		ConnectionIDKey: "userId",
		ChatLogField:    "chatlog",
	})
	connections := workers.NewConnectionEventWorker(workers.NewConnectionEventWorkerOptions{
		ConnectionEventChan: nm.ClientManager.GetConnectionEventChan(),
	})
	go workers.NewClientMessageWorker(workers.NewClientMessageWorkerOptions{
		NetworkManager: nm,
		Gateway:        gw,
		MessageQueue:   q,
	}).Start(ctx)
	go workers.NewBroadcastMessageWorker(workers.NewBroadcastMessageWorkerOptions{
		NetworkManager:       nm,
		BroadcastMessageChan: broadcasts,
	}).Start(ctx)
	go connections.Start(ctx)

	reg := prometheus.NewRegistry()
	require.NoError(t, metrics.Register(reg))

	opts := NewAPIServerOptions{
		AuthProvider: authproviders.NewStaticAuthProvider(map[string]string{"t-alice": "alice"}),
		Gateway:      gw,
		StateManager: store,
		WebSocket:    nm.Handler(ctx),
		Gatherer:     reg,
		OnlineUsers:  connections.OnlineUsers,
	}
	for _, c := range configure {
		c(&opts)
	}
	server := httptest.NewServer(NewRouter(opts))
	t.Cleanup(func() {
		nm.ClientManager.CloseAll()
		server.Close()
		cancel()
	})
	return &testServer{server: server, store: store}
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
	id   uint32
}

func (s *testServer) dial(t *testing.T, userID string) (*wsClient, messages.InitialState) {
	return s.dialWithToken(t, userID, "")
}

func (s *testServer) dialWithToken(t *testing.T, userID, token string) (*wsClient, messages.InitialState) {
	u := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws"
	var header http.Header
	if token != "" {
		header = http.Header{"Authorization": {"Bearer " + token}}
	}
	conn, _, err := websocket.DefaultDialer.Dial(u, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &wsClient{t: t, conn: conn}
	c.send(messages.MessageTypeIdentify, messages.Identify{ClientID: userID + "-conn", UserID: userID})

	msg := c.read()
	require.Equal(t, messages.MessageTypeInitialState, msg.Type)
	var initial messages.InitialState
	require.NoError(t, msg.Decode(&initial))
	c.id = initial.ClientID
	return c, initial
}

func (c *wsClient) send(t messages.MessageType, payload interface{}) {
	msg, err := messages.NewMessage(0, t, payload)
	require.NoError(c.t, err)
	b, err := messages.SerializeMessage(msg)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.BinaryMessage, b))
}

func (c *wsClient) read() *messages.Message {
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	msg, err := messages.DeserializeMessage(data)
	require.NoError(c.t, err)
	return msg
}

// expectSilence asserts that nothing arrives within a short window.
func (c *wsClient) expectSilence() {
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := c.conn.ReadMessage()
	assert.Error(c.t, err, "expected no message")
}

func decodeDifference(t *testing.T, msg *messages.Message) messages.Difference {
	require.Equal(t, messages.MessageTypeDifference, msg.Type)
	var d messages.Difference
	require.NoError(t, msg.Decode(&d))
	return d
}

func TestDifferenceReachesOthersOnly(t *testing.T) {
	s := newTestServer(t, testDefault)
	alice, _ := s.dial(t, "alice")
	bob, _ := s.dial(t, "bob")

	alice.send(messages.MessageTypeDifference, messages.Difference{Diff: tree.MustParse(`{"room":"cellar"}`), ClientSeq: 1})

	diff := decodeDifference(t, bob.read())
	assert.True(t, tree.Equal(tree.MustParse(`{"room":"cellar"}`), diff.Diff))
	alice.expectSilence()
}

func TestConcurrentAtomicIncrementsReachEveryone(t *testing.T) {
	s := newTestServer(t, testDefault)
	alice, _ := s.dial(t, "alice")
	bob, _ := s.dial(t, "bob")

	alice.send(messages.MessageTypeAtomicUpdate, messages.AtomicUpdate{Path: "counter", Operator: "+", Operand: tree.Number(1), ClientSeq: 1})
	bob.send(messages.MessageTypeAtomicUpdate, messages.AtomicUpdate{Path: "counter", Operator: "+", Operand: tree.Number(10), ClientSeq: 1})

	for _, c := range []*wsClient{alice, bob} {
		first := decodeDifference(t, c.read())
		second := decodeDifference(t, c.read())
		assert.Less(t, first.Seq, second.Seq, "broadcasts arrive in commit order")
		v, ok := tree.Get(second.Diff, tree.MustParsePath("counter"))
		require.True(t, ok)
		assert.Equal(t, tree.Number(11), v)
	}
}

func TestPrivateNamespaceFiltering(t *testing.T) {
	s := newTestServer(t, `{"theyrPrivateVars":{"alice":{"gold":5},"bob":{"gold":1}}}`)
	_, initial := s.dial(t, "alice")
	assert.True(t, tree.Equal(tree.MustParse(`{"theyrPrivateVars":{"alice":{"gold":5}}}`), initial.State), initial.State.String())

	resp, err := http.Get(s.server.URL + "/state/full?user=bob")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "0", resp.Header.Get("X-Theyr-Seq"))
	var root tree.Value
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&root))
	assert.True(t, tree.Equal(tree.MustParse(`{"theyrPrivateVars":{"bob":{"gold":1}}}`), root), root.String())
}

func TestFullStateWithBearerToken(t *testing.T) {
	s := newTestServer(t, `{"theyrPrivateVars":{"alice":{"gold":5},"bob":{"gold":1}}}`)

	req, err := http.NewRequest(http.MethodGet, s.server.URL+"/state/full?user=bob", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer t-alice")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var root tree.Value
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&root))
	assert.True(t, tree.Equal(tree.MustParse(`{"theyrPrivateVars":{"alice":{"gold":5}}}`), root), root.String())

	req.Header.Set("Authorization", "Bearer nope")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestActionBroadcastsToClients(t *testing.T) {
	s := newTestServer(t, testDefault)
	alice, _ := s.dial(t, "alice")

	resp, err := http.PostForm(s.server.URL+"/action", url.Values{"variable": {"$users[alice].hp"}, "value": {"7"}, "clientSeq": {"4"}})
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ack gateway.Ack
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	assert.Equal(t, gateway.StatusOK, ack.Status)
	assert.Equal(t, uint64(4), ack.Seq)
	assert.Equal(t, uint64(1), ack.ServerSeq)
	assert.True(t, ack.Broadcast)

	diff := decodeDifference(t, alice.read())
	assert.True(t, tree.Equal(tree.MustParse(`{"users":{"alice":{"hp":7}}}`), diff.Diff), diff.Diff.String())
}

func TestActionRequests(t *testing.T) {
	s := newTestServer(t, testDefault)

	tests := []struct {
		name        string
		contentType string
		body        string
		wantStatus  int
		wantPath    string
		wantValue   tree.Value
	}{
		{name: "json number", contentType: "application/json", body: `{"variable":"score","value":42}`, wantStatus: http.StatusOK, wantPath: "score", wantValue: tree.Number(42)},
		{name: "json string stays string", contentType: "application/json", body: `{"variable":"name","value":"42"}`, wantStatus: http.StatusOK, wantPath: "name", wantValue: tree.String("42")},
		{name: "form plain string", contentType: "application/x-www-form-urlencoded", body: "variable=mood&value=happy", wantStatus: http.StatusOK, wantPath: "mood", wantValue: tree.String("happy")},
		{name: "missing value", contentType: "application/json", body: `{"variable":"x"}`, wantStatus: http.StatusBadRequest},
		{name: "missing variable", contentType: "application/x-www-form-urlencoded", body: "value=1", wantStatus: http.StatusBadRequest},
		{name: "pollution", contentType: "application/x-www-form-urlencoded", body: "variable=__proto__.x&value=1", wantStatus: http.StatusBadRequest},
		{name: "bad json", contentType: "application/json", body: `{`, wantStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(s.server.URL+"/action", tt.contentType, strings.NewReader(tt.body))
			require.NoError(t, err)
			resp.Body.Close()
			require.Equal(t, tt.wantStatus, resp.StatusCode)
			if tt.wantPath == "" {
				return
			}
			root, err := s.store.GetState(context.Background())
			require.NoError(t, err)
			got, ok := tree.Get(root, tree.MustParsePath(tt.wantPath))
			require.True(t, ok)
			assert.True(t, tree.Equal(tt.wantValue, got), got.String())
		})
	}
}

func TestResetReachesEveryone(t *testing.T) {
	s := newTestServer(t, `{"counter":5,"theyrPrivateVars":{}}`)
	alice, _ := s.dial(t, "alice")
	bob, _ := s.dial(t, "bob")

	alice.send(messages.MessageTypeFullReset, messages.FullReset{})

	for _, c := range []*wsClient{alice, bob} {
		msg := c.read()
		require.Equal(t, messages.MessageTypeReset, msg.Type)
		var reset messages.Reset
		require.NoError(t, msg.Decode(&reset))
		assert.True(t, tree.Equal(tree.MustParse(testDefault), reset.State), reset.State.String())
	}
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, testDefault)

	req, err := http.NewRequest(http.MethodOptions, s.server.URL+"/action", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestHistoryAndMetrics(t *testing.T) {
	s := newTestServer(t, testDefault)

	resp, err := http.PostForm(s.server.URL+"/action", url.Values{"variable": {"a"}, "value": {"1"}})
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(s.server.URL + "/history")
	require.NoError(t, err)
	var history []state.UpdateRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&history))
	resp.Body.Close()
	require.Len(t, history, 1)
	assert.Equal(t, uint64(1), history[0].Seq)

	resp, err = http.Get(s.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOnlineUsers(t *testing.T) {
	s := newTestServer(t, testDefault)
	s.dial(t, "alice")

	assert.Eventually(t, func() bool {
		resp, err := http.Get(s.server.URL + "/clients")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var users []string
		if err := json.NewDecoder(resp.Body).Decode(&users); err != nil {
			return false
		}
		return len(users) == 1 && users[0] == "alice"
	}, time.Second, 20*time.Millisecond)
}

func TestWebSocketTokenPinsUser(t *testing.T) {
	s := newTestServer(t, `{"theyrPrivateVars":{"alice":{"gold":5},"mallory":{"gold":9}}}`)

	_, initial := s.dialWithToken(t, "mallory", "t-alice")
	assert.True(t, tree.Equal(tree.MustParse(`{"theyrPrivateVars":{"alice":{"gold":5}}}`), initial.State), initial.State.String())

	_, anonymous := s.dial(t, "mallory")
	assert.True(t, tree.Equal(tree.MustParse(`{"theyrPrivateVars":{"mallory":{"gold":9}}}`), anonymous.State), anonymous.State.String())

	u := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(u, http.Header{"Authorization": {"Bearer nope"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

type fakeSaver struct {
	err   error
	calls int
}

func (f *fakeSaver) Flush(ctx context.Context) error {
	f.calls++
	return f.err
}

func TestSave(t *testing.T) {
	tests := []struct {
		name        string
		saver       *fakeSaver
		path        string
		wantStatus  int
		wantBody    string
		wantFlushes int
	}{
		{name: "saved", saver: &fakeSaver{}, path: "/save", wantStatus: http.StatusOK, wantBody: `{"status":"success"}`, wantFlushes: 1},
		{name: "legacy route", saver: &fakeSaver{}, path: "/updateGit", wantStatus: http.StatusOK, wantBody: `{"status":"success"}`, wantFlushes: 1},
		{name: "storage failure", saver: &fakeSaver{err: errors.New("remote rejected")}, path: "/save", wantStatus: http.StatusInternalServerError, wantBody: `{"status":"error","message":"Failed to save state"}`, wantFlushes: 1},
		{name: "not configured", path: "/save", wantStatus: http.StatusServiceUnavailable, wantBody: `{"status":"error","message":"Cold storage is not configured"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, testDefault, func(opts *NewAPIServerOptions) {
				if tt.saver != nil {
					opts.Saver = tt.saver
				}
			})

			resp, err := http.Post(s.server.URL+tt.path, "application/json", nil)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			got, err := json.Marshal(body)
			require.NoError(t, err)
			assert.JSONEq(t, tt.wantBody, string(got))
			if tt.saver != nil {
				assert.Equal(t, tt.wantFlushes, tt.saver.calls)
			}
		})
	}
}
