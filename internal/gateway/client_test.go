package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type serverConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *serverConn) write(f any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(f)
}

type inboundFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// fakeGateway speaks the gateway frame protocol over httptest
type fakeGateway struct {
	t        *testing.T
	srv      *httptest.Server
	token    string
	sessions []json.RawMessage

	mu       sync.Mutex
	conns    []*serverConn
	accepted int
	headers  []http.Header
	// closes this many connections right after answering connect
	dropAfterHandshake int
}

func newFakeGateway(t *testing.T, token string) *fakeGateway {
	g := &fakeGateway{t: t, token: token}
	upgrader := websocket.Upgrader{}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sc := &serverConn{conn: conn}
		g.mu.Lock()
		g.conns = append(g.conns, sc)
		g.accepted++
		g.headers = append(g.headers, r.Header.Clone())
		g.mu.Unlock()
		g.serve(sc)
	}))
	t.Cleanup(func() {
		g.dropAll()
		g.srv.Close()
	})
	return g
}

func (g *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http")
}

func (g *fakeGateway) serve(sc *serverConn) {
	for {
		var f inboundFrame
		if err := sc.conn.ReadJSON(&f); err != nil {
			return
		}
		switch f.Method {
		case MethodConnect:
			var p ConnectParams
			_ = json.Unmarshal(f.Params, &p)
			if p.Auth.Token != g.token {
				_ = sc.write(map[string]any{"type": "res", "id": f.ID, "ok": false,
					"error": map[string]string{"code": "UNAUTHORIZED", "message": "bad token"}})
				continue
			}
			_ = sc.write(map[string]any{"type": "res", "id": f.ID, "ok": true, "payload": map[string]any{}})
			g.mu.Lock()
			drop := g.dropAfterHandshake > 0
			if drop {
				g.dropAfterHandshake--
			}
			g.mu.Unlock()
			if drop {
				_ = sc.conn.Close()
				return
			}
		case MethodSessionsList:
			_ = sc.write(map[string]any{"type": "res", "id": f.ID, "ok": true,
				"payload": map[string]any{"sessions": g.sessions}})
		case "test.hang":
			// never answered
		default:
			_ = sc.write(map[string]any{"type": "res", "id": f.ID, "ok": false,
				"error": map[string]string{"code": "METHOD_NOT_FOUND", "message": f.Method}})
		}
	}
}

func (g *fakeGateway) push(event string, payload any) {
	g.mu.Lock()
	conns := append([]*serverConn(nil), g.conns...)
	g.mu.Unlock()
	for _, c := range conns {
		_ = c.write(map[string]any{"type": "event", "event": event, "payload": payload, "seq": 1})
	}
}

func (g *fakeGateway) dropAll() {
	g.mu.Lock()
	conns := g.conns
	g.conns = nil
	g.mu.Unlock()
	for _, c := range conns {
		_ = c.conn.Close()
	}
}

func (g *fakeGateway) acceptedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.accepted
}

type stateRecorder struct {
	mu     sync.Mutex
	states []ConnectionState
}

func (r *stateRecorder) record(s ConnectionState) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *stateRecorder) seen() []ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConnectionState(nil), r.states...)
}

func newTestClient(t *testing.T, g *fakeGateway, token string) *WSClient {
	t.Helper()
	c, err := NewWSClient(Options{
		URL:    g.url(),
		Token:  token,
		Logger: discardLogger(),
		Reconnect: ReconnectPolicy{
			MaxAttempts:     3,
			InitialInterval: 10 * time.Millisecond,
			MaxInterval:     20 * time.Millisecond,
		},
	})
	require.NoError(t, err)
	t.Cleanup(c.Disconnect)
	return c
}

func TestWSClient_ConnectAndListSessions(t *testing.T) {
	g := newFakeGateway(t, "secret")
	g.sessions = []json.RawMessage{
		json.RawMessage(`{"key":"main"}`),
		json.RawMessage(`{"key":"agent:main:channel:ops","label":"Ops"}`),
	}
	c := newTestClient(t, g, "secret")

	rec := &stateRecorder{}
	c.OnConnectionStateChange(rec.record)

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.IsConnected())
	assert.Equal(t, []ConnectionState{StateConnecting, StateConnected}, rec.seen())

	require.NoError(t, c.Connect(context.Background()), "connect while connected is a no-op")
	assert.Equal(t, 1, g.acceptedCount())

	res, err := c.SessionsList(context.Background(), SessionsListOptions{Limit: 200, IncludeGlobal: true})
	require.NoError(t, err)
	assert.Len(t, res.Sessions, 2)

	g.mu.Lock()
	auth := g.headers[0].Get("Authorization")
	g.mu.Unlock()
	assert.Equal(t, "Bearer secret", auth)
}

func TestWSClient_HandshakeRejected(t *testing.T) {
	g := newFakeGateway(t, "secret")
	c := newTestClient(t, g, "wrong")

	err := c.Connect(context.Background())
	require.Error(t, err)

	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, "UNAUTHORIZED", rpcErr.Code)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestWSClient_RequestErrors(t *testing.T) {
	g := newFakeGateway(t, "")
	c := newTestClient(t, g, "")

	assert.ErrorIs(t, c.Request(context.Background(), "anything", nil, nil), ErrNotConnected)

	require.NoError(t, c.Connect(context.Background()))
	err := c.Request(context.Background(), "unknown.method", nil, nil)
	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, "METHOD_NOT_FOUND", rpcErr.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Request(ctx, "test.hang", nil, nil), context.DeadlineExceeded)
}

func TestWSClient_Events(t *testing.T) {
	g := newFakeGateway(t, "")
	c := newTestClient(t, g, "")

	got := make(chan ChatEventPayload, 1)
	unsubscribe := c.Subscribe(EventChat, func(payload json.RawMessage) {
		var ev ChatEventPayload
		if json.Unmarshal(payload, &ev) == nil {
			got <- ev
		}
	})
	defer unsubscribe()

	require.NoError(t, c.Connect(context.Background()))
	g.push(EventChat, ChatEventPayload{SessionKey: "main", RunID: "r1", State: ChatStateDelta})

	select {
	case ev := <-got:
		assert.Equal(t, "main", ev.SessionKey)
		assert.Equal(t, ChatStateDelta, ev.State)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestWSClient_DisconnectFailsPending(t *testing.T) {
	g := newFakeGateway(t, "")
	c := newTestClient(t, g, "")
	require.NoError(t, c.Connect(context.Background()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Request(context.Background(), "test.hang", nil, nil)
	}()

	time.Sleep(20 * time.Millisecond)
	c.Disconnect()
	c.Disconnect()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrNotConnected)
	case <-time.After(time.Second):
		t.Fatal("pending request not failed")
	}
	assert.Equal(t, StateDisconnected, c.State())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, g.acceptedCount(), "no reconnect after an explicit disconnect")
}

func TestWSClient_ReconnectsAfterDrop(t *testing.T) {
	g := newFakeGateway(t, "")
	c := newTestClient(t, g, "")

	rec := &stateRecorder{}
	c.OnConnectionStateChange(rec.record)
	require.NoError(t, c.Connect(context.Background()))

	g.dropAll()

	require.Eventually(t, func() bool {
		return g.acceptedCount() == 2 && c.IsConnected()
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []ConnectionState{
		StateConnecting, StateConnected, StateReconnecting, StateConnected,
	}, rec.seen())
}

func TestWSClient_GivesUpReconnecting(t *testing.T) {
	g := newFakeGateway(t, "")
	c := newTestClient(t, g, "")
	require.NoError(t, c.Connect(context.Background()))

	g.srv.Close()
	g.dropAll()

	require.Eventually(t, func() bool {
		return c.State() == StateDisconnected
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWSClient_DropRightAfterHandshake(t *testing.T) {
	g := newFakeGateway(t, "")
	g.mu.Lock()
	g.dropAfterHandshake = 1
	g.mu.Unlock()
	c := newTestClient(t, g, "")
	ctx := context.Background()

	if err := c.Connect(ctx); err != nil {
		assert.ErrorIs(t, err, errLinkLost)
		assert.Equal(t, StateDisconnected, c.State())
		require.NoError(t, c.Connect(ctx))
	}

	// connected must always mean a usable link
	require.Eventually(t, func() bool {
		if !c.IsConnected() {
			return false
		}
		_, err := c.SessionsList(ctx, SessionsListOptions{})
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, g.acceptedCount())
}

func TestWSClient_PromoteRequiresCurrentLink(t *testing.T) {
	c, err := NewWSClient(Options{URL: "ws://127.0.0.1:1", Logger: discardLogger()})
	require.NoError(t, err)
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.mu.Lock()
	c.state = StateConnecting
	c.mu.Unlock()

	lost := &link{}
	assert.ErrorIs(t, c.promote(runCtx, lost), errLinkLost)
	assert.Equal(t, StateConnecting, c.State())

	c.mu.Lock()
	c.link = lost
	c.mu.Unlock()
	require.NoError(t, c.promote(runCtx, lost))
	assert.True(t, c.IsConnected())

	cancel()
	assert.ErrorIs(t, c.promote(runCtx, lost), ErrNotConnected)
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "ws://host:18789", want: "ws://host:18789"},
		{in: "wss://host/gw", want: "wss://host/gw"},
		{in: "http://host:18789", want: "ws://host:18789"},
		{in: " https://host ", want: "wss://host"},
		{in: "", wantErr: true},
		{in: "ftp://host", wantErr: true},
		{in: "ws://", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeURL(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
