package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ReconnectPolicy bounds automatic reconnection after an unexpected drop
type ReconnectPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// errLinkLost reports a connection that closed before the handshake finished
var errLinkLost = errors.New("gateway connection lost during handshake")

// DefaultReconnectPolicy is used when Options.Reconnect is zero
var DefaultReconnectPolicy = ReconnectPolicy{
	MaxAttempts:     5,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     10 * time.Second,
}

// Options configures a WSClient
type Options struct {
	URL        string
	Token      string
	Logger     *slog.Logger
	Dialer     *websocket.Dialer
	Reconnect  ReconnectPolicy
	ClientInfo ClientInfo
}

// link is one physical connection. done is closed once the connection is
// gone, which fails every request waiting on it.
type link struct {
	conn     *websocket.Conn
	done     chan struct{}
	closeOne sync.Once
}

func newLink(conn *websocket.Conn) *link {
	return &link{conn: conn, done: make(chan struct{})}
}

func (l *link) shutdown(graceful bool) {
	l.closeOne.Do(func() {
		if graceful {
			_ = l.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
		}
		_ = l.conn.Close()
		close(l.done)
	})
}

// WSClient implements Client over a gorilla/websocket connection
type WSClient struct {
	url    string
	token  string
	logger *slog.Logger
	dialer *websocket.Dialer
	policy ReconnectPolicy
	info   ClientInfo

	mu        sync.Mutex
	state     ConnectionState
	link      *link
	pending   map[string]chan *Frame
	runCtx    context.Context
	runCancel context.CancelFunc

	writeMu sync.Mutex

	stateListeners Listeners[ConnectionState]

	eventsMu sync.Mutex
	events   map[string]*Listeners[json.RawMessage]
}

// NewWSClient creates a disconnected client
func NewWSClient(opts Options) (*WSClient, error) {
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	wsURL, err := NormalizeURL(opts.URL)
	if err != nil {
		return nil, err
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		}
	}
	policy := opts.Reconnect
	if policy.MaxAttempts == 0 {
		policy.MaxAttempts = DefaultReconnectPolicy.MaxAttempts
	}
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = DefaultReconnectPolicy.InitialInterval
	}
	if policy.MaxInterval <= 0 {
		policy.MaxInterval = DefaultReconnectPolicy.MaxInterval
	}
	info := opts.ClientInfo
	if info.Name == "" {
		info = ClientInfo{Name: "gatewaychat", Version: "dev", Platform: "cli"}
	}

	return &WSClient{
		url:     wsURL,
		token:   opts.Token,
		logger:  opts.Logger,
		dialer:  dialer,
		policy:  policy,
		info:    info,
		state:   StateDisconnected,
		pending: make(map[string]chan *Frame),
		events:  make(map[string]*Listeners[json.RawMessage]),
	}, nil
}

// NormalizeURL accepts ws, wss, http and https URLs and returns the
// WebSocket form
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("gateway URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid gateway URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported gateway URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("gateway URL has no host: %s", raw)
	}
	return u.String(), nil
}

// URL returns the WebSocket URL the client dials
func (c *WSClient) URL() string {
	return c.url
}

// Connect dials the gateway and performs the connect handshake
func (c *WSClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c.runCtx, c.runCancel = runCtx, cancel
	c.state = StateConnecting
	c.mu.Unlock()
	c.stateListeners.Emit(StateConnecting)

	c.logger.Info("Connecting to gateway", "url", c.url)

	l, err := c.dial(ctx, runCtx)
	if err == nil {
		err = c.promote(runCtx, l)
	}
	if err != nil {
		c.mu.Lock()
		current := c.runCtx == runCtx && runCtx.Err() == nil
		if current {
			c.state = StateDisconnected
			cancel()
		}
		c.mu.Unlock()
		if current {
			c.stateListeners.Emit(StateDisconnected)
		}
		c.logger.Error("Gateway connect failed", "url", c.url, "error", err)
		return err
	}

	c.logger.Info("Connected to gateway", "url", c.url)
	return nil
}

// dial opens a connection and runs the handshake on it. On success the
// connection is installed as the current link.
func (c *WSClient) dial(ctx, runCtx context.Context) (*link, error) {
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(runCtx, cancel)
	defer stop()

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, _, err := c.dialer.DialContext(dialCtx, c.url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to gateway: %w", err)
	}

	l := newLink(conn)
	c.mu.Lock()
	if runCtx.Err() != nil {
		c.mu.Unlock()
		l.shutdown(false)
		return nil, ErrNotConnected
	}
	c.link = l
	c.mu.Unlock()

	go c.readLoop(runCtx, l)

	params := ConnectParams{
		Role:       "app",
		Auth:       ConnectAuth{Token: c.token},
		ClientInfo: c.info,
	}
	if err := c.roundTrip(dialCtx, l, MethodConnect, params, nil); err != nil {
		c.mu.Lock()
		if c.link == l {
			c.link = nil
		}
		c.mu.Unlock()
		l.shutdown(true)
		return nil, fmt.Errorf("gateway handshake failed: %w", err)
	}
	return l, nil
}

// promote marks the client connected as long as l is still the current
// link. A link that dropped during the handshake is reported as lost.
func (c *WSClient) promote(runCtx context.Context, l *link) error {
	c.mu.Lock()
	if runCtx.Err() != nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if c.link != l {
		c.mu.Unlock()
		return errLinkLost
	}
	changed := c.state != StateConnected
	c.state = StateConnected
	c.mu.Unlock()

	if changed {
		c.stateListeners.Emit(StateConnected)
	}
	return nil
}

// Disconnect closes the connection and cancels any reconnect in progress
func (c *WSClient) Disconnect() {
	c.mu.Lock()
	if c.runCancel != nil {
		c.runCancel()
		c.runCancel = nil
	}
	l := c.link
	c.link = nil
	changed := c.state != StateDisconnected
	c.state = StateDisconnected
	c.mu.Unlock()

	if l != nil {
		l.shutdown(true)
	}
	if changed {
		c.logger.Info("Disconnected from gateway", "url", c.url)
		c.stateListeners.Emit(StateDisconnected)
	}
}

// IsConnected reports whether the client is connected
func (c *WSClient) IsConnected() bool {
	return c.State() == StateConnected
}

// State returns the current connection state
func (c *WSClient) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnConnectionStateChange registers fn for state transitions
func (c *WSClient) OnConnectionStateChange(fn func(ConnectionState)) func() {
	return c.stateListeners.Add(fn)
}

// Subscribe registers fn for server events named event
func (c *WSClient) Subscribe(event string, fn func(json.RawMessage)) func() {
	c.eventsMu.Lock()
	ls, ok := c.events[event]
	if !ok {
		ls = &Listeners[json.RawMessage]{}
		c.events[event] = ls
	}
	c.eventsMu.Unlock()
	return ls.Add(fn)
}

// SessionsList fetches raw session records
func (c *WSClient) SessionsList(ctx context.Context, opts SessionsListOptions) (*SessionsListResult, error) {
	var result SessionsListResult
	if err := c.Request(ctx, MethodSessionsList, opts, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Request sends method on the current connection and waits for the response
func (c *WSClient) Request(ctx context.Context, method string, params any, out any) error {
	c.mu.Lock()
	l := c.link
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || l == nil {
		return ErrNotConnected
	}
	return c.roundTrip(ctx, l, method, params, out)
}

func (c *WSClient) roundTrip(ctx context.Context, l *link, method string, params any, out any) error {
	id := uuid.NewString()
	ch := make(chan *Frame, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err := l.conn.WriteJSON(Frame{Type: FrameRequest, ID: id, Method: method, Params: params})
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to write request: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrNotConnected
	case res := <-ch:
		if !res.OK {
			if res.Error != nil {
				return res.Error
			}
			return &RPCError{Message: method + " failed"}
		}
		if out != nil && len(res.Payload) > 0 {
			if err := json.Unmarshal(res.Payload, out); err != nil {
				return fmt.Errorf("failed to decode %s response: %w", method, err)
			}
		}
		return nil
	}
}

func (c *WSClient) readLoop(runCtx context.Context, l *link) {
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			l.shutdown(false)
			c.handleDrop(runCtx, l, err)
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("Dropping malformed gateway frame", "error", err)
			continue
		}

		switch f.Type {
		case FrameResponse:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.mu.Unlock()
			if ok {
				ch <- &f
			}
		case FrameEvent:
			c.eventsMu.Lock()
			ls := c.events[f.Event]
			c.eventsMu.Unlock()
			if ls != nil {
				ls.Emit(f.Payload)
			}
		default:
			c.logger.Debug("Ignoring gateway frame", "type", f.Type)
		}
	}
}

// handleDrop starts reconnecting when an established connection is lost
func (c *WSClient) handleDrop(runCtx context.Context, l *link, cause error) {
	c.mu.Lock()
	if runCtx.Err() != nil || c.link != l {
		c.mu.Unlock()
		return
	}
	c.link = nil
	wasConnected := c.state == StateConnected
	if wasConnected {
		c.state = StateReconnecting
	}
	c.mu.Unlock()

	if !wasConnected {
		return
	}

	c.logger.Warn("Gateway connection lost", "url", c.url, "error", cause)
	c.stateListeners.Emit(StateReconnecting)
	go c.reconnect(runCtx)
}

func (c *WSClient) reconnect(runCtx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.policy.InitialInterval
	b.MaxInterval = c.policy.MaxInterval

	attempt := 0
	_, err := backoff.Retry(runCtx, func() (struct{}, error) {
		attempt++
		l, err := c.dial(runCtx, runCtx)
		if err == nil {
			err = c.promote(runCtx, l)
		}
		if err != nil {
			c.logger.Warn("Reconnect attempt failed", "attempt", attempt, "error", err)
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(c.policy.MaxAttempts))

	if err == nil {
		c.logger.Info("Reconnected to gateway", "url", c.url, "attempts", attempt)
		return
	}

	c.mu.Lock()
	current := runCtx.Err() == nil
	if current {
		c.state = StateDisconnected
		if c.runCancel != nil {
			c.runCancel()
			c.runCancel = nil
		}
	}
	c.mu.Unlock()

	if current {
		c.logger.Error("Giving up reconnecting to gateway", "url", c.url, "attempts", attempt, "error", err)
		c.stateListeners.Emit(StateDisconnected)
	}
}
