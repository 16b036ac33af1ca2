// Package chatbot is the chat orchestration layer: it owns the gateway
// client and the engine of the active session, and publishes one reactive
// State snapshot for the UI.
package chatbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"GatewayChat/internal/cache"
	"GatewayChat/internal/gateway"
	"GatewayChat/internal/session"
	"GatewayChat/internal/store"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

var (
	// ErrNotConnected is returned by Send when no engine is available
	ErrNotConnected = errors.New("not connected to gateway")
	// ErrNotConfigured is returned when no gateway URL is set
	ErrNotConfigured = errors.New("gateway URL not configured")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("chatbot is closed")
	// ErrEmptySessionKey is returned when switching to a blank key
	ErrEmptySessionKey = errors.New("session key cannot be empty")
	// ErrEmptyMessage is returned when there is neither text nor an attachment to send
	ErrEmptyMessage = errors.New("message is empty")
)

const (
	defaultRefreshDelay     = time.Second
	defaultSessionListLimit = 200
	backgroundTimeout       = 15 * time.Second
)

// State is the snapshot published to subscribers. Slices are copies.
type State struct {
	Connection  gateway.ConnectionState
	SessionKey  string
	Messages    []session.Message
	IsStreaming bool
	Err         error
	Sessions    []session.Session
	Pinned      []string
	Unread      int
}

// Options configures a ChatBot
type Options struct {
	URL        string
	Token      string
	SessionKey string

	Prefs  *store.Preferences
	Cache  *cache.Service
	Logger *slog.Logger
	Tracer trace.Tracer
	Meter  metric.Meter

	// NewClient and NewEngine default to the WebSocket client and the
	// gateway chat engine
	NewClient func(url, token string) (gateway.Client, error)
	NewEngine func(client gateway.Client, sessionKey string) gateway.Engine

	Reconnect        gateway.ReconnectPolicy
	RefreshDelay     time.Duration
	SessionListLimit int
}

// ChatBot orchestrates the gateway connection and the active session
type ChatBot struct {
	prefs     *store.Preferences
	cache     *cache.Service
	logger    *slog.Logger
	tracer    trace.Tracer
	newClient func(url, token string) (gateway.Client, error)
	newEngine func(client gateway.Client, sessionKey string) gateway.Engine

	refreshDelay time.Duration
	listLimit    int

	sentCounter    metric.Int64Counter
	refreshCounter metric.Int64Counter
	engineCounter  metric.Int64Counter
	sendDuration   metric.Float64Histogram

	mu            sync.Mutex
	url           string
	token         string
	state         State
	sessions      []session.Session // recency order, before pinning
	fingerprint   string
	client        gateway.Client
	clientUnsub   func()
	connGen       uint64
	connectCancel context.CancelFunc
	engine        gateway.Engine
	engineUnsubs  []func()
	engineGen     uint64
	engineFresh   bool
	refreshTimer  *time.Timer
	closed        bool

	emitMu    sync.Mutex
	listeners gateway.Listeners[State]
}

// New creates a ChatBot. It does not connect until Start.
func New(opts Options) (*ChatBot, error) {
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if opts.Prefs == nil {
		return nil, fmt.Errorf("preferences cannot be nil")
	}
	if opts.Cache == nil {
		return nil, fmt.Errorf("cache service cannot be nil")
	}

	cb := &ChatBot{
		prefs:        opts.Prefs,
		cache:        opts.Cache,
		logger:       opts.Logger,
		tracer:       opts.Tracer,
		newClient:    opts.NewClient,
		newEngine:    opts.NewEngine,
		refreshDelay: opts.RefreshDelay,
		listLimit:    opts.SessionListLimit,
		url:          strings.TrimSpace(opts.URL),
		token:        opts.Token,
	}
	if cb.tracer == nil {
		cb.tracer = tracenoop.NewTracerProvider().Tracer("gatewaychat")
	}
	meter := opts.Meter
	if meter == nil {
		meter = metricnoop.NewMeterProvider().Meter("gatewaychat")
	}
	if cb.refreshDelay <= 0 {
		cb.refreshDelay = defaultRefreshDelay
	}
	if cb.listLimit <= 0 {
		cb.listLimit = defaultSessionListLimit
	}
	if cb.newClient == nil {
		logger, policy := opts.Logger, opts.Reconnect
		cb.newClient = func(url, token string) (gateway.Client, error) {
			c, err := gateway.NewWSClient(gateway.Options{URL: url, Token: token, Logger: logger, Reconnect: policy})
			if err != nil {
				return nil, err
			}
			return c, nil
		}
	}
	if cb.newEngine == nil {
		logger := opts.Logger
		cb.newEngine = func(client gateway.Client, key string) gateway.Engine {
			return gateway.NewChatEngine(client, key, logger)
		}
	}

	cb.initMetrics(meter)

	ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
	defer cancel()

	if cb.url == "" {
		if saved, err := cb.prefs.GatewayURL(ctx); err != nil {
			cb.logger.Warn("Failed to read saved gateway URL", "error", err)
		} else if saved != "" {
			cb.url = saved
			if cb.token == "" {
				cb.token, _ = cb.prefs.GatewayToken(ctx)
			}
		}
	}

	key := strings.TrimSpace(opts.SessionKey)
	if key == "" {
		if last, err := cb.prefs.LastSession(ctx); err == nil && last != "" {
			key = last
		} else {
			key = session.DefaultKey
		}
	}

	pinned, err := cb.prefs.PinnedSessions(ctx)
	if err != nil {
		cb.logger.Warn("Failed to read pinned sessions", "error", err)
	}
	if cached, ok, err := cb.prefs.CachedSessions(ctx); err != nil {
		cb.logger.Warn("Failed to read cached sessions", "error", err)
	} else if ok {
		cb.sessions = cached.Sessions
		cb.fingerprint = cache.Fingerprint(cached.Sessions)
	}

	cb.state = State{
		Connection: gateway.StateDisconnected,
		SessionKey: key,
		Messages:   []session.Message{},
		Pinned:     pinned,
		Sessions:   session.OrderPinnedFirst(cb.sessions, pinned),
	}
	return cb, nil
}

func (cb *ChatBot) initMetrics(meter metric.Meter) {
	var err error
	if cb.sentCounter, err = meter.Int64Counter(
		"gatewaychat.messages.sent",
		metric.WithDescription("Messages accepted by the gateway"),
	); err != nil {
		cb.logger.Warn("failed to create counter", "name", "gatewaychat.messages.sent", "error", err)
		cb.sentCounter, _ = metricnoop.NewMeterProvider().Meter("").Int64Counter("gatewaychat.messages.sent")
	}
	if cb.refreshCounter, err = meter.Int64Counter(
		"gatewaychat.sessions.refresh",
		metric.WithDescription("Session list refreshes by result"),
	); err != nil {
		cb.logger.Warn("failed to create counter", "name", "gatewaychat.sessions.refresh", "error", err)
		cb.refreshCounter, _ = metricnoop.NewMeterProvider().Meter("").Int64Counter("gatewaychat.sessions.refresh")
	}
	if cb.engineCounter, err = meter.Int64Counter(
		"gatewaychat.engine.created",
		metric.WithDescription("Chat engines created"),
	); err != nil {
		cb.logger.Warn("failed to create counter", "name", "gatewaychat.engine.created", "error", err)
		cb.engineCounter, _ = metricnoop.NewMeterProvider().Meter("").Int64Counter("gatewaychat.engine.created")
	}
	if cb.sendDuration, err = meter.Float64Histogram(
		"gatewaychat.send.duration",
		metric.WithDescription("chat.send round trip in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		cb.logger.Warn("failed to create histogram", "name", "gatewaychat.send.duration", "error", err)
		cb.sendDuration, _ = metricnoop.NewMeterProvider().Meter("").Float64Histogram("gatewaychat.send.duration")
	}
}

// Subscribe registers fn for state snapshots. Snapshots are delivered in
// order; fn may call State but must not call other ChatBot methods.
func (cb *ChatBot) Subscribe(fn func(State)) func() {
	return cb.listeners.Add(fn)
}

// State returns the current snapshot
func (cb *ChatBot) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.snapshotLocked()
}

func (cb *ChatBot) snapshotLocked() State {
	st := cb.state
	st.Messages = session.CloneMessages(cb.state.Messages)
	st.Sessions = append([]session.Session(nil), cb.state.Sessions...)
	st.Pinned = append([]string(nil), cb.state.Pinned...)
	return st
}

// notify publishes the current snapshot. It must be called without cb.mu.
func (cb *ChatBot) notify() {
	cb.emitMu.Lock()
	defer cb.emitMu.Unlock()
	cb.listeners.Emit(cb.State())
}

// Start begins connecting to the configured gateway. With no URL it leaves
// the hook disconnected and returns nil.
func (cb *ChatBot) Start() error {
	cb.mu.Lock()
	if cb.closed {
		cb.mu.Unlock()
		return ErrClosed
	}
	if cb.url == "" {
		cb.mu.Unlock()
		cb.logger.Info("No gateway configured, staying disconnected")
		return nil
	}
	if cb.client != nil {
		cb.mu.Unlock()
		return nil
	}

	client, gen, err := cb.installClientLocked()
	if err != nil {
		cb.mu.Unlock()
		cb.notify()
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	cb.connectCancel = cancel
	cb.mu.Unlock()

	cb.notify()
	go func() {
		_ = cb.connect(ctx, gen, client)
	}()
	return nil
}

// installClientLocked creates the client for the current URL and moves the
// state to connecting
func (cb *ChatBot) installClientLocked() (gateway.Client, uint64, error) {
	client, err := cb.newClient(cb.url, cb.token)
	if err != nil {
		err = fmt.Errorf("failed to create gateway client: %w", err)
		cb.state.Connection = gateway.StateDisconnected
		cb.state.Err = err
		cb.logger.Error("Invalid gateway configuration", "url", cb.url, "error", err)
		return nil, 0, err
	}

	cb.connGen++
	gen := cb.connGen
	cb.client = client
	cb.clientUnsub = client.OnConnectionStateChange(func(s gateway.ConnectionState) {
		cb.onConnectionState(gen, s)
	})
	cb.state.Connection = gateway.StateConnecting
	cb.state.Err = nil
	return client, gen, nil
}

func (cb *ChatBot) connect(ctx context.Context, gen uint64, client gateway.Client) error {
	ctx, span := cb.tracer.Start(ctx, "gateway.connect")
	defer span.End()

	err := client.Connect(ctx)
	if err == nil {
		if client.IsConnected() {
			cb.onConnectionState(gen, gateway.StateConnected)
		}
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	cb.mu.Lock()
	if cb.closed || gen != cb.connGen {
		cb.mu.Unlock()
		return err
	}
	cb.state.Err = err
	cb.state.Connection = gateway.StateDisconnected
	cb.destroyEngineLocked()
	cb.mu.Unlock()

	cb.logger.Error("Failed to connect to gateway", "error", err)
	cb.notify()
	return err
}

func (cb *ChatBot) onConnectionState(gen uint64, s gateway.ConnectionState) {
	cb.mu.Lock()
	if cb.closed || gen != cb.connGen {
		cb.mu.Unlock()
		return
	}
	if cb.state.Connection == s && (s != gateway.StateConnected || cb.engine != nil) {
		cb.mu.Unlock()
		return
	}

	cb.state.Connection = s
	refresh := false
	switch s {
	case gateway.StateConnected:
		cb.state.Err = nil
		if cb.engine == nil {
			cb.createEngineLocked(cb.state.SessionKey)
		}
		refresh = true
	case gateway.StateDisconnected:
		cb.destroyEngineLocked()
	}
	cb.mu.Unlock()

	cb.logger.Info("Connection state changed", "state", string(s))
	cb.notify()

	if refresh {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
			defer cancel()
			cb.RefreshSessions(ctx)
		}()
	}
}

// createEngineLocked binds a new engine to key. The previous engine must
// already be destroyed.
func (cb *ChatBot) createEngineLocked(key string) {
	cb.engineGen++
	gen := cb.engineGen

	e := cb.newEngine(cb.client, key)
	cb.engine = e
	cb.engineFresh = true
	cb.engineUnsubs = []func(){
		e.OnUpdate(func() { cb.onEngineUpdate(gen) }),
		e.OnError(func(err error) { cb.onEngineError(gen, err) }),
	}
	cb.state.Messages = e.Messages()
	cb.state.IsStreaming = e.IsStreaming()

	cb.engineCounter.Add(context.Background(), 1)
	cb.logger.Debug("Chat engine created", "session_key", key)
}

// destroyEngineLocked unsubscribes from the engine before releasing it and
// bumps the generation so callbacks already in flight are dropped
func (cb *ChatBot) destroyEngineLocked() {
	for _, unsubscribe := range cb.engineUnsubs {
		unsubscribe()
	}
	cb.engineUnsubs = nil
	if cb.engine != nil {
		cb.engine.Destroy()
		cb.engine = nil
	}
	cb.engineGen++
	cb.state.IsStreaming = false
}

func (cb *ChatBot) onEngineUpdate(gen uint64) {
	cb.mu.Lock()
	if cb.closed || gen != cb.engineGen || cb.engine == nil {
		cb.mu.Unlock()
		return
	}
	e := cb.engine
	msgs := e.Messages()
	streaming := e.IsStreaming()
	key := cb.state.SessionKey

	cb.state.Messages = msgs
	cb.state.IsStreaming = streaming
	if cb.engineFresh {
		cb.engineFresh = false
		cb.state.Unread = cb.cache.UnreadCount(key, msgs)
	}
	cb.mu.Unlock()

	if !streaming {
		cb.afterSettled(key, msgs)
	}
	cb.notify()
}

// afterSettled derives a smart title when the session has earned one and
// advances the read marker
func (cb *ChatBot) afterSettled(key string, msgs []session.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
	defer cancel()

	if cb.cache.NeedsTitle(key, msgs) {
		if title := session.DeriveTitle(msgs); title != "" {
			if err := cb.cache.SetTitle(ctx, key, title); err != nil {
				cb.logger.Warn("Failed to save smart title", "session_key", key, "error", err)
			} else {
				cb.logger.Debug("Smart title derived", "session_key", key, "title", title)
			}
		}
	}
	if n := len(msgs); n > 0 {
		if err := cb.cache.MarkRead(ctx, key, msgs[n-1].ID); err != nil {
			cb.logger.Warn("Failed to save read marker", "session_key", key, "error", err)
		}
	}
}

func (cb *ChatBot) onEngineError(gen uint64, err error) {
	cb.mu.Lock()
	if cb.closed || gen != cb.engineGen {
		cb.mu.Unlock()
		return
	}
	cb.state.Err = err
	key := cb.state.SessionKey
	cb.mu.Unlock()

	cb.logger.Warn("Chat engine error", "session_key", key, "error", err)
	cb.notify()
}

// Reconnect drops the current connection and connects again, waiting for
// the result
func (cb *ChatBot) Reconnect(ctx context.Context) error {
	cb.mu.Lock()
	if cb.closed {
		cb.mu.Unlock()
		return ErrClosed
	}
	if cb.url == "" {
		cb.mu.Unlock()
		return ErrNotConfigured
	}
	if cb.connectCancel != nil {
		cb.connectCancel()
		cb.connectCancel = nil
	}
	client := cb.client
	cb.mu.Unlock()

	if client != nil {
		client.Disconnect()
	}

	cb.mu.Lock()
	if cb.closed {
		cb.mu.Unlock()
		return ErrClosed
	}
	var gen uint64
	if cb.client == nil || cb.client != client {
		var err error
		if client, gen, err = cb.installClientLocked(); err != nil {
			cb.mu.Unlock()
			cb.notify()
			return err
		}
	} else {
		gen = cb.connGen
		cb.destroyEngineLocked()
		cb.state.Connection = gateway.StateConnecting
		cb.state.Err = nil
	}
	connectCtx, cancel := context.WithCancel(ctx)
	cb.connectCancel = cancel
	cb.mu.Unlock()
	defer cancel()

	cb.logger.Info("Reconnecting to gateway")
	cb.notify()
	return cb.connect(connectCtx, gen, client)
}

// SetGateway tears down the current connection, saves url and token and
// starts again with them
func (cb *ChatBot) SetGateway(ctx context.Context, url, token string) error {
	url = strings.TrimSpace(url)
	if url != "" {
		if _, err := gateway.NormalizeURL(url); err != nil {
			return err
		}
	}

	cb.mu.Lock()
	if cb.closed {
		cb.mu.Unlock()
		return ErrClosed
	}
	client := cb.teardownLocked()
	cb.url = url
	cb.token = token
	cb.state.Err = nil
	cb.state.Messages = []session.Message{}
	cb.mu.Unlock()

	if client != nil {
		client.Disconnect()
	}

	if err := cb.prefs.SetGatewayURL(ctx, url); err != nil {
		return fmt.Errorf("failed to save gateway URL: %w", err)
	}
	if err := cb.prefs.SetGatewayToken(ctx, token); err != nil {
		return fmt.Errorf("failed to save gateway token: %w", err)
	}

	cb.notify()
	return cb.Start()
}

// teardownLocked releases the engine, timers and client subscription and
// returns the client so it can be disconnected outside the lock
func (cb *ChatBot) teardownLocked() gateway.Client {
	if cb.connectCancel != nil {
		cb.connectCancel()
		cb.connectCancel = nil
	}
	if cb.refreshTimer != nil {
		cb.refreshTimer.Stop()
		cb.refreshTimer = nil
	}
	cb.destroyEngineLocked()
	if cb.clientUnsub != nil {
		cb.clientUnsub()
		cb.clientUnsub = nil
	}
	client := cb.client
	cb.client = nil
	cb.connGen++
	cb.state.Connection = gateway.StateDisconnected
	return client
}

// Close tears everything down. It is safe to call more than once and
// before a connect attempt has finished.
func (cb *ChatBot) Close() {
	cb.mu.Lock()
	if cb.closed {
		cb.mu.Unlock()
		return
	}
	client := cb.teardownLocked()
	cb.closed = true
	cb.mu.Unlock()

	if client != nil {
		client.Disconnect()
	}
	cb.notify()
	cb.listeners.Clear()
	cb.logger.Info("Chatbot closed")
}

// SwitchSession makes key the active session. Switching to the active key
// is a no-op.
func (cb *ChatBot) SwitchSession(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrEmptySessionKey
	}

	ctx, span := cb.tracer.Start(ctx, "session.switch", trace.WithAttributes(attribute.String("session_key", key)))
	defer span.End()

	cb.mu.Lock()
	if cb.closed {
		cb.mu.Unlock()
		return ErrClosed
	}
	if key == cb.state.SessionKey {
		cb.mu.Unlock()
		return nil
	}
	previous := cb.state.SessionKey
	cb.state.SessionKey = key
	cb.state.Unread = 0
	cb.state.Err = nil
	if cb.engine != nil || (cb.client != nil && cb.state.Connection == gateway.StateConnected) {
		cb.destroyEngineLocked()
		cb.createEngineLocked(key)
	} else {
		cb.state.Messages = []session.Message{}
		cb.state.IsStreaming = false
	}
	cb.mu.Unlock()

	cb.logger.Info("Switched session", "from", previous, "session_key", key)
	if err := cb.prefs.SetLastSession(ctx, key); err != nil {
		cb.logger.Warn("Failed to save last session", "session_key", key, "error", err)
	}
	cb.notify()
	return nil
}

// Send posts text with attachments to the active session
func (cb *ChatBot) Send(ctx context.Context, text string, attachments []Attachment) error {
	outgoing := PrepareAttachments(attachments)
	if strings.TrimSpace(text) == "" && len(outgoing) == 0 {
		return ErrEmptyMessage
	}

	cb.mu.Lock()
	if cb.closed {
		cb.mu.Unlock()
		return ErrClosed
	}
	e := cb.engine
	gen := cb.connGen
	key := cb.state.SessionKey
	cb.mu.Unlock()

	if e == nil {
		return ErrNotConnected
	}

	ctx, span := cb.tracer.Start(ctx, "chat.send", trace.WithAttributes(
		attribute.String("session_key", key),
		attribute.Int("attachments", len(outgoing)),
	))
	defer span.End()

	start := time.Now()
	err := e.Send(ctx, text, outgoing)
	cb.sendDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		cb.logger.Error("Failed to send message", "session_key", key, "error", err)
		return fmt.Errorf("failed to send message: %w", err)
	}

	cb.sentCounter.Add(ctx, 1)
	cb.scheduleRefresh(gen)
	return nil
}

// scheduleRefresh refreshes the session list after the refresh delay unless
// the connection changed in the meantime
func (cb *ChatBot) scheduleRefresh(gen uint64) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.closed || gen != cb.connGen {
		return
	}
	if cb.refreshTimer != nil {
		cb.refreshTimer.Stop()
	}
	cb.refreshTimer = time.AfterFunc(cb.refreshDelay, func() {
		cb.mu.Lock()
		stale := cb.closed || gen != cb.connGen
		cb.mu.Unlock()
		if stale {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()
		cb.RefreshSessions(ctx)
	})
}

// Abort stops the running assistant reply. Without an engine it does nothing.
func (cb *ChatBot) Abort(ctx context.Context) error {
	cb.mu.Lock()
	e := cb.engine
	key := cb.state.SessionKey
	cb.mu.Unlock()

	if e == nil {
		return nil
	}

	ctx, span := cb.tracer.Start(ctx, "chat.abort", trace.WithAttributes(attribute.String("session_key", key)))
	defer span.End()

	if err := e.Abort(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to abort: %w", err)
	}
	return nil
}

// ClearMessages empties the local transcript of the active session
func (cb *ChatBot) ClearMessages() {
	cb.mu.Lock()
	e := cb.engine
	cb.state.Messages = []session.Message{}
	cb.state.IsStreaming = false
	cb.mu.Unlock()

	if e != nil {
		e.Clear()
	}
	cb.notify()
}

// RefreshSessions fetches the session list, falling back to the cached
// list when offline or when the request fails. Failures are logged, never
// returned.
func (cb *ChatBot) RefreshSessions(ctx context.Context) []session.Session {
	ctx, span := cb.tracer.Start(ctx, "sessions.refresh")
	defer span.End()

	cb.mu.Lock()
	if cb.closed {
		cb.mu.Unlock()
		return nil
	}
	client := cb.client
	gen := cb.connGen
	cb.mu.Unlock()

	if client != nil && client.IsConnected() {
		res, err := client.SessionsList(ctx, gateway.SessionsListOptions{Limit: cb.listLimit, IncludeGlobal: true})
		if err == nil {
			sessions, rejected := session.NormalizeSessions(res.Sessions)
			for _, rerr := range rejected {
				cb.logger.Debug("Skipping session record", "error", rerr)
			}
			session.SortByRecency(sessions)

			fingerprint := cache.Fingerprint(sessions)
			unchanged, ok := cb.publishSessions(gen, sessions, fingerprint)
			if !ok {
				return cb.State().Sessions
			}
			if !unchanged {
				if err := cb.prefs.SetCachedSessions(ctx, sessions); err != nil {
					cb.logger.Warn("Failed to cache session list", "error", err)
				} else {
					cb.setFingerprint(fingerprint)
				}
			}
			cb.refreshCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "live")))
			span.SetAttributes(attribute.Int("sessions", len(sessions)))
			return sessions
		}
		span.RecordError(err)
		cb.logger.Warn("Failed to list sessions, using cache", "error", err)
	}

	cached, ok, err := cb.prefs.CachedSessions(ctx)
	if err != nil {
		cb.logger.Warn("Failed to read cached sessions", "error", err)
	}
	if err != nil || !ok {
		cb.refreshCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "empty")))
		return cb.State().Sessions
	}
	fingerprint := cache.Fingerprint(cached.Sessions)
	if _, ok := cb.publishSessions(gen, cached.Sessions, fingerprint); !ok {
		return cb.State().Sessions
	}
	cb.setFingerprint(fingerprint)
	cb.refreshCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "cache")))
	return cached.Sessions
}

// publishSessions installs sessions unless the connection generation moved
// on. unchanged reports whether the list matches the last one stored.
func (cb *ChatBot) publishSessions(gen uint64, sessions []session.Session, fingerprint string) (unchanged, ok bool) {
	cb.mu.Lock()
	if cb.closed || gen != cb.connGen {
		cb.mu.Unlock()
		return false, false
	}
	unchanged = fingerprint == cb.fingerprint
	cb.sessions = sessions
	cb.state.Sessions = session.OrderPinnedFirst(sessions, cb.state.Pinned)
	cb.mu.Unlock()

	cb.notify()
	return unchanged, true
}

// setFingerprint records the fingerprint of the list held by the cache
func (cb *ChatBot) setFingerprint(fingerprint string) {
	cb.mu.Lock()
	cb.fingerprint = fingerprint
	cb.mu.Unlock()
}

// TogglePin pins or unpins key and reports whether it is now pinned
func (cb *ChatBot) TogglePin(ctx context.Context, key string) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, ErrEmptySessionKey
	}

	cb.mu.Lock()
	pinned := make([]string, 0, len(cb.state.Pinned)+1)
	nowPinned := true
	for _, k := range cb.state.Pinned {
		if k == key {
			nowPinned = false
			continue
		}
		pinned = append(pinned, k)
	}
	if nowPinned {
		pinned = append(pinned, key)
	}
	cb.state.Pinned = pinned
	cb.state.Sessions = session.OrderPinnedFirst(cb.sessions, pinned)
	snapshot := append([]string(nil), pinned...)
	cb.mu.Unlock()

	cb.notify()
	if err := cb.prefs.SetPinnedSessions(ctx, snapshot); err != nil {
		return nowPinned, fmt.Errorf("failed to save pinned sessions: %w", err)
	}
	return nowPinned, nil
}

// Pinned returns the pinned session keys in pin order
func (cb *ChatBot) Pinned() []string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return append([]string(nil), cb.state.Pinned...)
}

// SessionTitle returns the display name for key, preferring the server
// label and title over the locally derived smart title
func (cb *ChatBot) SessionTitle(key string) string {
	smart, _ := cb.cache.Title(key)

	cb.mu.Lock()
	s, ok := session.Find(cb.sessions, key)
	cb.mu.Unlock()

	if ok {
		return s.DisplayNameWith(smart)
	}
	if smart != "" {
		return smart
	}
	return key
}

// Gateway returns the configured gateway URL
func (cb *ChatBot) Gateway() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.url
}

// Client returns the current gateway client, or nil before Start
func (cb *ChatBot) Client() gateway.Client {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.client
}
