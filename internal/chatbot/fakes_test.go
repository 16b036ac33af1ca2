package chatbot

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"GatewayChat/internal/cache"
	"GatewayChat/internal/gateway"
	"GatewayChat/internal/session"
	"GatewayChat/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClient is a gateway.Client whose state transitions are driven by the
// test. It counts state subscriptions so tests can check for leaks.
type fakeClient struct {
	mu           sync.Mutex
	state        gateway.ConnectionState
	connectErr   error
	blockConnect bool
	connectCalls int
	sessions     []json.RawMessage
	listErr      error
	listCalls    int
	subs         int
	unsubs       int

	stateListeners gateway.Listeners[gateway.ConnectionState]
}

func newFakeClient() *fakeClient {
	return &fakeClient{state: gateway.StateDisconnected}
}

func (c *fakeClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.connectCalls++
	block, err := c.blockConnect, c.connectErr
	c.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (c *fakeClient) Disconnect() {
	c.setState(gateway.StateDisconnected)
}

func (c *fakeClient) setState(s gateway.ConnectionState) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed {
		c.stateListeners.Emit(s)
	}
}

func (c *fakeClient) IsConnected() bool {
	return c.State() == gateway.StateConnected
}

func (c *fakeClient) State() gateway.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeClient) OnConnectionStateChange(fn func(gateway.ConnectionState)) func() {
	c.mu.Lock()
	c.subs++
	c.mu.Unlock()

	remove := c.stateListeners.Add(fn)
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.unsubs++
			c.mu.Unlock()
			remove()
		})
	}
}

func (c *fakeClient) SessionsList(_ context.Context, _ gateway.SessionsListOptions) (*gateway.SessionsListResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listCalls++
	if c.listErr != nil {
		return nil, c.listErr
	}
	return &gateway.SessionsListResult{Sessions: c.sessions}, nil
}

func (c *fakeClient) Request(context.Context, string, any, any) error { return nil }

func (c *fakeClient) Subscribe(string, func(json.RawMessage)) func() { return func() {} }

func (c *fakeClient) set(fn func(c *fakeClient)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}

func (c *fakeClient) connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectCalls
}

func (c *fakeClient) counts() (subs, unsubs, listCalls int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs, c.unsubs, c.listCalls
}

// fakeEngine keeps every callback ever registered so FireLate can simulate
// events delivered after unsubscribe
type fakeEngine struct {
	key string

	mu         sync.Mutex
	messages   []session.Message
	streaming  bool
	destroyed  bool
	sent       []string
	sentAtts   [][]gateway.OutgoingAttachment
	sendErr    error
	aborts     int
	everUpdate []func()
	everError  []func(error)
	subs       int
	unsubs     int

	updates gateway.Listeners[struct{}]
	errs    gateway.Listeners[error]
}

func (e *fakeEngine) SessionKey() string { return e.key }

func (e *fakeEngine) Messages() []session.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return session.CloneMessages(e.messages)
}

func (e *fakeEngine) IsStreaming() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.streaming
}

func (e *fakeEngine) Send(_ context.Context, text string, atts []gateway.OutgoingAttachment) error {
	e.mu.Lock()
	if e.sendErr != nil {
		err := e.sendErr
		e.mu.Unlock()
		return err
	}
	e.sent = append(e.sent, text)
	e.sentAtts = append(e.sentAtts, atts)
	e.messages = append(e.messages, session.TextMessage("sent-"+text, session.RoleUser, text))
	e.mu.Unlock()
	e.updates.Emit(struct{}{})
	return nil
}

func (e *fakeEngine) Abort(context.Context) error {
	e.mu.Lock()
	e.aborts++
	e.streaming = false
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) Clear() {
	e.mu.Lock()
	e.messages = []session.Message{}
	e.mu.Unlock()
	e.updates.Emit(struct{}{})
}

func (e *fakeEngine) OnUpdate(fn func()) func() {
	e.mu.Lock()
	e.subs++
	e.everUpdate = append(e.everUpdate, fn)
	e.mu.Unlock()
	return e.track(e.updates.Add(func(struct{}) { fn() }))
}

func (e *fakeEngine) OnError(fn func(error)) func() {
	e.mu.Lock()
	e.subs++
	e.everError = append(e.everError, fn)
	e.mu.Unlock()
	return e.track(e.errs.Add(fn))
}

func (e *fakeEngine) track(remove func()) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			e.unsubs++
			e.mu.Unlock()
			remove()
		})
	}
}

func (e *fakeEngine) Destroy() {
	e.mu.Lock()
	e.destroyed = true
	e.mu.Unlock()
}

// Emit replaces the transcript and notifies current listeners
func (e *fakeEngine) Emit(msgs []session.Message, streaming bool) {
	e.mu.Lock()
	e.messages = session.CloneMessages(msgs)
	e.streaming = streaming
	e.mu.Unlock()
	e.updates.Emit(struct{}{})
}

// EmitError notifies current error listeners
func (e *fakeEngine) EmitError(err error) {
	e.errs.Emit(err)
}

// FireLate calls every callback ever registered, including removed ones
func (e *fakeEngine) FireLate(msgs []session.Message) {
	e.mu.Lock()
	e.messages = session.CloneMessages(msgs)
	updates := append([]func(){}, e.everUpdate...)
	errs := append([]func(error){}, e.everError...)
	e.mu.Unlock()

	for _, fn := range updates {
		fn()
	}
	for _, fn := range errs {
		fn(errors.New("late engine error"))
	}
}

func (e *fakeEngine) set(fn func(e *fakeEngine)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e)
}

func (e *fakeEngine) isDestroyed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.destroyed
}

func (e *fakeEngine) subCounts() (int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.subs, e.unsubs
}

type engineFactory struct {
	mu      sync.Mutex
	engines []*fakeEngine
}

func (f *engineFactory) New(_ gateway.Client, key string) gateway.Engine {
	e := &fakeEngine{key: key, messages: []session.Message{}}
	f.mu.Lock()
	f.engines = append(f.engines, e)
	f.mu.Unlock()
	return e
}

func (f *engineFactory) all() []*fakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeEngine(nil), f.engines...)
}

func (f *engineFactory) alive() []*fakeEngine {
	var out []*fakeEngine
	for _, e := range f.all() {
		if !e.isDestroyed() {
			out = append(out, e)
		}
	}
	return out
}

func (f *engineFactory) last() *fakeEngine {
	all := f.all()
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

type harness struct {
	cb          *ChatBot
	client      *fakeClient
	engines     *engineFactory
	prefs       *store.Preferences
	cache       *cache.Service
	clientsMade int
}

func newHarness(t *testing.T, url string, configure ...func(*Options)) *harness {
	t.Helper()
	prefs := store.NewPreferences(store.NewMemoryStore())
	svc, err := cache.NewService(prefs, discardLogger())
	require.NoError(t, err)
	require.NoError(t, svc.Load(context.Background()))

	h := &harness{
		client:  newFakeClient(),
		engines: &engineFactory{},
		prefs:   prefs,
		cache:   svc,
	}
	opts := Options{
		URL:        url,
		SessionKey: "main",
		Prefs:      prefs,
		Cache:      svc,
		Logger:     discardLogger(),
		NewClient: func(string, string) (gateway.Client, error) {
			h.clientsMade++
			return h.client, nil
		},
		NewEngine:    h.engines.New,
		RefreshDelay: 10 * time.Millisecond,
	}
	for _, fn := range configure {
		fn(&opts)
	}

	h.cb, err = New(opts)
	require.NoError(t, err)
	t.Cleanup(h.cb.Close)
	return h
}

// connect starts the hook and drives the client to connected
func (h *harness) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, h.cb.Start())
	h.client.setState(gateway.StateConnected)
	require.Equal(t, gateway.StateConnected, h.cb.State().Connection)
}

// flakyStore fails every Set while failing is on
type flakyStore struct {
	store.Store
	mu      sync.Mutex
	failing bool
}

func (s *flakyStore) setFailing(on bool) {
	s.mu.Lock()
	s.failing = on
	s.mu.Unlock()
}

func (s *flakyStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	failing := s.failing
	s.mu.Unlock()
	if failing {
		return errors.New("disk full")
	}
	return s.Store.Set(ctx, key, value)
}

func rawSessions(records ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(records))
	for i, r := range records {
		out[i] = json.RawMessage(r)
	}
	return out
}
