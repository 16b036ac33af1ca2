package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"GatewayChat/internal/session"
)

// ChatEngine implements Engine for one session on a Client
type ChatEngine struct {
	client Client
	key    string
	logger *slog.Logger

	mu            sync.Mutex
	messages      []session.Message
	streaming     bool
	runID         string
	destroyed     bool
	unsubscribe   func()
	cancelHistory context.CancelFunc
	historyDone   chan struct{}

	updates Listeners[struct{}]
	errs    Listeners[error]
}

// NewChatEngine binds an engine to sessionKey and starts loading its
// history in the background
func NewChatEngine(client Client, sessionKey string, logger *slog.Logger) *ChatEngine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &ChatEngine{
		client:      client,
		key:         sessionKey,
		logger:      logger.With("session", sessionKey),
		messages:    []session.Message{},
		historyDone: make(chan struct{}),
	}
	e.unsubscribe = client.Subscribe(EventChat, e.handleChatEvent)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	e.cancelHistory = cancel
	go e.loadHistory(ctx)

	return e
}

// SessionKey returns the session this engine is bound to
func (e *ChatEngine) SessionKey() string {
	return e.key
}

// Messages returns a copy of the transcript
func (e *ChatEngine) Messages() []session.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return session.CloneMessages(e.messages)
}

// IsStreaming reports whether an assistant reply is in progress
func (e *ChatEngine) IsStreaming() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.streaming
}

// OnUpdate registers fn for any transcript or streaming change
func (e *ChatEngine) OnUpdate(fn func()) func() {
	return e.updates.Add(func(struct{}) { fn() })
}

// OnError registers fn for run failures reported by the gateway
func (e *ChatEngine) OnError(fn func(error)) func() {
	return e.errs.Add(fn)
}

func (e *ChatEngine) loadHistory(ctx context.Context) {
	defer close(e.historyDone)
	defer e.cancelHistory()

	history, err := FetchHistory(ctx, e.client, e.key, DefaultHistoryLimit)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			e.logger.Warn("Failed to load chat history", "error", err)
		}
		return
	}

	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	// Messages that arrived while the request was in flight stay after
	// the server transcript.
	seen := make(map[string]bool, len(history))
	for _, m := range history {
		seen[m.ID] = true
	}
	merged := history
	for _, m := range e.messages {
		if !seen[m.ID] {
			merged = append(merged, m)
		}
	}
	e.messages = merged
	e.mu.Unlock()

	e.logger.Debug("Chat history loaded", "messages", len(history))
	e.updates.Emit(struct{}{})
}

func (e *ChatEngine) handleChatEvent(payload json.RawMessage) {
	var ev ChatEventPayload
	if err := json.Unmarshal(payload, &ev); err != nil {
		e.logger.Warn("Dropping malformed chat event", "error", err)
		return
	}
	if ev.SessionKey != e.key {
		return
	}

	var runErr error

	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}

	changed := true
	switch ev.State {
	case ChatStateDelta:
		msg, ok := e.eventMessage(ev)
		if !ok {
			changed = false
			break
		}
		msg.IsStreaming = true
		changed = e.applyDelta(msg)
		e.streaming = true
		e.runID = ev.RunID

	case ChatStateFinal:
		if msg, ok := e.eventMessage(ev); ok {
			msg.IsStreaming = false
			e.upsert(msg)
		} else {
			e.finishRun(ev.RunID)
		}
		e.streaming = false
		e.runID = ""

	case ChatStateAborted:
		e.finishRun(ev.RunID)
		e.streaming = false
		e.runID = ""

	case ChatStateError:
		reason := strings.TrimSpace(ev.ErrorMessage)
		if reason == "" {
			reason = "assistant run failed"
		}
		e.failRun(ev.RunID, reason)
		e.streaming = false
		e.runID = ""
		runErr = errors.New(reason)

	default:
		changed = false
	}
	e.mu.Unlock()

	if changed {
		e.updates.Emit(struct{}{})
	}
	if runErr != nil {
		e.errs.Emit(runErr)
	}
}

// eventMessage decodes the message of a chat event. Its id is the run id
// so every snapshot of one run updates the same entry.
func (e *ChatEngine) eventMessage(ev ChatEventPayload) (session.Message, bool) {
	if len(ev.Message) == 0 {
		return session.Message{}, false
	}
	msg, err := session.NormalizeMessage(ev.Message, ev.RunID)
	if err != nil {
		e.logger.Debug("Skipping chat event message", "run", ev.RunID, "error", err)
		return session.Message{}, false
	}
	if ev.RunID != "" {
		msg.ID = ev.RunID
	}
	return msg, true
}

func (e *ChatEngine) indexOf(id string) int {
	for i := len(e.messages) - 1; i >= 0; i-- {
		if e.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// applyDelta replaces the streaming message with a newer snapshot. A
// snapshot that does not extend the current text is ignored.
func (e *ChatEngine) applyDelta(msg session.Message) bool {
	i := e.indexOf(msg.ID)
	if i < 0 {
		e.messages = append(e.messages, msg)
		return true
	}
	if !msg.GrowsFrom(e.messages[i]) {
		return false
	}
	e.messages[i] = msg
	return true
}

func (e *ChatEngine) upsert(msg session.Message) {
	if i := e.indexOf(msg.ID); i >= 0 {
		e.messages[i] = msg
		return
	}
	e.messages = append(e.messages, msg)
}

func (e *ChatEngine) finishRun(runID string) {
	for i := range e.messages {
		if e.messages[i].IsStreaming && (runID == "" || e.messages[i].ID == runID) {
			e.messages[i].IsStreaming = false
		}
	}
}

func (e *ChatEngine) failRun(runID, reason string) {
	if runID != "" {
		if i := e.indexOf(runID); i >= 0 {
			e.messages[i].IsStreaming = false
			e.messages[i].IsError = true
			e.messages[i].ErrorMessage = reason
			return
		}
	}
	e.finishRun("")
	id := runID
	if id == "" {
		id = uuid.NewString()
	}
	e.messages = append(e.messages, session.Message{
		ID:           id,
		Role:         session.RoleAssistant,
		Content:      []session.ContentBlock{},
		Timestamp:    time.Now().UnixMilli(),
		IsError:      true,
		ErrorMessage: reason,
	})
}

// Send appends the user message optimistically and posts it. The local
// message is removed again when the gateway rejects it.
func (e *ChatEngine) Send(ctx context.Context, text string, attachments []OutgoingAttachment) error {
	id := uuid.NewString()
	msg := session.Message{
		ID:        id,
		Role:      session.RoleUser,
		Content:   []session.ContentBlock{},
		Timestamp: time.Now().UnixMilli(),
	}
	if text != "" {
		msg.Content = append(msg.Content, session.ContentBlock{Type: session.BlockText, Text: text})
	}
	for _, a := range attachments {
		if a.Type == "image" {
			msg.Content = append(msg.Content, session.ContentBlock{
				Type:  session.BlockImage,
				Image: &session.ImageSource{Data: a.Content, MediaType: a.MimeType},
			})
		}
	}

	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.messages = append(e.messages, msg)
	e.mu.Unlock()
	e.updates.Emit(struct{}{})

	params := ChatSendParams{
		SessionKey:     e.key,
		Message:        text,
		Attachments:    attachments,
		IdempotencyKey: id,
	}
	var result ChatSendResult
	if err := e.client.Request(ctx, MethodChatSend, params, &result); err != nil {
		e.mu.Lock()
		if i := e.indexOf(id); i >= 0 {
			e.messages = append(e.messages[:i], e.messages[i+1:]...)
		}
		e.mu.Unlock()
		e.updates.Emit(struct{}{})
		return err
	}

	e.mu.Lock()
	if result.RunID != "" && e.runID == "" && e.streaming {
		e.runID = result.RunID
	}
	e.mu.Unlock()
	return nil
}

// Abort asks the gateway to stop the current run and ends streaming
// locally. With no run in flight it does nothing.
func (e *ChatEngine) Abort(ctx context.Context) error {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return ErrClosed
	}
	if !e.streaming && e.runID == "" {
		e.mu.Unlock()
		return nil
	}
	runID := e.runID
	e.mu.Unlock()

	if err := e.client.Request(ctx, MethodChatAbort, ChatAbortParams{SessionKey: e.key, RunID: runID}, nil); err != nil {
		return err
	}

	e.mu.Lock()
	wasStreaming := e.streaming
	e.finishRun(runID)
	e.streaming = false
	e.runID = ""
	e.mu.Unlock()

	if wasStreaming {
		e.updates.Emit(struct{}{})
	}
	return nil
}

// Clear empties the local transcript. The server history is untouched.
func (e *ChatEngine) Clear() {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	e.messages = []session.Message{}
	e.streaming = false
	e.runID = ""
	e.mu.Unlock()

	e.updates.Emit(struct{}{})
}

// Destroy stops event delivery and drops every listener
func (e *ChatEngine) Destroy() {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	e.destroyed = true
	unsubscribe := e.unsubscribe
	e.mu.Unlock()

	unsubscribe()
	e.cancelHistory()
	e.updates.Clear()
	e.errs.Clear()
}
