// Package gateway talks to a chat gateway over WebSocket. Client is the
// connection with request/response and server events; Engine is a
// per-session view of one conversation built on top of a Client.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"GatewayChat/internal/session"
)

var (
	// ErrNotConnected is returned when a request needs a live connection
	ErrNotConnected = errors.New("gateway not connected")
	// ErrClosed is returned when using a destroyed engine
	ErrClosed = errors.New("gateway engine destroyed")
)

// ConnectionState is the lifecycle state of a Client
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// Client is a connection to a gateway
type Client interface {
	// Connect dials and authenticates. It is a no-op unless disconnected.
	Connect(ctx context.Context) error

	// Disconnect closes the connection and stops reconnecting
	Disconnect()

	IsConnected() bool
	State() ConnectionState

	// OnConnectionStateChange registers fn for state transitions
	OnConnectionStateChange(fn func(ConnectionState)) (unsubscribe func())

	// SessionsList fetches raw session records
	SessionsList(ctx context.Context, opts SessionsListOptions) (*SessionsListResult, error)

	// Request performs a method call and decodes the payload into out
	Request(ctx context.Context, method string, params any, out any) error

	// Subscribe registers fn for server events named event
	Subscribe(event string, fn func(payload json.RawMessage)) (unsubscribe func())
}

// Engine tracks the messages of one session
type Engine interface {
	SessionKey() string
	Messages() []session.Message
	IsStreaming() bool

	// Send posts a user message with optional attachments
	Send(ctx context.Context, text string, attachments []OutgoingAttachment) error

	// Abort stops the current assistant run
	Abort(ctx context.Context) error

	// Clear empties the local transcript
	Clear()

	OnUpdate(fn func()) (unsubscribe func())
	OnError(fn func(error)) (unsubscribe func())

	// Destroy detaches the engine from its client. It is idempotent.
	Destroy()
}

// DefaultHistoryLimit bounds chat.history requests
const DefaultHistoryLimit = 200

// FetchHistory loads and normalizes the transcript for key. Records that
// fail normalization are skipped.
func FetchHistory(ctx context.Context, c Client, key string, limit int) ([]session.Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	var result ChatHistoryResult
	if err := c.Request(ctx, MethodChatHistory, ChatHistoryParams{SessionKey: key, Limit: limit}, &result); err != nil {
		return nil, err
	}

	messages := make([]session.Message, 0, len(result.Messages))
	for i, raw := range result.Messages {
		m, err := session.NormalizeMessage(raw, historyID(key, i))
		if err != nil {
			continue
		}
		messages = append(messages, m)
	}
	return messages, nil
}

func historyID(key string, i int) string {
	return key + "#" + strconv.Itoa(i)
}
