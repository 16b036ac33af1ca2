package gateway

import (
	"encoding/json"
	"fmt"
)

// Frame types
const (
	FrameRequest  = "req"
	FrameResponse = "res"
	FrameEvent    = "event"
)

// Gateway methods
const (
	MethodConnect      = "connect"
	MethodSessionsList = "sessions.list"
	MethodChatHistory  = "chat.history"
	MethodChatSend     = "chat.send"
	MethodChatAbort    = "chat.abort"
)

// EventChat carries streaming chat updates for every session
const EventChat = "chat"

// Chat event states
const (
	ChatStateDelta   = "delta"
	ChatStateFinal   = "final"
	ChatStateAborted = "aborted"
	ChatStateError   = "error"
)

// Frame is the single JSON envelope used in both directions
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the error payload of a failed response
type RPCError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("gateway error: %s", e.Message)
	}
	return fmt.Sprintf("gateway error %s: %s", e.Code, e.Message)
}

// ClientInfo identifies this client to the gateway
type ClientInfo struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
}

// ConnectAuth carries the shared secret
type ConnectAuth struct {
	Token string `json:"token,omitempty"`
}

// ConnectParams is sent as the first request on every connection
type ConnectParams struct {
	Role       string      `json:"role"`
	Auth       ConnectAuth `json:"auth"`
	ClientInfo ClientInfo  `json:"clientInfo"`
}

// SessionsListOptions controls a sessions.list request
type SessionsListOptions struct {
	Limit         int  `json:"limit"`
	IncludeGlobal bool `json:"includeGlobal"`
}

// SessionsListResult holds raw session records; callers normalize them
type SessionsListResult struct {
	Sessions []json.RawMessage `json:"sessions"`
}

// ChatHistoryParams for chat.history
type ChatHistoryParams struct {
	SessionKey string `json:"sessionKey"`
	Limit      int    `json:"limit,omitempty"`
}

// ChatHistoryResult holds raw message records
type ChatHistoryResult struct {
	Messages []json.RawMessage `json:"messages"`
}

// OutgoingAttachment is an attachment ready for the wire
type OutgoingAttachment struct {
	Type      string `json:"type"` // "image" or "file"
	MimeType  string `json:"mimeType"`
	FileName  string `json:"fileName,omitempty"`
	Content   string `json:"content"` // base64
	Extension string `json:"extension,omitempty"`
}

// ChatSendParams for chat.send
type ChatSendParams struct {
	SessionKey     string               `json:"sessionKey"`
	Message        string               `json:"message"`
	Attachments    []OutgoingAttachment `json:"attachments,omitempty"`
	IdempotencyKey string               `json:"idempotencyKey"`
}

// ChatSendResult is the acknowledgement of chat.send
type ChatSendResult struct {
	RunID string `json:"runId,omitempty"`
}

// ChatAbortParams for chat.abort
type ChatAbortParams struct {
	SessionKey string `json:"sessionKey"`
	RunID      string `json:"runId,omitempty"`
}

// ChatEventPayload is the payload of a chat event
type ChatEventPayload struct {
	SessionKey   string          `json:"sessionKey"`
	RunID        string          `json:"runId"`
	State        string          `json:"state"`
	Message      json.RawMessage `json:"message,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
}
