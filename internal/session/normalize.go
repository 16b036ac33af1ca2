package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrInvalidRecord is returned for server records that cannot be mapped
	ErrInvalidRecord = errors.New("invalid record")
	// ErrUnsupportedRole is returned for messages that are neither user nor assistant turns
	ErrUnsupportedRole = errors.New("unsupported message role")
)

// RecordError describes why a raw server record was rejected
type RecordError struct {
	Record string // "session" or "message"
	ID     string
	Field  string
	Reason string
	Err    error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("%s record %q: %s: %s", e.Record, e.ID, e.Field, e.Reason)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

// flexInt accepts a JSON number, a numeric string or null
type flexInt int64

func (f *flexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*f = 0
			return nil
		}
		data = []byte(s)
	}
	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("not a number: %s", data)
	}
	*f = flexInt(v)
	return nil
}

type rawSession struct {
	Key          string  `json:"key"`
	FriendlyID   string  `json:"friendlyId"`
	SessionID    string  `json:"sessionId"`
	Label        string  `json:"label"`
	Title        string  `json:"title"`
	DisplayName  string  `json:"displayName"`
	DerivedTitle string  `json:"derivedTitle"`
	Kind         string  `json:"kind"`
	Agent        string  `json:"agent"`
	AgentID      string  `json:"agentId"`
	CreatedAt    flexInt `json:"createdAt"`
	UpdatedAt    flexInt `json:"updatedAt"`
	MessageCount flexInt `json:"messageCount"`
}

// NormalizeSession maps one raw sessions.list record into a Session
func NormalizeSession(raw json.RawMessage) (Session, error) {
	var r rawSession
	if err := json.Unmarshal(raw, &r); err != nil {
		return Session{}, &RecordError{Record: "session", Field: "*", Reason: err.Error(), Err: ErrInvalidRecord}
	}

	key := strings.TrimSpace(r.Key)
	if key == "" {
		return Session{}, &RecordError{Record: "session", Field: "key", Reason: "missing", Err: ErrInvalidRecord}
	}
	if r.CreatedAt < 0 || r.UpdatedAt < 0 {
		return Session{}, &RecordError{Record: "session", ID: key, Field: "timestamp", Reason: "negative", Err: ErrInvalidRecord}
	}
	if r.MessageCount < 0 {
		return Session{}, &RecordError{Record: "session", ID: key, Field: "messageCount", Reason: "negative", Err: ErrInvalidRecord}
	}

	s := Session{
		Key:          key,
		FriendlyID:   firstNonEmpty(r.FriendlyID, r.SessionID, lastSegment(key)),
		Label:        strings.TrimSpace(r.Label),
		Title:        strings.TrimSpace(firstNonEmpty(r.Title, r.DisplayName)),
		DerivedTitle: strings.TrimSpace(r.DerivedTitle),
		Kind:         normalizeKind(r.Kind, key),
		Agent:        firstNonEmpty(r.Agent, r.AgentID),
		CreatedAt:    int64(r.CreatedAt),
		UpdatedAt:    int64(r.UpdatedAt),
		MessageCount: int(r.MessageCount),
	}
	if s.Agent == "default" {
		s.Agent = ""
	}
	if s.UpdatedAt == 0 {
		s.UpdatedAt = s.CreatedAt
	}
	return s, nil
}

// NormalizeSessions maps every record it can and reports the ones it rejected
func NormalizeSessions(raws []json.RawMessage) ([]Session, []error) {
	sessions := make([]Session, 0, len(raws))
	var errs []error
	seen := make(map[string]bool, len(raws))
	for _, raw := range raws {
		s, err := NormalizeSession(raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[s.Key] {
			errs = append(errs, &RecordError{Record: "session", ID: s.Key, Field: "key", Reason: "duplicate", Err: ErrInvalidRecord})
			continue
		}
		seen[s.Key] = true
		sessions = append(sessions, s)
	}
	return sessions, errs
}

func normalizeKind(kind, key string) Kind {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "direct", "dm", "main":
		return KindDirect
	case "channel", "group":
		return KindChannel
	case "subagent":
		return KindSubagent
	case "scheduled", "cron":
		return KindScheduled
	case "":
		return inferKind(key)
	default:
		return KindUnknown
	}
}

func inferKind(key string) Kind {
	k := strings.ToLower(key)
	switch {
	case strings.Contains(k, ":subagent:"):
		return KindSubagent
	case strings.HasPrefix(k, "cron:") || strings.Contains(k, ":cron:"):
		return KindScheduled
	case strings.Contains(k, ":channel:") || strings.Contains(k, ":group:"):
		return KindChannel
	default:
		return KindDirect
	}
}

type rawMessage struct {
	ID           string          `json:"id"`
	Role         string          `json:"role"`
	Content      json.RawMessage `json:"content"`
	Timestamp    flexInt         `json:"timestamp"`
	StopReason   string          `json:"stopReason"`
	ErrorMessage string          `json:"errorMessage"`
}

type rawImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
	URL       string `json:"url"`
}

type rawBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text"`
	Thinking string          `json:"thinking"`
	Data     string          `json:"data"`
	URL      string          `json:"url"`
	MimeType string          `json:"mimeType"`
	Source   *rawImageSource `json:"source"`
}

// NormalizeMessage maps one raw history or event message. fallbackID is used
// when the record carries no id of its own.
func NormalizeMessage(raw json.RawMessage, fallbackID string) (Message, error) {
	var r rawMessage
	if err := json.Unmarshal(raw, &r); err != nil {
		return Message{}, &RecordError{Record: "message", ID: fallbackID, Field: "*", Reason: err.Error(), Err: ErrInvalidRecord}
	}

	id := firstNonEmpty(r.ID, fallbackID)
	if id == "" {
		return Message{}, &RecordError{Record: "message", Field: "id", Reason: "missing", Err: ErrInvalidRecord}
	}

	var role Role
	switch strings.ToLower(strings.TrimSpace(r.Role)) {
	case "user":
		role = RoleUser
	case "assistant":
		role = RoleAssistant
	default:
		return Message{}, &RecordError{Record: "message", ID: id, Field: "role", Reason: fmt.Sprintf("%q", r.Role), Err: ErrUnsupportedRole}
	}

	blocks, err := normalizeContent(r.Content)
	if err != nil {
		return Message{}, &RecordError{Record: "message", ID: id, Field: "content", Reason: err.Error(), Err: ErrInvalidRecord}
	}

	msg := Message{
		ID:           id,
		Role:         role,
		Content:      blocks,
		Timestamp:    int64(r.Timestamp),
		ErrorMessage: strings.TrimSpace(r.ErrorMessage),
	}
	msg.IsError = msg.ErrorMessage != "" || r.StopReason == "error"
	return msg, nil
}

func normalizeContent(raw json.RawMessage) ([]ContentBlock, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return []ContentBlock{}, nil
	}

	switch raw[0] {
	case '"':
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, err
		}
		return []ContentBlock{{Type: BlockText, Text: text}}, nil
	case '[':
		var rawBlocks []rawBlock
		if err := json.Unmarshal(raw, &rawBlocks); err != nil {
			return nil, err
		}
		blocks := make([]ContentBlock, 0, len(rawBlocks))
		for _, rb := range rawBlocks {
			if block, ok := normalizeBlock(rb); ok {
				blocks = append(blocks, block)
			}
		}
		return blocks, nil
	default:
		return nil, fmt.Errorf("expected string or array")
	}
}

func normalizeBlock(rb rawBlock) (ContentBlock, bool) {
	switch BlockType(rb.Type) {
	case BlockText:
		return ContentBlock{Type: BlockText, Text: rb.Text}, true
	case BlockThinking:
		return ContentBlock{Type: BlockThinking, Thinking: firstNonEmpty(rb.Thinking, rb.Text)}, true
	case BlockImage:
		img := &ImageSource{Data: rb.Data, URL: rb.URL, MediaType: rb.MimeType}
		if rb.Source != nil {
			img.Data = firstNonEmpty(rb.Source.Data, img.Data)
			img.URL = firstNonEmpty(rb.Source.URL, img.URL)
			img.MediaType = firstNonEmpty(rb.Source.MediaType, img.MediaType)
		}
		if img.Data == "" && img.URL == "" {
			return ContentBlock{}, false
		}
		return ContentBlock{Type: BlockImage, Image: img}, true
	default:
		return ContentBlock{}, false
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func lastSegment(key string) string {
	if i := strings.LastIndex(key, ":"); i >= 0 && i < len(key)-1 {
		return key[i+1:]
	}
	return key
}
