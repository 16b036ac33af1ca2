package session

import "strings"

// Role identifies the author of a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType identifies the kind of a content block
type BlockType string

const (
	BlockText     BlockType = "text"
	BlockImage    BlockType = "image"
	BlockThinking BlockType = "thinking"
)

// ImageSource holds either inline base64 data or a remote URL
type ImageSource struct {
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
}

// ContentBlock is one typed piece of a message
type ContentBlock struct {
	Type     BlockType    `json:"type"`
	Text     string       `json:"text,omitempty"`
	Thinking string       `json:"thinking,omitempty"`
	Image    *ImageSource `json:"image,omitempty"`
}

// Message represents a single turn in a conversation
type Message struct {
	ID           string         `json:"id"`
	Role         Role           `json:"role"`
	Content      []ContentBlock `json:"content"`
	Timestamp    int64          `json:"timestamp,omitempty"`
	IsStreaming  bool           `json:"isStreaming,omitempty"`
	IsError      bool           `json:"isError,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
}

// TextMessage builds a message with a single text block
func TextMessage(id string, role Role, text string) Message {
	return Message{
		ID:      id,
		Role:    role,
		Content: []ContentBlock{{Type: BlockText, Text: text}},
	}
}

// Text concatenates every text block in order. Thinking is never included.
func (m Message) Text() string {
	var b strings.Builder
	for _, block := range m.Content {
		if block.Type == BlockText {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// Thinking concatenates the reasoning trace blocks
func (m Message) Thinking() string {
	var parts []string
	for _, block := range m.Content {
		if block.Type == BlockThinking && block.Thinking != "" {
			parts = append(parts, block.Thinking)
		}
	}
	return strings.Join(parts, "\n")
}

// Images returns the image blocks of the message
func (m Message) Images() []ImageSource {
	var images []ImageSource
	for _, block := range m.Content {
		if block.Type == BlockImage && block.Image != nil {
			images = append(images, *block.Image)
		}
	}
	return images
}

// Clone returns a copy that shares no slices with m
func (m Message) Clone() Message {
	out := m
	if m.Content != nil {
		out.Content = make([]ContentBlock, len(m.Content))
		for i, block := range m.Content {
			out.Content[i] = block
			if block.Image != nil {
				img := *block.Image
				out.Content[i].Image = &img
			}
		}
	}
	return out
}

// CloneMessages deep copies a message list. A nil input yields an empty list.
func CloneMessages(messages []Message) []Message {
	out := make([]Message, len(messages))
	for i, m := range messages {
		out[i] = m.Clone()
	}
	return out
}

// textLen is the number of bytes of primary text in the message
func (m Message) textLen() int {
	n := 0
	for _, block := range m.Content {
		if block.Type == BlockText {
			n += len(block.Text)
		}
	}
	return n
}

// GrowsFrom reports whether m is an append-only continuation of prev:
// every text byte of prev is still a prefix of m's text.
func (m Message) GrowsFrom(prev Message) bool {
	if m.textLen() < prev.textLen() {
		return false
	}
	return strings.HasPrefix(m.Text(), prev.Text())
}
