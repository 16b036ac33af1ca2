// Package export writes a session transcript to Markdown, JSON or YAML.
package export

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"GatewayChat/internal/session"
	"GatewayChat/internal/store"
)

// Conversation is one session and its transcript
type Conversation struct {
	Session    session.Session
	Title      string
	Messages   []session.Message
	ExportedAt time.Time
}

// Exporter renders a conversation in one format
type Exporter interface {
	Export(conv Conversation, w io.Writer) error
	Extension() string
}

// ExportError reports a failed export
type ExportError struct {
	Format string
	Path   string
	Err    error
}

func (e *ExportError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("export %s: %v", e.Format, e.Err)
	}
	return fmt.Sprintf("export %s to %s: %v", e.Format, e.Path, e.Err)
}

func (e *ExportError) Unwrap() error {
	return e.Err
}

// ForFormat returns the exporter for name
func ForFormat(name string) (Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "md", "markdown":
		return &MarkdownExporter{}, nil
	case "json":
		return &JSONExporter{}, nil
	case "yaml", "yml":
		return &YAMLExporter{}, nil
	default:
		return nil, fmt.Errorf("unsupported format: %s (supported: md, json, yaml)", name)
	}
}

// WriteFile renders conv into dir. The file name is derived from the
// conversation title and the file is replaced atomically.
func WriteFile(dir string, conv Conversation, exp Exporter) (string, error) {
	var buf bytes.Buffer
	if err := exp.Export(conv, &buf); err != nil {
		return "", &ExportError{Format: exp.Extension(), Err: err}
	}

	path := filepath.Join(dir, FileName(conv, exp.Extension()))
	if err := store.AtomicWriteFile(path, buf.Bytes(), 0644); err != nil {
		return "", &ExportError{Format: exp.Extension(), Path: path, Err: err}
	}
	return path, nil
}

// FileName builds a file system safe name such as
// "trip-planning-20261016-101500.md"
func FileName(conv Conversation, ext string) string {
	slug := slugify(conv.Title)
	if slug == "" {
		slug = slugify(conv.Session.DisplayName())
	}
	if slug == "" {
		slug = "session"
	}
	at := conv.ExportedAt
	if at.IsZero() {
		at = time.Now()
	}
	return fmt.Sprintf("%s-%s.%s", slug, at.Format("20060102-150405"), ext)
}

func slugify(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
		if b.Len() >= 60 {
			break
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// document is the serialized shape shared by the JSON and YAML exporters
type document struct {
	Session    sessionDoc   `json:"session" yaml:"session"`
	ExportedAt time.Time    `json:"exportedAt" yaml:"exportedAt"`
	Messages   []messageDoc `json:"messages" yaml:"messages"`
}

type sessionDoc struct {
	Key   string `json:"key" yaml:"key"`
	Title string `json:"title" yaml:"title"`
	Kind  string `json:"kind,omitempty" yaml:"kind,omitempty"`
	Agent string `json:"agent,omitempty" yaml:"agent,omitempty"`
}

type messageDoc struct {
	ID        string   `json:"id" yaml:"id"`
	Role      string   `json:"role" yaml:"role"`
	Timestamp string   `json:"timestamp,omitempty" yaml:"timestamp,omitempty"`
	Text      string   `json:"text" yaml:"text"`
	Thinking  string   `json:"thinking,omitempty" yaml:"thinking,omitempty"`
	Images    []string `json:"images,omitempty" yaml:"images,omitempty"`
	Error     string   `json:"error,omitempty" yaml:"error,omitempty"`
}

func newDocument(conv Conversation) document {
	title := conv.Title
	if title == "" {
		title = conv.Session.DisplayName()
	}
	doc := document{
		Session: sessionDoc{
			Key:   conv.Session.Key,
			Title: title,
			Kind:  string(conv.Session.Kind),
			Agent: conv.Session.Agent,
		},
		ExportedAt: conv.ExportedAt.UTC(),
		Messages:   make([]messageDoc, 0, len(conv.Messages)),
	}
	for _, m := range conv.Messages {
		if m.IsStreaming {
			continue
		}
		md := messageDoc{
			ID:        m.ID,
			Role:      string(m.Role),
			Timestamp: formatMillis(m.Timestamp),
			Text:      m.Text(),
			Thinking:  m.Thinking(),
		}
		for _, img := range m.Images() {
			md.Images = append(md.Images, imageRef(img))
		}
		if m.IsError {
			md.Error = m.ErrorMessage
			if md.Error == "" {
				md.Error = "failed"
			}
		}
		doc.Messages = append(doc.Messages, md)
	}
	return doc
}

func formatMillis(ms int64) string {
	if ms <= 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

// imageRef describes an image without inlining its data
func imageRef(img session.ImageSource) string {
	if img.URL != "" {
		return img.URL
	}
	mediaType := img.MediaType
	if mediaType == "" {
		mediaType = "image"
	}
	return fmt.Sprintf("%s, %d bytes base64", mediaType, len(img.Data))
}
