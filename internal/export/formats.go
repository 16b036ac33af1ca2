package export

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// MarkdownExporter renders a readable transcript
type MarkdownExporter struct{}

// Export writes conv as Markdown
func (e *MarkdownExporter) Export(conv Conversation, w io.Writer) error {
	doc := newDocument(conv)
	ew := &errWriter{w: w}

	ew.printf("# %s\n\n", doc.Session.Title)
	ew.printf("**Session:** `%s`  \n", doc.Session.Key)
	if doc.Session.Agent != "" {
		ew.printf("**Agent:** %s  \n", doc.Session.Agent)
	}
	ew.printf("**Messages:** %d  \n", len(doc.Messages))
	ew.printf("**Exported:** %s\n\n", doc.ExportedAt.Format("2006-01-02 15:04 MST"))
	ew.printf("---\n\n")

	for i, m := range doc.Messages {
		stamp := ""
		if m.Timestamp != "" {
			stamp = fmt.Sprintf(" (%s)", m.Timestamp)
		}
		ew.printf("**%s:**%s\n\n", m.Role, stamp)

		if m.Thinking != "" {
			ew.printf("%s\n\n", quote(m.Thinking))
		}
		if m.Text != "" {
			ew.printf("%s\n\n", escapeMarkdown(m.Text))
		}
		for _, img := range m.Images {
			ew.printf("_[image: %s]_\n\n", img)
		}
		if m.Error != "" {
			ew.printf("> **Error:** %s\n\n", m.Error)
		}

		if i < len(doc.Messages)-1 {
			ew.printf("---\n\n")
		}
	}
	return ew.err
}

// Extension returns the file extension for this format
func (e *MarkdownExporter) Extension() string {
	return "md"
}

// quote renders text as a Markdown block quote
func quote(text string) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	for i, line := range lines {
		lines[i] = "> " + line
	}
	return strings.Join(lines, "\n")
}

// escapeMarkdown escapes emphasis markers outside fenced code blocks
func escapeMarkdown(text string) string {
	lines := strings.Split(text, "\n")
	inCode := false
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inCode = !inCode
			continue
		}
		if inCode {
			continue
		}
		line = strings.ReplaceAll(line, "**", "\\*\\*")
		lines[i] = strings.ReplaceAll(line, "__", "\\_\\_")
	}
	return strings.Join(lines, "\n")
}

type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}
	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

// JSONExporter renders pretty-printed JSON
type JSONExporter struct{}

// Export writes conv as JSON
func (e *JSONExporter) Export(conv Conversation, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(newDocument(conv))
}

// Extension returns the file extension for this format
func (e *JSONExporter) Extension() string {
	return "json"
}

// YAMLExporter renders YAML
type YAMLExporter struct{}

// Export writes conv as YAML
func (e *YAMLExporter) Export(conv Conversation, w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(newDocument(conv)); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

// Extension returns the file extension for this format
func (e *YAMLExporter) Extension() string {
	return "yaml"
}
