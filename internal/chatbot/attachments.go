package chatbot

import (
	"encoding/base64"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"GatewayChat/internal/gateway"
)

// maxAttachmentBytes bounds files read by AttachmentFromFile
const maxAttachmentBytes = 20 << 20

// Attachment is a user supplied file before normalization. Content is
// base64 text or a data URL.
type Attachment struct {
	MimeType string
	FileName string
	Content  string
}

// PrepareAttachments normalizes and classifies attachments for chat.send.
// Attachments whose payload is empty after normalization are dropped.
func PrepareAttachments(attachments []Attachment) []gateway.OutgoingAttachment {
	out := make([]gateway.OutgoingAttachment, 0, len(attachments))
	for _, a := range attachments {
		mimeType, content := normalizePayload(strings.TrimSpace(a.MimeType), a.Content)
		if content == "" {
			continue
		}
		mimeType = strings.ToLower(mimeType)

		o := gateway.OutgoingAttachment{
			MimeType: mimeType,
			FileName: strings.TrimSpace(a.FileName),
			Content:  content,
		}
		switch {
		case strings.HasPrefix(mimeType, "image/"):
			o.Type = "image"
		case strings.HasPrefix(mimeType, "audio/"):
			o.Type = "file"
			o.Extension = "m4a"
		default:
			o.Type = "file"
			o.Extension = "bin"
		}
		out = append(out, o)
	}
	return out
}

// normalizePayload strips a data URL prefix and every whitespace character
// from content. The data URL media type is used when mimeType is empty.
func normalizePayload(mimeType, content string) (string, string) {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "data:") {
		if comma := strings.IndexByte(content, ','); comma > 0 {
			header := content[len("data:"):comma]
			content = content[comma+1:]
			if mimeType == "" {
				mimeType = strings.TrimSuffix(header, ";base64")
			}
		}
	}
	content = strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', '\t', ' ':
			return -1
		}
		return r
	}, content)
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return mimeType, content
}

// AttachmentFromFile reads path and base64 encodes it. The MIME type comes
// from the extension, or from the content when the extension is unknown.
func AttachmentFromFile(path string) (Attachment, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Attachment{}, fmt.Errorf("failed to read attachment: %w", err)
	}
	if info.IsDir() {
		return Attachment{}, fmt.Errorf("attachment %s is a directory", path)
	}
	if info.Size() > maxAttachmentBytes {
		return Attachment{}, fmt.Errorf("attachment %s is too large (%d bytes)", path, info.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Attachment{}, fmt.Errorf("failed to read attachment: %w", err)
	}

	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}

	return Attachment{
		MimeType: mimeType,
		FileName: filepath.Base(path),
		Content:  base64.StdEncoding.EncodeToString(data),
	}, nil
}
