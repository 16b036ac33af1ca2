package session

import "strings"

const (
	maxTitleRunes           = 48
	minSubstantiveWordCount = 2
)

// HasTitleMaterial reports whether the conversation carries enough content
// to name it: a user message with text and a finished, non-error assistant
// reply of at least a couple of words.
func HasTitleMaterial(messages []Message) bool {
	var hasUser, hasAssistant bool
	for _, m := range messages {
		switch m.Role {
		case RoleUser:
			if strings.TrimSpace(m.Text()) != "" {
				hasUser = true
			}
		case RoleAssistant:
			if !m.IsStreaming && !m.IsError && len(strings.Fields(m.Text())) >= minSubstantiveWordCount {
				hasAssistant = true
			}
		}
	}
	return hasUser && hasAssistant
}

// DeriveTitle builds a short title from the first user message
func DeriveTitle(messages []Message) string {
	for _, m := range messages {
		if m.Role != RoleUser {
			continue
		}
		text := strings.Join(strings.Fields(m.Text()), " ")
		if text == "" {
			continue
		}
		runes := []rune(text)
		if len(runes) > maxTitleRunes {
			cut := string(runes[:maxTitleRunes-3])
			if i := strings.LastIndex(cut, " "); i > maxTitleRunes/2 {
				cut = cut[:i]
			}
			text = strings.TrimRight(cut, " .,;:") + "..."
		}
		return text
	}
	return ""
}

// UnreadAfter counts assistant messages after the message with id lastRead.
// An empty or unknown marker counts every assistant message.
func UnreadAfter(messages []Message, lastRead string) int {
	start := 0
	if lastRead != "" {
		for i, m := range messages {
			if m.ID == lastRead {
				start = i + 1
				break
			}
		}
	}
	count := 0
	for _, m := range messages[start:] {
		if m.Role == RoleAssistant {
			count++
		}
	}
	return count
}
