package session

import (
	"strings"
	"unicode"
)

// Range is a half-open byte range into a string
type Range struct {
	Start int
	End   int
}

// Match is a message whose text contains the search query
type Match struct {
	MessageID string
	Role      Role
	Text      string
	Ranges    []Range
}

// FindAll returns the non-overlapping, case-insensitive occurrences of
// query in text as byte ranges. Matching is done per rune so offsets stay
// valid for multi-byte text.
func FindAll(text, query string) []Range {
	q := []rune(strings.TrimSpace(query))
	if len(q) == 0 {
		return nil
	}
	for i, r := range q {
		q[i] = unicode.ToLower(r)
	}

	runes := make([]rune, 0, len(text))
	offsets := make([]int, 0, len(text)+1)
	for off, r := range text {
		runes = append(runes, unicode.ToLower(r))
		offsets = append(offsets, off)
	}
	offsets = append(offsets, len(text))

	var ranges []Range
	for i := 0; i+len(q) <= len(runes); {
		if runesEqual(runes[i:i+len(q)], q) {
			ranges = append(ranges, Range{Start: offsets[i], End: offsets[i+len(q)]})
			i += len(q)
			continue
		}
		i++
	}
	return ranges
}

func runesEqual(a, b []rune) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Highlight wraps every occurrence of query in text with open and close
func Highlight(text, query, open, close string) string {
	ranges := FindAll(text, query)
	if len(ranges) == 0 {
		return text
	}

	var b strings.Builder
	last := 0
	for _, r := range ranges {
		b.WriteString(text[last:r.Start])
		b.WriteString(open)
		b.WriteString(text[r.Start:r.End])
		b.WriteString(close)
		last = r.End
	}
	b.WriteString(text[last:])
	return b.String()
}

// Search returns the messages whose primary text contains query, in order
func Search(messages []Message, query string) []Match {
	var matches []Match
	for _, m := range messages {
		text := m.Text()
		if ranges := FindAll(text, query); len(ranges) > 0 {
			matches = append(matches, Match{
				MessageID: m.ID,
				Role:      m.Role,
				Text:      text,
				Ranges:    ranges,
			})
		}
	}
	return matches
}

// FilterSessions returns the sessions whose display name, key or agent
// contains query. An empty query returns every session.
func FilterSessions(sessions []Session, query string) []Session {
	if strings.TrimSpace(query) == "" {
		return append([]Session(nil), sessions...)
	}
	var out []Session
	for _, s := range sessions {
		for _, field := range []string{s.DisplayName(), s.Key, s.Agent} {
			if len(FindAll(field, query)) > 0 {
				out = append(out, s)
				break
			}
		}
	}
	return out
}
