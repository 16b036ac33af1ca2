package session

import (
	"sort"
	"strings"
)

// DefaultKey is the well-known session every gateway exposes
const DefaultKey = "main"

// Kind categorizes a session. It only affects presentation.
type Kind string

const (
	KindDirect    Kind = "direct"
	KindChannel   Kind = "channel"
	KindSubagent  Kind = "subagent"
	KindScheduled Kind = "scheduled"
	KindUnknown   Kind = "unknown"
)

// Session represents one named conversation thread on a gateway
type Session struct {
	Key          string `json:"key"`
	FriendlyID   string `json:"friendlyId"`
	Label        string `json:"label,omitempty"`
	Title        string `json:"title,omitempty"`
	DerivedTitle string `json:"derivedTitle,omitempty"`
	Kind         Kind   `json:"kind"`
	Agent        string `json:"agent,omitempty"`
	CreatedAt    int64  `json:"createdAt,omitempty"`
	UpdatedAt    int64  `json:"updatedAt,omitempty"`
	MessageCount int    `json:"messageCount,omitempty"`
}

// DisplayName returns the best human readable name for the session
func (s Session) DisplayName() string {
	return s.DisplayNameWith("")
}

// DisplayNameWith is DisplayName with a locally derived smart title ranked
// after the server supplied label and title.
func (s Session) DisplayNameWith(smartTitle string) string {
	for _, name := range []string{s.Label, s.Title, smartTitle, s.DerivedTitle, s.FriendlyID} {
		if name = strings.TrimSpace(name); name != "" {
			return name
		}
	}
	return s.Key
}

// Icon returns a short marker for the session kind
func (s Session) Icon() string {
	switch s.Kind {
	case KindChannel:
		return "#"
	case KindSubagent:
		return "~"
	case KindScheduled:
		return "@"
	default:
		return "*"
	}
}

// SortByRecency orders sessions newest first. Ties fall back to creation
// time and then to the key so the order is stable across refreshes.
func SortByRecency(sessions []Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		a, b := sessions[i], sessions[j]
		if a.UpdatedAt != b.UpdatedAt {
			return a.UpdatedAt > b.UpdatedAt
		}
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt > b.CreatedAt
		}
		return a.Key < b.Key
	})
}

// OrderPinnedFirst returns a copy of sessions with pinned keys moved to the
// front. Relative order inside each group is preserved.
func OrderPinnedFirst(sessions []Session, pinned []string) []Session {
	if len(pinned) == 0 {
		return append([]Session(nil), sessions...)
	}
	isPinned := make(map[string]bool, len(pinned))
	for _, key := range pinned {
		isPinned[key] = true
	}

	out := make([]Session, 0, len(sessions))
	for _, s := range sessions {
		if isPinned[s.Key] {
			out = append(out, s)
		}
	}
	for _, s := range sessions {
		if !isPinned[s.Key] {
			out = append(out, s)
		}
	}
	return out
}

// Find returns the session with the given key
func Find(sessions []Session, key string) (Session, bool) {
	for _, s := range sessions {
		if s.Key == key {
			return s, true
		}
	}
	return Session{}, false
}
