package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// History is an append-only, ordered list of turns owned by a single
// component. It is not safe for concurrent use.
type History struct {
	turns []ChatMessage
}

// Append records a turn at the end of the history.
func (h *History) Append(role Role, content string) {
	h.turns = append(h.turns, ChatMessage{Role: role, Content: content})
}

// Len returns the number of recorded turns.
func (h *History) Len() int {
	return len(h.turns)
}

// Last returns a copy of the most recent n turns. Older turns are dropped,
// not summarized. n <= 0 yields an empty window.
func (h *History) Last(n int) []ChatMessage {
	if n <= 0 {
		return []ChatMessage{}
	}
	start := len(h.turns) - n
	if start < 0 {
		start = 0
	}
	out := make([]ChatMessage, len(h.turns)-start)
	copy(out, h.turns[start:])
	return out
}

// Turns returns a copy of the full history.
func (h *History) Turns() []ChatMessage {
	out := make([]ChatMessage, len(h.turns))
	copy(out, h.turns)
	return out
}

// Transcript renders the history as "User: ..." / "System: ..." lines.
func (h *History) Transcript() string {
	return FormatTranscript(h.turns)
}

// FormatTranscript renders turns one per line, labelling user turns "User"
// and everything else "System".
func FormatTranscript(turns []ChatMessage) string {
	var b strings.Builder
	for _, t := range turns {
		label := "System"
		if t.Role == RoleUser {
			label = "User"
		}
		b.WriteString(label)
		b.WriteString(": ")
		b.WriteString(t.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// Result is the immutable outcome of a completed session.
type Result struct {
	SessionID  string        `json:"-" yaml:"-"`
	StartedAt  time.Time     `json:"-" yaml:"-"`
	Dialogue   []ChatMessage `json:"dialogue" yaml:"dialogue"`
	Evaluation string        `json:"evaluation" yaml:"evaluation"`
}

// NewSessionID returns a random identifier for a simulation session.
var NewSessionID = func() string {
	return uuid.NewString()
}
