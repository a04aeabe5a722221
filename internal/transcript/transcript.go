// Package transcript maintains the ordered, de-duplicated conversation
// transcript. Messages arrive from three independently-driven sources
// (the history fetch, synchronous send responses, and the WebSocket live
// feed) and all of them funnel through [Transcript.Append], the single
// mutation point. The idempotency rules there are what resolve the
// ordering hazards between those sources; there are no locks because a
// transcript is owned by one widget event loop.
package transcript

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser   Role = "user"
	RoleBot    Role = "bot"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// ParseRole maps a wire sender string to a Role. Unknown senders fall
// back to the bot role, matching how the backend labels AI replies.
func ParseRole(sender string) Role {
	switch strings.ToLower(sender) {
	case "user":
		return RoleUser
	case "agent":
		return RoleAgent
	case "system":
		return RoleSystem
	default:
		return RoleBot
	}
}

// Message is one transcript entry. Immutable once created.
type Message struct {
	ID        string `json:"id"`
	Role      Role   `json:"role"`
	Text      string `json:"text"`
	Timestamp int64  `json:"ts"` // epoch millis
}

// DefaultLimit bounds the in-memory transcript. Old messages fall off
// the front; the backend keeps the full history.
const DefaultLimit = 1000

// Transcript is the append-only ordered message list. Not safe for
// concurrent use; all mutation happens on the widget event loop.
type Transcript struct {
	messages []Message
	byID     map[string]struct{}
	limit    int

	// now is replaced in tests.
	now func() time.Time
}

// New creates an empty transcript bounded at DefaultLimit.
func New() *Transcript {
	return NewWithLimit(DefaultLimit)
}

// NewWithLimit creates an empty transcript holding at most limit
// messages; the oldest are dropped first. A non-positive limit means
// unbounded.
func NewWithLimit(limit int) *Transcript {
	return &Transcript{
		byID:  make(map[string]struct{}),
		limit: limit,
		now:   time.Now,
	}
}

// Append adds a message timestamped now. See AppendAt for the rules.
func (t *Transcript) Append(role Role, text, id string) (Message, bool) {
	return t.AppendAt(role, text, id, t.now().UnixMilli())
}

// AppendAt adds a message with an explicit timestamp (used when
// ingesting history that carries server timestamps). It enforces the
// reconciliation rules, in order:
//
//  1. Empty or whitespace-only text is rejected.
//  2. A message whose id is already present is dropped; the same
//     WebSocket event or REST echo must not duplicate.
//  3. A message identical in role and text to the immediately preceding
//     one is dropped, guarding against duplicate pushes that lack ids.
//  4. An agent message repeating the preceding user message verbatim is
//     dropped; some backends echo the user's own text back labeled as
//     agent.
//  5. Otherwise the message is inserted (with a generated id if none
//     was given) and the transcript re-sorted by timestamp, stable, so
//     equal timestamps keep insertion order.
//
// Returns the stored message and true when the append took effect.
func (t *Transcript) AppendAt(role Role, text, id string, ts int64) (Message, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Message{}, false
	}

	if id != "" {
		if _, seen := t.byID[id]; seen {
			return Message{}, false
		}
	}

	if last, ok := t.Last(); ok {
		if last.Role == role && last.Text == trimmed {
			return Message{}, false
		}
		if last.Role == RoleUser && role == RoleAgent && last.Text == trimmed {
			return Message{}, false
		}
	}

	if id == "" {
		id = uuid.NewString()
	}

	msg := Message{ID: id, Role: role, Text: trimmed, Timestamp: ts}
	t.messages = append(t.messages, msg)
	t.byID[id] = struct{}{}

	sort.SliceStable(t.messages, func(i, j int) bool {
		return t.messages[i].Timestamp < t.messages[j].Timestamp
	})

	if t.limit > 0 && len(t.messages) > t.limit {
		drop := t.messages[:len(t.messages)-t.limit]
		for _, d := range drop {
			delete(t.byID, d.ID)
		}
		t.messages = t.messages[len(drop):]
	}

	return msg, true
}

// Messages returns a copy of the transcript in order.
func (t *Transcript) Messages() []Message {
	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// Len returns the number of messages.
func (t *Transcript) Len() int {
	return len(t.messages)
}

// Last returns the final message and true, or false when empty.
func (t *Transcript) Last() (Message, bool) {
	if len(t.messages) == 0 {
		return Message{}, false
	}
	return t.messages[len(t.messages)-1], true
}

// Reset clears the transcript. Used on session reset (tenant change or
// explicit clear); messages are never removed any other way.
func (t *Transcript) Reset() {
	t.messages = nil
	t.byID = make(map[string]struct{})
}
