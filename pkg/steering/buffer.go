// Package steering buffers user messages that arrive while an agent
// query is already running, so they can be injected into a later turn
// instead of starting a concurrent query.
package steering

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aruna/rudder/internal/observability"
	"github.com/rs/zerolog/log"
)

// DefaultMaxBuffered is the default buffer capacity per conversation.
const DefaultMaxBuffered = 20

// Separator joins formatted entries when more than one is pending.
const Separator = "\n---\n"

// Validation errors returned synchronously by Push.
var (
	ErrEmptyContent    = fmt.Errorf("steering content must not be empty")
	ErrInvalidSourceID = fmt.Errorf("steering source message id must be a positive integer")
)

// Message is a single buffered steering entry
type Message struct {
	Content         string    `json:"content"`
	SourceMessageID int64     `json:"source_message_id"`
	Timestamp       time.Time `json:"timestamp"`
	ToolContext     string    `json:"tool_context,omitempty"`
}

// Buffer is a bounded, ordered queue of steering messages for one
// conversation. Insertion beyond capacity evicts the oldest entry.
type Buffer struct {
	mu         sync.Mutex
	sessionKey string
	max        int
	entries    []Message
}

// NewBuffer creates a steering buffer for a conversation
func NewBuffer(sessionKey string, max int) *Buffer {
	if max <= 0 {
		max = DefaultMaxBuffered
	}
	return &Buffer{
		sessionKey: sessionKey,
		max:        max,
	}
}

// Push appends a message to the buffer. It returns true when the push
// evicted the oldest entry to stay within capacity. Validation failures
// are returned synchronously and leave the buffer untouched.
func (b *Buffer) Push(content string, sourceMessageID int64, toolContext string) (bool, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return false, ErrEmptyContent
	}
	if sourceMessageID <= 0 {
		return false, ErrInvalidSourceID
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	evicted := false
	if len(b.entries) >= b.max {
		b.entries = b.entries[1:]
		evicted = true
	}

	b.entries = append(b.entries, Message{
		Content:         trimmed,
		SourceMessageID: sourceMessageID,
		Timestamp:       time.Now(),
		ToolContext:     toolContext,
	})

	depth := len(b.entries)
	log.Debug().
		Str("session_key", b.sessionKey).
		Int64("source_message_id", sourceMessageID).
		Int("depth", depth).
		Bool("evicted", evicted).
		Msg("Steering message buffered")
	observability.RecordSteeringPush(b.sessionKey, depth, evicted)

	return evicted, nil
}

// Restore re-inserts raw messages, oldest first. Used when steering is
// recovered from a shutdown snapshot or a resolved recovery set.
func (b *Buffer) Restore(messages []Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, msg := range messages {
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		if len(b.entries) >= b.max {
			b.entries = b.entries[1:]
		}
		b.entries = append(b.entries, msg)
	}
	observability.SetSteeringDepth(b.sessionKey, len(b.entries))
}

// HasPending reports whether any messages are buffered
func (b *Buffer) HasPending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries) > 0
}

// Count returns the number of buffered messages
func (b *Buffer) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Peek returns the formatted pending content without consuming it.
// It returns "" when the buffer is empty.
func (b *Buffer) Peek() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return format(b.entries)
}

// Consume returns the formatted pending content and empties the buffer.
// It returns "" when the buffer is empty.
func (b *Buffer) Consume() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := format(b.entries)
	b.entries = nil
	observability.SetSteeringDepth(b.sessionKey, 0)
	return out
}

// Extract returns the raw pending entries and empties the buffer.
// Used by recovery, which needs originals rather than formatted text.
func (b *Buffer) Extract() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.entries
	b.entries = nil
	observability.SetSteeringDepth(b.sessionKey, 0)
	return out
}

// format renders entries for prompt injection. A single entry carries
// no separator.
func format(entries []Message) string {
	if len(entries) == 0 {
		return ""
	}

	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, FormatEntry(e))
	}
	return strings.Join(parts, Separator)
}

// FormatEntry renders one steering entry with its human-readable time
// and tool context tag.
func FormatEntry(e Message) string {
	if e.ToolContext != "" {
		return fmt.Sprintf("[%s] (during %s) %s", e.Timestamp.Format("15:04:05"), e.ToolContext, e.Content)
	}
	return fmt.Sprintf("[%s] %s", e.Timestamp.Format("15:04:05"), e.Content)
}
