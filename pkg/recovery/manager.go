// Package recovery holds steering messages orphaned by a session reset
// or crash until the user decides what to do with them.
package recovery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aruna/rudder/internal/observability"
	"github.com/aruna/rudder/pkg/steering"
	"github.com/rs/zerolog"
)

// HistoryLimit caps how many persisted turns the context+history
// resolution folds into the next query.
const HistoryLimit = 10

// Resolution is a disposition for a pending recovery set
type Resolution string

const (
	// ResolveResend re-injects the messages as steering for the next query
	ResolveResend Resolution = "resend"
	// ResolveDiscard drops the messages
	ResolveDiscard Resolution = "discard"
	// ResolveContext folds the messages into a one-shot context header
	ResolveContext Resolution = "context"
	// ResolveContextHistory folds messages plus recent chat history
	ResolveContextHistory Resolution = "context_history"
)

// Turn is one persisted chat turn fetched from the history collaborator
type Turn struct {
	Role      string
	Content   string
	Timestamp time.Time
}

// ChatHistory is the external chat-history collaborator
type ChatHistory interface {
	RecentTurns(ctx context.Context, sessionKey string, limit int) ([]Turn, error)
}

// PendingSet is the outstanding recovery set for a session
type PendingSet struct {
	Messages        []steering.Message `json:"messages"`
	PromptMessageID int                `json:"prompt_message_id"`
	CreatedAt       time.Time          `json:"created_at"`
}

// Manager tracks at most one pending recovery set per session
type Manager struct {
	mu         sync.Mutex
	sessionKey string
	pending    *PendingSet
	history    ChatHistory
	logger     zerolog.Logger
}

// NewManager creates a recovery manager for a session. The history
// collaborator may be nil; the context+history resolution then degrades
// to plain context.
func NewManager(sessionKey string, history ChatHistory, logger zerolog.Logger) *Manager {
	return &Manager{
		sessionKey: sessionKey,
		history:    history,
		logger:     logger.With().Str("component", "recovery").Str("session_key", sessionKey).Logger(),
	}
}

// Open records a pending recovery set. Calling it again while a set is
// already open refines the same set: the prompt message id is updated
// and any new messages are appended.
func (m *Manager) Open(messages []steering.Message, promptMessageID int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending != nil {
		if promptMessageID != 0 {
			m.pending.PromptMessageID = promptMessageID
		}
		m.pending.Messages = append(m.pending.Messages, messages...)
		m.logger.Debug().Int("messages", len(m.pending.Messages)).Msg("Recovery set refined")
		return
	}

	m.pending = &PendingSet{
		Messages:        messages,
		PromptMessageID: promptMessageID,
		CreatedAt:       time.Now(),
	}
	m.logger.Info().Int("messages", len(messages)).Msg("Recovery set opened")
}

// HasPending reports whether a recovery set is outstanding
func (m *Manager) HasPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending != nil
}

// PeekPending returns the outstanding set without clearing it
func (m *Manager) PeekPending() *PendingSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

// Resolve returns and clears the pending messages. It returns nil when
// no set is outstanding, so a double resolution is harmless.
func (m *Manager) Resolve(resolution Resolution) []steering.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending == nil {
		return nil
	}

	messages := m.pending.Messages
	m.pending = nil

	m.logger.Info().
		Str("resolution", string(resolution)).
		Int("messages", len(messages)).
		Msg("Recovery set resolved")
	observability.RecordRecoveryResolution(string(resolution))

	return messages
}

// ContextHeader resolves the pending set as a one-shot context block to
// prepend to the next outbound query. With history enabled it also
// folds in up to HistoryLimit persisted turns.
func (m *Manager) ContextHeader(ctx context.Context, includeHistory bool) (string, error) {
	resolution := ResolveContext
	if includeHistory {
		resolution = ResolveContextHistory
	}

	messages := m.Resolve(resolution)
	if len(messages) == 0 {
		return "", nil
	}

	header := FormatLostMessages(messages)

	if includeHistory && m.history != nil {
		turns, err := m.history.RecentTurns(ctx, m.sessionKey, HistoryLimit)
		if err != nil {
			// History is best effort; the lost messages still make it through
			m.logger.Warn().Err(err).Msg("Chat history fetch failed, folding without history")
			return header, nil
		}
		if len(turns) > 0 {
			header = FormatHistory(turns) + "\n\n" + header
		}
	}

	return header, nil
}

// FormatLostMessages renders orphaned messages with their timestamps
// for folding into the next query.
func FormatLostMessages(messages []steering.Message) string {
	if len(messages) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Messages from the previous session that were not processed:\n")
	for _, msg := range messages {
		sb.WriteString(steering.FormatEntry(msg))
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// FormatHistory renders persisted chat turns, oldest first.
func FormatHistory(turns []Turn) string {
	if len(turns) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Recent conversation history:\n")
	for _, turn := range turns {
		sb.WriteString(fmt.Sprintf("[%s] %s: %s\n", turn.Timestamp.Format("15:04:05"), turn.Role, turn.Content))
	}
	return strings.TrimRight(sb.String(), "\n")
}
