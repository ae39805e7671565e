package choice

import "time"

// DirectInputTTL bounds how long a direct-input prompt stays claimable.
const DirectInputTTL = 5 * time.Minute

// DirectInputKind distinguishes what the free-text answer resolves
type DirectInputKind string

const (
	// DirectInputSingle answers a single-question prompt
	DirectInputSingle DirectInputKind = "single"
	// DirectInputQuestion answers one question of a form
	DirectInputQuestion DirectInputKind = "question"
)

// DirectInputState marks that the next free-text message from the user
// should be consumed as a choice answer rather than steering. Expiry is
// checked lazily at consumption time, never swept eagerly.
type DirectInputState struct {
	Kind       DirectInputKind `json:"kind"`
	MessageID  int64           `json:"message_id"`
	CreatedAt  time.Time       `json:"created_at"`
	QuestionID string          `json:"question_id,omitempty"`
}

// NewDirectInput creates a direct-input marker
func NewDirectInput(kind DirectInputKind, messageID int64, questionID string) *DirectInputState {
	return &DirectInputState{
		Kind:       kind,
		MessageID:  messageID,
		CreatedAt:  time.Now(),
		QuestionID: questionID,
	}
}

// Expired reports whether the marker has outlived its TTL
func (d *DirectInputState) Expired(now time.Time) bool {
	if d == nil {
		return true
	}
	return now.Sub(d.CreatedAt) > DirectInputTTL
}
