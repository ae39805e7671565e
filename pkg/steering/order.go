package steering

import (
	"strings"
	"sync"

	"github.com/aruna/rudder/internal/observability"
	"github.com/rs/zerolog/log"
)

// InterruptSigil marks a message that should cut the queue and cancel
// the running query.
const InterruptSigil = "!"

// Verdict is the result of evaluating an inbound message against the
// ordering gate.
type Verdict struct {
	Accepted               bool
	InterruptBypassApplied bool
}

// OrderPolicy rejects messages that arrive out of timestamp order for a
// thread, with an explicit bypass for interrupt messages.
type OrderPolicy struct {
	mu       sync.Mutex
	lastSeen map[string]int64
}

// NewOrderPolicy creates an ordering gate
func NewOrderPolicy() *OrderPolicy {
	return &OrderPolicy{
		lastSeen: make(map[string]int64),
	}
}

// Evaluate accepts or rejects a message for a thread key based on
// timestamp monotonicity. Stale messages are accepted anyway when their
// text starts with the interrupt sigil, so a stop can always get
// through. On acceptance the last-seen timestamp is advanced, never
// rewound.
func (p *OrderPolicy) Evaluate(threadKey string, timestampMs int64, text string) Verdict {
	p.mu.Lock()
	defer p.mu.Unlock()

	last := p.lastSeen[threadKey]
	if timestampMs < last {
		if strings.HasPrefix(strings.TrimLeft(text, " \t\n"), InterruptSigil) {
			p.lastSeen[threadKey] = max64(last, timestampMs)
			return Verdict{Accepted: true, InterruptBypassApplied: true}
		}

		log.Debug().
			Str("thread_key", threadKey).
			Int64("timestamp_ms", timestampMs).
			Int64("last_seen_ms", last).
			Msg("Stale message dropped")
		observability.RecordStaleDrop()
		return Verdict{}
	}

	p.lastSeen[threadKey] = max64(last, timestampMs)
	return Verdict{Accepted: true}
}

// Forget clears ordering state for a thread key. Called when a
// conversation is reset.
func (p *OrderPolicy) Forget(threadKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.lastSeen, threadKey)
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
