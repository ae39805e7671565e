// Package provider defines the boundary to the model provider: queries
// are started against it and progress arrives as a typed event stream.
package provider

import (
	"context"
	"errors"
	"time"
)

// EventKind discriminates the events on a query stream
type EventKind string

const (
	// EventSessionStarted carries the provider-side session id
	EventSessionStarted EventKind = "session-started"
	// EventTextDelta carries an incremental chunk of response text
	EventTextDelta EventKind = "text-delta"
	// EventToolInvoked signals that the model started using a tool
	EventToolInvoked EventKind = "tool-invoked"
	// EventRateLimited signals a provider rate-limit failure
	EventRateLimited EventKind = "rate-limited"
	// EventDone terminates the stream; Result is always set
	EventDone EventKind = "done"
)

// Usage tracks token consumption for one query
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Result is the terminal outcome of a query stream
type Result struct {
	Text    string
	Usage   Usage
	Aborted bool
	Err     error
}

// Event is one entry on a query's event stream. Exactly one payload
// field is meaningful, selected by Kind.
type Event struct {
	Kind      EventKind
	SessionID string
	Text      string
	Tool      string
	ResetTime time.Time
	Result    *Result
}

// Turn is one prior conversation turn supplied with a query
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// QueryInput carries everything needed to start one query
type QueryInput struct {
	SessionKey   string
	Prompt       string
	Model        string
	MaxTokens    int
	SystemPrompt string
	WorkingDir   string
	History      []Turn
}

// Handle identifies an in-flight query. Events is closed after the
// done event is delivered.
type Handle struct {
	ID     string
	Events <-chan Event
	cancel context.CancelFunc
}

// ResumeInput asks the provider to pick up an earlier session
type ResumeInput struct {
	SessionKey        string
	ProviderSessionID string
}

// ResumeResult reports the provider session actually in effect
type ResumeResult struct {
	ProviderSessionID string
	Resumed           bool
}

// Provider is the model-provider collaborator. Implementations must
// deliver exactly one done event per started query and then close the
// event channel.
type Provider interface {
	// StartQuery begins a query and returns a handle whose Events
	// channel streams progress.
	StartQuery(ctx context.Context, input QueryInput) (*Handle, error)

	// AbortQuery cancels an in-flight query. The stream still ends
	// with a done event (Aborted set).
	AbortQuery(handle *Handle)

	// ResumeSession re-establishes a provider-side session
	ResumeSession(ctx context.Context, input ResumeInput) (ResumeResult, error)

	// Utilization reports a model tier's current quota utilization in
	// [0, 1]; used by the rate-limit fallback.
	Utilization(ctx context.Context, model string) (float64, error)
}

// ErrRateLimited marks a query that failed on provider rate limiting
var ErrRateLimited = errors.New("provider rate limited")

// IsRateLimited reports whether err is a rate-limit failure
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}
