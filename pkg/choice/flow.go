// Package choice implements the interactive choice/form negotiation
// overlaid on free-text chat: single-question button prompts and
// multi-question forms, resolvable by button press or free-text input.
package choice

import (
	"fmt"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"
)

// Kind discriminates the choice state union
type Kind int

const (
	// KindSingle is a one-question prompt resolved by a single selection
	KindSingle Kind = iota
	// KindMulti is a multi-question form resolved once every question is answered
	KindMulti
)

// Option is one selectable answer
type Option struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Question is one question with its options
type Question struct {
	ID      string   `json:"id"`
	Text    string   `json:"text"`
	Options []Option `json:"options"`
}

// Selection records the chosen answer for a question
type Selection struct {
	ChoiceID string `json:"choice_id"`
	Label    string `json:"label"`
}

// State is the pending choice negotiation attached to a session
type State struct {
	Kind       Kind                 `json:"kind"`
	FormID     string               `json:"form_id,omitempty"`
	MessageIDs []int                `json:"message_ids"`
	Questions  []Question           `json:"questions"`
	Selections map[string]Selection `json:"selections,omitempty"`
}

// Status is the outcome of a transition
type Status int

const (
	// StatusPending means more answers are needed; the updated state
	// must be stored back on the session.
	StatusPending Status = iota
	// StatusResolved means the negotiation is complete and the state
	// must be cleared from the session.
	StatusResolved
)

// Result is the outcome of applying a selection
type Result struct {
	Status Status
	// Label is the resolved answer: the option label for single mode,
	// or the combined per-question summary for multi mode.
	Label string
	// Ack is a short acknowledgment to show while a form is pending.
	Ack string
	// State is the updated state for pending results.
	State *State
}

// InputKind discriminates transition inputs
type InputKind int

const (
	// SingleOption answers a single-question prompt by option id
	SingleOption InputKind = iota
	// MultiOption answers one form question by option id
	MultiOption
	// MultiDirectInput answers one form question with free text
	MultiDirectInput
)

// Input is one transition of the choice state machine
type Input struct {
	Kind       InputKind
	OptionID   string
	QuestionID string
	// Label carries the free-text answer for MultiDirectInput
	Label string
}

// TransitionError is returned for invalid selections: unknown option
// ids, or answers against a state that has been cleared or replaced.
// Callers map it to a "choice expired or invalid" user notice.
type TransitionError struct {
	Reason string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid choice transition: %s", e.Reason)
}

// NewSingle creates a single-question choice state
func NewSingle(question Question, messageIDs []int) *State {
	return &State{
		Kind:       KindSingle,
		MessageIDs: messageIDs,
		Questions:  []Question{question},
	}
}

// NewMulti creates a multi-question form state with a fresh form id
func NewMulti(questions []Question, messageIDs []int) *State {
	formID, err := gonanoid.New(8)
	if err != nil {
		// gonanoid only fails when the system entropy source does
		formID = fmt.Sprintf("form-%d", len(questions))
	}
	return &State{
		Kind:       KindMulti,
		FormID:     formID,
		MessageIDs: messageIDs,
		Questions:  questions,
		Selections: make(map[string]Selection),
	}
}

// Complete reports whether every question has a recorded selection
func (s *State) Complete() bool {
	if s == nil {
		return false
	}
	if s.Kind == KindSingle {
		return len(s.Selections) > 0
	}
	return len(s.Selections) == len(s.Questions)
}

// Apply applies a selection to the state and returns the transition
// result. The caller owns storing back a pending state or clearing a
// resolved one.
func Apply(state *State, input Input) (Result, error) {
	if state == nil {
		return Result{}, &TransitionError{Reason: "no choice is pending"}
	}

	switch input.Kind {
	case SingleOption:
		return applySingle(state, input)
	case MultiOption, MultiDirectInput:
		return applyMulti(state, input)
	default:
		return Result{}, &TransitionError{Reason: fmt.Sprintf("unknown input kind %d", input.Kind)}
	}
}

func applySingle(state *State, input Input) (Result, error) {
	if state.Kind != KindSingle {
		return Result{}, &TransitionError{Reason: "selection targets a single choice but a form is pending"}
	}

	question := state.Questions[0]
	option, ok := findOption(question, input.OptionID)
	if !ok {
		return Result{}, &TransitionError{Reason: fmt.Sprintf("unknown option %q", input.OptionID)}
	}

	log.Debug().Str("option_id", option.ID).Msg("Single choice resolved")
	return Result{
		Status: StatusResolved,
		Label:  option.Label,
	}, nil
}

func applyMulti(state *State, input Input) (Result, error) {
	if state.Kind != KindMulti {
		return Result{}, &TransitionError{Reason: "selection targets a form but a single choice is pending"}
	}

	question, ok := findQuestion(state, input.QuestionID)
	if !ok {
		return Result{}, &TransitionError{Reason: fmt.Sprintf("unknown question %q", input.QuestionID)}
	}

	var selection Selection
	switch input.Kind {
	case MultiDirectInput:
		label := strings.TrimSpace(input.Label)
		if label == "" {
			return Result{}, &TransitionError{Reason: "empty direct input"}
		}
		selection = Selection{ChoiceID: "direct-input", Label: label}
	default:
		option, ok := findOption(question, input.OptionID)
		if !ok {
			return Result{}, &TransitionError{Reason: fmt.Sprintf("unknown option %q for question %q", input.OptionID, input.QuestionID)}
		}
		selection = Selection{ChoiceID: option.ID, Label: option.Label}
	}

	if state.Selections == nil {
		state.Selections = make(map[string]Selection)
	}
	state.Selections[question.ID] = selection

	if !state.Complete() {
		remaining := len(state.Questions) - len(state.Selections)
		return Result{
			Status: StatusPending,
			Ack:    fmt.Sprintf("Recorded %q (%d to go)", selection.Label, remaining),
			State:  state,
		}, nil
	}

	log.Debug().Str("form_id", state.FormID).Msg("Form resolved")
	return Result{
		Status: StatusResolved,
		Label:  combinedLabel(state),
	}, nil
}

// combinedLabel joins answers as "<question>: <label>" per question in
// original question order.
func combinedLabel(state *State) string {
	parts := make([]string, 0, len(state.Questions))
	for _, q := range state.Questions {
		sel, ok := state.Selections[q.ID]
		if !ok {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", q.Text, sel.Label))
	}
	return strings.Join(parts, "\n")
}

func findQuestion(state *State, questionID string) (Question, bool) {
	for _, q := range state.Questions {
		if q.ID == questionID {
			return q, true
		}
	}
	return Question{}, false
}

func findOption(q Question, optionID string) (Option, bool) {
	for _, o := range q.Options {
		if o.ID == optionID {
			return o, true
		}
	}
	return Option{}, false
}
