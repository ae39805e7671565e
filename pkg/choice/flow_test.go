package choice

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func singleState() *State {
	return NewSingle(Question{
		ID:   "q1",
		Text: "Deploy to production?",
		Options: []Option{
			{ID: "yes", Label: "Yes, deploy"},
			{ID: "no", Label: "No, hold off"},
		},
	}, []int{100})
}

func multiState() *State {
	return NewMulti([]Question{
		{
			ID:   "env",
			Text: "Which environment?",
			Options: []Option{
				{ID: "dev", Label: "Development"},
				{ID: "prod", Label: "Production"},
			},
		},
		{
			ID:   "strategy",
			Text: "Which strategy?",
			Options: []Option{
				{ID: "rolling", Label: "Rolling"},
				{ID: "bluegreen", Label: "Blue/green"},
			},
		},
	}, []int{101, 102})
}

func TestSingle_ResolvesOnAnyValidOption(t *testing.T) {
	res, err := Apply(singleState(), Input{Kind: SingleOption, OptionID: "yes"})
	require.NoError(t, err)

	assert.Equal(t, StatusResolved, res.Status)
	assert.Equal(t, "Yes, deploy", res.Label)
}

func TestSingle_UnknownOption(t *testing.T) {
	_, err := Apply(singleState(), Input{Kind: SingleOption, OptionID: "maybe"})

	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
}

func TestApply_NilState(t *testing.T) {
	_, err := Apply(nil, Input{Kind: SingleOption, OptionID: "yes"})

	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
}

func TestMulti_PartialAnswerIsPending(t *testing.T) {
	state := multiState()

	res, err := Apply(state, Input{Kind: MultiOption, QuestionID: "env", OptionID: "prod"})
	require.NoError(t, err)

	assert.Equal(t, StatusPending, res.Status)
	assert.NotNil(t, res.State)
	assert.NotEmpty(t, res.Ack)
	assert.False(t, state.Complete())
}

func TestMulti_AllAnswersResolve(t *testing.T) {
	state := multiState()

	res, err := Apply(state, Input{Kind: MultiOption, QuestionID: "env", OptionID: "prod"})
	require.NoError(t, err)
	require.Equal(t, StatusPending, res.Status)

	res, err = Apply(state, Input{Kind: MultiOption, QuestionID: "strategy", OptionID: "rolling"})
	require.NoError(t, err)

	assert.Equal(t, StatusResolved, res.Status)
	assert.Equal(t, "Which environment?: Production\nWhich strategy?: Rolling", res.Label)
}

func TestMulti_LabelKeepsQuestionOrder(t *testing.T) {
	state := multiState()

	// Answer in reverse order; combined label stays in question order
	_, err := Apply(state, Input{Kind: MultiOption, QuestionID: "strategy", OptionID: "bluegreen"})
	require.NoError(t, err)
	res, err := Apply(state, Input{Kind: MultiOption, QuestionID: "env", OptionID: "dev"})
	require.NoError(t, err)

	assert.Equal(t, StatusResolved, res.Status)
	assert.Equal(t, "Which environment?: Development\nWhich strategy?: Blue/green", res.Label)
}

func TestMulti_DirectInputSharesCompletion(t *testing.T) {
	state := multiState()

	_, err := Apply(state, Input{Kind: MultiDirectInput, QuestionID: "env", Label: "staging-eu"})
	require.NoError(t, err)

	res, err := Apply(state, Input{Kind: MultiOption, QuestionID: "strategy", OptionID: "rolling"})
	require.NoError(t, err)

	assert.Equal(t, StatusResolved, res.Status)
	assert.Contains(t, res.Label, "Which environment?: staging-eu")
	assert.Contains(t, res.Label, "Which strategy?: Rolling")
}

func TestMulti_ReanswerOverwrites(t *testing.T) {
	state := multiState()

	_, err := Apply(state, Input{Kind: MultiOption, QuestionID: "env", OptionID: "dev"})
	require.NoError(t, err)
	_, err = Apply(state, Input{Kind: MultiOption, QuestionID: "env", OptionID: "prod"})
	require.NoError(t, err)

	res, err := Apply(state, Input{Kind: MultiOption, QuestionID: "strategy", OptionID: "rolling"})
	require.NoError(t, err)
	assert.Contains(t, res.Label, "Production")
	assert.NotContains(t, res.Label, "Development")
}

func TestMulti_UnknownQuestion(t *testing.T) {
	_, err := Apply(multiState(), Input{Kind: MultiOption, QuestionID: "nope", OptionID: "dev"})

	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
}

func TestMulti_EmptyDirectInputRejected(t *testing.T) {
	_, err := Apply(multiState(), Input{Kind: MultiDirectInput, QuestionID: "env", Label: "   "})

	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
}

func TestMulti_KindMismatch(t *testing.T) {
	_, err := Apply(singleState(), Input{Kind: MultiOption, QuestionID: "env", OptionID: "dev"})
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)

	_, err = Apply(multiState(), Input{Kind: SingleOption, OptionID: "dev"})
	require.ErrorAs(t, err, &terr)
}

func TestNewMulti_AssignsFormID(t *testing.T) {
	assert.NotEmpty(t, multiState().FormID)
}
