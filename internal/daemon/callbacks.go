package daemon

import (
	"context"
	"errors"
	"strings"

	"github.com/aruna/rudder/internal/telegram"
	"github.com/aruna/rudder/internal/tracing"
	"github.com/aruna/rudder/pkg/choice"
	"github.com/aruna/rudder/pkg/recovery"
	"github.com/aruna/rudder/pkg/session"
)

func (d *Daemon) handleCallback(ctx context.Context, in *telegram.Inbound) {
	s := d.registry.GetOrCreate(ctx, in.Identity)

	switch in.Callback.Kind {
	case telegram.CallbackSingle:
		d.handleChoiceAnswer(ctx, s, in, choice.Input{
			Kind:     choice.SingleOption,
			OptionID: in.Callback.OptionID,
		})
	case telegram.CallbackForm:
		d.handleChoiceAnswer(ctx, s, in, choice.Input{
			Kind:       choice.MultiOption,
			QuestionID: in.Callback.QuestionID,
			OptionID:   in.Callback.OptionID,
		})
	case telegram.CallbackFormInput:
		d.armDirectInput(s, in)
	case telegram.CallbackRecovery:
		d.transport.AnswerCallback(in.CallbackID, "")
		d.applyRecovery(ctx, s, in.ChatID, in.Callback.Policy)
	}
}

func (d *Daemon) handleChoiceAnswer(ctx context.Context, s *session.Session, in *telegram.Inbound, input choice.Input) {
	state := s.Choice()
	result, err := s.ApplyChoice(input)
	if err != nil {
		var transition *choice.TransitionError
		if errors.As(err, &transition) {
			d.transport.AnswerCallback(in.CallbackID, "Choice expired or invalid")
			return
		}
		d.logger.Error().Err(err).Msg("Failed to apply choice answer")
		d.transport.AnswerCallback(in.CallbackID, "Something went wrong")
		return
	}

	if result.Status == choice.StatusPending {
		d.transport.AnswerCallback(in.CallbackID, result.Ack)
		return
	}

	d.transport.AnswerCallback(in.CallbackID, "")
	d.removeChoiceKeyboards(in.ChatID, state)
	d.dispatchQuery(ctx, s, in.ChatID, result.Label, int64(in.MessageID))
}

// armDirectInput marks that the next free-text message answers the
// question behind the pressed button.
func (d *Daemon) armDirectInput(s *session.Session, in *telegram.Inbound) {
	state := s.Choice()
	if state == nil {
		d.transport.AnswerCallback(in.CallbackID, "Choice expired or invalid")
		return
	}

	kind := choice.DirectInputQuestion
	if state.Kind == choice.KindSingle {
		kind = choice.DirectInputSingle
	}
	s.SetDirectInput(choice.NewDirectInput(kind, int64(in.MessageID), in.Callback.QuestionID))
	d.transport.AnswerCallback(in.CallbackID, "Send your answer as a message")
}

// removeChoiceKeyboards strips the inline keyboards from every message
// that carried part of the resolved negotiation.
func (d *Daemon) removeChoiceKeyboards(chatID int64, state *choice.State) {
	if state == nil {
		return
	}
	for _, msgID := range state.MessageIDs {
		d.transport.RemoveKeyboard(chatID, msgID)
	}
}

// applyRecovery executes one recovery resolution against the session
func (d *Daemon) applyRecovery(ctx context.Context, s *session.Session, chatID int64, policy recovery.Resolution) {
	log := tracing.LoggerFromContext(ctx, d.logger.GetZerolog())

	pending := s.Recovery().PeekPending()
	if pending == nil {
		d.transport.SendText(chatID, "Nothing to recover.", 0)
		return
	}
	promptID := pending.PromptMessageID

	switch policy {
	case recovery.ResolveResend:
		messages := s.Recovery().Resolve(policy)
		parts := make([]string, 0, len(messages))
		var srcID int64
		for _, m := range messages {
			parts = append(parts, m.Content)
			if m.SourceMessageID > srcID {
				srcID = m.SourceMessageID
			}
		}
		if promptID != 0 {
			d.transport.DeleteMessage(chatID, promptID)
		}
		d.dispatchQuery(ctx, s, chatID, strings.Join(parts, "\n"), srcID)

	case recovery.ResolveDiscard:
		s.Recovery().Resolve(policy)
		if promptID != 0 {
			d.transport.DeleteMessage(chatID, promptID)
		}
		d.transport.SendText(chatID, "Discarded the unprocessed messages.", 0)

	case recovery.ResolveContext, recovery.ResolveContextHistory:
		header, err := s.Recovery().ContextHeader(ctx, policy == recovery.ResolveContextHistory)
		if err != nil {
			log.Error().Err(err).Msg("Failed to build recovery context")
			d.transport.SendText(chatID, "Could not prepare the recovery context.", 0)
			return
		}
		s.SetPendingContext(header)
		if promptID != 0 {
			d.transport.DeleteMessage(chatID, promptID)
		}
		d.transport.SendText(chatID, "They will be included as context with your next message.", 0)

	default:
		log.Warn().Str("policy", string(policy)).Msg("Unknown recovery policy")
	}
}
