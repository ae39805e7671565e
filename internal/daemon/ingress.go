package daemon

import (
	"context"
	"errors"
	"time"

	"github.com/aruna/rudder/internal/telegram"
	"github.com/aruna/rudder/internal/tracing"
	"github.com/aruna/rudder/pkg/choice"
	"github.com/aruna/rudder/pkg/recovery"
	"github.com/aruna/rudder/pkg/session"
	"github.com/aruna/rudder/pkg/steering"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// HandleUpdate routes one raw transport update. It runs on the bot's
// update goroutine, so anything slow is pushed onto the dispatch queue.
func (d *Daemon) HandleUpdate(update tgbotapi.Update) {
	in, err := telegram.NormalizeInbound(update, d.config.Telegram.Allowlist)
	if err != nil {
		if errors.Is(err, telegram.ErrUnauthorized) {
			d.logger.Warn().Msg("Dropped update from sender outside the allowlist")
		}
		return
	}

	ctx := tracing.NewRequestContext(d.ctx)
	ctx = tracing.WithSessionKey(ctx, in.Identity.Key())

	if in.Callback != nil {
		d.handleCallback(ctx, in)
		return
	}
	if in.Command != "" {
		d.handleCommand(ctx, in)
		return
	}
	d.handleMessage(ctx, in)
}

func (d *Daemon) handleMessage(ctx context.Context, in *telegram.Inbound) {
	log := tracing.LoggerFromContext(ctx, d.logger.GetZerolog())

	verdict := d.order.Evaluate(in.Identity.Key(), in.TimestampMs, in.Text)
	if !verdict.Accepted {
		// Stale delivery, already superseded. Dropped without a notice.
		return
	}

	s := d.registry.GetOrCreate(ctx, in.Identity)
	s.SetLastMessage(in.Text)

	if in.IsInterrupt {
		d.handleInterrupt(ctx, s, in)
		return
	}

	// A pending direct-input marker claims the next free-text message
	// as a choice answer instead of steering or a fresh prompt.
	if direct, ok := s.TakeDirectInput(time.Now()); ok {
		d.handleDirectInput(ctx, s, in, direct)
		return
	}

	// An unresolved recovery prompt is auto-resolved as context the
	// moment the conversation moves on.
	if s.Recovery().HasPending() {
		d.autoResolveRecovery(ctx, s, in.ChatID)
	}

	if s.Busy() {
		evicted, err := s.Steer(in.Text, int64(in.MessageID), d.toolContext(s.Key()))
		if err != nil {
			log.Error().Err(err).Msg("Failed to buffer steering message")
			return
		}
		if evicted {
			log.Warn().Msg("Steering buffer full, oldest message evicted")
		}
		d.transport.React(in.ChatID, in.MessageID, "👌")
		return
	}

	d.dispatchQuery(ctx, s, in.ChatID, in.Text, int64(in.MessageID))
}

// handleInterrupt aborts the in-flight query and, when the interrupt
// carries remaining text, dispatches it as the next prompt. The stop
// runs off-queue so it can cut ahead of queued work.
func (d *Daemon) handleInterrupt(ctx context.Context, s *session.Session, in *telegram.Inbound) {
	text := telegram.InterruptText(in.Text)
	log := tracing.LoggerFromContext(ctx, d.logger.GetZerolog())

	d.transport.React(in.ChatID, in.MessageID, "✋")

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := s.Stop(ctx); err != nil {
			log.Warn().Err(err).Msg("Interrupt stop did not complete cleanly")
		}
		if text != "" {
			d.dispatchQuery(ctx, s, in.ChatID, text, int64(in.MessageID))
		}
	}()
}

// handleDirectInput consumes a free-text message as a choice answer
func (d *Daemon) handleDirectInput(ctx context.Context, s *session.Session, in *telegram.Inbound, direct *choice.DirectInputState) {
	// A single-choice free-text answer short-circuits the state
	// machine: the text itself is the resolved answer.
	if direct.Kind == choice.DirectInputSingle {
		state := s.Choice()
		s.ClearChoice()
		d.removeChoiceKeyboards(in.ChatID, state)
		d.dispatchQuery(ctx, s, in.ChatID, in.Text, int64(in.MessageID))
		return
	}

	input := choice.Input{
		Kind:       choice.MultiDirectInput,
		QuestionID: direct.QuestionID,
		Label:      in.Text,
	}

	state := s.Choice()
	result, err := s.ApplyChoice(input)
	if err != nil {
		var transition *choice.TransitionError
		if errors.As(err, &transition) {
			d.transport.SendText(in.ChatID, "That choice has expired or is no longer valid.", in.MessageID)
			return
		}
		d.logger.Error().Err(err).Msg("Failed to apply direct input")
		return
	}

	if result.Status == choice.StatusResolved {
		d.removeChoiceKeyboards(in.ChatID, state)
		d.dispatchQuery(ctx, s, in.ChatID, result.Label, int64(in.MessageID))
		return
	}
	d.transport.SendText(in.ChatID, result.Ack, in.MessageID)
}

// autoResolveRecovery folds an unresolved recovery set into the next
// query as context and retires the recovery prompt.
func (d *Daemon) autoResolveRecovery(ctx context.Context, s *session.Session, chatID int64) {
	pending := s.Recovery().PeekPending()
	promptID := 0
	if pending != nil {
		promptID = pending.PromptMessageID
	}

	header, err := s.Recovery().ContextHeader(ctx, false)
	if err != nil {
		d.logger.Warn().Err(err).Msg("Failed to build recovery context header")
		return
	}
	if header != "" {
		s.SetPendingContext(header)
	}
	if promptID != 0 {
		d.transport.DeleteMessage(chatID, promptID)
	}
	d.logger.Info().Str("session_key", s.Key()).Msg("Recovery set auto-resolved as context")
}

// openRecovery opens a recovery set over orphaned steering messages
// and posts the resolution prompt with its keyboard.
func (d *Daemon) openRecovery(s *session.Session, chatID int64, orphaned []steering.Message) {
	if len(orphaned) == 0 {
		return
	}

	text := recovery.FormatLostMessages(orphaned) + "\nHow should these be handled?"
	msgID, _, err := d.transport.SendChoice(chatID, text, telegram.RecoveryKeyboard())
	if err != nil {
		d.logger.Error().Err(err).Msg("Failed to post recovery prompt")
		msgID = 0
	}
	s.Recovery().Open(orphaned, msgID)
}
