package daemon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aruna/rudder/internal/observability"
	"github.com/aruna/rudder/internal/telegram"
	"github.com/aruna/rudder/internal/tracing"
	"github.com/aruna/rudder/pkg/choice"
	"github.com/aruna/rudder/pkg/dispatch"
	"github.com/aruna/rudder/pkg/history"
	"github.com/aruna/rudder/pkg/provider"
	"github.com/aruna/rudder/pkg/ratelimit"
	"github.com/aruna/rudder/pkg/session"
	"go.opentelemetry.io/otel/attribute"
)

// historyWindow is how many prior turns accompany a query
const historyWindow = 20

// queryOutcome is the terminal result of one provider round trip
type queryOutcome struct {
	text    string
	aborted bool
	limited bool
	resetAt time.Time
	err     error
}

// dispatchQuery pushes a query onto the session's lane. Enqueue blocks
// until the task completes, so it always runs off the update goroutine.
// sourceID is the inbound message id behind the prompt, used when the
// prompt has to be steered instead.
func (d *Daemon) dispatchQuery(ctx context.Context, s *session.Session, chatID int64, prompt string, sourceID int64) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		err := d.queue.Enqueue(ctx, s.Key(), func(ctx context.Context) error {
			return d.processQuery(ctx, s, chatID, prompt, sourceID)
		}, &dispatch.TaskOptions{
			WarnAfterMs: 15000,
			OnWait: func(waitMs int64, queuePos int) {
				d.transport.SendTyping(chatID)
			},
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Debug().Err(err).Str("session_key", s.Key()).Msg("Query task did not complete")
		}
	}()
}

// processQuery is one full query cycle: claim the session, run the
// query with rate-limit remediation, deliver the response, then drain
// any steering that piled up while it ran.
func (d *Daemon) processQuery(ctx context.Context, s *session.Session, chatID int64, prompt string, sourceID int64) error {
	finish, gen, err := s.StartProcessing()
	if err != nil {
		if errors.Is(err, session.ErrBusy) {
			// Lost the claim race; the running query will drain it
			if sourceID <= 0 {
				sourceID = time.Now().UnixMilli()
			}
			if _, steerErr := s.Steer(prompt, sourceID, d.toolContext(s.Key())); steerErr != nil {
				d.logger.Error().Err(steerErr).Msg("Failed to buffer raced prompt")
			}
			return nil
		}
		return err
	}
	// finish is rebound if a crash restart reclaims the session
	defer func() { finish() }()

	d.transport.SendTyping(chatID)

	// Steering that outlived the previous query (aborted, or left over
	// when the drain rounds ran out) rides along with this one.
	if carried := s.Buffer().Consume(); carried != "" {
		prompt = "Messages sent during previous execution:\n" + carried + "\n\n" + prompt
	}
	if header := s.TakePendingContext(); header != "" {
		prompt = header + "\n\n" + prompt
	}

	out := d.runCycle(ctx, s, gen, chatID, prompt)

	if out.err != nil && !out.limited && !out.aborted {
		out = d.restartAfterCrash(ctx, s, chatID, prompt, out, &gen, &finish)
	}
	if out.err != nil || out.aborted {
		return nil
	}

	s.Fallback().OnSuccess()
	d.noteRecoveredTier(ctx, s, chatID)
	d.recordHistory(ctx, s, prompt, out.text)
	d.deliver(s, chatID, out.text)
	d.drainSteering(ctx, s, gen, chatID)
	return nil
}

// restartAfterCrash gives a crashed provider exactly one more attempt
// on a fresh session. Steering orphaned by the kill goes through the
// recovery prompt.
func (d *Daemon) restartAfterCrash(ctx context.Context, s *session.Session, chatID int64, prompt string, out queryOutcome, gen *int, finish *func()) queryOutcome {
	log := tracing.LoggerFromContext(ctx, d.logger.GetZerolog())
	log.Error().Err(out.err).Str("session_key", s.Key()).Msg("Provider query crashed, restarting session")

	orphaned := s.Kill()
	d.setCurrentTool(s.Key(), "")
	d.transport.SendText(chatID, "The agent crashed. Starting a fresh session and retrying once.", 0)
	d.openRecovery(s, chatID, orphaned)

	newFinish, newGen, err := s.StartProcessing()
	if err != nil {
		log.Error().Err(err).Msg("Could not reclaim session after crash")
		d.transport.SendText(chatID, "The retry could not start. Please resend your message.", 0)
		return out
	}
	*finish = newFinish
	*gen = newGen

	retried := d.runCycle(ctx, s, newGen, chatID, prompt)
	if retried.err != nil && !retried.limited && !retried.aborted {
		d.transport.SendText(chatID, fmt.Sprintf("The agent failed again: %v", retried.err), 0)
	}
	return retried
}

// runCycle runs one query with the rate-limit fallback applied: at
// most one retry on the lower tier, never a second.
func (d *Daemon) runCycle(ctx context.Context, s *session.Session, gen int, chatID int64, prompt string) queryOutcome {
	out := d.runQueryOnce(ctx, s, gen, prompt)
	if !out.limited {
		return out
	}

	decision := s.Fallback().OnRateLimit(ctx, out.resetAt)
	if decision.Action == ratelimit.ActionRetryFallback {
		d.transport.SendText(chatID, fmt.Sprintf("Rate limited. Retrying once on %s.", decision.Model), 0)
		out = d.runQueryOnce(ctx, s, gen, prompt)
		if !out.limited {
			return out
		}
		decision = s.Fallback().OnRateLimit(ctx, out.resetAt)
	}

	d.notifyRateLimit(chatID, decision)
	return out
}

// runQueryOnce performs a single provider round trip under the current
// model tier and folds the event stream into an outcome.
func (d *Daemon) runQueryOnce(ctx context.Context, s *session.Session, gen int, prompt string) queryOutcome {
	ctx, span := tracing.StartSpan(
		ctx,
		"rudder.daemon",
		"daemon.query",
		attribute.String("session_key", s.Key()),
	)
	defer span.End()
	log := tracing.LoggerFromContext(ctx, d.logger.GetZerolog())

	model := s.Fallback().Model(d.config.Provider.Model)

	var turns []provider.Turn
	if recent, err := d.history.RecentTurns(ctx, s.Key(), historyWindow); err != nil {
		log.Warn().Err(err).Msg("Failed to load history, querying without it")
	} else {
		turns = make([]provider.Turn, 0, len(recent))
		for _, t := range recent {
			turns = append(turns, provider.Turn{Role: t.Role, Content: t.Content})
		}
	}

	started := time.Now()
	handle, err := d.provider.StartQuery(ctx, provider.QueryInput{
		SessionKey: s.Key(),
		Prompt:     prompt,
		Model:      model,
		MaxTokens:  d.config.Provider.MaxTokens,
		WorkingDir: s.WorkingDir(),
		History:    turns,
	})
	if err != nil {
		observability.RecordQuery("error", time.Since(started))
		return queryOutcome{err: err}
	}

	s.SetAbort(gen, func() { d.provider.AbortQuery(handle) })
	s.MarkRunning(gen)
	log.Info().Str("model", model).Msg("Query started")

	var out queryOutcome
	for ev := range handle.Events {
		switch ev.Kind {
		case provider.EventSessionStarted:
			s.SetProviderSessionID(gen, ev.SessionID)
		case provider.EventToolInvoked:
			d.setCurrentTool(s.Key(), ev.Tool)
			log.Debug().Str("tool", ev.Tool).Msg("Tool invoked")
		case provider.EventRateLimited:
			out.resetAt = ev.ResetTime
		case provider.EventDone:
			res := ev.Result
			out.text = res.Text
			out.aborted = res.Aborted
			out.err = res.Err
			out.limited = res.Err != nil && provider.IsRateLimited(res.Err)
			if !res.Aborted && res.Err == nil {
				if s.ApplyUsage(gen, res.Usage) {
					if persistErr := d.registry.Persist(ctx, s); persistErr != nil {
						log.Error().Err(persistErr).Msg("Auto-save failed")
					} else {
						log.Info().Msg("Context window threshold crossed, session saved")
					}
				}
			}
		}
	}
	d.setCurrentTool(s.Key(), "")

	status := "ok"
	switch {
	case out.aborted:
		status = "aborted"
	case out.limited:
		status = "rate_limited"
	case out.err != nil:
		status = "error"
	}
	observability.RecordQuery(status, time.Since(started))
	return out
}

// drainSteering runs the bounded auto-continue rounds after a delivered
// response.
func (d *Daemon) drainSteering(ctx context.Context, s *session.Session, gen int, chatID int64) {
	_, stillPending, err := s.DrainSteering(ctx, func(ctx context.Context, p string) error {
		out := d.runCycle(ctx, s, gen, chatID, p)
		if out.err != nil {
			return out.err
		}
		if out.aborted {
			return nil
		}
		s.Fallback().OnSuccess()
		d.recordHistory(ctx, s, p, out.text)
		d.deliver(s, chatID, out.text)
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Warn().Err(err).Str("session_key", s.Key()).Msg("Steering drain stopped on error")
	}
	if stillPending {
		d.transport.SendText(chatID, "Steering messages are still pending. Send any message to continue.", 0)
	}
}

// deliver sends a response, routing embedded choice requests to inline
// keyboards.
func (d *Daemon) deliver(s *session.Session, chatID int64, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	if prompt, ok := choice.ParsePrompt(text); ok {
		d.presentChoice(s, chatID, prompt)
		return
	}
	if _, _, err := d.transport.SendText(chatID, text, 0); err != nil {
		d.logger.Error().Err(err).Msg("Failed to deliver response")
	}
}

func (d *Daemon) presentChoice(s *session.Session, chatID int64, prompt *choice.Prompt) {
	if prompt.Kind == choice.KindSingle {
		q := prompt.Questions[0]
		msgID, _, err := d.transport.SendChoice(chatID, q.Text, telegram.SingleKeyboard(q))
		if err != nil {
			d.logger.Error().Err(err).Msg("Failed to post choice prompt")
			return
		}
		s.SetChoice(choice.NewSingle(q, []int{msgID}))
		return
	}

	state := choice.NewMulti(prompt.Questions, nil)
	ids := make([]int, 0, len(prompt.Questions))
	for _, q := range prompt.Questions {
		msgID, _, err := d.transport.SendChoice(chatID, q.Text, telegram.FormKeyboard(state.FormID, q))
		if err != nil {
			d.logger.Error().Err(err).Str("question_id", q.ID).Msg("Failed to post form question")
			continue
		}
		ids = append(ids, msgID)
	}
	if len(ids) == 0 {
		return
	}
	state.MessageIDs = ids
	s.SetChoice(state)
}

func (d *Daemon) notifyRateLimit(chatID int64, decision ratelimit.Decision) {
	switch decision.Action {
	case ratelimit.ActionCooldownActive, ratelimit.ActionCooldownStarted:
		d.transport.SendText(chatID, fmt.Sprintf(
			"Rate limited. Cooling down until %s.",
			decision.CooldownUntil.Format("15:04:05"),
		), 0)
	case ratelimit.ActionReport:
		d.transport.SendText(chatID, "Rate limited by the provider. Please try again in a few minutes.", 0)
	}
}

// noteRecoveredTier clears a fallback override once the original tier
// has observably recovered, and tells the user.
func (d *Daemon) noteRecoveredTier(ctx context.Context, s *session.Session, chatID int64) {
	if !s.Fallback().Overridden() {
		return
	}
	if s.Fallback().CheckOriginalRecovered(ctx, d.config.Provider.Model) {
		d.transport.SendText(chatID, fmt.Sprintf("Back on %s.", d.config.Provider.Model), 0)
	}
}

func (d *Daemon) recordHistory(ctx context.Context, s *session.Session, prompt, reply string) {
	now := time.Now()
	if err := d.history.Append(ctx, s.Key(), history.Turn{Role: "user", Content: prompt, Timestamp: now}); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to record user turn")
	}
	if strings.TrimSpace(reply) == "" {
		return
	}
	if err := d.history.Append(ctx, s.Key(), history.Turn{Role: "assistant", Content: reply, Timestamp: time.Now()}); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to record assistant turn")
	}
}
