package daemon

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aruna/rudder/internal/telegram"
	"github.com/aruna/rudder/internal/tracing"
	"github.com/aruna/rudder/pkg/provider"
	"github.com/aruna/rudder/pkg/recovery"
	"github.com/aruna/rudder/pkg/session"
)

func (d *Daemon) handleCommand(ctx context.Context, in *telegram.Inbound) {
	log := tracing.LoggerFromContext(ctx, d.logger.GetZerolog())
	log.Info().Str("command", in.Command).Msg("Command received")

	switch in.Command {
	case "new":
		d.commandNew(ctx, in)
	case "stop":
		d.commandStop(ctx, in)
	case "status":
		d.commandStatus(in)
	case "resume":
		d.commandResume(ctx, in)
	case "recover":
		d.commandRecover(ctx, in)
	default:
		d.transport.SendText(in.ChatID, fmt.Sprintf("Unknown command /%s.", in.Command), in.MessageID)
	}
}

// commandNew discards the conversation and starts over. Steering that
// was still buffered goes through the recovery prompt rather than
// silently vanishing.
func (d *Daemon) commandNew(ctx context.Context, in *telegram.Inbound) {
	key := in.Identity.Key()

	rejected := d.queue.ResetLane(key)
	if rejected > 0 {
		d.logger.Info().Int("rejected", rejected).Str("session_key", key).Msg("Queued tasks rejected by reset")
	}
	d.order.Forget(key)
	d.setCurrentTool(key, "")

	orphaned := d.registry.Kill(ctx, in.Identity)
	if err := d.history.Delete(ctx, key); err != nil {
		d.logger.Warn().Err(err).Str("session_key", key).Msg("Failed to clear history")
	}

	d.transport.SendText(in.ChatID, "Started a new session.", 0)

	if len(orphaned) > 0 {
		s := d.registry.GetOrCreate(ctx, in.Identity)
		d.openRecovery(s, in.ChatID, orphaned)
	}
}

func (d *Daemon) commandStop(ctx context.Context, in *telegram.Inbound) {
	s, ok := d.registry.Get(in.Identity)
	if !ok || !s.Busy() {
		d.transport.SendText(in.ChatID, "Nothing is running.", 0)
		return
	}

	d.transport.React(in.ChatID, in.MessageID, "✋")
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := s.Stop(ctx); err != nil {
			d.logger.Warn().Err(err).Str("session_key", s.Key()).Msg("Stop did not complete cleanly")
			d.transport.SendText(in.ChatID, "The query did not stop in time.", 0)
			return
		}
		d.transport.SendText(in.ChatID, "Stopped.", 0)
	}()
}

func (d *Daemon) commandStatus(in *telegram.Inbound) {
	s, ok := d.registry.Get(in.Identity)
	if !ok {
		d.transport.SendText(in.ChatID, "No active session.", 0)
		return
	}

	queryState, activityState := s.States()
	usage, size := s.ContextWindow()
	fallback := s.Fallback().Snapshot()

	var b strings.Builder
	fmt.Fprintf(&b, "Session: %s\n", s.Identity().String())
	fmt.Fprintf(&b, "State: %s / %s\n", queryState, activityState)
	fmt.Fprintf(&b, "Model: %s\n", s.Fallback().Model(d.config.Provider.Model))
	if size > 0 {
		fmt.Fprintf(&b, "Context window: %d / %d (%.0f%%)\n", usage, size, float64(usage)/float64(size)*100)
	}
	if n := s.Buffer().Count(); n > 0 {
		fmt.Fprintf(&b, "Buffered steering: %d\n", n)
	}
	if s.Recovery().HasPending() {
		b.WriteString("Recovery pending: yes\n")
	}
	if !fallback.CooldownUntil.IsZero() && fallback.CooldownUntil.After(time.Now()) {
		fmt.Fprintf(&b, "Rate-limit cooldown until: %s\n", fallback.CooldownUntil.Format("15:04:05"))
	}
	if !s.StartTime().IsZero() {
		fmt.Fprintf(&b, "Session age: %s\n", time.Since(s.StartTime()).Round(time.Second))
	}

	d.transport.SendText(in.ChatID, b.String(), 0)
}

// commandResume re-attaches to the provider-side session captured in
// the saved record.
func (d *Daemon) commandResume(ctx context.Context, in *telegram.Inbound) {
	s := d.registry.GetOrCreate(ctx, in.Identity)
	if s.Busy() {
		d.transport.SendText(in.ChatID, "A query is running; stop it before resuming.", 0)
		return
	}

	providerSessionID := s.ProviderSessionID()
	if providerSessionID == "" {
		rec, found, err := d.store.Load(ctx, s.Key())
		if err != nil || !found {
			d.transport.SendText(in.ChatID, "No saved session to resume.", 0)
			return
		}
		s.RestoreRecord(rec)
		providerSessionID = rec.ProviderSessionID
	}

	result, err := d.provider.ResumeSession(ctx, provider.ResumeInput{
		SessionKey:        s.Key(),
		ProviderSessionID: providerSessionID,
	})
	if err != nil {
		d.logger.Error().Err(err).Msg("Resume failed")
		d.transport.SendText(in.ChatID, "Could not resume the session.", 0)
		return
	}

	s.SetProviderSessionID(s.Generation(), result.ProviderSessionID)
	if result.Resumed {
		d.transport.SendText(in.ChatID, "Resumed the previous session.", 0)
	} else {
		d.transport.SendText(in.ChatID, "No previous session found; starting fresh.", 0)
	}
}

// commandRecover resolves pending recovery, either directly from the
// argument or by re-posting the resolution keyboard.
func (d *Daemon) commandRecover(ctx context.Context, in *telegram.Inbound) {
	s := d.registry.GetOrCreate(ctx, in.Identity)
	if !s.Recovery().HasPending() {
		d.transport.SendText(in.ChatID, "Nothing to recover.", 0)
		return
	}

	arg := strings.TrimSpace(in.CommandArgs)
	if arg == "" {
		pending := s.Recovery().PeekPending()
		d.promptRecoveryAgain(s, in.ChatID, pending)
		return
	}

	policy := recovery.Resolution(arg)
	switch policy {
	case recovery.ResolveResend, recovery.ResolveDiscard, recovery.ResolveContext, recovery.ResolveContextHistory:
		d.applyRecovery(ctx, s, in.ChatID, policy)
	default:
		d.transport.SendText(in.ChatID, "Usage: /recover [resend|discard|context|context_history]", 0)
	}
}

func (d *Daemon) promptRecoveryAgain(s *session.Session, chatID int64, pending *recovery.PendingSet) {
	if pending == nil {
		return
	}
	text := recovery.FormatLostMessages(pending.Messages) + "\nHow should these be handled?"
	msgID, _, err := d.transport.SendChoice(chatID, text, telegram.RecoveryKeyboard())
	if err != nil {
		d.logger.Error().Err(err).Msg("Failed to re-post recovery prompt")
		return
	}
	s.Recovery().Open(nil, msgID)
}
