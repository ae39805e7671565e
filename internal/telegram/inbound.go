package telegram

import (
	"errors"
	"strconv"
	"strings"

	"github.com/aruna/rudder/pkg/session"
	"github.com/aruna/rudder/pkg/steering"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Tenant is the identity tenant for this transport
const Tenant = "tg"

// Normalization failures, each mapped to a distinct user notice.
var (
	ErrUnauthorized   = errors.New("sender is not allowlisted")
	ErrInvalidPayload = errors.New("update carries no usable payload")
)

// Inbound is a normalized inbound event
type Inbound struct {
	Identity    session.Identity
	Text        string
	IsInterrupt bool
	MessageID   int
	TimestampMs int64
	ChatID      int64
	UserID      int64

	// Command is set for slash commands ("new", "stop", ...)
	Command     string
	CommandArgs string

	// Callback is set for inline keyboard presses
	Callback   *Callback
	CallbackID string
}

// NormalizeInbound maps a raw update to a conversation event. The
// allowlist is enforced here so nothing unauthorized reaches the
// engine.
func NormalizeInbound(update tgbotapi.Update, allowlist []int64) (*Inbound, error) {
	if update.CallbackQuery != nil {
		return normalizeCallback(update.CallbackQuery, allowlist)
	}
	if update.Message != nil {
		return normalizeMessage(update.Message, allowlist)
	}
	return nil, ErrInvalidPayload
}

func normalizeMessage(msg *tgbotapi.Message, allowlist []int64) (*Inbound, error) {
	if msg.From == nil {
		return nil, ErrInvalidPayload
	}
	if !allowed(msg.From.ID, allowlist) {
		return nil, ErrUnauthorized
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrInvalidPayload
	}

	in := &Inbound{
		Identity:    session.NewIdentity(Tenant, strconv.FormatInt(msg.Chat.ID, 10), ""),
		Text:        text,
		IsInterrupt: strings.HasPrefix(strings.TrimLeft(text, " \t\r\n"), steering.InterruptSigil),
		MessageID:   msg.MessageID,
		TimestampMs: int64(msg.Date) * 1000,
		ChatID:      msg.Chat.ID,
		UserID:      msg.From.ID,
	}

	if msg.IsCommand() {
		in.Command = msg.Command()
		in.CommandArgs = msg.CommandArguments()
	}

	return in, nil
}

func normalizeCallback(cq *tgbotapi.CallbackQuery, allowlist []int64) (*Inbound, error) {
	if cq.From == nil || cq.Message == nil {
		return nil, ErrInvalidPayload
	}
	if !allowed(cq.From.ID, allowlist) {
		return nil, ErrUnauthorized
	}

	callback, ok := ParseCallback(cq.Data)
	if !ok {
		return nil, ErrInvalidPayload
	}

	return &Inbound{
		Identity:    session.NewIdentity(Tenant, strconv.FormatInt(cq.Message.Chat.ID, 10), ""),
		MessageID:   cq.Message.MessageID,
		TimestampMs: int64(cq.Message.Date) * 1000,
		ChatID:      cq.Message.Chat.ID,
		UserID:      cq.From.ID,
		Callback:    callback,
		CallbackID:  cq.ID,
	}, nil
}

// allowed enforces the allowlist; an empty allowlist denies everyone
func allowed(userID int64, allowlist []int64) bool {
	for _, id := range allowlist {
		if id == userID {
			return true
		}
	}
	return false
}

// InterruptText strips the interrupt sigil from a message
func InterruptText(text string) string {
	trimmed := strings.TrimLeft(text, " \t\r\n")
	return strings.TrimSpace(strings.TrimPrefix(trimmed, steering.InterruptSigil))
}
