// Package telegram is the transport adapter: it normalizes inbound
// updates into conversation messages and delivers outbound payloads.
package telegram

import (
	"fmt"
	"time"

	"github.com/aruna/rudder/internal/config"
	"github.com/aruna/rudder/internal/logger"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// UpdateHandler receives every inbound update from the long poll
type UpdateHandler interface {
	HandleUpdate(update tgbotapi.Update)
}

// Bot wraps the Telegram Bot API long poll
type Bot struct {
	api    *tgbotapi.BotAPI
	config *config.TelegramConfig
	logger zerolog.Logger

	handler UpdateHandler

	running bool
	updates tgbotapi.UpdatesChannel
}

// New creates an authenticated bot instance
func New(cfg *config.TelegramConfig, log *logger.Logger) (*Bot, error) {
	if cfg == nil {
		return nil, fmt.Errorf("telegram config is required")
	}
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("bot token is required")
	}

	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}

	bot := &Bot{
		api:    api,
		config: cfg,
		logger: log.Component("telegram"),
	}

	bot.logger.Info().
		Str("username", api.Self.UserName).
		Int64("id", api.Self.ID).
		Msg("Telegram bot authenticated")

	return bot, nil
}

// SetUpdateHandler installs the inbound update handler
func (b *Bot) SetUpdateHandler(handler UpdateHandler) {
	b.handler = handler
}

// Start begins the long poll and dispatches updates to the handler
func (b *Bot) Start() error {
	if b.running {
		return fmt.Errorf("bot is already running")
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	b.updates = b.api.GetUpdatesChan(u)
	b.running = true

	go b.processUpdates()

	b.logger.Info().Msg("Telegram bot started")
	return nil
}

// Stop halts the long poll
func (b *Bot) Stop() error {
	if !b.running {
		return fmt.Errorf("bot is not running")
	}
	b.running = false
	b.api.StopReceivingUpdates()
	b.logger.Info().Msg("Telegram bot stopped")
	return nil
}

func (b *Bot) processUpdates() {
	for update := range b.updates {
		if !b.running {
			break
		}
		if b.handler != nil {
			b.handler.HandleUpdate(update)
		}
	}
}

// SendText delivers a text message, optionally as a reply. It returns
// the delivered message id and timestamp.
func (b *Bot) SendText(chatID int64, text string, replyTo int) (int, time.Time, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	if replyTo > 0 {
		msg.ReplyToMessageID = replyTo
	}

	sent, err := b.api.Send(msg)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to send message: %w", err)
	}

	b.logger.Debug().Int64("chat_id", chatID).Int("message_id", sent.MessageID).Msg("Message sent")
	return sent.MessageID, sent.Time(), nil
}

// EditText replaces a delivered message's text
func (b *Bot) EditText(chatID int64, messageID int, text string) error {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	if _, err := b.api.Send(edit); err != nil {
		return fmt.Errorf("failed to edit message: %w", err)
	}
	return nil
}

// SendChoice delivers a message with an inline keyboard
func (b *Bot) SendChoice(chatID int64, text string, markup tgbotapi.InlineKeyboardMarkup) (int, time.Time, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = markup

	sent, err := b.api.Send(msg)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to send choice prompt: %w", err)
	}
	return sent.MessageID, sent.Time(), nil
}

// SendTyping shows the typing status indicator
func (b *Bot) SendTyping(chatID int64) {
	action := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	if _, err := b.api.Request(action); err != nil {
		b.logger.Debug().Err(err).Msg("Typing action failed")
	}
}

// React sets an emoji reaction on a message. The API call is best
// effort; older server versions reject it.
func (b *Bot) React(chatID int64, messageID int, emoji string) {
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", chatID)
	params.AddNonZero("message_id", messageID)
	params["reaction"] = fmt.Sprintf(`[{"type":"emoji","emoji":"%s"}]`, emoji)

	if _, err := b.api.MakeRequest("setMessageReaction", params); err != nil {
		b.logger.Debug().Err(err).Msg("Reaction failed")
	}
}

// AnswerCallback acknowledges a button press
func (b *Bot) AnswerCallback(callbackID, text string) {
	callback := tgbotapi.NewCallback(callbackID, text)
	if _, err := b.api.Request(callback); err != nil {
		b.logger.Debug().Err(err).Msg("Callback answer failed")
	}
}

// RemoveKeyboard strips the inline keyboard from a delivered message
func (b *Bot) RemoveKeyboard(chatID int64, messageID int) {
	edit := tgbotapi.NewEditMessageReplyMarkup(chatID, messageID, tgbotapi.InlineKeyboardMarkup{
		InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{},
	})
	if _, err := b.api.Send(edit); err != nil {
		b.logger.Debug().Err(err).Msg("Keyboard removal failed")
	}
}

// DeleteMessage removes a delivered message, best effort
func (b *Bot) DeleteMessage(chatID int64, messageID int) {
	del := tgbotapi.NewDeleteMessage(chatID, messageID)
	if _, err := b.api.Request(del); err != nil {
		b.logger.Debug().Err(err).Int("message_id", messageID).Msg("Message delete failed")
	}
}

// IsRunning reports whether the long poll is active
func (b *Bot) IsRunning() bool {
	return b.running
}
