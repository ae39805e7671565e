package telegram

import (
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func textUpdate(userID, chatID int64, text string) tgbotapi.Update {
	return tgbotapi.Update{
		Message: &tgbotapi.Message{
			MessageID: 42,
			From:      &tgbotapi.User{ID: userID},
			Chat:      &tgbotapi.Chat{ID: chatID},
			Date:      1700000000,
			Text:      text,
		},
	}
}

func TestNormalizeInbound_Message(t *testing.T) {
	in, err := NormalizeInbound(textUpdate(7, -100987, "check the deploy logs"), []int64{7})
	require.NoError(t, err)

	assert.Equal(t, "check the deploy logs", in.Text)
	assert.False(t, in.IsInterrupt)
	assert.Equal(t, 42, in.MessageID)
	assert.Equal(t, int64(1700000000000), in.TimestampMs)
	assert.Equal(t, int64(-100987), in.ChatID)
	assert.Equal(t, int64(7), in.UserID)
	assert.Equal(t, "tg", in.Identity.Tenant)
	assert.Equal(t, "-100987", in.Identity.Channel)
	assert.Equal(t, "main", in.Identity.Thread)
}

func TestNormalizeInbound_Interrupt(t *testing.T) {
	in, err := NormalizeInbound(textUpdate(7, 1, "  ! stop and switch to staging"), []int64{7})
	require.NoError(t, err)
	assert.True(t, in.IsInterrupt)
	assert.Equal(t, "stop and switch to staging", InterruptText(in.Text))
}

func TestNormalizeInbound_CaptionFallback(t *testing.T) {
	update := textUpdate(7, 1, "")
	update.Message.Caption = "screenshot of the error"

	in, err := NormalizeInbound(update, []int64{7})
	require.NoError(t, err)
	assert.Equal(t, "screenshot of the error", in.Text)
}

func TestNormalizeInbound_Command(t *testing.T) {
	update := textUpdate(7, 1, "/recover resend")
	update.Message.Entities = []tgbotapi.MessageEntity{
		{Type: "bot_command", Offset: 0, Length: 8},
	}

	in, err := NormalizeInbound(update, []int64{7})
	require.NoError(t, err)
	assert.Equal(t, "recover", in.Command)
	assert.Equal(t, "resend", in.CommandArgs)
}

func TestNormalizeInbound_NotAllowlisted(t *testing.T) {
	_, err := NormalizeInbound(textUpdate(99, 1, "hello"), []int64{7})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestNormalizeInbound_EmptyAllowlistDeniesEveryone(t *testing.T) {
	_, err := NormalizeInbound(textUpdate(7, 1, "hello"), nil)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestNormalizeInbound_EmptyText(t *testing.T) {
	_, err := NormalizeInbound(textUpdate(7, 1, "   "), []int64{7})
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestNormalizeInbound_NoPayload(t *testing.T) {
	_, err := NormalizeInbound(tgbotapi.Update{}, []int64{7})
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestNormalizeInbound_Callback(t *testing.T) {
	update := tgbotapi.Update{
		CallbackQuery: &tgbotapi.CallbackQuery{
			ID:   "cbq-1",
			From: &tgbotapi.User{ID: 7},
			Message: &tgbotapi.Message{
				MessageID: 55,
				Chat:      &tgbotapi.Chat{ID: 1},
				Date:      1700000100,
			},
			Data: "choice:yes",
		},
	}

	in, err := NormalizeInbound(update, []int64{7})
	require.NoError(t, err)
	require.NotNil(t, in.Callback)
	assert.Equal(t, CallbackSingle, in.Callback.Kind)
	assert.Equal(t, "yes", in.Callback.OptionID)
	assert.Equal(t, "cbq-1", in.CallbackID)
	assert.Equal(t, 55, in.MessageID)
}

func TestNormalizeInbound_CallbackBadData(t *testing.T) {
	update := tgbotapi.Update{
		CallbackQuery: &tgbotapi.CallbackQuery{
			From:    &tgbotapi.User{ID: 7},
			Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 1}},
			Data:    "not-a-callback",
		},
	}
	_, err := NormalizeInbound(update, []int64{7})
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestNormalizeInbound_CallbackNotAllowlisted(t *testing.T) {
	update := tgbotapi.Update{
		CallbackQuery: &tgbotapi.CallbackQuery{
			From:    &tgbotapi.User{ID: 99},
			Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 1}},
			Data:    "choice:yes",
		},
	}
	_, err := NormalizeInbound(update, []int64{99 + 1})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestInterruptText(t *testing.T) {
	assert.Equal(t, "do this instead", InterruptText("! do this instead"))
	assert.Equal(t, "do this instead", InterruptText("  !do this instead  "))
	assert.Equal(t, "", InterruptText("!"))
}
