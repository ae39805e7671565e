package telegram

import (
	"fmt"
	"strings"

	"github.com/aruna/rudder/pkg/choice"
	"github.com/aruna/rudder/pkg/recovery"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// CallbackKind discriminates inline keyboard presses
type CallbackKind int

const (
	// CallbackSingle answers a single-question prompt
	CallbackSingle CallbackKind = iota
	// CallbackForm answers one form question by option
	CallbackForm
	// CallbackFormInput arms free-text input for one form question
	CallbackFormInput
	// CallbackRecovery picks a recovery resolution
	CallbackRecovery
)

// Callback is a parsed inline keyboard press
type Callback struct {
	Kind       CallbackKind
	OptionID   string
	FormID     string
	QuestionID string
	Policy     recovery.Resolution
}

// SingleKeyboard renders a single-question prompt's options
func SingleKeyboard(question choice.Question) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(question.Options))
	for _, opt := range question.Options {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(opt.Label, "choice:"+opt.ID),
		))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// FormKeyboard renders one form question's options plus the free-text
// escape button.
func FormKeyboard(formID string, question choice.Question) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(question.Options)+1)
	for _, opt := range question.Options {
		data := fmt.Sprintf("form:%s:%s:%s", formID, question.ID, opt.ID)
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(opt.Label, data),
		))
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("✏️ Other...", fmt.Sprintf("forminput:%s:%s", formID, question.ID)),
	))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// RecoveryKeyboard renders the four recovery resolutions
func RecoveryKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Resend", "recover:resend"),
			tgbotapi.NewInlineKeyboardButtonData("Discard", "recover:discard"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("As context", "recover:context"),
			tgbotapi.NewInlineKeyboardButtonData("Context + history", "recover:context_history"),
		),
	)
}

// ParseCallback decodes inline keyboard callback data
func ParseCallback(data string) (*Callback, bool) {
	switch {
	case strings.HasPrefix(data, "choice:"):
		optionID := strings.TrimPrefix(data, "choice:")
		if optionID == "" {
			return nil, false
		}
		return &Callback{Kind: CallbackSingle, OptionID: optionID}, true

	case strings.HasPrefix(data, "form:"):
		parts := strings.SplitN(strings.TrimPrefix(data, "form:"), ":", 3)
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
			return nil, false
		}
		return &Callback{
			Kind:       CallbackForm,
			FormID:     parts[0],
			QuestionID: parts[1],
			OptionID:   parts[2],
		}, true

	case strings.HasPrefix(data, "forminput:"):
		parts := strings.SplitN(strings.TrimPrefix(data, "forminput:"), ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, false
		}
		return &Callback{Kind: CallbackFormInput, FormID: parts[0], QuestionID: parts[1]}, true

	case strings.HasPrefix(data, "recover:"):
		policy := recovery.Resolution(strings.TrimPrefix(data, "recover:"))
		switch policy {
		case recovery.ResolveResend, recovery.ResolveDiscard, recovery.ResolveContext, recovery.ResolveContextHistory:
			return &Callback{Kind: CallbackRecovery, Policy: policy}, true
		}
		return nil, false
	}
	return nil, false
}
