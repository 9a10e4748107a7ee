package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/christmasforkids/cfk-sponsorship/internal/models"
	"github.com/christmasforkids/cfk-sponsorship/internal/tg"
)

// TelegramNotifier posts a short alert to the volunteers' chats.
type TelegramNotifier struct {
	bot   tg.Sender
	chats []int64
}

// NewTelegramNotifier returns nil when there is no token or no chat to post to.
func NewTelegramNotifier(token string, chats []int64) (*TelegramNotifier, error) {
	if token == "" || len(chats) == 0 {
		return nil, nil
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return NewTelegramNotifierWithSender(bot, chats), nil
}

func NewTelegramNotifierWithSender(bot tg.Sender, chats []int64) *TelegramNotifier {
	return &TelegramNotifier{bot: bot, chats: chats}
}

func (t *TelegramNotifier) SponsorshipRequested(ctx context.Context, d models.SponsorshipDetails) error {
	text := alertText(d)
	var errs []error
	for _, chatID := range t.chats {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		msg := tgbotapi.NewMessage(chatID, text)
		msg.DisableWebPagePreview = true
		if _, err := tg.Send(t.bot, msg); err != nil {
			errs = append(errs, fmt.Errorf("chat %d: %w", chatID, err))
		}
	}
	return errors.Join(errs...)
}

func alertText(d models.SponsorshipDetails) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🎁 New sponsorship request #%d\n", d.Sponsorship.ID)
	fmt.Fprintf(&b, "Child: %s (%s, %s)\n", d.Child.DisplayID(), d.Child.AgeLabel(), d.Child.Gender)
	fmt.Fprintf(&b, "Sponsor: %s <%s>\n", d.Sponsorship.SponsorName, d.Sponsorship.SponsorEmail)
	if d.Sponsorship.SponsorPhone != "" {
		fmt.Fprintf(&b, "Phone: %s\n", d.Sponsorship.SponsorPhone)
	}
	fmt.Fprintf(&b, "Gift: %s", d.Sponsorship.GiftPreference)
	if d.Sponsorship.Message != "" {
		fmt.Fprintf(&b, "\nMessage: %s", d.Sponsorship.Message)
	}
	return b.String()
}
