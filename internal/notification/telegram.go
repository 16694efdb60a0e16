package notification

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramNotifier sends alerts via the Telegram Bot API.
// The bot is created on first use so a Telegram outage at boot does not
// block startup.
type TelegramNotifier struct {
	token    string
	chatID   string
	endpoint string
	client   *http.Client

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

// NewTelegramNotifier creates a Telegram notifier.
// chatID is a numeric chat id or an "@channel" username.
func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		token:    botToken,
		chatID:   strings.TrimSpace(chatID),
		endpoint: tgbotapi.APIEndpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// WithEndpoint points the notifier at another Bot API server
// (format "https://host/bot%s/%s").
func (t *TelegramNotifier) WithEndpoint(endpoint string) *TelegramNotifier {
	t.endpoint = endpoint
	return t
}

func (t *TelegramNotifier) botAPI() (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}
	bot, err := tgbotapi.NewBotAPIWithClient(t.token, t.endpoint, t.client)
	if err != nil {
		return nil, err
	}
	t.bot = bot
	return bot, nil
}

func (t *TelegramNotifier) Send(ctx context.Context, alert Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bot, err := t.botAPI()
	if err != nil {
		return fmt.Errorf("telegram: init bot: %w", err)
	}

	emoji := "ℹ️"
	switch alert.Level {
	case AlertWarning:
		emoji = "⚠️"
	case AlertCritical:
		emoji = "🚨"
	}
	text := fmt.Sprintf("%s *%s*\n\n%s", emoji,
		tgbotapi.EscapeText(tgbotapi.ModeMarkdownV2, alert.Title),
		tgbotapi.EscapeText(tgbotapi.ModeMarkdownV2, alert.Message))

	var msg tgbotapi.MessageConfig
	if id, err := strconv.ParseInt(t.chatID, 10, 64); err == nil {
		msg = tgbotapi.NewMessage(id, text)
	} else {
		msg = tgbotapi.NewMessageToChannel(t.chatID, text)
	}
	msg.ParseMode = tgbotapi.ModeMarkdownV2

	if _, err := bot.Send(msg); err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	return nil
}
