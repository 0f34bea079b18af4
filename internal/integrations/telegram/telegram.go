// Package telegram sends administrator alerts to a Telegram chat and answers
// a small set of admin commands from that chat.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"licensed/internal/config"
	"licensed/internal/infrastructure"
)

// bot is the subset of *tgbotapi.BotAPI used here.
type bot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Notifier posts admin notices to a single chat. Buyers are not reachable
// through Telegram, so DirectMessage is a no-op.
type Notifier struct {
	bot    bot
	chatID int64
	logger *slog.Logger
}

// NewBotAPI authorizes the bot token. An empty endpoint uses the public
// Telegram API.
func NewBotAPI(token, endpoint string) (*tgbotapi.BotAPI, error) {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	api, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to init telegram bot: %w", err)
	}
	api.Debug = false
	return api, nil
}

// New creates a Notifier for the configured admin chat.
func New(cfg config.TelegramConfig, api *tgbotapi.BotAPI, logger *slog.Logger) (*Notifier, error) {
	if !cfg.Enabled() {
		return nil, errors.New("telegram: bot token and admin chat id are required")
	}
	if api == nil {
		return nil, errors.New("telegram: bot api is required")
	}

	logger = infrastructure.WithComponent(logger, "telegram")
	logger.Info("telegram bot authorized", slog.String("username", api.Self.UserName))
	return newNotifier(api, cfg.AdminChatID, logger), nil
}

func newNotifier(b bot, chatID int64, logger *slog.Logger) *Notifier {
	return &Notifier{bot: b, chatID: chatID, logger: logger}
}

func (n *Notifier) DirectMessage(ctx context.Context, identity, msg string) error {
	n.logger.DebugContext(ctx, "direct message not supported on telegram", slog.String("identity", identity))
	return nil
}

// AdminNotice sends msg to the admin chat.
func (n *Notifier) AdminNotice(ctx context.Context, msg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := n.bot.Send(tgbotapi.NewMessage(n.chatID, msg)); err != nil {
		return fmt.Errorf("telegram admin notice: %w", err)
	}
	return nil
}

func (n *Notifier) send(chatID int64, text string, markdown bool) {
	msg := tgbotapi.NewMessage(chatID, text)
	if markdown {
		msg.ParseMode = tgbotapi.ModeMarkdown
	}
	if _, err := n.bot.Send(msg); err != nil {
		n.logger.Warn("telegram send failed", slog.String("error", err.Error()))
	}
}
