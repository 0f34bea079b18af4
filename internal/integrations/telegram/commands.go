package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	licenseErrors "licensed/internal/errors"
	"licensed/internal/license"
)

// AdminService is what the admin commands operate on.
type AdminService interface {
	CreateLicense(ctx context.Context, duration, issuer, identity string) (license.License, error)
	ListActive(ctx context.Context) ([]license.ActiveLicense, error)
	Stats(ctx context.Context) (license.Stats, error)
}

const usage = "Commands:\n/gen <1tag|1woche|1monat> [buyer id]\n/active\n/stats"

// Commands answers admin commands sent from the admin chat. Messages from
// any other chat are ignored.
type Commands struct {
	n       *Notifier
	service AdminService
}

// NewCommands binds the admin commands to n's chat.
func NewCommands(n *Notifier, service AdminService) *Commands {
	return &Commands{n: n, service: service}
}

// Run polls for updates until ctx is done.
func (c *Commands) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := c.n.bot.GetUpdatesChan(u)
	defer c.n.bot.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message != nil {
				c.handle(ctx, update.Message)
			}
		}
	}
}

func (c *Commands) handle(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat == nil || msg.Chat.ID != c.n.chatID || !msg.IsCommand() {
		return
	}

	switch msg.Command() {
	case "gen":
		c.gen(ctx, msg)
	case "active":
		c.active(ctx, msg)
	case "stats":
		c.stats(ctx, msg)
	default:
		c.n.send(msg.Chat.ID, usage, false)
	}
}

func (c *Commands) gen(ctx context.Context, msg *tgbotapi.Message) {
	args := strings.Fields(msg.CommandArguments())
	if len(args) < 1 || len(args) > 2 {
		c.n.send(msg.Chat.ID, "Usage: /gen <1tag|1woche|1monat> [buyer id]", false)
		return
	}

	var identity string
	if len(args) == 2 {
		identity = args[1]
	}

	l, err := c.service.CreateLicense(ctx, args[0], issuer(msg), identity)
	if err != nil {
		c.n.logger.WarnContext(ctx, "telegram license creation failed", slog.String("error", err.Error()))
		c.n.send(msg.Chat.ID, "Error: "+err.Error(), false)
		return
	}
	c.n.send(msg.Chat.ID, fmt.Sprintf("New %s key:\n`%s`", l.Duration.DisplayName(), l.Key), true)
}

func (c *Commands) active(ctx context.Context, msg *tgbotapi.Message) {
	active, err := c.service.ListActive(ctx)
	if err != nil {
		c.n.send(msg.Chat.ID, "Error: "+licenseErrors.ClientMessage(err), false)
		return
	}
	if len(active) == 0 {
		c.n.send(msg.Chat.ID, "No active licenses.", false)
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Active licenses (%d):\n", len(active))
	for _, a := range active {
		fmt.Fprintf(&b, "%s  %s  %dd left\n", a.Key, a.Identity, a.RemainingDays())
	}
	c.n.send(msg.Chat.ID, b.String(), false)
}

func (c *Commands) stats(ctx context.Context, msg *tgbotapi.Message) {
	st, err := c.service.Stats(ctx)
	if err != nil {
		c.n.send(msg.Chat.ID, "Error: "+licenseErrors.ClientMessage(err), false)
		return
	}
	c.n.send(msg.Chat.ID, fmt.Sprintf(
		"Total: %d\nActive: %d\nUnused: %d\nExpired: %d\nIssued value: %s\nActivated value: %s",
		st.Total, st.Active, st.Unused, st.Expired,
		st.IssuedValue.StringFixed(2), st.ActivatedValue.StringFixed(2)), false)
}

func issuer(msg *tgbotapi.Message) string {
	if msg.From == nil {
		return fmt.Sprintf("telegram:%d", msg.Chat.ID)
	}
	return fmt.Sprintf("telegram:%d", msg.From.ID)
}
