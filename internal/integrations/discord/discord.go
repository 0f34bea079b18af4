// Package discord grants buyer roles and delivers license notices through a
// Discord bot account.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"licensed/internal/config"
	"licensed/internal/infrastructure"
)

// session is the subset of *discordgo.Session the client needs.
type session interface {
	GuildMemberRoleAdd(guildID, userID, roleID string, options ...discordgo.RequestOption) error
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

const embedColor = 0x5865F2

// Client implements license.RoleGranter and license.Notifier.
type Client struct {
	session        session
	guildID        string
	adminChannelID string
	logger         *slog.Logger

	closer func() error
}

// New creates a client for the configured bot. The REST API is used directly;
// no gateway connection is opened.
func New(cfg config.DiscordConfig, logger *slog.Logger) (*Client, error) {
	if !cfg.Enabled() {
		return nil, errors.New("discord: bot token is required")
	}
	if cfg.GuildID == "" {
		return nil, errors.New("discord: guild id is required")
	}

	s, err := discordgo.New("Bot " + cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMembers

	c := newClient(s, cfg, logger)
	c.closer = s.Close
	return c, nil
}

func newClient(s session, cfg config.DiscordConfig, logger *slog.Logger) *Client {
	return &Client{
		session:        s,
		guildID:        cfg.GuildID,
		adminChannelID: cfg.AdminChannelID,
		logger:         infrastructure.WithComponent(logger, "discord"),
	}
}

// GrantRole adds roleID to the guild member identified by identity.
func (c *Client) GrantRole(ctx context.Context, identity, roleID string) error {
	if err := c.session.GuildMemberRoleAdd(c.guildID, identity, roleID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord role grant: %w", err)
	}
	c.logger.InfoContext(ctx, "buyer role granted",
		slog.String("identity", identity),
		slog.String("role_id", roleID))
	return nil
}

// DirectMessage opens a DM channel with identity and posts msg.
func (c *Client) DirectMessage(ctx context.Context, identity, msg string) error {
	ch, err := c.session.UserChannelCreate(identity, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord dm channel: %w", err)
	}
	if _, err := c.session.ChannelMessageSendEmbed(ch.ID, embed("Your license", msg), discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord dm: %w", err)
	}
	return nil
}

// AdminNotice posts msg to the admin channel. Without a channel it only logs.
func (c *Client) AdminNotice(ctx context.Context, msg string) error {
	if c.adminChannelID == "" {
		c.logger.DebugContext(ctx, "admin notice skipped, no admin channel configured")
		return nil
	}
	if _, err := c.session.ChannelMessageSendEmbed(c.adminChannelID, embed("License system", msg), discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord admin notice: %w", err)
	}
	return nil
}

// Close releases the session.
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

func embed(title, msg string) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       title,
		Description: msg,
		Color:       embedColor,
	}
}
