package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/nidhogg/taskforge/internal/executor"
	"go.uber.org/zap"
)

// discordLimit is the maximum message length Discord accepts.
const discordLimit = 2000

// Discord posts outcomes to one channel through the REST API; no gateway
// websocket is opened.
type Discord struct {
	channelID string
	send      func(channelID, content string) error
	logger    *zap.Logger
}

// NewDiscord creates a Discord notifier from a bot token.
func NewDiscord(token, channelID string, logger *zap.Logger) (*Discord, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &Discord{
		channelID: channelID,
		send: func(channelID, content string) error {
			_, err := session.ChannelMessageSend(channelID, content)
			return err
		},
		logger: logger,
	}, nil
}

func (d *Discord) Platform() string { return "discord" }

// Notify implements Notifier.
func (d *Discord) Notify(_ context.Context, out *executor.Outcome) error {
	content := FormatOutcome(out, discordStyle)
	if r := []rune(content); len(r) > discordLimit {
		content = string(r[:discordLimit-3]) + "..."
	}
	if err := d.send(d.channelID, content); err != nil {
		d.logger.Error("discord send failed",
			zap.String("channel", d.channelID), zap.Error(err))
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}
