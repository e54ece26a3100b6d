package notify

import (
	"context"
	"fmt"

	"github.com/nidhogg/taskforge/internal/executor"
	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// Slack posts outcomes to one channel with a bot token.
type Slack struct {
	client  *slack.Client
	channel string
	logger  *zap.Logger
}

// NewSlack creates a Slack notifier. apiURL overrides the Slack Web API
// base URL when non-empty.
func NewSlack(botToken, channel, apiURL string, logger *zap.Logger) *Slack {
	var opts []slack.Option
	if apiURL != "" {
		opts = append(opts, slack.OptionAPIURL(apiURL))
	}
	return &Slack{
		client:  slack.New(botToken, opts...),
		channel: channel,
		logger:  logger,
	}
}

func (s *Slack) Platform() string { return "slack" }

// Notify implements Notifier.
func (s *Slack) Notify(ctx context.Context, out *executor.Outcome) error {
	_, ts, err := s.client.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(FormatOutcome(out, slackStyle), false),
	)
	if err != nil {
		s.logger.Error("slack send failed",
			zap.String("channel", s.channel), zap.Error(err))
		return fmt.Errorf("slack send: %w", err)
	}
	s.logger.Debug("slack notification sent",
		zap.String("channel", s.channel),
		zap.String("ts", ts))
	return nil
}
