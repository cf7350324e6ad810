package bot

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"
)

const processingReaction = "hourglass_flowing_sand"

var mentionPattern = regexp.MustCompile(`<@([A-Z0-9]+)(?:\|[^>]+)?>`)

// Poster is the part of the Slack API the processor needs.
type Poster interface {
	PostMessage(ctx context.Context, channel, text string, blocks []slack.Block, threadTS string) (string, error)
	AddReaction(ctx context.Context, channel, ts, name string) error
	RemoveReaction(ctx context.Context, channel, ts, name string) error
	BotUserID() string
}

// Client wraps the Slack Web API.
type Client struct {
	api       *slack.Client
	appToken  string
	log       *slog.Logger
	botUserID string
}

// NewClient creates a client for botToken. appToken is only needed in socket mode.
func NewClient(botToken, appToken string, log *slog.Logger) *Client {
	opts := []slack.Option{}
	if appToken != "" {
		opts = append(opts, slack.OptionAppLevelToken(appToken))
	}
	return &Client{
		api:      slack.New(botToken, opts...),
		appToken: appToken,
		log:      log,
	}
}

// Initialize resolves the bot's user ID.
func (c *Client) Initialize(ctx context.Context) (string, error) {
	resp, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to auth test: %w", err)
	}
	c.botUserID = resp.UserID
	c.log.Info("slack: authenticated", "bot_user_id", resp.UserID, "team", resp.Team)
	return resp.UserID, nil
}

// API returns the underlying Slack client.
func (c *Client) API() *slack.Client { return c.api }

// SocketMode returns a Socket Mode client sharing this client's tokens.
func (c *Client) SocketMode() *socketmode.Client {
	return socketmode.New(c.api)
}

func (c *Client) BotUserID() string { return c.botUserID }

// IsBotMentioned reports whether text mentions the bot.
func (c *Client) IsBotMentioned(text string) bool {
	return c.botUserID != "" && strings.Contains(text, "<@"+c.botUserID)
}

// CheckRootMessageMentioned reports whether the root message of a thread
// mentions userID.
func (c *Client) CheckRootMessageMentioned(ctx context.Context, channel, threadTS, userID string) (bool, error) {
	msgs, _, _, err := c.api.GetConversationRepliesContext(ctx, &slack.GetConversationRepliesParameters{
		ChannelID: channel,
		Timestamp: threadTS,
		Limit:     1,
	})
	if err != nil {
		return false, fmt.Errorf("failed to fetch thread root: %w", err)
	}
	if len(msgs) == 0 {
		return false, nil
	}
	return strings.Contains(msgs[0].Text, "<@"+userID), nil
}

// PostMessage posts text (and optional blocks) in a thread and returns the
// message timestamp.
func (c *Client) PostMessage(ctx context.Context, channel, text string, blocks []slack.Block, threadTS string) (string, error) {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if len(blocks) > 0 {
		opts = append(opts, slack.MsgOptionBlocks(blocks...))
	}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	_, ts, err := c.api.PostMessageContext(ctx, channel, opts...)
	if err != nil {
		c.log.Error("slack: failed to post message", "channel", channel, "thread_ts", threadTS, "error", err)
		return "", fmt.Errorf("failed to post message: %w", err)
	}
	return ts, nil
}

func (c *Client) AddReaction(ctx context.Context, channel, ts, name string) error {
	if err := c.api.AddReactionContext(ctx, name, slack.NewRefToMessage(channel, ts)); err != nil {
		c.log.Debug("slack: failed to add reaction", "channel", channel, "ts", ts, "error", err)
		return err
	}
	return nil
}

func (c *Client) RemoveReaction(ctx context.Context, channel, ts, name string) error {
	if err := c.api.RemoveReactionContext(ctx, name, slack.NewRefToMessage(channel, ts)); err != nil {
		c.log.Debug("slack: failed to remove reaction", "channel", channel, "ts", ts, "error", err)
		return err
	}
	return nil
}

// RemoveBotMention strips mentions of botUserID from text.
func RemoveBotMention(text, botUserID string) string {
	if botUserID == "" {
		return strings.TrimSpace(text)
	}
	out := mentionPattern.ReplaceAllStringFunc(text, func(m string) string {
		if sub := mentionPattern.FindStringSubmatch(m); len(sub) > 1 && sub[1] == botUserID {
			return ""
		}
		return m
	})
	return strings.Join(strings.Fields(out), " ")
}

// containsNonBotMention reports whether text mentions a user other than the bot.
func containsNonBotMention(text, botUserID string) bool {
	if botUserID == "" {
		return false
	}
	for _, match := range mentionPattern.FindAllStringSubmatch(text, -1) {
		if len(match) > 1 && match[1] != botUserID {
			return true
		}
	}
	return false
}
