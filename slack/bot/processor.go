package bot

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/malbeclabs/sqlflow/agent/pkg/workflow"
)

const respondedMessagesMaxAge = time.Hour

// Runner answers a question on a workflow thread. *workflow.Engine implements it.
type Runner interface {
	Run(ctx context.Context, threadID, question string) (*workflow.FinalAnswer, error)
}

// Message is a Slack message addressed to the bot.
type Message struct {
	Channel     string
	ChannelType string
	User        string
	Text        string
	TS          string
	ThreadTS    string // Empty for a top-level message
}

// replyTS is the timestamp replies go under.
func (m Message) replyTS() string {
	if m.ThreadTS != "" {
		return m.ThreadTS
	}
	return m.TS
}

// Key identifies the message for deduplication.
func (m Message) Key() string { return m.Channel + ":" + m.TS }

// Processor runs questions through the workflow and posts the answers.
type Processor struct {
	runner Runner
	log    *slog.Logger

	// Messages already answered, so Slack retries don't produce duplicate replies.
	responded *ttlcache.Cache[string, struct{}]

	// Pause between posting and removing the reaction so Slack shows both in order.
	reactionDelay time.Duration
}

// NewProcessor creates a message processor.
func NewProcessor(runner Runner, log *slog.Logger) *Processor {
	return &Processor{
		runner: runner,
		log:    log,
		responded: ttlcache.New(
			ttlcache.WithTTL[string, struct{}](respondedMessagesMaxAge),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
		reactionDelay: 300 * time.Millisecond,
	}
}

// StartCleanup evicts expired entries until ctx is done.
func (p *Processor) StartCleanup(ctx context.Context) {
	go p.responded.Start()
	go func() {
		<-ctx.Done()
		p.responded.Stop()
	}()
}

// MarkResponded records key and reports whether it was new.
func (p *Processor) MarkResponded(key string) bool {
	_, loaded := p.responded.GetOrSet(key, struct{}{})
	return !loaded
}

// HasResponded reports whether key was already answered.
func (p *Processor) HasResponded(key string) bool {
	return p.responded.Has(key)
}

// ProcessMessage answers msg in its thread.
func (p *Processor) ProcessMessage(ctx context.Context, client Poster, msg Message) {
	start := time.Now()
	defer func() {
		MessageProcessingDuration.Observe(time.Since(start).Seconds())
	}()

	if msg.ThreadTS != "" && containsNonBotMention(msg.Text, client.BotUserID()) {
		p.log.Info("slack: skipping thread message that mentions another user", "channel", msg.Channel, "ts", msg.TS)
		MessagesIgnoredTotal.WithLabelValues("thread_non_bot_mention").Inc()
		return
	}
	if strings.Contains(msg.Text, ":mute:") {
		MessagesIgnoredTotal.WithLabelValues("mute_emoji").Inc()
		return
	}

	question := RemoveBotMention(msg.Text, client.BotUserID())
	if question == "" {
		MessagesIgnoredTotal.WithLabelValues("empty").Inc()
		return
	}

	thread := threadID(msg.Channel, msg.replyTS())
	p.log.Info("slack: answering question", "thread_id", thread, "user", msg.User, "question", TruncateString(question, 100))

	if err := client.AddReaction(ctx, msg.Channel, msg.TS, processingReaction); err != nil {
		SlackAPIErrorsTotal.WithLabelValues("add_reaction").Inc()
	}
	defer func() {
		time.Sleep(p.reactionDelay)
		if err := client.RemoveReaction(ctx, msg.Channel, msg.TS, processingReaction); err != nil {
			SlackAPIErrorsTotal.WithLabelValues("remove_reaction").Inc()
		}
	}()

	answer, err := p.runner.Run(ctx, thread, question)
	if err != nil {
		p.log.Error("slack: workflow failed", "thread_id", thread, "error", err)
		if _, postErr := client.PostMessage(ctx, msg.Channel, SanitizeErrorMessage(err), nil, msg.replyTS()); postErr != nil {
			SlackAPIErrorsTotal.WithLabelValues("post_message").Inc()
		}
		MessagesPostedTotal.WithLabelValues("error").Inc()
		return
	}

	text, blocks := FormatAnswer(answer)
	ts, err := client.PostMessage(ctx, msg.Channel, text, blocks, msg.replyTS())
	if err != nil {
		SlackAPIErrorsTotal.WithLabelValues("post_message").Inc()
		MessagesPostedTotal.WithLabelValues("error").Inc()
		// Blocks can be rejected on their own; fall back to plain text.
		if _, err := client.PostMessage(ctx, msg.Channel, text, nil, msg.replyTS()); err != nil {
			return
		}
	}
	MessagesPostedTotal.WithLabelValues("success").Inc()
	p.log.Info("slack: reply posted", "thread_id", thread, "outcome", answer.Outcome, "reply_ts", ts)
}
