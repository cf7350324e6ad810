package bot

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

const (
	processedEventsMaxAge = time.Hour
	activeThreadMaxAge    = 24 * time.Hour
)

// threadChecker is the part of Client used to decide whether a thread reply
// is addressed to the bot.
type threadChecker interface {
	Poster
	IsBotMentioned(text string) bool
	CheckRootMessageMentioned(ctx context.Context, channel, threadTS, userID string) (bool, error)
}

// EventHandler handles Slack events.
type EventHandler struct {
	client         threadChecker
	processor      *Processor
	log            *slog.Logger
	allowedTeamIDs []string

	// Envelope/event IDs already seen, so retries are not reprocessed.
	processedEvents *ttlcache.Cache[string, struct{}]
	// Threads whose root message mentioned the bot. Replies there are answered
	// without a fresh mention.
	activeThreads *ttlcache.Cache[string, struct{}]

	inFlightOps  sync.WaitGroup
	mu           sync.RWMutex
	acceptingNew bool
}

// NewEventHandler creates a new event handler. An empty allowedTeamIDs
// serves every workspace.
func NewEventHandler(client *Client, processor *Processor, log *slog.Logger, allowedTeamIDs []string) *EventHandler {
	return newEventHandler(client, processor, log, allowedTeamIDs)
}

func newEventHandler(client threadChecker, processor *Processor, log *slog.Logger, allowedTeamIDs []string) *EventHandler {
	return &EventHandler{
		client:         client,
		processor:      processor,
		log:            log,
		allowedTeamIDs: allowedTeamIDs,
		processedEvents: ttlcache.New(
			ttlcache.WithTTL[string, struct{}](processedEventsMaxAge),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
		activeThreads: ttlcache.New(
			ttlcache.WithTTL[string, struct{}](activeThreadMaxAge),
		),
		acceptingNew: true,
	}
}

// StartCleanup evicts expired dedupe entries until ctx is done.
func (h *EventHandler) StartCleanup(ctx context.Context) {
	go h.processedEvents.Start()
	go h.activeThreads.Start()
	h.processor.StartCleanup(ctx)
	go func() {
		<-ctx.Done()
		h.processedEvents.Stop()
		h.activeThreads.Stop()
	}()
}

// StopAcceptingNew stops accepting new events and returns a function that
// waits for in-flight answers.
func (h *EventHandler) StopAcceptingNew() func() {
	h.mu.Lock()
	h.acceptingNew = false
	h.mu.Unlock()
	h.log.Info("slack: stopped accepting new events, waiting for in-flight operations to complete")
	return h.inFlightOps.Wait
}

func (h *EventHandler) isAcceptingNew() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.acceptingNew
}

func (h *EventHandler) isTeamAllowed(teamID string) bool {
	return len(h.allowedTeamIDs) == 0 || slices.Contains(h.allowedTeamIDs, teamID)
}

// markProcessed records an event ID and reports whether it was new.
func (h *EventHandler) markProcessed(eventID string) bool {
	if eventID == "" {
		return true
	}
	_, loaded := h.processedEvents.GetOrSet(eventID, struct{}{})
	return !loaded
}

func (h *EventHandler) markThreadActive(channel, ts string) {
	h.activeThreads.Set(channel+":"+ts, struct{}{}, ttlcache.DefaultTTL)
}

func (h *EventHandler) isThreadActive(channel, ts string) bool {
	return h.activeThreads.Get(channel+":"+ts) != nil
}

// HandleEvent handles a Slack Events API event.
func (h *EventHandler) HandleEvent(ctx context.Context, e slackevents.EventsAPIEvent) {
	EventsReceivedTotal.WithLabelValues(e.Type, e.InnerEvent.Type).Inc()

	if !h.isTeamAllowed(e.TeamID) {
		h.log.Warn("slack: ignoring event from disallowed team", "team_id", e.TeamID)
		return
	}
	if e.Type != slackevents.CallbackEvent {
		h.log.Debug("slack: ignoring non-callback event", "type", e.Type)
		return
	}

	switch ev := e.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		h.handleAppMention(ev)
	case *slackevents.MessageEvent:
		h.handleMessageEvent(ctx, ev)
	}
}

func (h *EventHandler) handleAppMention(ev *slackevents.AppMentionEvent) {
	h.log.Info("slack: app_mention received", "user", ev.User, "channel", ev.Channel, "ts", ev.TimeStamp, "thread_ts", ev.ThreadTimeStamp)

	// Only root mentions activate a thread.
	if ev.ThreadTimeStamp == "" {
		h.markThreadActive(ev.Channel, ev.TimeStamp)
	}
	h.dispatch(Message{
		Channel:     ev.Channel,
		ChannelType: "channel",
		User:        ev.User,
		Text:        ev.Text,
		TS:          ev.TimeStamp,
		ThreadTS:    ev.ThreadTimeStamp,
	})
}

func (h *EventHandler) handleMessageEvent(ctx context.Context, ev *slackevents.MessageEvent) {
	// Edits, joins and the bot's own messages
	if ev.SubType != "" {
		MessagesIgnoredTotal.WithLabelValues("subtype").Inc()
		return
	}
	if ev.BotID != "" {
		MessagesIgnoredTotal.WithLabelValues("bot_message").Inc()
		return
	}
	if strings.TrimSpace(ev.Text) == "" {
		MessagesIgnoredTotal.WithLabelValues("empty").Inc()
		return
	}

	msg := Message{
		Channel:     ev.Channel,
		ChannelType: ev.ChannelType,
		User:        ev.User,
		Text:        ev.Text,
		TS:          ev.TimeStamp,
		ThreadTS:    ev.ThreadTimeStamp,
	}

	switch ev.ChannelType {
	case "im":
		h.dispatch(msg)
	case "channel", "group", "mpim":
		mentioned := h.client.IsBotMentioned(ev.Text)
		// A top-level mention also arrives as app_mention, which handles it.
		if mentioned && ev.ThreadTimeStamp == "" {
			return
		}
		if !mentioned && !h.inActiveThread(ctx, ev.Channel, ev.ThreadTimeStamp) {
			MessagesIgnoredTotal.WithLabelValues("not_mentioned").Inc()
			return
		}
		h.dispatch(msg)
	default:
		MessagesIgnoredTotal.WithLabelValues("unknown_channel_type").Inc()
	}
}

// inActiveThread reports whether threadTS is a thread the bot was mentioned
// in at its root, checking Slack when the cache has no entry.
func (h *EventHandler) inActiveThread(ctx context.Context, channel, threadTS string) bool {
	if threadTS == "" {
		return false
	}
	if h.isThreadActive(channel, threadTS) {
		return true
	}
	botUserID := h.client.BotUserID()
	if botUserID == "" {
		return false
	}
	mentioned, err := h.client.CheckRootMessageMentioned(ctx, channel, threadTS, botUserID)
	if err != nil {
		h.log.Warn("slack: failed to check root message for mention", "thread_ts", threadTS, "error", err)
		SlackAPIErrorsTotal.WithLabelValues("conversation_replies").Inc()
		return false
	}
	if mentioned {
		h.markThreadActive(channel, threadTS)
	}
	return mentioned
}

// dispatch answers msg in the background unless it was already answered.
func (h *EventHandler) dispatch(msg Message) {
	if !h.processor.MarkResponded(msg.Key()) {
		MessagesIgnoredTotal.WithLabelValues("already_responded").Inc()
		return
	}
	channelType := msg.ChannelType
	if channelType == "" {
		channelType = "unknown"
	}
	MessagesProcessedTotal.WithLabelValues(channelType).Inc()

	h.inFlightOps.Add(1)
	go func() {
		defer h.inFlightOps.Done()
		// Background context: shutdown waits on inFlightOps instead of cancelling answers.
		h.processor.ProcessMessage(context.Background(), h.client, msg)
	}()
}

// HandleSocketMode handles events from Socket Mode until ctx is done or the
// client's event channel closes.
func (h *EventHandler) HandleSocketMode(ctx context.Context, client *socketmode.Client) error {
	h.log.Info("slack: bot running in socket mode")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-client.Events:
			if !ok {
				return nil
			}
			if !h.isAcceptingNew() {
				return nil
			}
			switch evt.Type {
			case socketmode.EventTypeConnecting:
				h.log.Info("slack: socketmode connecting")
			case socketmode.EventTypeConnected:
				h.log.Info("slack: socketmode connected")
			case socketmode.EventTypeConnectionError:
				h.log.Error("slack: socketmode connection error", "error", evt.Data)
			case socketmode.EventTypeEventsAPI:
				e, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					h.log.Warn("slack: unexpected EventsAPI payload", "data_type", fmt.Sprintf("%T", evt.Data))
					continue
				}
				client.Ack(*evt.Request)
				if !h.markProcessed(evt.Request.EnvelopeID) {
					h.log.Info("slack: skipping duplicate event", "envelope_id", evt.Request.EnvelopeID, "retry_attempt", evt.Request.RetryAttempt)
					EventsDuplicateTotal.Inc()
					continue
				}
				h.HandleEvent(ctx, e)
			}
		}
	}
}

// HandleHTTP handles a request from the Slack Events API.
func (h *EventHandler) HandleHTTP(w http.ResponseWriter, r *http.Request, signingSecret string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if !VerifySlackSignature(r.Header, body, signingSecret) {
		h.log.Warn("slack: invalid request signature")
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	event, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		h.log.Error("slack: failed to parse event", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if event.Type == slackevents.URLVerification {
		var challenge slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &challenge); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(challenge.Challenge))
		return
	}

	if !h.markProcessed(httpEventID(event, body)) {
		EventsDuplicateTotal.Inc()
		w.WriteHeader(http.StatusOK)
		return
	}
	if !h.isAcceptingNew() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("Service is shutting down"))
		return
	}

	// Slack expects a response within 3 seconds.
	w.WriteHeader(http.StatusOK)
	go h.HandleEvent(context.Background(), event)
}

// httpEventID keys an HTTP event for deduplication: channel:ts for messages,
// otherwise a hash of the payload.
func httpEventID(event slackevents.EventsAPIEvent, body []byte) string {
	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		return ev.Channel + ":" + ev.TimeStamp
	case *slackevents.AppMentionEvent:
		return ev.Channel + ":" + ev.TimeStamp
	}
	return fmt.Sprintf("%x", sha256.Sum256(body))
}

// VerifySlackSignature checks the X-Slack-Signature header of a request body.
func VerifySlackSignature(header http.Header, body []byte, signingSecret string) bool {
	if signingSecret == "" {
		return false
	}
	verifier, err := slack.NewSecretsVerifier(header, signingSecret)
	if err != nil {
		return false
	}
	if _, err := verifier.Write(body); err != nil {
		return false
	}
	return verifier.Ensure() == nil
}
