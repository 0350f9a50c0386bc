package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/KafClaw/clawcore/internal/bus"
	"github.com/KafClaw/clawcore/internal/config"
)

const (
	defaultSlackAPIBase = "https://slack.com/api"
	maxSlackMessage     = 4000
)

var mentionPattern = regexp.MustCompile(`<@[A-Z0-9]+>\s*`)

// SlackChannel receives events over Socket Mode and replies with the Web API.
type SlackChannel struct {
	BaseChannel
	config config.SlackConfig
	api    *slack.Client

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSlackChannel creates a Slack channel.
func NewSlackChannel(cfg config.SlackConfig, messageBus *bus.MessageBus) *SlackChannel {
	base := strings.TrimSpace(cfg.APIBase)
	if base == "" {
		base = defaultSlackAPIBase
	}
	base = strings.TrimRight(base, "/") + "/"
	return &SlackChannel{
		BaseChannel: BaseChannel{name: "slack", Bus: messageBus, AllowFrom: cfg.AllowFrom},
		config:      cfg,
		api: slack.New(
			strings.TrimSpace(cfg.BotToken),
			slack.OptionAPIURL(base),
			slack.OptionAppLevelToken(strings.TrimSpace(cfg.AppToken)),
		),
	}
}

// Start opens the Socket Mode connection in the background.
func (c *SlackChannel) Start(ctx context.Context) error {
	if strings.TrimSpace(c.config.AppToken) == "" {
		return errors.New("missing app token")
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	client := socketmode.New(c.api)

	c.mu.Lock()
	c.cancel, c.done = cancel, done
	c.mu.Unlock()
	c.setRunning(true)

	go c.consume(runCtx, client)
	go func() {
		defer close(done)
		defer c.setRunning(false)
		if err := client.RunContext(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Slack socket mode stopped", "error", err)
		}
	}()
	return nil
}

func (c *SlackChannel) consume(ctx context.Context, client *socketmode.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-client.Events:
			if !ok {
				return
			}
			if evt.Type != socketmode.EventTypeEventsAPI {
				continue
			}
			if evt.Request != nil {
				client.Ack(*evt.Request)
			}
			if ev, ok := evt.Data.(slackevents.EventsAPIEvent); ok {
				c.handleEvent(ev)
			}
		}
	}
}

// Stop closes the Socket Mode connection.
func (c *SlackChannel) Stop() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (c *SlackChannel) handleEvent(ev slackevents.EventsAPIEvent) {
	if ev.Type != slackevents.CallbackEvent {
		return
	}
	switch in := ev.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		// Channel messages arrive again as app mentions; only direct
		// messages are taken from here.
		if in == nil || in.ChannelType != "im" || in.BotID != "" || in.SubType != "" {
			return
		}
		c.forward(in.User, in.Channel, in.ThreadTimeStamp, in.TimeStamp, in.Text, false)
	case *slackevents.AppMentionEvent:
		if in == nil || in.BotID != "" {
			return
		}
		thread := in.ThreadTimeStamp
		if thread == "" {
			thread = in.TimeStamp
		}
		c.forward(in.User, in.Channel, thread, in.TimeStamp, in.Text, true)
	}
}

func (c *SlackChannel) forward(user, channel, thread, ts, text string, isGroup bool) {
	content := strings.TrimSpace(mentionPattern.ReplaceAllString(text, ""))
	if user == "" || content == "" {
		return
	}
	meta := map[string]any{
		bus.MetaKeyMessageID: ts,
		"is_group":           isGroup,
	}
	if thread != "" {
		meta[bus.MetaKeyThreadID] = thread
	}
	c.HandleMessage(user, channel, content, nil, meta)
}

// Send posts msg to a conversation, in its thread when one is set.
func (c *SlackChannel) Send(ctx context.Context, msg *bus.OutboundMessage) error {
	thread, _ := msg.Metadata[bus.MetaKeyThreadID].(string)
	for _, part := range splitMessage(msg.Content, maxSlackMessage) {
		opts := []slack.MsgOption{slack.MsgOptionText(part, false)}
		if ts := strings.TrimSpace(thread); ts != "" {
			opts = append(opts, slack.MsgOptionTS(ts))
		}
		if _, _, err := c.api.PostMessageContext(ctx, msg.ChatID, opts...); err != nil {
			return fmt.Errorf("post message: %w", err)
		}
	}
	return nil
}
