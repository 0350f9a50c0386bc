// Package channels connects chat platforms to the message bus.
package channels

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/KafClaw/clawcore/internal/bus"
)

// Channel defines the interface for chat platforms (Telegram, WhatsApp, etc).
type Channel interface {
	// Name returns the channel name (e.g. "telegram").
	Name() string
	// Start connects and begins listening. It returns once the listener is running.
	Start(ctx context.Context) error
	// Stop stops the channel listener.
	Stop() error
	// Send sends a message to a specific chat.
	Send(ctx context.Context, msg *bus.OutboundMessage) error
	// IsRunning reports whether the listener is active.
	IsRunning() bool
}

// BaseChannel provides common functionality for channels.
type BaseChannel struct {
	name      string
	Bus       *bus.MessageBus
	AllowFrom []string
	running   atomic.Bool
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// IsRunning reports whether the listener is active.
func (c *BaseChannel) IsRunning() bool { return c.running.Load() }

func (c *BaseChannel) setRunning(v bool) { c.running.Store(v) }

// IsAllowed reports whether senderID may talk to the agent. An empty allow
// list admits everyone. Composite ids of the form "id|username" match when
// any non-empty part is listed.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.AllowFrom) == 0 {
		return true
	}
	if c.listed(senderID) {
		return true
	}
	if strings.Contains(senderID, "|") {
		for _, part := range strings.Split(senderID, "|") {
			if part != "" && c.listed(part) {
				return true
			}
		}
	}
	return false
}

func (c *BaseChannel) listed(id string) bool {
	for _, allowed := range c.AllowFrom {
		if allowed == id {
			return true
		}
	}
	return false
}

// HandleMessage checks the sender against the allow list and forwards the
// message to the agent. It reports whether the message was published.
func (c *BaseChannel) HandleMessage(senderID, chatID, content string, media []string, metadata map[string]any) bool {
	if !c.IsAllowed(senderID) {
		slog.Warn("Access denied for sender", "channel", c.name, "sender", senderID)
		return false
	}

	c.Bus.PublishInbound(c.inbound(senderID, chatID, content, media, metadata))
	return true
}

// HandleTracedMessage is HandleMessage for transports that carry their own
// trace id; replies to the message keep that id.
func (c *BaseChannel) HandleTracedMessage(traceID, senderID, chatID, content string, media []string, metadata map[string]any) bool {
	if !c.IsAllowed(senderID) {
		slog.Warn("Access denied for sender", "channel", c.name, "sender", senderID)
		return false
	}
	msg := c.inbound(senderID, chatID, content, media, metadata)
	msg.TraceID = traceID
	c.Bus.PublishInbound(msg)
	return true
}

func (c *BaseChannel) inbound(senderID, chatID, content string, media []string, metadata map[string]any) *bus.InboundMessage {
	msg := bus.NewInbound(c.name, senderID, chatID, content)
	if media != nil {
		msg.Media = media
	}
	for k, v := range metadata {
		msg.Metadata[k] = v
	}
	return msg
}
