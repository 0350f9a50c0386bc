// Package bus provides the async message bus for channel-agent communication.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KafClaw/clawcore/internal/routing"
)

// DefaultPollInterval bounds how long a stopped dispatcher can keep waiting.
const DefaultPollInterval = time.Second

// ErrStopped is returned by loops that exit because Stop was called.
var ErrStopped = errors.New("bus stopped")

// Well-known metadata keys.
const (
	MetaKeyMessageType = "message_type"
	MetaKeyThreadID    = "thread_id"
	MetaKeyUsername    = "username"
	MetaKeyMessageID   = "message_id"
	MetaKeyTaskID      = "subagent_id"
	MetaKeySessionKey  = "session_key"

	MessageTypeInternal = "internal"
	MessageTypeExternal = "external"
)

// InboundMessage represents a message from a channel to the agent.
type InboundMessage struct {
	Channel   string         `json:"channel"`
	SenderID  string         `json:"sender_id"`
	ChatID    string         `json:"chat_id"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Media     []string       `json:"media"`
	Metadata  map[string]any `json:"metadata"`
	TraceID   string         `json:"trace_id,omitempty"`
}

// NewInbound builds an inbound message with non-nil media and metadata.
func NewInbound(channel, senderID, chatID, content string) *InboundMessage {
	return &InboundMessage{
		Channel:   channel,
		SenderID:  senderID,
		ChatID:    chatID,
		Content:   content,
		Timestamp: time.Now(),
		Media:     []string{},
		Metadata:  map[string]any{},
	}
}

// SessionKey returns the "<channel>:<chatId>" key this message belongs to,
// unless metadata carries an explicit session key.
func (m *InboundMessage) SessionKey() string {
	if v, ok := m.Metadata[MetaKeySessionKey].(string); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return routing.SessionKey(m.Channel, m.ChatID)
}

// MessageType returns the message type from metadata, defaulting to external.
func (m *InboundMessage) MessageType() string {
	if v, ok := m.Metadata[MetaKeyMessageType].(string); ok && v != "" {
		return v
	}
	return MessageTypeExternal
}

func (m *InboundMessage) normalize() {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	if m.Media == nil {
		m.Media = []string{}
	}
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
}

// OutboundMessage represents a message from the agent to a channel.
type OutboundMessage struct {
	Channel  string         `json:"channel"`
	ChatID   string         `json:"chat_id"`
	Content  string         `json:"content"`
	ReplyTo  string         `json:"reply_to,omitempty"`
	Media    []string       `json:"media,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	TraceID  string         `json:"trace_id,omitempty"`
}

// OutboundHandler receives outbound messages for one channel.
type OutboundHandler func(*OutboundMessage)

// SubscriptionID identifies a registered outbound handler.
type SubscriptionID uint64

type subscription struct {
	id SubscriptionID
	cb OutboundHandler
}

// MessageBus decouples channels from the agent core.
type MessageBus struct {
	inbound      *Queue[*InboundMessage]
	outbound     *Queue[*OutboundMessage]
	subs         map[string][]subscription
	nextID       SubscriptionID
	mu           sync.RWMutex
	stopped      atomic.Bool
	pollInterval time.Duration
}

// Option configures a MessageBus.
type Option func(*MessageBus)

// WithPollInterval sets how often the dispatch loop checks the stop flag.
func WithPollInterval(d time.Duration) Option {
	return func(b *MessageBus) {
		if d > 0 {
			b.pollInterval = d
		}
	}
}

// NewMessageBus creates a new message bus.
func NewMessageBus(opts ...Option) *MessageBus {
	b := &MessageBus{
		inbound:      NewQueue[*InboundMessage](),
		outbound:     NewQueue[*OutboundMessage](),
		subs:         make(map[string][]subscription),
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// PollInterval returns the stop-flag polling interval.
func (b *MessageBus) PollInterval() time.Duration {
	return b.pollInterval
}

// PublishInbound sends a message from a channel to the agent. It never blocks.
func (b *MessageBus) PublishInbound(msg *InboundMessage) {
	msg.normalize()
	b.inbound.Put(msg)
}

// ConsumeInbound blocks until a message is available or ctx is cancelled.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (*InboundMessage, error) {
	return b.inbound.Get(ctx)
}

// PollInbound waits at most one poll interval for an inbound message and
// returns an error matching ErrTimeout when none arrived.
func (b *MessageBus) PollInbound(ctx context.Context) (*InboundMessage, error) {
	return b.inbound.GetTimeout(ctx, b.pollInterval)
}

// PublishOutbound sends a message from the agent to channels. It never blocks.
func (b *MessageBus) PublishOutbound(msg *OutboundMessage) {
	b.outbound.Put(msg)
}

// ConsumeOutbound blocks until an outbound message is available or ctx is cancelled.
func (b *MessageBus) ConsumeOutbound(ctx context.Context) (*OutboundMessage, error) {
	return b.outbound.Get(ctx)
}

// SubscribeOutbound registers a callback for outbound messages to a channel.
// Callbacks for the same channel run in registration order.
func (b *MessageBus) SubscribeOutbound(channel string, cb OutboundHandler) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[channel] = append(b.subs[channel], subscription{id: id, cb: cb})
	return id
}

// UnsubscribeOutbound removes a callback. Unknown ids are ignored.
func (b *MessageBus) UnsubscribeOutbound(channel string, id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[channel]
	for i, s := range list {
		if s.id != id {
			continue
		}
		next := make([]subscription, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(b.subs, channel)
		} else {
			b.subs[channel] = next
		}
		return
	}
}

// SubscriberCount returns the number of callbacks for a channel.
func (b *MessageBus) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

// DispatchOutbound fans outbound messages out to channel subscribers until
// Stop is called or ctx is done. Run it as a goroutine.
func (b *MessageBus) DispatchOutbound(ctx context.Context) error {
	slog.Debug("Outbound dispatcher started")
	for {
		if b.stopped.Load() {
			slog.Debug("Outbound dispatcher stopped")
			return ErrStopped
		}
		msg, err := b.outbound.GetTimeout(ctx, b.pollInterval)
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				continue
			}
			return err
		}
		b.deliver(msg)
	}
}

func (b *MessageBus) deliver(msg *OutboundMessage) {
	b.mu.RLock()
	subs := b.subs[msg.Channel]
	b.mu.RUnlock()

	if len(subs) == 0 {
		slog.Debug("No subscribers for outbound message", "channel", msg.Channel, "chat_id", msg.ChatID)
		return
	}
	for _, s := range subs {
		if err := safeCall(s.cb, msg); err != nil {
			slog.Error("Outbound subscriber failed", "channel", msg.Channel, "chat_id", msg.ChatID, "error", err)
		}
	}
}

func safeCall(cb OutboundHandler, msg *OutboundMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	cb(msg)
	return nil
}

// Stop signals the dispatch loop to return within one poll interval.
func (b *MessageBus) Stop() {
	b.stopped.Store(true)
}

// Stopped reports whether Stop has been called.
func (b *MessageBus) Stopped() bool {
	return b.stopped.Load()
}

// InboundSize returns the number of pending inbound messages.
func (b *MessageBus) InboundSize() int {
	return b.inbound.Size()
}

// OutboundSize returns the number of pending outbound messages.
func (b *MessageBus) OutboundSize() int {
	return b.outbound.Size()
}
