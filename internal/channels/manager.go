package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/KafClaw/clawcore/internal/bus"
	"github.com/KafClaw/clawcore/internal/config"
)

const sendTimeout = 30 * time.Second

// Manager owns the enabled channels and wires them to the bus.
type Manager struct {
	bus      *bus.MessageBus
	mu       sync.Mutex
	channels map[string]Channel
	subs     map[string]bus.SubscriptionID
}

// NewManager creates an empty channel manager.
func NewManager(b *bus.MessageBus) *Manager {
	return &Manager{
		bus:      b,
		channels: make(map[string]Channel),
		subs:     make(map[string]bus.SubscriptionID),
	}
}

// BuildFromConfig creates a manager holding every enabled channel.
func BuildFromConfig(cfg *config.Config, b *bus.MessageBus) (*Manager, error) {
	m := NewManager(b)
	ch := cfg.Channels

	if ch.Telegram.Enabled {
		if ch.Telegram.Token == "" {
			return nil, errors.New("telegram: token is required")
		}
		m.Register(NewTelegramChannel(ch.Telegram, b))
	}
	if ch.WhatsApp.Enabled {
		m.Register(NewWhatsAppChannel(ch.WhatsApp, b, filepath.Join(cfg.Paths.DataDir, "media")))
	}
	if ch.Slack.Enabled {
		if ch.Slack.BotToken == "" || ch.Slack.AppToken == "" {
			return nil, errors.New("slack: botToken and appToken are required")
		}
		m.Register(NewSlackChannel(ch.Slack, b))
	}
	if ch.Kafka.Enabled {
		if len(ch.Kafka.Brokers) == 0 {
			return nil, errors.New("kafka: at least one broker is required")
		}
		m.Register(NewKafkaChannel(ch.Kafka, b))
	}
	return m, nil
}

// Register adds a channel, replacing any channel with the same name.
func (m *Manager) Register(c Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[c.Name()] = c
}

// Get returns a registered channel.
func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.channels[name]
	return c, ok
}

// Names returns the registered channel names, sorted.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StartAll subscribes every channel to outbound messages and starts it.
// A channel that fails to start is logged and skipped.
func (m *Manager) StartAll(ctx context.Context) error {
	var errs []error
	for _, name := range m.Names() {
		c, _ := m.Get(name)
		if err := c.Start(ctx); err != nil {
			slog.Error("Channel failed to start", "channel", name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		id := m.bus.SubscribeOutbound(name, m.sender(ctx, c))
		m.mu.Lock()
		m.subs[name] = id
		m.mu.Unlock()
		slog.Info("Channel started", "channel", name)
	}
	return errors.Join(errs...)
}

func (m *Manager) sender(ctx context.Context, c Channel) bus.OutboundHandler {
	return func(msg *bus.OutboundMessage) {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
		defer cancel()
		if err := c.Send(sendCtx, msg); err != nil {
			slog.Error("Send failed", "channel", c.Name(), "chat_id", msg.ChatID, "error", err)
		}
	}
}

// StopAll unsubscribes and stops every channel.
func (m *Manager) StopAll() error {
	var errs []error
	for _, name := range m.Names() {
		c, _ := m.Get(name)
		m.mu.Lock()
		id, subscribed := m.subs[name]
		delete(m.subs, name)
		m.mu.Unlock()
		if subscribed {
			m.bus.UnsubscribeOutbound(name, id)
		}
		if !c.IsRunning() {
			continue
		}
		if err := c.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Status reports whether each registered channel is running.
func (m *Manager) Status() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool, len(m.channels))
	for name, c := range m.channels {
		out[name] = c.IsRunning()
	}
	return out
}
