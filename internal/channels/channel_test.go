package channels

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/KafClaw/clawcore/internal/bus"
	"github.com/KafClaw/clawcore/internal/config"
)

func TestIsAllowed(t *testing.T) {
	tests := []struct {
		name   string
		allow  []string
		sender string
		want   bool
	}{
		{"empty list admits everyone", nil, "anyone", true},
		{"exact match", []string{"123"}, "123", true},
		{"unknown sender", []string{"123"}, "456", false},
		{"composite by id", []string{"123"}, "123|alice", true},
		{"composite by username", []string{"alice"}, "123|alice", true},
		{"composite exact", []string{"123|alice"}, "123|alice", true},
		{"composite unknown", []string{"bob"}, "123|alice", false},
		{"empty part ignored", []string{""}, "123|", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &BaseChannel{name: "test", AllowFrom: tt.allow}
			if got := c.IsAllowed(tt.sender); got != tt.want {
				t.Errorf("IsAllowed(%q) = %v, want %v", tt.sender, got, tt.want)
			}
		})
	}
}

func TestHandleMessagePublishesAllowedSender(t *testing.T) {
	b := bus.NewMessageBus()
	c := &BaseChannel{name: "telegram", Bus: b, AllowFrom: []string{"alice"}}

	ok := c.HandleMessage("1|alice", "42", "hello", []string{"/tmp/a.jpg"}, map[string]any{"k": "v"})
	if !ok {
		t.Fatal("expected message to be published")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := b.ConsumeInbound(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Channel != "telegram" || msg.SenderID != "1|alice" || msg.ChatID != "42" || msg.Content != "hello" {
		t.Errorf("unexpected message %+v", msg)
	}
	if len(msg.Media) != 1 || msg.Metadata["k"] != "v" {
		t.Errorf("media or metadata lost: %+v", msg)
	}
	if msg.SessionKey() != "telegram:42" {
		t.Errorf("unexpected session key %s", msg.SessionKey())
	}
}

func TestHandleMessageDropsDeniedSender(t *testing.T) {
	b := bus.NewMessageBus()
	c := &BaseChannel{name: "telegram", Bus: b, AllowFrom: []string{"alice"}}

	if c.HandleMessage("2|mallory", "42", "hello", nil, nil) {
		t.Fatal("expected denied sender to be dropped")
	}
	if b.InboundSize() != 0 {
		t.Errorf("expected empty inbound queue, got %d", b.InboundSize())
	}
}

func TestHandleTracedMessageKeepsTraceID(t *testing.T) {
	b := bus.NewMessageBus()
	c := &BaseChannel{name: "kafka", Bus: b, AllowFrom: []string{"svc"}}

	if c.HandleTracedMessage("t-9", "mallory", "c1", "hi", nil, nil) {
		t.Fatal("denied sender should be dropped")
	}
	if !c.HandleTracedMessage("t-9", "svc", "c1", "hi", nil, map[string]any{"k": "v"}) {
		t.Fatal("expected message to be published")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := b.ConsumeInbound(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if msg.TraceID != "t-9" || msg.Metadata["k"] != "v" {
		t.Errorf("unexpected message %+v", msg)
	}
	if _, found := msg.Metadata["trace_id"]; found {
		t.Error("trace id belongs on the message, not in metadata")
	}
}

// fakeChannel records sends and lifecycle calls.
type fakeChannel struct {
	BaseChannel
	startErr error

	mu   sync.Mutex
	sent []*bus.OutboundMessage
}

func newFakeChannel(name string) *fakeChannel {
	return &fakeChannel{BaseChannel: BaseChannel{name: name}}
}

func (f *fakeChannel) Start(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.setRunning(true)
	return nil
}

func (f *fakeChannel) Stop() error {
	f.setRunning(false)
	return nil
}

func (f *fakeChannel) Send(ctx context.Context, msg *bus.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeChannel) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestManagerRoutesOutboundToChannel(t *testing.T) {
	b := bus.NewMessageBus(bus.WithPollInterval(10 * time.Millisecond))
	m := NewManager(b)
	tg := newFakeChannel("telegram")
	sl := newFakeChannel("slack")
	m.Register(tg)
	m.Register(sl)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.StartAll(ctx); err != nil {
		t.Fatal(err)
	}
	go b.DispatchOutbound(ctx)

	b.PublishOutbound(&bus.OutboundMessage{Channel: "telegram", ChatID: "42", Content: "hi"})

	deadline := time.Now().Add(2 * time.Second)
	for tg.sentCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("telegram never received the message")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if sl.sentCount() != 0 {
		t.Error("slack should not receive telegram messages")
	}

	status := m.Status()
	if !status["telegram"] || !status["slack"] {
		t.Errorf("expected both channels running, got %v", status)
	}

	if err := m.StopAll(); err != nil {
		t.Fatal(err)
	}
	if b.SubscriberCount("telegram") != 0 {
		t.Error("expected subscriptions removed on StopAll")
	}
	if tg.IsRunning() {
		t.Error("expected channel stopped")
	}
}

func TestManagerStartAllReportsFailures(t *testing.T) {
	b := bus.NewMessageBus()
	m := NewManager(b)
	bad := newFakeChannel("bad")
	bad.startErr = errors.New("boom")
	good := newFakeChannel("good")
	m.Register(bad)
	m.Register(good)

	err := m.StartAll(context.Background())
	if err == nil {
		t.Fatal("expected start error")
	}
	if !good.IsRunning() {
		t.Error("a failing channel must not block the others")
	}
	if b.SubscriberCount("bad") != 0 || b.SubscriberCount("good") != 1 {
		t.Errorf("unexpected subscriptions bad=%d good=%d", b.SubscriberCount("bad"), b.SubscriberCount("good"))
	}
	if got := m.Names(); len(got) != 2 || got[0] != "bad" {
		t.Errorf("unexpected names %v", got)
	}
}

func TestBuildFromConfig(t *testing.T) {
	b := bus.NewMessageBus()
	cfg := config.DefaultConfig()

	m, err := BuildFromConfig(cfg, b)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Names()) != 0 {
		t.Errorf("expected no channels by default, got %v", m.Names())
	}

	cfg.Channels.Telegram.Enabled = true
	if _, err := BuildFromConfig(cfg, b); err == nil {
		t.Error("expected error for telegram without token")
	}
	cfg.Channels.Telegram.Token = "123:abc"
	cfg.Channels.Kafka.Enabled = true
	cfg.Channels.Kafka.Brokers = []string{"localhost:9092"}

	m, err = BuildFromConfig(cfg, b)
	if err != nil {
		t.Fatal(err)
	}
	if got := m.Names(); len(got) != 2 || got[0] != "kafka" || got[1] != "telegram" {
		t.Errorf("unexpected channels %v", got)
	}
}
