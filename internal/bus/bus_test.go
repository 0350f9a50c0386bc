package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPublishInboundNormalizes(t *testing.T) {
	b := NewMessageBus()
	b.PublishInbound(&InboundMessage{Channel: "telegram", ChatID: "1", Content: "hi"})

	msg, err := b.ConsumeInbound(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if msg.Media == nil || msg.Metadata == nil {
		t.Fatal("expected media and metadata to be non-nil")
	}
	if msg.Timestamp.IsZero() {
		t.Fatal("expected timestamp to be set")
	}
	if msg.SessionKey() != "telegram:1" {
		t.Fatalf("unexpected session key %s", msg.SessionKey())
	}

	msg.Metadata[MetaKeySessionKey] = "cli:scratch"
	if msg.SessionKey() != "cli:scratch" {
		t.Fatalf("expected metadata session key, got %s", msg.SessionKey())
	}
}

func TestDispatchOutboundFanOut(t *testing.T) {
	b := NewMessageBus(WithPollInterval(10 * time.Millisecond))

	var mu sync.Mutex
	var got []string
	record := func(tag string) OutboundHandler {
		return func(m *OutboundMessage) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, tag+":"+m.Content)
		}
	}
	b.SubscribeOutbound("telegram", record("a"))
	b.SubscribeOutbound("telegram", record("b"))
	b.SubscribeOutbound("slack", record("s"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.DispatchOutbound(ctx)

	b.PublishOutbound(&OutboundMessage{Channel: "telegram", ChatID: "1", Content: "one"})
	b.PublishOutbound(&OutboundMessage{Channel: "telegram", ChatID: "1", Content: "two"})
	b.PublishOutbound(&OutboundMessage{Channel: "discord", ChatID: "1", Content: "dropped"})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 4
	})
	want := []string{"a:one", "b:one", "a:two", "b:two"}
	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestDispatchOutboundSurvivesPanickingSubscriber(t *testing.T) {
	b := NewMessageBus(WithPollInterval(10 * time.Millisecond))

	delivered := make(chan string, 2)
	b.SubscribeOutbound("cli", func(*OutboundMessage) { panic("bad subscriber") })
	b.SubscribeOutbound("cli", func(m *OutboundMessage) { delivered <- m.Content })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.DispatchOutbound(ctx)

	b.PublishOutbound(&OutboundMessage{Channel: "cli", Content: "first"})
	b.PublishOutbound(&OutboundMessage{Channel: "cli", Content: "second"})

	for _, want := range []string{"first", "second"} {
		select {
		case got := <-delivered:
			if got != want {
				t.Fatalf("expected %q, got %q", want, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("message %q not delivered", want)
		}
	}
}

func TestUnsubscribeOutbound(t *testing.T) {
	b := NewMessageBus()
	id := b.SubscribeOutbound("cli", func(*OutboundMessage) {})
	b.SubscribeOutbound("cli", func(*OutboundMessage) {})

	b.UnsubscribeOutbound("cli", id)
	if n := b.SubscriberCount("cli"); n != 1 {
		t.Fatalf("expected 1 subscriber, got %d", n)
	}
	// Unknown id and unknown channel are no-ops.
	b.UnsubscribeOutbound("cli", id)
	b.UnsubscribeOutbound("nope", 42)
	if n := b.SubscriberCount("cli"); n != 1 {
		t.Fatalf("expected 1 subscriber, got %d", n)
	}
}

func TestDispatchOutboundStop(t *testing.T) {
	b := NewMessageBus(WithPollInterval(20 * time.Millisecond))
	done := make(chan error, 1)
	go func() { done <- b.DispatchOutbound(context.Background()) }()

	time.Sleep(30 * time.Millisecond)
	b.Stop()

	select {
	case err := <-done:
		if !errors.Is(err, ErrStopped) {
			t.Fatalf("expected ErrStopped, got %v", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("dispatcher did not observe stop within the poll interval")
	}
}

func TestDispatchOutboundContextCancel(t *testing.T) {
	b := NewMessageBus()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.DispatchOutbound(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("dispatcher ignored context cancel")
	}
}
