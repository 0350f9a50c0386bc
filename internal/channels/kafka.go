package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/KafClaw/clawcore/internal/bus"
	"github.com/KafClaw/clawcore/internal/config"
)

// kafkaEnvelope is the JSON record exchanged on the bridge topics.
type kafkaEnvelope struct {
	SenderID string         `json:"sender_id,omitempty"`
	ChatID   string         `json:"chat_id"`
	Content  string         `json:"content"`
	ReplyTo  string         `json:"reply_to,omitempty"`
	Media    []string       `json:"media,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	TraceID  string         `json:"trace_id,omitempty"`
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaChannel bridges conversations to Kafka topics so external services
// can talk to the agent.
type KafkaChannel struct {
	BaseChannel
	config config.KafkaConfig

	newReader func() messageReader
	newWriter func() messageWriter

	mu     sync.Mutex
	reader messageReader
	writer messageWriter
	cancel context.CancelFunc
	done   chan struct{}
}

// NewKafkaChannel creates a Kafka bridge channel.
func NewKafkaChannel(cfg config.KafkaConfig, messageBus *bus.MessageBus) *KafkaChannel {
	c := &KafkaChannel{
		BaseChannel: BaseChannel{name: "kafka", Bus: messageBus, AllowFrom: cfg.AllowFrom},
		config:      cfg,
	}
	c.newReader = func() messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			Topic:    cfg.InboundTopic,
			GroupID:  cfg.GroupID,
			MinBytes: 1,
			MaxBytes: 10e6,
		})
	}
	c.newWriter = func() messageWriter {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.OutboundTopic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		}
	}
	return c
}

// Start begins consuming the inbound topic.
func (c *KafkaChannel) Start(ctx context.Context) error {
	if c.config.InboundTopic == "" || c.config.OutboundTopic == "" {
		return errors.New("inbound and outbound topics are required")
	}

	runCtx, cancel := context.WithCancel(ctx)
	reader, writer := c.newReader(), c.newWriter()
	done := make(chan struct{})

	c.mu.Lock()
	c.reader, c.writer = reader, writer
	c.cancel, c.done = cancel, done
	c.mu.Unlock()
	c.setRunning(true)

	go func() {
		defer close(done)
		defer c.setRunning(false)
		c.consume(runCtx, reader)
	}()
	slog.Info("Kafka bridge consuming", "topic", c.config.InboundTopic, "group", c.config.GroupID)
	return nil
}

func (c *KafkaChannel) consume(ctx context.Context, r messageReader) {
	for {
		msg, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			slog.Warn("Kafka read error", "topic", c.config.InboundTopic, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		c.handleRecord(msg.Value)
	}
}

func (c *KafkaChannel) handleRecord(value []byte) {
	var env kafkaEnvelope
	if err := json.Unmarshal(value, &env); err != nil {
		slog.Warn("Dropping malformed Kafka record", "error", err)
		return
	}
	if env.ChatID == "" || env.Content == "" {
		slog.Warn("Dropping Kafka record without chat_id or content")
		return
	}
	if env.SenderID == "" {
		env.SenderID = env.ChatID
	}
	c.HandleTracedMessage(env.TraceID, env.SenderID, env.ChatID, env.Content, env.Media, env.Metadata)
}

// Stop stops consuming and closes the reader and writer.
func (c *KafkaChannel) Stop() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	reader, writer := c.reader, c.writer
	c.cancel, c.done, c.reader, c.writer = nil, nil, nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	errs := []error{reader.Close()}
	<-done
	errs = append(errs, writer.Close())
	return errors.Join(errs...)
}

// Send produces msg to the outbound topic, keyed by chat id.
func (c *KafkaChannel) Send(ctx context.Context, msg *bus.OutboundMessage) error {
	c.mu.Lock()
	writer := c.writer
	c.mu.Unlock()
	if writer == nil {
		return errors.New("kafka channel not started")
	}

	value, err := json.Marshal(kafkaEnvelope{
		ChatID:   msg.ChatID,
		Content:  msg.Content,
		ReplyTo:  msg.ReplyTo,
		Media:    msg.Media,
		Metadata: msg.Metadata,
		TraceID:  msg.TraceID,
	})
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	return writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.ChatID),
		Value: value,
		Time:  time.Now(),
	})
}
