package tools

import (
	"context"
	"fmt"
	"sync"

	"github.com/KafClaw/clawcore/internal/bus"
)

// MessageTool lets the agent push a message to a chat surface mid-turn.
// Without explicit channel/chat_id it targets the conversation being processed.
type MessageTool struct {
	publish func(*bus.OutboundMessage)

	mu      sync.Mutex
	channel string
	chatID  string
}

// NewMessageTool creates a message tool that publishes through publish.
func NewMessageTool(publish func(*bus.OutboundMessage)) *MessageTool {
	return &MessageTool{publish: publish}
}

func (t *MessageTool) Name() string { return "message" }
func (t *MessageTool) Tier() int    { return TierWrite }

func (t *MessageTool) Description() string {
	return "Send a message to the user. Use this to share progress or results before the final answer."
}

func (t *MessageTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"content": map[string]any{
				"type":        "string",
				"description": "The message content to send",
			},
			"channel": map[string]any{
				"type":        "string",
				"description": "Optional target channel (defaults to the current one)",
			},
			"chat_id": map[string]any{
				"type":        "string",
				"description": "Optional target chat ID (defaults to the current one)",
			},
		},
		"required": []string{"content"},
	}
}

// SetContext records the conversation the tool replies into.
func (t *MessageTool) SetContext(channel, chatID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channel = channel
	t.chatID = chatID
}

func (t *MessageTool) target(ctx context.Context) (string, string) {
	if ch, chat, ok := OriginFrom(ctx); ok {
		return ch, chat
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.channel, t.chatID
}

func (t *MessageTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	content := GetString(params, "content", "")
	if content == "" {
		return "Error: content is required", nil
	}
	curChannel, curChat := t.target(ctx)
	channel := GetString(params, "channel", curChannel)
	chatID := GetString(params, "chat_id", curChat)
	if channel == "" || chatID == "" {
		return "Error: no target channel/chat specified", nil
	}
	if t.publish == nil {
		return "Error: message sending not configured", nil
	}

	t.publish(&bus.OutboundMessage{
		Channel: channel,
		ChatID:  chatID,
		Content: content,
	})
	return fmt.Sprintf("Message sent to %s:%s", channel, chatID), nil
}
