package tools

import (
	"context"
	"strings"
	"sync"
)

// SpawnFunc starts a background task and returns an acknowledgement for the model.
type SpawnFunc func(ctx context.Context, task, label, originChannel, originChatID string) string

// SpawnTool hands long-running work to a background subagent that reports
// back to the conversation it was spawned from.
type SpawnTool struct {
	spawn SpawnFunc

	mu      sync.Mutex
	channel string
	chatID  string
}

// NewSpawnTool creates a spawn tool backed by spawnFn.
func NewSpawnTool(spawnFn SpawnFunc) *SpawnTool {
	return &SpawnTool{spawn: spawnFn, channel: "cli", chatID: "direct"}
}

func (t *SpawnTool) Name() string { return "spawn" }
func (t *SpawnTool) Tier() int    { return TierWrite }

func (t *SpawnTool) Description() string {
	return "Spawn a subagent to handle a task in the background. Use this for complex or time-consuming " +
		"tasks that can run independently. The subagent will complete the task and report back when done."
}

func (t *SpawnTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task": map[string]any{
				"type":        "string",
				"description": "The task for the subagent to complete",
			},
			"label": map[string]any{
				"type":        "string",
				"description": "Optional short label for the task (for display)",
			},
		},
		"required": []string{"task"},
	}
}

// SetContext records where completion announcements should be routed.
func (t *SpawnTool) SetContext(channel, chatID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channel = channel
	t.chatID = chatID
}

func (t *SpawnTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	task := strings.TrimSpace(GetString(params, "task", ""))
	if task == "" {
		return "Error: task is required", nil
	}
	if t.spawn == nil {
		return "Error: subagents not available", nil
	}
	label := strings.TrimSpace(GetString(params, "label", ""))

	t.mu.Lock()
	channel, chatID := t.channel, t.chatID
	t.mu.Unlock()
	if ch, chat, ok := OriginFrom(ctx); ok {
		channel, chatID = ch, chat
	}

	return t.spawn(ctx, task, label, channel, chatID), nil
}
