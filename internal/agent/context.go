package agent

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/KafClaw/clawcore/internal/identity"
	"github.com/KafClaw/clawcore/internal/provider"
	"github.com/KafClaw/clawcore/internal/session"
	"github.com/KafClaw/clawcore/internal/tools"
)

// ContextBuilder assembles the system prompt and messages.
type ContextBuilder struct {
	workspace     string
	registry      *tools.Registry
	historyBudget int
	model         string

	tokOnce     sync.Once
	countTokens func(string) int
}

// NewContextBuilder creates a new ContextBuilder. historyBudget is the token
// budget for replayed history; zero or less replays the whole session.
func NewContextBuilder(workspace string, registry *tools.Registry, historyBudget int, model string) *ContextBuilder {
	return &ContextBuilder{
		workspace:     workspace,
		registry:      registry,
		historyBudget: historyBudget,
		model:         model,
	}
}

// BuildSystemPrompt constructs the full system prompt from files and runtime info.
func (b *ContextBuilder) BuildSystemPrompt() string {
	var parts []string

	parts = append(parts, b.getIdentity())

	if bootstrap := b.loadBootstrapFiles(); bootstrap != "" {
		parts = append(parts, bootstrap)
	}

	if mem := b.loadMemory(); mem != "" {
		parts = append(parts, "# Memory\n\n"+mem)
	}

	if summary := b.buildToolsSummary(); summary != "" {
		parts = append(parts, "# Tools\n\n"+summary)
	}

	return strings.Join(parts, "\n\n---\n\n")
}

func (b *ContextBuilder) workspacePath() string {
	wsPath := b.workspace
	if strings.HasPrefix(wsPath, "~") {
		home, _ := os.UserHomeDir()
		wsPath = filepath.Join(home, wsPath[1:])
	}
	if abs, err := filepath.Abs(wsPath); err == nil {
		wsPath = abs
	}
	return wsPath
}

func (b *ContextBuilder) getIdentity() string {
	t := time.Now()
	now := t.Format("2006-01-02 15:04 (Monday)")

	// Pre-computed so the model never does date arithmetic.
	yesterday := t.AddDate(0, 0, -1)
	tomorrow := t.AddDate(0, 0, 1)
	dateRef := fmt.Sprintf("- Yesterday: %s (%s)\n- Today: %s (%s)\n- Tomorrow: %s (%s)",
		yesterday.Format("2006-01-02"), yesterday.Format("Monday"),
		t.Format("2006-01-02"), t.Format("Monday"),
		tomorrow.Format("2006-01-02"), tomorrow.Format("Monday"))
	for i := 2; i <= 7; i++ {
		d := t.AddDate(0, 0, i)
		dateRef += fmt.Sprintf("\n- %s: %s", d.Format("Monday"), d.Format("2006-01-02"))
	}

	wsPath := b.workspacePath()
	runtimeInfo := fmt.Sprintf("%s %s, Go %s", runtime.GOOS, runtime.GOARCH, runtime.Version())

	return fmt.Sprintf(`# clawcore

You are clawcore, a helpful, efficient AI assistant.
You have access to tools that allow you to:
- Read, write, and edit files
- Execute shell commands
- Search the web and fetch web pages
- Send messages to users
- Spawn background subagents for long-running tasks

## Current Time
%s

## Date Reference (use these, do not compute dates yourself)
%s

## Runtime
%s

## Workspace
Your workspace is at: %s
- Memory file: %s/%s
- Heartbeat tasks: %s/%s

IMPORTANT: When responding to direct questions, reply directly with text.
Only use the 'message' tool when you need to send something before your final answer.
When asked to remember something, append it to the memory file.
Always be helpful, accurate, and concise.
`, now, dateRef, runtimeInfo, wsPath, wsPath, identity.MemoryFile, wsPath, identity.HeartbeatFile)
}

func (b *ContextBuilder) loadBootstrapFiles() string {
	var parts []string
	wsPath := b.workspacePath()

	for _, filename := range identity.TemplateNames {
		content, err := os.ReadFile(filepath.Join(wsPath, filename))
		if err == nil {
			parts = append(parts, fmt.Sprintf("## %s\n\n%s", filename, string(content)))
		}
	}

	return strings.Join(parts, "\n\n")
}

func (b *ContextBuilder) loadMemory() string {
	content, err := os.ReadFile(filepath.Join(b.workspacePath(), filepath.FromSlash(identity.MemoryFile)))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(content))
}

func (b *ContextBuilder) buildToolsSummary() string {
	if b.registry == nil {
		return ""
	}
	list := b.registry.List()
	if len(list) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("You have the following tools available:\n")
	for _, tool := range list {
		fmt.Fprintf(&sb, "- %s: %s\n", tool.Name(), tool.Description())
	}
	return sb.String()
}

// BuildMessages constructs the message list for the LLM: system prompt,
// budgeted history, then the current user message with any media noted.
func (b *ContextBuilder) BuildMessages(
	history []session.Message,
	currentMessage string,
	media []string,
	channel string,
	chatID string,
) []provider.Message {
	systemPrompt := b.BuildSystemPrompt()
	if channel != "" && chatID != "" {
		systemPrompt += fmt.Sprintf("\n\n## Current Session\nChannel: %s\nChat ID: %s", channel, chatID)
	}

	messages := []provider.Message{
		{Role: provider.RoleSystem, Content: systemPrompt},
	}

	for _, msg := range b.trimHistory(history) {
		messages = append(messages, provider.Message{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	messages = append(messages, provider.Message{
		Role:    provider.RoleUser,
		Content: withMedia(currentMessage, media),
	})

	return messages
}

// withMedia appends a note listing attached media paths.
func withMedia(content string, media []string) string {
	var paths []string
	for _, m := range media {
		if m = strings.TrimSpace(m); m != "" {
			paths = append(paths, m)
		}
	}
	if len(paths) == 0 {
		return content
	}
	var sb strings.Builder
	sb.WriteString(content)
	sb.WriteString("\n\n[Attached media]\n")
	for _, p := range paths {
		fmt.Fprintf(&sb, "- %s\n", p)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// trimHistory keeps the newest messages whose combined token count fits the
// history budget. Order is preserved.
func (b *ContextBuilder) trimHistory(history []session.Message) []session.Message {
	if b.historyBudget <= 0 || len(history) == 0 {
		return history
	}

	used := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		n := b.tokens(history[i].Content) + messageOverhead
		if used+n > b.historyBudget {
			break
		}
		used += n
		start = i
	}
	if start > 0 {
		slog.Debug("History trimmed to token budget", "dropped", start, "kept", len(history)-start, "tokens", used)
	}
	return history[start:]
}

// messageOverhead approximates the per-message framing tokens.
const messageOverhead = 4

func (b *ContextBuilder) tokens(s string) int {
	b.tokOnce.Do(func() {
		if b.countTokens == nil {
			b.countTokens = newTokenCounter(b.model)
		}
	})
	return b.countTokens(s)
}

func newTokenCounter(model string) func(string) int {
	if _, name := provider.ParseModelString(model); name != "" {
		model = name
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		slog.Warn("Tokenizer unavailable, estimating token counts", "model", model, "error", err)
		return estimateTokens
	}
	return func(s string) int {
		return len(enc.Encode(s, nil, nil))
	}
}

func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}
