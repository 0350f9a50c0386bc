// Package agent implements the core agent loop.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KafClaw/clawcore/internal/bus"
	"github.com/KafClaw/clawcore/internal/config"
	"github.com/KafClaw/clawcore/internal/provider"
	"github.com/KafClaw/clawcore/internal/routing"
	"github.com/KafClaw/clawcore/internal/session"
	"github.com/KafClaw/clawcore/internal/tools"
)

// FallbackResponse is returned when the iteration budget runs out, or the
// model ends a turn without any content.
const FallbackResponse = "I've completed processing but have no response to give."

const (
	defaultMaxIterations = 20
	defaultMaxTokens     = 8192
)

// LoopOptions contains configuration for the agent loop.
type LoopOptions struct {
	Bus                *bus.MessageBus
	Provider           provider.LLMProvider
	Sessions           session.Store
	Workspace          string
	Model              string
	MaxIterations      int
	MaxTokens          int
	Temperature        float64
	HistoryTokenBudget int
	Exec               config.ExecToolConfig
	Web                config.WebToolConfig
	Subagents          config.SubagentsToolConfig
	// SubagentProvider runs background tasks. Defaults to Provider.
	SubagentProvider provider.LLMProvider
}

// Loop is the core agent processing engine.
type Loop struct {
	bus            *bus.MessageBus
	provider       provider.LLMProvider
	sessions       session.Store
	registry       *tools.Registry
	contextBuilder *ContextBuilder
	subagents      *SubagentManager
	workspace      string
	model          string
	maxIterations  int
	maxTokens      int
	temperature    float64
	stopped        atomic.Bool

	locksMu      sync.Mutex
	sessionLocks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// NewLoop creates a new agent loop.
func NewLoop(opts LoopOptions) *Loop {
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	temperature := opts.Temperature
	model := opts.Model
	if model == "" && opts.Provider != nil {
		model = opts.Provider.DefaultModel()
	}

	registry := tools.NewRegistry()

	subProvider := opts.SubagentProvider
	if subProvider == nil {
		subProvider = opts.Provider
	}

	loop := &Loop{
		bus:            opts.Bus,
		provider:       opts.Provider,
		sessions:       opts.Sessions,
		registry:       registry,
		contextBuilder: NewContextBuilder(opts.Workspace, registry, opts.HistoryTokenBudget, model),
		subagents: NewSubagentManager(SubagentOptions{
			Bus:         opts.Bus,
			Provider:    subProvider,
			Workspace:   opts.Workspace,
			Config:      opts.Subagents,
			Exec:        opts.Exec,
			Web:         opts.Web,
			MaxTokens:   maxTokens,
			Temperature: temperature,
		}),
		workspace:     opts.Workspace,
		model:         model,
		maxIterations: maxIter,
		maxTokens:     maxTokens,
		temperature:   temperature,
		sessionLocks:  make(map[string]*sessionLock),
	}

	loop.registerDefaultTools(opts)

	return loop
}

func (l *Loop) registerDefaultTools(opts LoopOptions) {
	restrict := opts.Exec.RestrictToWorkspace
	l.registry.Register(tools.NewReadFileTool(l.workspace, restrict))
	l.registry.Register(tools.NewWriteFileTool(l.workspace, restrict))
	l.registry.Register(tools.NewEditFileTool(l.workspace, restrict))
	l.registry.Register(tools.NewListDirTool(l.workspace, restrict))
	l.registry.Register(tools.NewExecTool(opts.Exec.Timeout, restrict, l.workspace))
	l.registry.Register(tools.NewWebSearchTool(opts.Web.Search.APIKey, opts.Web.Search.MaxResults))
	l.registry.Register(tools.NewWebFetchTool(opts.Web.Fetch.MaxChars))
	if l.bus != nil {
		l.registry.Register(tools.NewMessageTool(l.bus.PublishOutbound))
	}
	l.registry.Register(tools.NewSpawnTool(l.subagents.Spawn))
}

// Registry exposes the loop's tool registry.
func (l *Loop) Registry() *tools.Registry { return l.registry }

// Subagents exposes the background task manager.
func (l *Loop) Subagents() *SubagentManager { return l.subagents }

// Run consumes inbound messages until Stop is called or ctx is done.
// Every message yields exactly one outbound reply; failures become an
// apology addressed to the sender.
func (l *Loop) Run(ctx context.Context) error {
	slog.Info("Agent loop started", "model", l.model, "max_iterations", l.maxIterations)
	defer slog.Info("Agent loop stopped")

	for !l.stopped.Load() {
		msg, err := l.bus.PollInbound(ctx)
		if err != nil {
			if errors.Is(err, bus.ErrTimeout) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("Failed to consume message", "error", err)
			continue
		}

		out, err := l.safeProcess(ctx, msg)
		if err != nil {
			slog.Error("Failed to process message", "channel", msg.Channel, "chat_id", msg.ChatID, "error", err)
			channel, chatID := msg.Channel, msg.ChatID
			if channel == routing.ChannelSystem {
				channel, chatID = routing.ParseOrigin(chatID)
			}
			out = &bus.OutboundMessage{
				Channel: channel,
				ChatID:  chatID,
				TraceID: msg.TraceID,
				Content: fmt.Sprintf("Sorry, I encountered an error: %v", err),
			}
		}
		if out != nil {
			l.bus.PublishOutbound(out)
		}
	}

	return nil
}

// Stop signals the agent loop to stop after the current message. A Stop
// issued before Run makes Run return at once.
func (l *Loop) Stop() {
	l.stopped.Store(true)
}

func (l *Loop) safeProcess(ctx context.Context, msg *bus.InboundMessage) (out *bus.OutboundMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Recovered panic while processing message", "panic", r)
			out, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return l.processMessage(ctx, msg)
}

// ProcessDirect processes a message without going through the bus (CLI, HTTP).
// An empty sessionKey uses "<channel>:<chatID>".
func (l *Loop) ProcessDirect(ctx context.Context, content, sessionKey, channel, chatID string) (string, error) {
	if channel == "" {
		channel = routing.DefaultChannel
	}
	if chatID == "" {
		chatID = routing.DefaultChatID
	}
	msg := bus.NewInbound(channel, "user", chatID, content)
	if sessionKey != "" {
		msg.Metadata[bus.MetaKeySessionKey] = sessionKey
	}
	out, err := l.processMessage(ctx, msg)
	if err != nil {
		return "", err
	}
	return out.Content, nil
}

func (l *Loop) processMessage(ctx context.Context, msg *bus.InboundMessage) (*bus.OutboundMessage, error) {
	if msg.Channel == routing.ChannelSystem {
		return l.processSystemMessage(ctx, msg)
	}

	slog.Info("Processing message",
		"channel", msg.Channel,
		"sender", msg.SenderID,
		"preview", truncateStr(msg.Content, 80))

	var extra map[string]any
	if len(msg.Media) > 0 {
		extra = map[string]any{"media": msg.Media}
	}
	response, err := l.runTurn(ctx, turn{
		sessionKey: msg.SessionKey(),
		channel:    msg.Channel,
		chatID:     msg.ChatID,
		content:    msg.Content,
		media:      msg.Media,
		extra:      extra,
	})
	if err != nil {
		return nil, err
	}

	out := &bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		TraceID: msg.TraceID,
		Content: response,
	}
	if id, ok := msg.Metadata[bus.MetaKeyMessageID].(string); ok {
		out.ReplyTo = id
	}
	if thread, ok := msg.Metadata[bus.MetaKeyThreadID]; ok {
		out.Metadata = map[string]any{bus.MetaKeyThreadID: thread}
	}
	return out, nil
}

// processSystemMessage handles messages injected by the system itself,
// such as subagent announcements. The reply goes to the origin encoded in
// the chat ID.
func (l *Loop) processSystemMessage(ctx context.Context, msg *bus.InboundMessage) (*bus.OutboundMessage, error) {
	originChannel, originChatID := routing.ParseOrigin(msg.ChatID)
	slog.Info("Processing system message",
		"sender", msg.SenderID,
		"origin", routing.SessionKey(originChannel, originChatID))

	response, err := l.runTurn(ctx, turn{
		sessionKey: routing.SessionKey(originChannel, originChatID),
		channel:    originChannel,
		chatID:     originChatID,
		content:    fmt.Sprintf("[System: %s] %s", msg.SenderID, msg.Content),
	})
	if err != nil {
		return nil, err
	}

	return &bus.OutboundMessage{
		Channel: originChannel,
		ChatID:  originChatID,
		TraceID: msg.TraceID,
		Content: response,
	}, nil
}

type turn struct {
	sessionKey string
	channel    string
	chatID     string
	content    string
	media      []string
	extra      map[string]any
}

// runTurn runs one user turn against a session and persists it once.
func (l *Loop) runTurn(ctx context.Context, t turn) (string, error) {
	unlock := l.lockSession(t.sessionKey)
	defer unlock()

	sess, err := l.sessions.GetOrCreate(t.sessionKey)
	if err != nil {
		return "", fmt.Errorf("load session %s: %w", t.sessionKey, err)
	}

	l.registry.SetContext(t.channel, t.chatID)
	ctx = tools.WithOrigin(ctx, t.channel, t.chatID)

	messages := l.contextBuilder.BuildMessages(sess.GetHistory(0), t.content, t.media, t.channel, t.chatID)

	response, err := runIterations(ctx, iterationParams{
		provider:      l.provider,
		registry:      l.registry,
		model:         l.model,
		maxTokens:     l.maxTokens,
		temperature:   l.temperature,
		maxIterations: l.maxIterations,
	}, messages)
	if err != nil {
		slog.Error("LLM call failed", "session", t.sessionKey, "error", err)
		response = fmt.Sprintf("Error calling LLM: %v", errors.Unwrap(err))
	}

	if t.extra != nil {
		sess.AddMessageExtra(provider.RoleUser, t.content, t.extra)
	} else {
		sess.AddMessage(provider.RoleUser, t.content)
	}
	sess.AddMessage(provider.RoleAssistant, response)
	if err := l.sessions.Save(sess); err != nil {
		return "", fmt.Errorf("save session %s: %w", t.sessionKey, err)
	}

	return response, nil
}

// lockSession serializes turns on the same session key.
func (l *Loop) lockSession(key string) func() {
	l.locksMu.Lock()
	lk, ok := l.sessionLocks[key]
	if !ok {
		lk = &sessionLock{}
		l.sessionLocks[key] = lk
	}
	lk.refs++
	l.locksMu.Unlock()

	lk.mu.Lock()
	return func() {
		lk.mu.Unlock()
		l.locksMu.Lock()
		lk.refs--
		if lk.refs == 0 {
			delete(l.sessionLocks, key)
		}
		l.locksMu.Unlock()
	}
}

type iterationParams struct {
	provider      provider.LLMProvider
	registry      *tools.Registry
	model         string
	maxTokens     int
	temperature   float64
	maxIterations int
}

// errLLM wraps provider failures so callers can tell them apart.
type errLLM struct{ err error }

func (e *errLLM) Error() string { return "LLM call failed: " + e.err.Error() }
func (e *errLLM) Unwrap() error { return e.err }

// runIterations alternates model calls and tool execution until the model
// answers without tool calls or the iteration budget is spent.
func runIterations(ctx context.Context, p iterationParams, messages []provider.Message) (string, error) {
	toolDefs := p.registry.Definitions()

	for i := 0; i < p.maxIterations; i++ {
		start := time.Now()
		resp, err := p.provider.Chat(ctx, &provider.ChatRequest{
			Messages:    messages,
			Tools:       toolDefs,
			Model:       p.model,
			MaxTokens:   p.maxTokens,
			Temperature: p.temperature,
		})
		if err != nil {
			return "", &errLLM{err: err}
		}
		slog.Debug("LLM call",
			"iteration", i+1,
			"tool_calls", len(resp.ToolCalls),
			"tokens", resp.Usage.TotalTokens,
			"duration_ms", time.Since(start).Milliseconds())

		if !resp.HasToolCalls() {
			if resp.Content == "" {
				return FallbackResponse, nil
			}
			return resp.Content, nil
		}

		messages = append(messages, provider.Message{
			Role:      provider.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, tc := range resp.ToolCalls {
			result := p.registry.Execute(ctx, tc.Name, tc.Arguments)
			messages = append(messages, provider.Message{
				Role:       provider.RoleTool,
				Content:    result,
				ToolCallID: tc.ID,
				Name:       tc.Name,
			})
			slog.Debug("Tool executed", "name", tc.Name, "result_length", len(result))
		}
	}

	slog.Warn("Max iterations reached", "max_iterations", p.maxIterations)
	return FallbackResponse, nil
}

// truncateStr returns s trimmed to maxLen runes, with an ellipsis when cut.
func truncateStr(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
