package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/KafClaw/clawcore/internal/bus"
	"github.com/KafClaw/clawcore/internal/config"
	"github.com/KafClaw/clawcore/internal/provider"
	"github.com/KafClaw/clawcore/internal/routing"
	"github.com/KafClaw/clawcore/internal/tools"
)

const (
	defaultSubagentConcurrent = 4
	defaultSubagentIterations = 15
	subagentLabelRunes        = 30
	subagentSenderID          = "subagent"
)

// SubagentOptions configures a SubagentManager.
type SubagentOptions struct {
	Bus         *bus.MessageBus
	Provider    provider.LLMProvider
	Workspace   string
	Config      config.SubagentsToolConfig
	Exec        config.ExecToolConfig
	Web         config.WebToolConfig
	MaxTokens   int
	Temperature float64
}

type runningTask struct {
	id            string
	label         string
	task          string
	originChannel string
	originChatID  string
	startedAt     time.Time
	cancel        context.CancelFunc
}

// SubagentInfo is a snapshot of a running background task.
type SubagentInfo struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	Task      string    `json:"task"`
	Origin    string    `json:"origin"`
	StartedAt time.Time `json:"started_at"`
}

// SubagentManager runs background tasks and announces their results back
// to the conversation that spawned them.
type SubagentManager struct {
	bus           *bus.MessageBus
	provider      provider.LLMProvider
	workspace     string
	exec          config.ExecToolConfig
	web           config.WebToolConfig
	maxIterations int
	maxTokens     int
	temperature   float64
	sem           *semaphore.Weighted

	mu      sync.Mutex
	running map[string]*runningTask
}

// NewSubagentManager creates a manager. Zero limits fall back to defaults.
func NewSubagentManager(opts SubagentOptions) *SubagentManager {
	maxConcurrent := opts.Config.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultSubagentConcurrent
	}
	maxIter := opts.Config.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultSubagentIterations
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &SubagentManager{
		bus:           opts.Bus,
		provider:      opts.Provider,
		workspace:     opts.Workspace,
		exec:          opts.Exec,
		web:           opts.Web,
		maxIterations: maxIter,
		maxTokens:     maxTokens,
		temperature:   opts.Temperature,
		sem:           semaphore.NewWeighted(int64(maxConcurrent)),
		running:       make(map[string]*runningTask),
	}
}

// Spawn starts task in the background and returns an acknowledgement
// immediately. It never waits for a concurrency slot.
func (m *SubagentManager) Spawn(ctx context.Context, task, label, originChannel, originChatID string) string {
	id := uuid.NewString()[:8]
	display := label
	if display == "" {
		display = truncateStr(task, subagentLabelRunes)
	}
	if originChannel == "" {
		originChannel, originChatID = routing.DefaultChannel, routing.DefaultChatID
	}

	runCtx, cancel := context.WithCancel(context.Background())
	rt := &runningTask{
		id:            id,
		label:         display,
		task:          task,
		originChannel: originChannel,
		originChatID:  originChatID,
		startedAt:     time.Now(),
		cancel:        cancel,
	}

	m.mu.Lock()
	m.running[id] = rt
	m.mu.Unlock()

	go m.run(runCtx, rt)

	slog.Info("Spawned subagent", "id", id, "label", display, "origin", routing.SessionKey(originChannel, originChatID))
	return fmt.Sprintf("Subagent [%s] started (id: %s). I'll notify you when it completes.", display, id)
}

func (m *SubagentManager) run(ctx context.Context, rt *runningTask) {
	defer rt.cancel()
	defer m.remove(rt.id)

	if err := m.sem.Acquire(ctx, 1); err != nil {
		slog.Info("Subagent cancelled before start", "id", rt.id)
		m.announce(rt, fmt.Sprintf("Error: %v", err), false)
		return
	}
	defer m.sem.Release(1)

	result, err := m.execute(ctx, rt)
	if err != nil {
		slog.Error("Subagent failed", "id", rt.id, "error", err)
		m.announce(rt, fmt.Sprintf("Error: %v", err), false)
		return
	}
	slog.Info("Subagent completed", "id", rt.id, "duration", time.Since(rt.startedAt).Round(time.Millisecond))
	m.announce(rt, result, true)
}

func (m *SubagentManager) execute(ctx context.Context, rt *runningTask) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	messages := []provider.Message{
		{Role: provider.RoleSystem, Content: m.buildPrompt(rt.task)},
		{Role: provider.RoleUser, Content: rt.task},
	}
	return runIterations(ctx, iterationParams{
		provider:      m.provider,
		registry:      m.buildRegistry(),
		model:         m.provider.DefaultModel(),
		maxTokens:     m.maxTokens,
		temperature:   m.temperature,
		maxIterations: m.maxIterations,
	}, messages)
}

// buildRegistry returns the tools a subagent may use. Messaging and
// spawning are left out on purpose.
func (m *SubagentManager) buildRegistry() *tools.Registry {
	restrict := m.exec.RestrictToWorkspace
	reg := tools.NewRegistry()
	reg.Register(tools.NewReadFileTool(m.workspace, restrict))
	reg.Register(tools.NewWriteFileTool(m.workspace, restrict))
	reg.Register(tools.NewListDirTool(m.workspace, restrict))
	reg.Register(tools.NewExecTool(m.exec.Timeout, restrict, m.workspace))
	reg.Register(tools.NewWebSearchTool(m.web.Search.APIKey, m.web.Search.MaxResults))
	reg.Register(tools.NewWebFetchTool(m.web.Fetch.MaxChars))
	return reg
}

func (m *SubagentManager) buildPrompt(task string) string {
	return fmt.Sprintf(`# Subagent

You are a subagent spawned by the main agent to complete a specific task.

## Your Task
%s

## Rules
1. Stay focused on the assigned task and nothing else.
2. Your final response is reported back to the main agent.
3. Do not start conversations or take on side tasks.
4. Be concise but informative in your findings.

## What You Can Do
- Read and write files in the workspace
- Execute shell commands
- Search the web and fetch web pages

## What You Cannot Do
- Send messages directly to users
- Spawn other subagents
- Access the main agent's conversation history

## Workspace
Your workspace is at: %s

When you have completed the task, provide a clear summary of your findings or actions.`, task, m.workspace)
}

func (m *SubagentManager) announce(rt *runningTask, result string, ok bool) {
	status := "completed successfully"
	if !ok {
		status = "failed"
	}
	content := fmt.Sprintf("[Subagent '%s' %s]\n\nTask: %s\n\nResult:\n%s\n\n"+
		"Summarize this naturally for the user. Keep it brief (1-2 sentences). "+
		"Do not mention technical details like \"subagent\" or task IDs.",
		rt.label, status, rt.task, result)

	if m.bus == nil {
		return
	}
	msg := bus.NewInbound(routing.ChannelSystem, subagentSenderID, routing.SessionKey(rt.originChannel, rt.originChatID), content)
	msg.Metadata[bus.MetaKeyTaskID] = rt.id
	m.bus.PublishInbound(msg)
}

func (m *SubagentManager) remove(id string) {
	m.mu.Lock()
	delete(m.running, id)
	m.mu.Unlock()
}

// Cancel stops a running task and forgets it. It reports whether id was running.
func (m *SubagentManager) Cancel(id string) bool {
	m.mu.Lock()
	rt, ok := m.running[id]
	if ok {
		delete(m.running, id)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	rt.cancel()
	slog.Info("Subagent cancelled", "id", id)
	return true
}

// CancelAll stops every running task.
func (m *SubagentManager) CancelAll() int {
	n := 0
	for _, id := range m.RunningIDs() {
		if m.Cancel(id) {
			n++
		}
	}
	return n
}

// RunningCount returns the number of tasks not yet finished.
func (m *SubagentManager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// RunningIDs returns the ids of unfinished tasks, sorted.
func (m *SubagentManager) RunningIDs() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// List returns snapshots of unfinished tasks, oldest first.
func (m *SubagentManager) List() []SubagentInfo {
	m.mu.Lock()
	out := make([]SubagentInfo, 0, len(m.running))
	for _, rt := range m.running {
		out = append(out, SubagentInfo{
			ID:        rt.id,
			Label:     rt.label,
			Task:      rt.task,
			Origin:    routing.SessionKey(rt.originChannel, rt.originChatID),
			StartedAt: rt.startedAt,
		})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}
