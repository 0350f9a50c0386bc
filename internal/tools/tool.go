// Package tools provides the tool framework and implementations for the agent.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/KafClaw/clawcore/internal/provider"
)

// Tool is the interface that all agent tools must implement.
type Tool interface {
	// Name returns the tool identifier used in function calls.
	Name() string
	// Description returns a human-readable description for the LLM.
	Description() string
	// Parameters returns the JSON Schema for tool parameters.
	Parameters() map[string]any
	// Execute runs the tool with the given parameters.
	// Expected failures are returned as "Error: ..." strings; a Go error is
	// reserved for failures the registry should report on the tool's behalf.
	Execute(ctx context.Context, params map[string]any) (string, error)
}

// TieredTool is an optional interface for tools that declare a risk tier.
// Tier 0: read-only
// Tier 1: controlled writes
// Tier 2: external/high-impact
type TieredTool interface {
	Tool
	Tier() int
}

// ContextualTool is implemented by tools that act on the conversation
// currently being processed (outbound messaging, spawning).
type ContextualTool interface {
	Tool
	SetContext(channel, chatID string)
}

type originKey struct{}

type origin struct{ channel, chatID string }

// WithOrigin attaches the conversation being processed to ctx. Contextual
// tools prefer it over the value recorded by SetContext, so concurrent
// turns on different sessions keep their own targets.
func WithOrigin(ctx context.Context, channel, chatID string) context.Context {
	return context.WithValue(ctx, originKey{}, origin{channel: channel, chatID: chatID})
}

// OriginFrom returns the conversation attached by WithOrigin.
func OriginFrom(ctx context.Context) (channel, chatID string, ok bool) {
	o, ok := ctx.Value(originKey{}).(origin)
	if !ok || o.channel == "" {
		return "", "", false
	}
	return o.channel, o.chatID, true
}

// Risk tier constants.
const (
	TierReadOnly = 0 // Read-only internal tools
	TierWrite    = 1 // Controlled write/internal effects
	TierHighRisk = 2 // External or high-impact actions
)

// ToolTier returns the risk tier for a tool.
// If the tool implements TieredTool, its Tier() is returned.
// Otherwise defaults to TierReadOnly.
func ToolTier(t Tool) int {
	if tt, ok := t.(TieredTool); ok {
		return tt.Tier()
	}
	return TierReadOnly
}

// Registry manages tool registration and execution.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a new tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool to the registry. A later registration replaces an
// earlier one with the same name.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Unregister removes a tool. Removing an unknown name is a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// List returns all registered tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	result := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		result = append(result, tool)
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// Names returns the sorted tool names.
func (r *Registry) Names() []string {
	list := r.List()
	names := make([]string, len(list))
	for i, tool := range list {
		names[i] = tool.Name()
	}
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Definitions returns the provider-facing schema of every tool.
func (r *Registry) Definitions() []provider.ToolDefinition {
	list := r.List()
	result := make([]provider.ToolDefinition, 0, len(list))
	for _, tool := range list {
		result = append(result, provider.ToolDefinition{
			Type: "function",
			Function: provider.FunctionDef{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  tool.Parameters(),
			},
		})
	}
	return result
}

// SetContext points every ContextualTool at the given conversation.
func (r *Registry) SetContext(channel, chatID string) {
	for _, tool := range r.List() {
		if ct, ok := tool.(ContextualTool); ok {
			ct.SetContext(channel, chatID)
		}
	}
}

// Execute runs a tool by name. Failures never escape as errors or panics:
// they come back as a string the model can read.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any) (result string) {
	tool, ok := r.Get(name)
	if !ok {
		return fmt.Sprintf("Error: Tool '%s' not found", name)
	}

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Tool panicked", "tool", name, "panic", rec)
			result = fmt.Sprintf("Error executing %s: %v", name, rec)
		}
	}()

	out, err := tool.Execute(ctx, params)
	if err != nil {
		slog.Warn("Tool failed", "tool", name, "error", err)
		return fmt.Sprintf("Error executing %s: %v", name, err)
	}
	return out
}

// GetString extracts a string parameter with a default value.
func GetString(params map[string]any, key string, defaultVal string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return defaultVal
}

// GetInt extracts an int parameter with a default value.
func GetInt(params map[string]any, key string, defaultVal int) int {
	if v, ok := params[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return defaultVal
}

// GetBool extracts a bool parameter with a default value.
func GetBool(params map[string]any, key string, defaultVal bool) bool {
	if v, ok := params[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return defaultVal
}
