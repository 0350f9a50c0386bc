package cli

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/KafClaw/clawcore/internal/agent"
	"github.com/KafClaw/clawcore/internal/bus"
	"github.com/KafClaw/clawcore/internal/config"
	"github.com/KafClaw/clawcore/internal/provider"
	"github.com/KafClaw/clawcore/internal/session"
)

// runtime bundles what both the one-shot agent and the gateway need.
type runtime struct {
	cfg      *config.Config
	bus      *bus.MessageBus
	loop     *agent.Loop
	sessions session.Store
	close    func() error
}

// openSessions opens the configured session backend. The returned close
// function is never nil.
func openSessions(cfg *config.Config) (session.Store, func() error, error) {
	switch cfg.Session.Backend {
	case config.SessionBackendSQLite:
		if err := config.EnsureDir(filepath.Dir(cfg.Session.Path)); err != nil {
			return nil, nil, fmt.Errorf("create session dir: %w", err)
		}
		store, err := session.OpenSQLite(cfg.Session.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		store, err := session.NewManager(cfg.Session.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() error { return nil }, nil
	}
}

func newRuntime(cfg *config.Config) (*runtime, error) {
	prov, err := provider.Resolve(cfg)
	if err != nil {
		return nil, err
	}
	subProv, err := provider.ResolveSubagent(cfg)
	if err != nil {
		return nil, fmt.Errorf("subagent model: %w", err)
	}
	if err := config.EnsureDir(cfg.Paths.Workspace); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	store, closeStore, err := openSessions(cfg)
	if err != nil {
		return nil, err
	}

	msgBus := bus.NewMessageBus()
	loop := agent.NewLoop(agent.LoopOptions{
		Bus:                msgBus,
		Provider:           prov,
		SubagentProvider:   subProv,
		Sessions:           store,
		Workspace:          cfg.Paths.Workspace,
		MaxIterations:      cfg.Model.MaxToolIterations,
		MaxTokens:          cfg.Model.MaxTokens,
		Temperature:        cfg.Model.Temperature,
		HistoryTokenBudget: cfg.Model.HistoryTokenBudget,
		Exec:               cfg.Tools.Exec,
		Web:                cfg.Tools.Web,
		Subagents:          cfg.Tools.Subagents,
	})
	slog.Debug("Runtime ready", "model", cfg.Model.Name, "sessions", cfg.Session.Backend, "workspace", cfg.Paths.Workspace)

	return &runtime{
		cfg:      cfg,
		bus:      msgBus,
		loop:     loop,
		sessions: store,
		close:    closeStore,
	}, nil
}
