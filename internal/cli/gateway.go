package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/KafClaw/clawcore/internal/bus"
	"github.com/KafClaw/clawcore/internal/channels"
	"github.com/KafClaw/clawcore/internal/config"
	"github.com/KafClaw/clawcore/internal/routing"
	"github.com/KafClaw/clawcore/internal/scheduler"
)

const (
	httpChannel        = "http"
	defaultHTTPSession = "http:default"
	maxChatBody        = 1 << 20
	shutdownTimeout    = 5 * time.Second
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the agent gateway (channels, scheduler, HTTP API)",
	RunE:  runGateway,
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	printHeader(cmd.OutOrStdout(), "🌐 clawcore gateway")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serveGateway(ctx, rt)
}

// serveGateway runs the loop, the outbound dispatcher, the channels, the
// scheduler and the HTTP API until ctx is done or one of them fails.
func serveGateway(ctx context.Context, rt *runtime) error {
	cfg := rt.cfg

	mgr, err := channels.BuildFromConfig(cfg, rt.bus)
	if err != nil {
		return fmt.Errorf("channels: %w", err)
	}

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched, err = scheduler.FromConfig(cfg.Scheduler, rt.bus, cfg.Paths.Workspace, cfg.Paths.DataDir)
		if sched == nil {
			return err
		}
		if err != nil {
			slog.Warn("Some scheduler jobs were skipped", "error", err)
		}
	}

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port)),
		Handler:           newGatewayMux(rt, mgr, sched),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rt.loop.Run(gctx)
	})
	g.Go(func() error {
		err := rt.bus.DispatchOutbound(gctx)
		if errors.Is(err, bus.ErrStopped) || gctx.Err() != nil {
			return nil
		}
		return err
	})
	g.Go(func() error {
		if err := mgr.StartAll(gctx); err != nil {
			slog.Warn("Some channels failed to start", "error", err)
		}
		<-gctx.Done()
		return mgr.StopAll()
	})
	if sched != nil {
		g.Go(func() error {
			if err := sched.Run(gctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		slog.Info("Gateway API listening", "addr", "http://"+srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Gateway shutting down")
		rt.loop.Stop()
		rt.bus.Stop()
		if n := rt.loop.Subagents().CancelAll(); n > 0 {
			slog.Info("Cancelled running subagents", "count", n)
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// newGatewayMux serves the HTTP API. Every route except /health requires
// the bearer token when one is configured.
func newGatewayMux(rt *runtime, mgr *channels.Manager, sched *scheduler.Scheduler) http.Handler {
	token := strings.TrimSpace(rt.cfg.Gateway.AuthToken)
	authed := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if token != "" {
				got := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
				if got != token {
					http.Error(w, "unauthorized", http.StatusUnauthorized)
					return
				}
			}
			h(w, r)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]any{
			"status":    "ok",
			"version":   version,
			"subagents": rt.loop.Subagents().RunningCount(),
		}
		if mgr != nil {
			status["channels"] = mgr.Status()
		}
		writeJSON(w, http.StatusOK, status)
	})
	mux.HandleFunc("/chat", authed(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		message, sessionKey, err := chatRequest(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		channel, chatID, ok := routing.ParseSessionKey(sessionKey)
		if !ok {
			channel, chatID = httpChannel, sessionKey
		}
		slog.Info("HTTP chat request", "session", sessionKey)
		resp, err := rt.loop.ProcessDirect(r.Context(), message, sessionKey, channel, chatID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, resp)
	}))
	mux.HandleFunc("/subagents", authed(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, rt.loop.Subagents().List())
		case http.MethodDelete:
			id := r.URL.Query().Get("id")
			if id == "" {
				http.Error(w, "Missing id parameter", http.StatusBadRequest)
				return
			}
			if !rt.loop.Subagents().Cancel(id) {
				http.Error(w, "subagent not found", http.StatusNotFound)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"cancelled": id})
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}))
	if sched != nil {
		mux.HandleFunc("/jobs", authed(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet:
				writeJSON(w, http.StatusOK, sched.Jobs())
			case http.MethodPost:
				name := r.URL.Query().Get("name")
				fired, err := sched.Trigger(r.Context(), name)
				if err != nil {
					http.Error(w, err.Error(), http.StatusNotFound)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"job": name, "dispatched": fired})
			default:
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			}
		}))
	}
	return mux
}

// chatRequest reads the message and session from the query string or a
// JSON body.
func chatRequest(r *http.Request) (message, sessionKey string, err error) {
	q := r.URL.Query()
	message, sessionKey = q.Get("message"), q.Get("session")
	if message == "" && strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body struct {
			Message string `json:"message"`
			Session string `json:"session"`
		}
		data, err := io.ReadAll(io.LimitReader(r.Body, maxChatBody))
		if err != nil {
			return "", "", fmt.Errorf("read body: %w", err)
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return "", "", fmt.Errorf("invalid JSON body: %w", err)
		}
		message = body.Message
		if sessionKey == "" {
			sessionKey = body.Session
		}
	}
	if strings.TrimSpace(message) == "" {
		return "", "", errors.New("missing message parameter")
	}
	if sessionKey == "" {
		sessionKey = defaultHTTPSession
	}
	return message, sessionKey, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}
