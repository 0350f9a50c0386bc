package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/KafClaw/clawcore/internal/config"
	"github.com/KafClaw/clawcore/internal/session"
)

func runRootCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	_, err := rootCmd.ExecuteC()
	rootCmd.SetArgs(nil)
	return strings.TrimSpace(buf.String()), err
}

// isolate points HOME at a temp dir and clears every clawcore override.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("CLAWCORE_HOME", "")
	t.Setenv("CLAWCORE_CONFIG", "")
	t.Setenv("CLAWCORE_ENV_FILE", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	return home
}

// fakeLLM answers every chat completion with "echo: <last message>".
func fakeLLM(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content any    `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		last := ""
		if n := len(req.Messages); n > 0 {
			last, _ = req.Messages[n-1].Content.(string)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{
				"message":       map[string]any{"role": "assistant", "content": "echo: " + last},
				"finish_reason": "stop",
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// useFakeLLM routes the configured model to srv.
func useFakeLLM(t *testing.T, srv *httptest.Server) {
	t.Helper()
	t.Setenv("CLAWCORE_MODEL_NAME", "vllm/test-model")
	t.Setenv("CLAWCORE_VLLM_API_BASE", srv.URL)
	t.Setenv("CLAWCORE_MODEL_HISTORY_TOKEN_BUDGET", "0")
}

func TestVersionCommand(t *testing.T) {
	out, err := runRootCommand(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if out != "clawcore "+version {
		t.Errorf("unexpected version output %q", out)
	}
}

func TestConfigInitAndShow(t *testing.T) {
	home := isolate(t)
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-secret")

	out, err := runRootCommand(t, "config", "init")
	if err != nil {
		t.Fatalf("config init: %v\n%s", err, out)
	}
	cfgPath := filepath.Join(home, config.ConfigDir, config.ConfigFile)
	if _, err := os.Stat(cfgPath); err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if _, err := os.Stat(filepath.Join(home, config.ConfigDir, "workspace", "AGENTS.md")); err != nil {
		t.Errorf("workspace not scaffolded: %v", err)
	}
	data, _ := os.ReadFile(cfgPath)
	if strings.Contains(string(data), "sk-ant-secret") {
		t.Error("config init must not persist environment secrets")
	}

	out, err = runRootCommand(t, "config", "init")
	if err != nil || !strings.Contains(out, "already exists") {
		t.Errorf("second init should keep the file, got %q %v", out, err)
	}

	out, err = runRootCommand(t, "config", "show")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "sk-ant-secret") || !strings.Contains(out, redactedValue) {
		t.Errorf("config show should redact secrets:\n%s", out)
	}
}

func TestConfigSetGetUnsetCommands(t *testing.T) {
	isolate(t)

	if _, err := runRootCommand(t, "config", "set", "gateway.port", "19999"); err != nil {
		t.Fatalf("set: %v", err)
	}
	out, err := runRootCommand(t, "config", "get", "gateway.port")
	if err != nil || out != "19999" {
		t.Fatalf("get port = %q %v", out, err)
	}

	if _, err := runRootCommand(t, "config", "set", "channels.telegram.allowFrom", `["123","alice"]`); err != nil {
		t.Fatalf("set allowFrom: %v", err)
	}
	out, err = runRootCommand(t, "config", "get", "channels.telegram.allowFrom")
	if err != nil || !strings.Contains(out, `"alice"`) {
		t.Fatalf("get allowFrom = %q %v", out, err)
	}

	if _, err := runRootCommand(t, "config", "unset", "gateway.port"); err != nil {
		t.Fatalf("unset: %v", err)
	}
	out, err = runRootCommand(t, "config", "get", "gateway.port")
	if err != nil || out != "18790" {
		t.Errorf("expected default port after unset, got %q %v", out, err)
	}
}

func TestChannelsAllowAndRevoke(t *testing.T) {
	isolate(t)

	if _, err := runRootCommand(t, "channels", "allow", "slack", "U123"); err != nil {
		t.Fatalf("allow: %v", err)
	}
	out, err := runRootCommand(t, "channels", "allow", "slack", "U123")
	if err != nil || !strings.Contains(out, "already allowed") {
		t.Errorf("duplicate allow = %q %v", out, err)
	}
	out, err = runRootCommand(t, "channels", "list", "slack")
	if err != nil || out != "slack: U123" {
		t.Errorf("list = %q %v", out, err)
	}

	out, err = runRootCommand(t, "channels", "revoke", "slack", "U123")
	if err != nil || !strings.Contains(out, "everyone is allowed") {
		t.Errorf("revoke = %q %v", out, err)
	}
	if _, err := runRootCommand(t, "channels", "revoke", "slack", "U123"); err == nil {
		t.Error("revoking an absent sender should fail")
	}
	if _, err := runRootCommand(t, "channels", "allow", "irc", "bob"); err == nil {
		t.Error("unknown channels should be rejected")
	}
}

func TestSessionsCommands(t *testing.T) {
	home := isolate(t)
	store, err := session.NewManager(filepath.Join(home, config.ConfigDir, "sessions"))
	if err != nil {
		t.Fatal(err)
	}
	sess, _ := store.GetOrCreate("telegram:42")
	sess.AddMessage("user", "hello there")
	sess.AddMessage("assistant", "hi!")
	if err := store.Save(sess); err != nil {
		t.Fatal(err)
	}

	out, err := runRootCommand(t, "sessions", "list")
	if err != nil || !strings.Contains(out, "telegram:42") {
		t.Fatalf("list = %q %v", out, err)
	}

	out, err = runRootCommand(t, "sessions", "show", "telegram:42")
	if err != nil || !strings.Contains(out, "hello there") || !strings.Contains(out, "hi!") {
		t.Fatalf("show = %q %v", out, err)
	}

	if _, err := runRootCommand(t, "sessions", "delete", "telegram:42"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := runRootCommand(t, "sessions", "show", "telegram:42"); err == nil {
		t.Error("show after delete should fail")
	}
	out, err = runRootCommand(t, "sessions", "list")
	if err != nil || out != "No sessions." {
		t.Errorf("list after delete = %q %v", out, err)
	}
}

func TestAgentOneShot(t *testing.T) {
	home := isolate(t)
	useFakeLLM(t, fakeLLM(t))
	t.Cleanup(func() { agentMessage = "" })

	out, err := runRootCommand(t, "agent", "-m", "ping", "-s", "cli:test")
	if err != nil {
		t.Fatalf("agent: %v\n%s", err, out)
	}
	if !strings.Contains(out, "echo: ping") {
		t.Errorf("unexpected agent output %q", out)
	}

	store, err := session.NewManager(filepath.Join(home, config.ConfigDir, "sessions"))
	if err != nil {
		t.Fatal(err)
	}
	sess, err := store.Load("cli:test")
	if err != nil {
		t.Fatalf("session not persisted: %v", err)
	}
	if sess.Len() != 2 {
		t.Errorf("expected user and assistant messages, got %d", sess.Len())
	}
}

func TestAgentMissingCredentials(t *testing.T) {
	isolate(t)
	t.Cleanup(func() { agentMessage = "" })

	if _, err := runRootCommand(t, "agent", "-m", "ping"); err == nil {
		t.Fatal("expected provider error without credentials")
	}
}

func TestREPL(t *testing.T) {
	in := strings.NewReader("first\n\n  second  \n/exit\nnever\n")
	var out bytes.Buffer
	var asked []string
	err := repl(t.Context(), in, &out, func(line string) (string, error) {
		asked = append(asked, line)
		return "ok " + line, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(asked, "|") != "first|second" {
		t.Errorf("unexpected prompts %v", asked)
	}
	if !strings.Contains(out.String(), "ok second") {
		t.Errorf("missing answer in output %q", out.String())
	}
}
