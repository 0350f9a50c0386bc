package tools

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/KafClaw/clawcore/internal/bus"
)

type stubTool struct {
	name   string
	result string
	err    error
	panics bool
	calls  int
	params map[string]any
}

func (s *stubTool) Name() string               { return s.name }
func (s *stubTool) Description() string        { return "stub " + s.name }
func (s *stubTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (s *stubTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	s.calls++
	s.params = params
	if s.panics {
		panic("kaboom")
	}
	return s.result, s.err
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	r.Register(NewReadFileTool("", false))
	r.Register(NewListDirTool("", false))

	got, ok := r.Get("read_file")
	if !ok {
		t.Fatal("expected to find read_file tool")
	}
	if got.Name() != "read_file" {
		t.Errorf("expected name 'read_file', got '%s'", got.Name())
	}
	if _, ok := r.Get("nonexistent"); ok {
		t.Error("expected not to find nonexistent tool")
	}
	if !r.Has("list_dir") || r.Has("exec") {
		t.Error("unexpected Has results")
	}

	names := r.Names()
	if len(names) != 2 || names[0] != "list_dir" || names[1] != "read_file" {
		t.Errorf("expected sorted names, got %v", names)
	}

	defs := r.Definitions()
	if len(defs) != 2 {
		t.Fatalf("expected 2 definitions, got %d", len(defs))
	}
	if defs[1].Type != "function" || defs[1].Function.Name != "read_file" || defs[1].Function.Parameters == nil {
		t.Errorf("unexpected definition %+v", defs[1])
	}

	r.Unregister("list_dir")
	r.Unregister("list_dir")
	if r.Len() != 1 {
		t.Errorf("expected 1 tool after unregister, got %d", r.Len())
	}
}

func TestRegistryLastRegistrationWins(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{name: "x", result: "first"})
	r.Register(&stubTool{name: "x", result: "second"})

	if got := r.Execute(context.Background(), "x", nil); got != "second" {
		t.Errorf("expected second registration to win, got %q", got)
	}
}

func TestRegistryExecuteErrorsAreStrings(t *testing.T) {
	r := NewRegistry()
	failing := &stubTool{name: "fails", err: errors.New("disk full")}
	panicky := &stubTool{name: "panics", panics: true}
	r.Register(failing)
	r.Register(panicky)

	if got := r.Execute(context.Background(), "missing", nil); got != "Error: Tool 'missing' not found" {
		t.Errorf("unexpected not-found result %q", got)
	}
	if got := r.Execute(context.Background(), "fails", nil); got != "Error executing fails: disk full" {
		t.Errorf("unexpected error result %q", got)
	}
	if got := r.Execute(context.Background(), "panics", nil); got != "Error executing panics: kaboom" {
		t.Errorf("unexpected panic result %q", got)
	}
}

func TestRegistryExecutePassesParams(t *testing.T) {
	r := NewRegistry()
	st := &stubTool{name: "echo", result: "ok"}
	r.Register(st)

	r.Execute(context.Background(), "echo", map[string]any{"q": "hi"})
	if st.calls != 1 || st.params["q"] != "hi" {
		t.Errorf("expected one call with params, got %d %v", st.calls, st.params)
	}
}

func TestRegistrySetContext(t *testing.T) {
	r := NewRegistry()
	var mu sync.Mutex
	var sent []*bus.OutboundMessage
	msg := NewMessageTool(func(m *bus.OutboundMessage) {
		mu.Lock()
		sent = append(sent, m)
		mu.Unlock()
	})
	r.Register(msg)
	r.Register(&stubTool{name: "plain"})

	r.SetContext("telegram", "42")
	out := r.Execute(context.Background(), "message", map[string]any{"content": "working on it"})
	if out != "Message sent to telegram:42" {
		t.Errorf("unexpected result %q", out)
	}
	if len(sent) != 1 || sent[0].Channel != "telegram" || sent[0].ChatID != "42" {
		t.Errorf("unexpected outbound %+v", sent)
	}
}

func TestReadFileTool(t *testing.T) {
	tmpDir := t.TempDir()
	tool := NewReadFileTool(tmpDir, true)
	os.WriteFile(filepath.Join(tmpDir, "test.txt"), []byte("Hello, World!"), 0644)

	result, err := tool.Execute(context.Background(), map[string]any{"path": "test.txt"})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if result != "Hello, World!" {
		t.Errorf("expected 'Hello, World!', got '%s'", result)
	}

	result, _ = tool.Execute(context.Background(), map[string]any{"path": "missing.txt"})
	if !strings.Contains(result, "file not found") {
		t.Errorf("expected not found error, got '%s'", result)
	}

	result, _ = tool.Execute(context.Background(), map[string]any{"path": "/etc/hostname"})
	if !strings.Contains(result, "outside workspace") {
		t.Errorf("expected workspace restriction, got '%s'", result)
	}
}

func TestWriteAndEditFileTool(t *testing.T) {
	tmpDir := t.TempDir()
	write := NewWriteFileTool(tmpDir, true)
	edit := NewEditFileTool(tmpDir, true)

	result, _ := write.Execute(context.Background(), map[string]any{
		"path":    "notes/todo.md",
		"content": "- buy milk\n- buy milk\n- call bob\n",
	})
	if !strings.Contains(result, "Successfully wrote") {
		t.Fatalf("write failed: %s", result)
	}

	result, _ = edit.Execute(context.Background(), map[string]any{
		"path": "notes/todo.md", "old_text": "buy milk", "new_text": "buy oat milk",
	})
	if !strings.Contains(result, "appears 2 times") {
		t.Errorf("expected ambiguity warning, got '%s'", result)
	}

	result, _ = edit.Execute(context.Background(), map[string]any{
		"path": "notes/todo.md", "old_text": "call bob", "new_text": "call alice",
	})
	if !strings.Contains(result, "Successfully edited") {
		t.Fatalf("edit failed: %s", result)
	}
	data, _ := os.ReadFile(filepath.Join(tmpDir, "notes", "todo.md"))
	if !strings.Contains(string(data), "call alice") {
		t.Errorf("edit not applied: %s", data)
	}

	result, _ = write.Execute(context.Background(), map[string]any{"path": "../escape.txt", "content": "x"})
	if !strings.Contains(result, "outside workspace") {
		t.Errorf("expected write outside workspace to fail, got '%s'", result)
	}
}

func TestListDirTool(t *testing.T) {
	tmpDir := t.TempDir()
	os.Mkdir(filepath.Join(tmpDir, "sub"), 0755)
	os.WriteFile(filepath.Join(tmpDir, "a.txt"), []byte("abc"), 0644)

	tool := NewListDirTool(tmpDir, true)
	result, _ := tool.Execute(context.Background(), map[string]any{"path": "."})
	if !strings.Contains(result, "[DIR]  sub/") || !strings.Contains(result, "[FILE] a.txt (3 bytes)") {
		t.Errorf("unexpected listing: %s", result)
	}
}

func TestWebSearchTool(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Subscription-Token") != "test-key" {
			t.Error("missing API key header")
		}
		if r.URL.Query().Get("q") != "golang testing" {
			t.Errorf("unexpected query: %s", r.URL.Query().Get("q"))
		}
		io.WriteString(w, `{"web": {"results": [
			{"title": "Go Testing", "url": "https://go.dev/testing", "description": "How to test in Go"}
		]}}`)
	}))
	defer server.Close()

	tool := NewWebSearchTool("test-key", 3)
	tool.baseURL = server.URL

	result, err := tool.Execute(context.Background(), map[string]any{"query": "golang testing"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(result, "1. Go Testing") || !strings.Contains(result, "https://go.dev/testing") {
		t.Errorf("unexpected result %q", result)
	}

	noKey := NewWebSearchTool("", 0)
	result, _ = noKey.Execute(context.Background(), map[string]any{"query": "x"})
	if !strings.HasPrefix(result, "Error: web search API key not configured") {
		t.Errorf("expected missing key error, got %q", result)
	}
}

func TestWebFetchToolConvertsHTML(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, `<html><body><h1>Release notes</h1><p>Version <strong>2.0</strong> is out.</p></body></html>`)
	}))
	defer server.Close()

	tool := NewWebFetchTool(0)
	result, err := tool.Execute(context.Background(), map[string]any{"url": server.URL})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(result, "# Release notes") || !strings.Contains(result, "**2.0**") {
		t.Errorf("expected markdown output, got %q", result)
	}
}

func TestWebFetchToolTruncates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, strings.Repeat("a", 500))
	}))
	defer server.Close()

	tool := NewWebFetchTool(100)
	result, _ := tool.Execute(context.Background(), map[string]any{"url": server.URL})
	if result != strings.Repeat("a", 100)+"\n\n[Content truncated]" {
		t.Errorf("expected truncation to 100 chars, got %d chars", len(result))
	}

	result, _ = tool.Execute(context.Background(), map[string]any{"url": "file:///etc/passwd"})
	if !strings.HasPrefix(result, "Error: invalid URL") {
		t.Errorf("expected invalid URL error, got %q", result)
	}
}

func TestSpawnToolUsesContext(t *testing.T) {
	var gotTask, gotLabel, gotChannel, gotChat string
	tool := NewSpawnTool(func(ctx context.Context, task, label, ch, chat string) string {
		gotTask, gotLabel, gotChannel, gotChat = task, label, ch, chat
		return "started"
	})

	tool.SetContext("slack", "C42")
	out, _ := tool.Execute(context.Background(), map[string]any{"task": "summarize logs", "label": "logs"})
	if out != "started" {
		t.Errorf("unexpected ack %q", out)
	}
	if gotTask != "summarize logs" || gotLabel != "logs" || gotChannel != "slack" || gotChat != "C42" {
		t.Errorf("unexpected spawn args %q %q %q %q", gotTask, gotLabel, gotChannel, gotChat)
	}

	ctx := WithOrigin(context.Background(), "telegram", "7")
	tool.Execute(ctx, map[string]any{"task": "t"})
	if gotChannel != "telegram" || gotChat != "7" {
		t.Errorf("expected ctx origin to win, got %q %q", gotChannel, gotChat)
	}

	out, _ = tool.Execute(context.Background(), map[string]any{})
	if out != "Error: task is required" {
		t.Errorf("expected task validation, got %q", out)
	}
}
