package channels

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/KafClaw/clawcore/internal/bus"
	"github.com/KafClaw/clawcore/internal/config"
)

type sentForm struct {
	text      string
	parseMode string
	chatID    string
	replyTo   string
}

// fakeTelegram serves getMe, getUpdates and sendMessage. Markdown sends fail when
// rejectMarkdown is set.
type fakeTelegram struct {
	rejectMarkdown bool

	mu   sync.Mutex
	sent []sentForm
}

func (f *fakeTelegram) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, "/getMe"):
		fmt.Fprint(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"claw","username":"claw_bot"}}`)
	case strings.HasSuffix(r.URL.Path, "/getUpdates"):
		time.Sleep(10 * time.Millisecond)
		fmt.Fprint(w, `{"ok":true,"result":[]}`)
	case strings.HasSuffix(r.URL.Path, "/sendMessage"):
		r.ParseForm()
		form := sentForm{
			text:      r.PostForm.Get("text"),
			parseMode: r.PostForm.Get("parse_mode"),
			chatID:    r.PostForm.Get("chat_id"),
			replyTo:   r.PostForm.Get("reply_to_message_id"),
		}
		f.mu.Lock()
		f.sent = append(f.sent, form)
		f.mu.Unlock()
		if f.rejectMarkdown && form.parseMode != "" {
			fmt.Fprint(w, `{"ok":false,"error_code":400,"description":"Bad Request: can't parse entities"}`)
			return
		}
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"}}}`)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeTelegram) forms() []sentForm {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentForm(nil), f.sent...)
}

func newTestTelegram(t *testing.T, fake *fakeTelegram, b *bus.MessageBus, allow ...string) *TelegramChannel {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	c := NewTelegramChannel(config.TelegramConfig{Enabled: true, Token: "123:abc", AllowFrom: allow}, b)
	c.apiEndpoint = srv.URL + "/bot%s/%s"
	return c
}

func TestTelegramRestartAfterStop(t *testing.T) {
	c := newTestTelegram(t, &fakeTelegram{}, bus.NewMessageBus())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	first := c.bot
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
	if c.bot != nil {
		t.Fatal("stopped bot should not be reused")
	}

	if err := c.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer c.Stop()
	if c.bot == first {
		t.Fatal("restart reused the stopped bot")
	}
	time.Sleep(100 * time.Millisecond)
	if !c.IsRunning() {
		t.Fatal("restarted channel stopped polling")
	}
}

func TestTelegramSendUsesMarkdownAndReply(t *testing.T) {
	fake := &fakeTelegram{}
	c := newTestTelegram(t, fake, bus.NewMessageBus())

	err := c.Send(context.Background(), &bus.OutboundMessage{Channel: "telegram", ChatID: "42", Content: "*hi*", ReplyTo: "5"})
	if err != nil {
		t.Fatal(err)
	}
	forms := fake.forms()
	if len(forms) != 1 {
		t.Fatalf("expected one send, got %d", len(forms))
	}
	got := forms[0]
	if got.text != "*hi*" || got.parseMode != "Markdown" || got.chatID != "42" || got.replyTo != "5" {
		t.Errorf("unexpected request %+v", got)
	}
}

func TestTelegramSendFallsBackToPlainText(t *testing.T) {
	fake := &fakeTelegram{rejectMarkdown: true}
	c := newTestTelegram(t, fake, bus.NewMessageBus())

	if err := c.Send(context.Background(), &bus.OutboundMessage{ChatID: "42", Content: "a_b"}); err != nil {
		t.Fatal(err)
	}
	forms := fake.forms()
	if len(forms) != 2 {
		t.Fatalf("expected markdown attempt plus retry, got %d", len(forms))
	}
	if forms[1].parseMode != "" || forms[1].text != "a_b" {
		t.Errorf("unexpected retry %+v", forms[1])
	}
}

func TestTelegramSendSplitsLongMessages(t *testing.T) {
	fake := &fakeTelegram{}
	c := newTestTelegram(t, fake, bus.NewMessageBus())

	content := strings.Repeat("x", maxTelegramMessage+10)
	if err := c.Send(context.Background(), &bus.OutboundMessage{ChatID: "42", Content: content, ReplyTo: "9"}); err != nil {
		t.Fatal(err)
	}
	forms := fake.forms()
	if len(forms) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(forms))
	}
	if len(forms[0].text) != maxTelegramMessage || len(forms[1].text) != 10 {
		t.Errorf("unexpected part sizes %d and %d", len(forms[0].text), len(forms[1].text))
	}
	if forms[0].replyTo != "9" || forms[1].replyTo != "" {
		t.Errorf("only the first part should reply, got %q and %q", forms[0].replyTo, forms[1].replyTo)
	}
}

func TestTelegramSendRejectsBadChatID(t *testing.T) {
	c := newTestTelegram(t, &fakeTelegram{}, bus.NewMessageBus())
	if err := c.Send(context.Background(), &bus.OutboundMessage{ChatID: "not-a-number", Content: "x"}); err == nil {
		t.Fatal("expected error for invalid chat id")
	}
}

func TestTelegramHandleUpdate(t *testing.T) {
	b := bus.NewMessageBus()
	c := newTestTelegram(t, &fakeTelegram{}, b, "alice")

	c.handleUpdate(tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: 11,
		From:      &tgbotapi.User{ID: 1, UserName: "alice", FirstName: "Alice"},
		Chat:      &tgbotapi.Chat{ID: 42, Type: "private"},
		Text:      "hello",
	}})
	c.handleUpdate(tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: 12,
		From:      &tgbotapi.User{ID: 2, UserName: "mallory"},
		Chat:      &tgbotapi.Chat{ID: 43, Type: "private"},
		Text:      "let me in",
	}})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := b.ConsumeInbound(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if msg.SenderID != "1|alice" || msg.ChatID != "42" || msg.Content != "hello" {
		t.Errorf("unexpected message %+v", msg)
	}
	if msg.Metadata[bus.MetaKeyMessageID] != "11" || msg.Metadata["is_group"] != false {
		t.Errorf("unexpected metadata %v", msg.Metadata)
	}
	if b.InboundSize() != 0 {
		t.Error("denied sender should not reach the bus")
	}
}

func TestTelegramStartCommandRepliesDirectly(t *testing.T) {
	b := bus.NewMessageBus()
	fake := &fakeTelegram{}
	c := newTestTelegram(t, fake, b)

	c.handleUpdate(tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: 1,
		From:      &tgbotapi.User{ID: 1, FirstName: "Alice"},
		Chat:      &tgbotapi.Chat{ID: 42, Type: "private"},
		Text:      "/start",
		Entities:  []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: 6}},
	}})

	if b.InboundSize() != 0 {
		t.Error("/start should not reach the agent")
	}
	forms := fake.forms()
	if len(forms) != 1 || !strings.Contains(forms[0].text, "Hi Alice") {
		t.Errorf("expected greeting, got %+v", forms)
	}
}

func TestTelegramContent(t *testing.T) {
	msg := &tgbotapi.Message{
		Caption: "look",
		Photo:   []tgbotapi.PhotoSize{{FileID: "p"}},
	}
	if got := telegramContent(msg); got != "look\n[image]" {
		t.Errorf("unexpected content %q", got)
	}
	doc := &tgbotapi.Message{Document: &tgbotapi.Document{FileName: "report.pdf"}}
	if got := telegramContent(doc); got != "[document: report.pdf]" {
		t.Errorf("unexpected content %q", got)
	}
}

func TestSplitMessage(t *testing.T) {
	if got := splitMessage("short", 10); len(got) != 1 || got[0] != "short" {
		t.Errorf("unexpected split %v", got)
	}

	text := strings.Repeat("a", 7) + "\n" + strings.Repeat("b", 5)
	got := splitMessage(text, 10)
	if len(got) != 2 || got[0] != strings.Repeat("a", 7)+"\n" || got[1] != strings.Repeat("b", 5) {
		t.Errorf("expected newline break, got %q", got)
	}

	runes := splitMessage(strings.Repeat("é", 25), 10)
	if len(runes) != 3 || runes[2] != strings.Repeat("é", 5) {
		t.Errorf("expected rune-based split, got %q", runes)
	}
}
