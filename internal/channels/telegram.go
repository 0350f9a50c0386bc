package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/KafClaw/clawcore/internal/bus"
	"github.com/KafClaw/clawcore/internal/config"
)

const maxTelegramMessage = 4096

// TelegramChannel talks to the Telegram Bot API using long polling.
type TelegramChannel struct {
	BaseChannel
	config      config.TelegramConfig
	apiEndpoint string

	mu   sync.Mutex
	bot  *tgbotapi.BotAPI
	halt func()
}

// NewTelegramChannel creates a Telegram channel.
func NewTelegramChannel(cfg config.TelegramConfig, messageBus *bus.MessageBus) *TelegramChannel {
	return &TelegramChannel{
		BaseChannel: BaseChannel{name: "telegram", Bus: messageBus, AllowFrom: cfg.AllowFrom},
		config:      cfg,
		apiEndpoint: tgbotapi.APIEndpoint,
	}
}

func (c *TelegramChannel) connect() (*tgbotapi.BotAPI, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bot != nil {
		return c.bot, nil
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(c.config.Token, c.apiEndpoint)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	c.bot = bot
	return bot, nil
}

// Start begins long-polling for updates.
func (c *TelegramChannel) Start(ctx context.Context) error {
	bot, err := c.connect()
	if err != nil {
		return err
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	done := make(chan struct{})
	halt := sync.OnceFunc(func() {
		bot.StopReceivingUpdates()
		c.mu.Lock()
		if c.bot == bot {
			// A stopped bot never polls again; the next Start builds a fresh one.
			c.bot = nil
		}
		c.mu.Unlock()
		close(done)
	})
	c.mu.Lock()
	c.halt = halt
	c.mu.Unlock()
	c.setRunning(true)
	slog.Info("Telegram bot connected", "username", bot.Self.UserName)

	go func() {
		for {
			select {
			case update, ok := <-updates:
				if !ok {
					c.setRunning(false)
					return
				}
				c.handleUpdate(update)
			case <-done:
				// Stop already cleared the running flag.
				return
			case <-ctx.Done():
				halt()
				c.setRunning(false)
				return
			}
		}
	}()
	return nil
}

// Stop stops polling.
func (c *TelegramChannel) Stop() error {
	c.mu.Lock()
	halt := c.halt
	c.halt = nil
	c.mu.Unlock()
	if halt != nil {
		halt()
	}
	c.setRunning(false)
	return nil
}

func (c *TelegramChannel) handleUpdate(update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}

	senderID := strconv.FormatInt(msg.From.ID, 10)
	if msg.From.UserName != "" {
		senderID += "|" + msg.From.UserName
	}
	chatID := strconv.FormatInt(msg.Chat.ID, 10)

	if msg.IsCommand() && msg.Command() == "start" {
		if !c.IsAllowed(senderID) {
			return
		}
		c.sendText(msg.Chat.ID, fmt.Sprintf("Hi %s! Send me a message and I'll get to work.", msg.From.FirstName), 0)
		return
	}

	content := telegramContent(msg)
	if content == "" {
		return
	}

	c.HandleMessage(senderID, chatID, content, nil, map[string]any{
		bus.MetaKeyMessageID: strconv.Itoa(msg.MessageID),
		bus.MetaKeyUsername:  msg.From.UserName,
		"first_name":         msg.From.FirstName,
		"is_group":           !msg.Chat.IsPrivate(),
	})
}

// telegramContent flattens text, captions and attachments into one string.
func telegramContent(msg *tgbotapi.Message) string {
	var parts []string
	if msg.Text != "" {
		parts = append(parts, msg.Text)
	}
	if msg.Caption != "" {
		parts = append(parts, msg.Caption)
	}
	switch {
	case len(msg.Photo) > 0:
		parts = append(parts, "[image]")
	case msg.Voice != nil:
		parts = append(parts, "[voice]")
	case msg.Audio != nil:
		parts = append(parts, "[audio]")
	case msg.Document != nil:
		parts = append(parts, fmt.Sprintf("[document: %s]", msg.Document.FileName))
	}
	return strings.Join(parts, "\n")
}

// Send delivers msg, split into Telegram-sized parts.
func (c *TelegramChannel) Send(ctx context.Context, msg *bus.OutboundMessage) error {
	bot, err := c.connect()
	if err != nil {
		return err
	}
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", msg.ChatID, err)
	}
	replyTo, _ := strconv.Atoi(msg.ReplyTo)

	var errs []error
	for i, part := range splitMessage(msg.Content, maxTelegramMessage) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		reply := 0
		if i == 0 {
			reply = replyTo
		}
		if err := c.sendPart(bot, chatID, part, reply); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *TelegramChannel) sendText(chatID int64, text string, replyTo int) {
	bot, err := c.connect()
	if err != nil {
		slog.Error("Telegram send failed", "error", err)
		return
	}
	if err := c.sendPart(bot, chatID, text, replyTo); err != nil {
		slog.Error("Telegram send failed", "chat_id", chatID, "error", err)
	}
}

// sendPart tries Markdown first and falls back to plain text when Telegram
// rejects the formatting.
func (c *TelegramChannel) sendPart(bot *tgbotapi.BotAPI, chatID int64, text string, replyTo int) error {
	out := tgbotapi.NewMessage(chatID, text)
	out.ParseMode = tgbotapi.ModeMarkdown
	out.ReplyToMessageID = replyTo
	_, err := bot.Send(out)
	if err == nil {
		return nil
	}
	slog.Debug("Markdown send rejected, retrying as plain text", "error", err)
	out.ParseMode = ""
	if _, err := bot.Send(out); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// splitMessage cuts text into parts of at most limit runes, preferring to
// break after a newline.
func splitMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}
	var parts []string
	for len(runes) > 0 {
		if len(runes) <= limit {
			parts = append(parts, string(runes))
			break
		}
		end := limit
		for i := limit - 1; i > limit/2; i-- {
			if runes[i] == '\n' {
				end = i + 1
				break
			}
		}
		parts = append(parts, string(runes[:end]))
		runes = runes[end:]
	}
	return parts
}
