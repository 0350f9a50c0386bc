package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "modernc.org/sqlite"

	"github.com/KafClaw/clawcore/internal/bus"
	"github.com/KafClaw/clawcore/internal/config"
)

// WhatsAppChannel implements a native WhatsApp client.
type WhatsAppChannel struct {
	BaseChannel
	config   config.WhatsAppConfig
	mediaDir string

	mu        sync.Mutex
	client    *whatsmeow.Client
	container *sqlstore.Container
}

// NewWhatsAppChannel creates a WhatsApp channel. Downloaded attachments are
// stored below mediaDir.
func NewWhatsAppChannel(cfg config.WhatsAppConfig, messageBus *bus.MessageBus, mediaDir string) *WhatsAppChannel {
	return &WhatsAppChannel{
		BaseChannel: BaseChannel{name: "whatsapp", Bus: messageBus, AllowFrom: cfg.AllowFrom},
		config:      cfg,
		mediaDir:    mediaDir,
	}
}

// Start opens the device store and connects. On first use it writes a
// pairing QR code to the configured path and returns; the connection
// completes once the code is scanned.
func (c *WhatsAppChannel) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(c.config.StorePath), 0o755); err != nil {
		return fmt.Errorf("create whatsapp store dir: %w", err)
	}

	dsn := "file:" + c.config.StorePath + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	container, err := sqlstore.New(ctx, "sqlite", dsn, waLog.Stdout("Database", "WARN", true))
	if err != nil {
		return fmt.Errorf("init whatsapp db: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		container.Close()
		return fmt.Errorf("get device: %w", err)
	}

	client := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "WARN", true))
	client.AddEventHandler(c.eventHandler)

	c.mu.Lock()
	c.client = client
	c.container = container
	c.mu.Unlock()

	if client.Store.ID == nil {
		qrChan, err := client.GetQRChannel(context.WithoutCancel(ctx))
		if err != nil {
			return fmt.Errorf("qr channel: %w", err)
		}
		if err := client.Connect(); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		go c.watchPairing(qrChan)
	} else if err := client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	} else {
		slog.Info("WhatsApp connected")
	}

	c.setRunning(true)
	return nil
}

func (c *WhatsAppChannel) watchPairing(qrChan <-chan whatsmeow.QRChannelItem) {
	for evt := range qrChan {
		if evt.Event != "code" {
			slog.Info("WhatsApp login event", "event", evt.Event)
			continue
		}
		if err := qrcode.WriteFile(evt.Code, qrcode.Medium, 512, c.config.QRPath); err != nil {
			slog.Error("Failed to write WhatsApp QR code", "path", c.config.QRPath, "error", err)
			continue
		}
		slog.Info("WhatsApp login QR code saved, scan it with your phone", "path", c.config.QRPath)
	}
}

// Stop disconnects and closes the device store.
func (c *WhatsAppChannel) Stop() error {
	c.mu.Lock()
	client, container := c.client, c.container
	c.client, c.container = nil, nil
	c.mu.Unlock()

	c.setRunning(false)
	if client != nil {
		client.Disconnect()
	}
	if container != nil {
		return container.Close()
	}
	return nil
}

// Send delivers a plain text message to a JID.
func (c *WhatsAppChannel) Send(ctx context.Context, msg *bus.OutboundMessage) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return errors.New("client not initialized")
	}

	jid, err := types.ParseJID(msg.ChatID)
	if err != nil {
		return fmt.Errorf("invalid JID: %w", err)
	}
	_, err = client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(msg.Content),
	})
	return err
}

func (c *WhatsAppChannel) eventHandler(evt any) {
	v, ok := evt.(*events.Message)
	if !ok || v.Info.IsFromMe {
		return
	}

	content, media := c.extract(v)
	if content == "" || shouldDropSystemNoise(content) {
		return
	}

	c.HandleMessage(v.Info.Sender.User, v.Info.Chat.String(), content, media, map[string]any{
		bus.MetaKeyMessageID: v.Info.ID,
		bus.MetaKeyUsername:  v.Info.PushName,
		"is_group":           v.Info.IsGroup,
	})
}

// extract returns the text of a message and the paths of any attachment
// saved to disk.
func (c *WhatsAppChannel) extract(v *events.Message) (string, []string) {
	m := v.Message
	if text := messageText(m); text != "" {
		return text, nil
	}

	var (
		kind    string
		content string
		ext     string
		dl      whatsmeow.DownloadableMessage
	)
	switch {
	case m.GetImageMessage() != nil:
		img := m.GetImageMessage()
		kind, content, ext, dl = "images", "[image]", mediaExt(img.GetMimetype(), "jpg"), img
		if img.GetCaption() != "" {
			content = img.GetCaption() + "\n[image]"
		}
	case m.GetAudioMessage() != nil:
		audio := m.GetAudioMessage()
		kind, content, ext, dl = "audio", "[voice]", mediaExt(audio.GetMimetype(), "ogg"), audio
	case m.GetDocumentMessage() != nil:
		doc := m.GetDocumentMessage()
		title := doc.GetTitle()
		if title == "" {
			title = doc.GetFileName()
		}
		ext = strings.TrimPrefix(filepath.Ext(doc.GetFileName()), ".")
		if ext == "" {
			ext = mediaExt(doc.GetMimetype(), "bin")
		}
		kind, content, dl = "documents", fmt.Sprintf("[document: %s]", title), doc
	default:
		return "", nil
	}

	path, err := c.download(dl, kind, v.Info.ID+"."+ext)
	if err != nil {
		slog.Warn("WhatsApp media download failed", "id", v.Info.ID, "error", err)
		return content, nil
	}
	return content, []string{path}
}

func (c *WhatsAppChannel) download(dl whatsmeow.DownloadableMessage, kind, fileName string) (string, error) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil || c.mediaDir == "" {
		return "", errors.New("media download unavailable")
	}

	data, err := client.Download(context.Background(), dl)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(c.mediaDir, kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func messageText(m *waE2E.Message) string {
	if m == nil {
		return ""
	}
	if text := m.GetConversation(); text != "" {
		return text
	}
	return m.GetExtendedTextMessage().GetText()
}

func mediaExt(mimetype, fallback string) string {
	switch {
	case strings.Contains(mimetype, "png"):
		return "png"
	case strings.Contains(mimetype, "jpeg"), strings.Contains(mimetype, "jpg"):
		return "jpg"
	case strings.Contains(mimetype, "mp4"):
		return "m4a"
	case strings.Contains(mimetype, "ogg"):
		return "ogg"
	case strings.Contains(mimetype, "pdf"):
		return "pdf"
	}
	return fallback
}

// shouldDropSystemNoise filters protocol payloads that surface as text.
func shouldDropSystemNoise(content string) bool {
	if strings.Contains(content, "messageContextInfo") &&
		strings.Contains(content, "{") &&
		strings.Contains(content, ":") {
		return true
	}
	return strings.Contains(content, "senderKeyDistributionMessage")
}
