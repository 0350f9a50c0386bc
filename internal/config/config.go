// Package config provides configuration types and loading for clawcore.
package config

import "time"

// Config is the root configuration struct.
// Top-level groups: Paths, Model, Providers, Channels, Gateway, Tools, Session, Scheduler.
//
// Single-word fields carry no envconfig tag: a tag would let envconfig fall
// back to the bare variable (PATH, PORT, NAME) when the prefixed one is unset.
type Config struct {
	Paths     PathsConfig     `json:"paths"`
	Model     ModelConfig     `json:"model"`
	Providers ProvidersConfig `json:"providers"`
	Channels  ChannelsConfig  `json:"channels"`
	Gateway   GatewayConfig   `json:"gateway"`
	Tools     ToolsConfig     `json:"tools"`
	Session   SessionConfig   `json:"session"`
	Scheduler SchedulerConfig `json:"scheduler"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups all filesystem path settings.
type PathsConfig struct {
	Workspace string `json:"workspace"`
	DataDir   string `json:"dataDir" envconfig:"DATA_DIR"`
}

// ---------------------------------------------------------------------------
// Model – LLM behaviour
// ---------------------------------------------------------------------------

// ModelConfig groups LLM model and agent-loop settings.
type ModelConfig struct {
	// Name is "provider/model" (e.g. "anthropic/claude-sonnet-4-5") or a bare model name.
	Name               string  `json:"name"`
	MaxTokens          int     `json:"maxTokens" envconfig:"MAX_TOKENS"`
	Temperature        float64 `json:"temperature" envconfig:"TEMPERATURE"`
	MaxToolIterations  int     `json:"maxToolIterations" envconfig:"MAX_TOOL_ITERATIONS"`
	HistoryTokenBudget int     `json:"historyTokenBudget" envconfig:"HISTORY_TOKEN_BUDGET"`
}

// ---------------------------------------------------------------------------
// Providers – LLM API keys & endpoints
// ---------------------------------------------------------------------------

// ProvidersConfig contains LLM provider configurations.
type ProvidersConfig struct {
	Anthropic  ProviderConfig `json:"anthropic"`
	OpenAI     ProviderConfig `json:"openai"`
	OpenRouter ProviderConfig `json:"openrouter"`
	VLLM       ProviderConfig `json:"vllm"`
}

// ProviderConfig contains settings for a single LLM provider.
type ProviderConfig struct {
	APIKey  string `json:"apiKey" envconfig:"API_KEY"`
	APIBase string `json:"apiBase,omitempty" envconfig:"API_BASE"`
}

// ---------------------------------------------------------------------------
// Channels – messaging integrations
// ---------------------------------------------------------------------------

// ChannelsConfig contains all channel configurations.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Slack    SlackConfig    `json:"slack"`
	Kafka    KafkaConfig    `json:"kafka"`
}

// TelegramConfig configures the Telegram channel.
type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom" envconfig:"ALLOW_FROM"`
}

// WhatsAppConfig configures the WhatsApp channel.
type WhatsAppConfig struct {
	Enabled   bool     `json:"enabled"`
	StorePath string   `json:"storePath" envconfig:"STORE_PATH"`
	QRPath    string   `json:"qrPath" envconfig:"QR_PATH"`
	AllowFrom []string `json:"allowFrom" envconfig:"ALLOW_FROM"`
}

// SlackConfig configures the Slack Socket Mode channel.
type SlackConfig struct {
	Enabled   bool     `json:"enabled"`
	BotToken  string   `json:"botToken" envconfig:"BOT_TOKEN"`
	AppToken  string   `json:"appToken" envconfig:"APP_TOKEN"`
	APIBase   string   `json:"apiBase,omitempty" envconfig:"API_BASE"`
	AllowFrom []string `json:"allowFrom" envconfig:"ALLOW_FROM"`
}

// KafkaConfig configures the Kafka bridge channel.
type KafkaConfig struct {
	Enabled       bool     `json:"enabled"`
	Brokers       []string `json:"brokers" envconfig:"BROKERS"`
	InboundTopic  string   `json:"inboundTopic" envconfig:"INBOUND_TOPIC"`
	OutboundTopic string   `json:"outboundTopic" envconfig:"OUTBOUND_TOPIC"`
	GroupID       string   `json:"groupId" envconfig:"GROUP_ID"`
	AllowFrom     []string `json:"allowFrom" envconfig:"ALLOW_FROM"`
}

// ---------------------------------------------------------------------------
// Gateway – HTTP server networking
// ---------------------------------------------------------------------------

// GatewayConfig contains gateway server settings.
type GatewayConfig struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	AuthToken string `json:"authToken" envconfig:"AUTH_TOKEN"`
}

// ---------------------------------------------------------------------------
// Tools – tool-specific behaviour
// ---------------------------------------------------------------------------

// ToolsConfig contains tool-specific settings.
type ToolsConfig struct {
	Exec      ExecToolConfig      `json:"exec"`
	Web       WebToolConfig       `json:"web"`
	Subagents SubagentsToolConfig `json:"subagents"`
}

// ExecToolConfig contains shell execution tool settings.
type ExecToolConfig struct {
	Timeout             time.Duration `json:"timeout"`
	RestrictToWorkspace bool          `json:"restrictToWorkspace" envconfig:"RESTRICT_WORKSPACE"`
}

// WebToolConfig contains web tool settings.
type WebToolConfig struct {
	Search SearchConfig `json:"search"`
	Fetch  FetchConfig  `json:"fetch"`
}

// SearchConfig contains web search settings.
type SearchConfig struct {
	APIKey     string `json:"apiKey" envconfig:"API_KEY"`
	MaxResults int    `json:"maxResults" envconfig:"MAX_RESULTS"`
}

// FetchConfig contains web fetch settings.
type FetchConfig struct {
	MaxChars int `json:"maxChars" envconfig:"MAX_CHARS"`
}

// SubagentsToolConfig contains limits for background subagents.
type SubagentsToolConfig struct {
	MaxConcurrent int    `json:"maxConcurrent" envconfig:"MAX_CONCURRENT"`
	MaxIterations int    `json:"maxIterations" envconfig:"MAX_ITERATIONS"`
	Model         string `json:"model"`
}

// ---------------------------------------------------------------------------
// Session – conversation persistence
// ---------------------------------------------------------------------------

// Session storage backends.
const (
	SessionBackendJSONL  = "jsonl"
	SessionBackendSQLite = "sqlite"
)

// SessionConfig selects the session store.
type SessionConfig struct {
	Backend string `json:"backend"`
	// Path is a directory for jsonl and a database file for sqlite.
	Path string `json:"path"`
}

// ---------------------------------------------------------------------------
// Scheduler – cron jobs and heartbeat
// ---------------------------------------------------------------------------

// SchedulerConfig contains settings for the cron scheduler.
type SchedulerConfig struct {
	Enabled   bool            `json:"enabled"`
	Heartbeat HeartbeatConfig `json:"heartbeat" ignored:"true"`
	Jobs      []CronJobConfig `json:"jobs" ignored:"true"`
}

// HeartbeatConfig configures the periodic HEARTBEAT.md check.
type HeartbeatConfig struct {
	Enabled  bool   `json:"enabled" envconfig:"HEARTBEAT_ENABLED"`
	Schedule string `json:"schedule" envconfig:"HEARTBEAT_SCHEDULE"`
	Channel  string `json:"channel" envconfig:"HEARTBEAT_CHANNEL"`
	ChatID   string `json:"chatId" envconfig:"HEARTBEAT_CHAT_ID"`
}

// CronJobConfig describes one scheduled prompt.
type CronJobConfig struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Message  string `json:"message"`
	Channel  string `json:"channel,omitempty"`
	ChatID   string `json:"chatId,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			Workspace: "~/.clawcore/workspace",
			DataDir:   "~/.clawcore",
		},
		Model: ModelConfig{
			Name:               "anthropic/claude-sonnet-4-5",
			MaxTokens:          8192,
			Temperature:        0.7,
			MaxToolIterations:  20,
			HistoryTokenBudget: 24000,
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1", // Secure default
			Port: 18790,
		},
		Channels: ChannelsConfig{
			Kafka: KafkaConfig{
				InboundTopic:  "clawcore.inbound",
				OutboundTopic: "clawcore.outbound",
				GroupID:       "clawcore",
			},
		},
		Tools: ToolsConfig{
			Exec: ExecToolConfig{
				Timeout:             60 * time.Second,
				RestrictToWorkspace: true, // Secure default
			},
			Web: WebToolConfig{
				Search: SearchConfig{MaxResults: 5},
				Fetch:  FetchConfig{MaxChars: 50000},
			},
			Subagents: SubagentsToolConfig{
				MaxConcurrent: 4,
				MaxIterations: 15,
			},
		},
		Session: SessionConfig{
			Backend: SessionBackendJSONL,
		},
		Scheduler: SchedulerConfig{
			Heartbeat: HeartbeatConfig{
				Schedule: "@every 30m",
				Channel:  "cli",
				ChatID:   "heartbeat",
			},
		},
	}
}
