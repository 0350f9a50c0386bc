package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".clawcore"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "CLAWCORE"
)

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("CLAWCORE_CONFIG")); explicit != "" {
		if strings.HasPrefix(explicit, "~") {
			home, err := resolveHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(home, explicit[1:]), nil
		}
		return explicit, nil
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("CLAWCORE_HOME")); h != "" {
		if strings.HasPrefix(h, "~") {
			base, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(base, h[1:]), nil
		}
		return h, nil
	}
	return os.UserHomeDir()
}

// Load loads the configuration from the default path and the environment.
// Priority: environment > file > defaults.
func Load() (*Config, error) {
	LoadEnvFileCandidates()

	path, err := ConfigPath()
	if err != nil {
		cfg := DefaultConfig()
		if err := applyEnv(cfg); err != nil {
			return nil, err
		}
		finalize(cfg)
		return cfg, nil // Use defaults if we can't find config path
	}
	return LoadFrom(path)
}

// LoadFrom loads the configuration from path. A missing file yields defaults.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := loadResolvedConfig(path)
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	finalize(cfg)
	return cfg, nil
}

// applyEnv overrides each group from CLAWCORE_<GROUP>_<FIELD> variables.
func applyEnv(cfg *Config) error {
	groups := []struct {
		prefix string
		spec   any
	}{
		{"PATHS", &cfg.Paths},
		{"MODEL", &cfg.Model},
		{"ANTHROPIC", &cfg.Providers.Anthropic},
		{"OPENAI", &cfg.Providers.OpenAI},
		{"OPENROUTER", &cfg.Providers.OpenRouter},
		{"VLLM", &cfg.Providers.VLLM},
		{"CHANNELS_TELEGRAM", &cfg.Channels.Telegram},
		{"CHANNELS_WHATSAPP", &cfg.Channels.WhatsApp},
		{"CHANNELS_SLACK", &cfg.Channels.Slack},
		{"CHANNELS_KAFKA", &cfg.Channels.Kafka},
		{"GATEWAY", &cfg.Gateway},
		{"TOOLS_EXEC", &cfg.Tools.Exec},
		{"TOOLS_WEB_SEARCH", &cfg.Tools.Web.Search},
		{"TOOLS_WEB_FETCH", &cfg.Tools.Web.Fetch},
		{"TOOLS_SUBAGENTS", &cfg.Tools.Subagents},
		{"SESSION", &cfg.Session},
		{"SCHEDULER", &cfg.Scheduler},
		{"SCHEDULER", &cfg.Scheduler.Heartbeat},
	}
	for _, g := range groups {
		if err := envconfig.Process(EnvPrefix+"_"+g.prefix, g.spec); err != nil {
			return fmt.Errorf("env overrides for %s: %w", strings.ToLower(g.prefix), err)
		}
	}

	// Conventional provider variables as a last resort.
	if cfg.Providers.Anthropic.APIKey == "" {
		cfg.Providers.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if cfg.Providers.OpenAI.APIKey == "" {
		cfg.Providers.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Providers.OpenRouter.APIKey == "" {
		cfg.Providers.OpenRouter.APIKey = os.Getenv("OPENROUTER_API_KEY")
	}
	if cfg.Tools.Web.Search.APIKey == "" {
		cfg.Tools.Web.Search.APIKey = os.Getenv("BRAVE_API_KEY")
	}
	return nil
}

func finalize(cfg *Config) {
	expandHome(&cfg.Paths.Workspace)
	expandHome(&cfg.Paths.DataDir)
	expandHome(&cfg.Session.Path)
	expandHome(&cfg.Channels.WhatsApp.StorePath)
	expandHome(&cfg.Channels.WhatsApp.QRPath)

	if cfg.Model.MaxToolIterations <= 0 {
		cfg.Model.MaxToolIterations = 20
	}
	if cfg.Tools.Subagents.MaxConcurrent <= 0 {
		cfg.Tools.Subagents.MaxConcurrent = 4
	}
	if cfg.Tools.Subagents.MaxIterations <= 0 {
		cfg.Tools.Subagents.MaxIterations = 15
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Session.Backend)) {
	case SessionBackendSQLite:
		cfg.Session.Backend = SessionBackendSQLite
		if cfg.Session.Path == "" {
			cfg.Session.Path = filepath.Join(cfg.Paths.DataDir, "sessions.db")
		}
	default:
		cfg.Session.Backend = SessionBackendJSONL
		if cfg.Session.Path == "" {
			cfg.Session.Path = filepath.Join(cfg.Paths.DataDir, "sessions")
		}
	}
	if cfg.Channels.WhatsApp.StorePath == "" {
		cfg.Channels.WhatsApp.StorePath = filepath.Join(cfg.Paths.DataDir, "whatsapp.db")
	}
	if cfg.Channels.WhatsApp.QRPath == "" {
		cfg.Channels.WhatsApp.QRPath = filepath.Join(cfg.Paths.DataDir, "whatsapp-qr.png")
	}
}

func expandHome(p *string) {
	if strings.HasPrefix(*p, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			*p = filepath.Join(home, (*p)[1:])
		}
	}
}

// Save writes the configuration to the config file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveTo(cfg, path)
}

// SaveTo writes the configuration to path with owner-only permissions.
func SaveTo(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// EnsureDir ensures a directory exists with proper permissions.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func loadResolvedConfig(path string) ([]byte, error) {
	obj, err := loadConfigObject(path, map[string]struct{}{})
	if err != nil {
		return nil, err
	}
	return json.Marshal(obj)
}

func loadConfigObject(path string, visited map[string]struct{}) (map[string]any, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if _, seen := visited[absPath]; seen {
		return nil, fmt.Errorf("config include cycle detected at %s", absPath)
	}
	visited[absPath] = struct{}{}
	defer delete(visited, absPath)

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		raw = map[string]any{}
	}

	merged := map[string]any{}
	if includeRaw, ok := raw["$include"]; ok {
		includeFiles, err := parseIncludes(includeRaw)
		if err != nil {
			return nil, err
		}
		baseDir := filepath.Dir(absPath)
		for _, includePath := range includeFiles {
			resolvedPath := includePath
			if !filepath.IsAbs(includePath) {
				resolvedPath = filepath.Join(baseDir, includePath)
			}
			child, err := loadConfigObject(resolvedPath, visited)
			if err != nil {
				return nil, err
			}
			deepMerge(merged, child)
		}
	}
	delete(raw, "$include")
	substituteEnvValues(raw)
	deepMerge(merged, raw)
	return merged, nil
}

func parseIncludes(v any) ([]string, error) {
	switch t := v.(type) {
	case string:
		if strings.TrimSpace(t) == "" {
			return nil, nil
		}
		return []string{t}, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("$include entries must be strings")
			}
			if strings.TrimSpace(s) == "" {
				continue
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("$include must be a string or array of strings")
	}
}

func deepMerge(dst, src map[string]any) {
	for key, val := range src {
		srcMap, srcIsMap := val.(map[string]any)
		if !srcIsMap {
			dst[key] = val
			continue
		}
		dstMap, dstIsMap := dst[key].(map[string]any)
		if !dstIsMap {
			dstMap = map[string]any{}
			dst[key] = dstMap
		}
		deepMerge(dstMap, srcMap)
	}
}

func substituteEnvValues(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			t[k] = substituteEnvValues(item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = substituteEnvValues(item)
		}
		return t
	case string:
		return envPattern.ReplaceAllStringFunc(t, func(match string) string {
			parts := envPattern.FindStringSubmatch(match)
			if len(parts) != 2 {
				return match
			}
			if value, ok := os.LookupEnv(parts[1]); ok {
				return value
			}
			return match
		})
	default:
		return v
	}
}
