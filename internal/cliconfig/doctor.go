package cliconfig

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/KafClaw/clawcore/internal/config"
	"github.com/KafClaw/clawcore/internal/identity"
	"github.com/KafClaw/clawcore/internal/provider"
)

type DoctorStatus string

const (
	DoctorPass DoctorStatus = "pass"
	DoctorWarn DoctorStatus = "warn"
	DoctorFail DoctorStatus = "fail"
)

type DoctorCheck struct {
	Name    string
	Status  DoctorStatus
	Message string
}

type DoctorReport struct {
	Checks []DoctorCheck
}

type DoctorOptions struct {
	// Fix scaffolds a missing workspace.
	Fix                  bool
	GenerateGatewayToken bool
}

func (r DoctorReport) HasFailures() bool {
	for _, c := range r.Checks {
		if c.Status == DoctorFail {
			return true
		}
	}
	return false
}

func (r *DoctorReport) add(name string, status DoctorStatus, format string, args ...any) {
	r.Checks = append(r.Checks, DoctorCheck{Name: name, Status: status, Message: fmt.Sprintf(format, args...)})
}

func RunDoctor() (DoctorReport, error) {
	return RunDoctorWithOptions(DoctorOptions{})
}

func RunDoctorWithOptions(opts DoctorOptions) (DoctorReport, error) {
	var report DoctorReport

	cfgPath, err := config.ConfigPath()
	if err != nil {
		report.add("config_path", DoctorFail, "cannot resolve config path: %v", err)
		return report, nil
	}
	switch _, err := os.Stat(cfgPath); {
	case err == nil:
		report.add("config_file", DoctorPass, "config file found at %s", cfgPath)
	case errors.Is(err, os.ErrNotExist):
		report.add("config_file", DoctorWarn, "config file not found at %s (defaults will be used)", cfgPath)
	default:
		report.add("config_file", DoctorFail, "cannot access config file: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		report.add("config_load", DoctorFail, "config load failed: %v", err)
		return report, nil
	}
	report.add("config_load", DoctorPass, "config loaded successfully")

	if opts.GenerateGatewayToken {
		generateGatewayToken(cfg, &report)
	}

	checkWorkspace(cfg, opts.Fix, &report)

	if _, err := provider.Resolve(cfg); err != nil {
		report.add("provider", DoctorFail, "model %s: %v", cfg.Model.Name, err)
	} else {
		report.add("provider", DoctorPass, "model %s has credentials", cfg.Model.Name)
	}

	checkChannels(cfg, &report)
	checkGateway(cfg, &report)
	return report, nil
}

func generateGatewayToken(cfg *config.Config, report *DoctorReport) {
	token, err := randomToken()
	if err != nil {
		report.add("gateway_token", DoctorFail, "failed to generate token: %v", err)
		return
	}
	cfg.Gateway.AuthToken = token
	if err := config.Save(cfg); err != nil {
		report.add("gateway_token", DoctorFail, "generated token but failed to save config: %v", err)
		return
	}
	report.add("gateway_token", DoctorPass, "generated and saved gateway auth token")
}

func checkWorkspace(cfg *config.Config, fix bool, report *DoctorReport) {
	ws := cfg.Paths.Workspace
	if strings.TrimSpace(ws) == "" {
		report.add("workspace", DoctorFail, "paths.workspace is empty")
		return
	}

	var missing []string
	for _, name := range identity.TemplateNames {
		if _, err := os.Stat(filepath.Join(ws, name)); err != nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 && fix {
		if _, err := identity.ScaffoldWorkspace(ws, false); err != nil {
			report.add("workspace", DoctorFail, "scaffold %s: %v", ws, err)
			return
		}
		report.add("workspace", DoctorPass, "scaffolded workspace at %s", ws)
		return
	}
	if len(missing) > 0 {
		report.add("workspace", DoctorWarn, "workspace %s is missing %s (run with --fix)", ws, strings.Join(missing, ", "))
		return
	}
	report.add("workspace", DoctorPass, "workspace path: %s", ws)
}

func checkChannels(cfg *config.Config, report *DoctorReport) {
	ch := cfg.Channels
	enabled := 0
	require := func(name string, on bool, missing ...string) {
		if !on {
			return
		}
		enabled++
		var empty []string
		for i := 0; i+1 < len(missing); i += 2 {
			if strings.TrimSpace(missing[i+1]) == "" {
				empty = append(empty, missing[i])
			}
		}
		if len(empty) > 0 {
			report.add("channel_"+name, DoctorFail, "%s is enabled but %s is empty", name, strings.Join(empty, ", "))
			return
		}
		report.add("channel_"+name, DoctorPass, "%s is configured", name)
	}

	require("telegram", ch.Telegram.Enabled, "channels.telegram.token", ch.Telegram.Token)
	require("slack", ch.Slack.Enabled, "channels.slack.botToken", ch.Slack.BotToken, "channels.slack.appToken", ch.Slack.AppToken)
	require("kafka", ch.Kafka.Enabled, "channels.kafka.brokers", strings.Join(ch.Kafka.Brokers, ","))
	require("whatsapp", ch.WhatsApp.Enabled, "channels.whatsapp.storePath", ch.WhatsApp.StorePath)

	if enabled == 0 {
		report.add("channels", DoctorWarn, "no channels enabled; only the CLI and HTTP gateway can reach the agent")
	}
}

func checkGateway(cfg *config.Config, report *DoctorReport) {
	if isLoopbackHost(cfg.Gateway.Host) {
		report.add("gateway_loopback", DoctorPass, "gateway.host is loopback (%s)", cfg.Gateway.Host)
		return
	}
	if strings.TrimSpace(cfg.Gateway.AuthToken) == "" {
		report.add("gateway_auth_token", DoctorFail,
			"gateway.host %s is reachable from the network but gateway.authToken (or %s_GATEWAY_AUTH_TOKEN) is empty",
			cfg.Gateway.Host, config.EnvPrefix)
		return
	}
	report.add("gateway_auth_token", DoctorWarn, "gateway.host is non-loopback (%s); requests require the auth token", cfg.Gateway.Host)
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func isLoopbackHost(host string) bool {
	h := strings.TrimSpace(strings.ToLower(host))
	if h == "localhost" {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
