package cliconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/KafClaw/clawcore/internal/config"
	"github.com/KafClaw/clawcore/internal/identity"
)

func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("CLAWCORE_HOME", "")
	t.Setenv("CLAWCORE_CONFIG", "")
	t.Setenv("CLAWCORE_ENV_FILE", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("CLAWCORE_ANTHROPIC_API_KEY", "")
	return home
}

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	dir := filepath.Join(home, config.ConfigDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, config.ConfigFile), []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func findCheck(report DoctorReport, name string) (DoctorCheck, bool) {
	for _, c := range report.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return DoctorCheck{}, false
}

func TestRunDoctorWithMissingConfigWarnsNoFailure(t *testing.T) {
	isolate(t)
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")

	report, err := RunDoctor()
	if err != nil {
		t.Fatalf("run doctor: %v", err)
	}
	if report.HasFailures() {
		t.Fatalf("expected no failures with missing config, got %#v", report)
	}
	if c, _ := findCheck(report, "config_file"); c.Status != DoctorWarn {
		t.Errorf("expected config_file warning, got %#v", c)
	}
	if c, _ := findCheck(report, "workspace"); c.Status != DoctorWarn {
		t.Errorf("expected workspace warning for an unscaffolded workspace, got %#v", c)
	}
}

func TestRunDoctorWithInvalidConfigFails(t *testing.T) {
	home := isolate(t)
	writeConfig(t, home, `{"model":`)

	report, err := RunDoctor()
	if err != nil {
		t.Fatalf("run doctor: %v", err)
	}
	if c, ok := findCheck(report, "config_load"); !ok || c.Status != DoctorFail {
		t.Fatalf("expected config_load failure, got %#v", report)
	}
}

func TestRunDoctorMissingCredentialsFails(t *testing.T) {
	isolate(t)

	report, err := RunDoctor()
	if err != nil {
		t.Fatalf("run doctor: %v", err)
	}
	if c, ok := findCheck(report, "provider"); !ok || c.Status != DoctorFail {
		t.Fatalf("expected provider failure without an API key, got %#v", report)
	}
}

func TestRunDoctorRemoteGatewayRequiresAuthToken(t *testing.T) {
	home := isolate(t)
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
	writeConfig(t, home, `{"gateway": {"host": "0.0.0.0", "port": 18790, "authToken": ""}}`)

	report, err := RunDoctor()
	if err != nil {
		t.Fatalf("run doctor: %v", err)
	}
	if c, ok := findCheck(report, "gateway_auth_token"); !ok || c.Status != DoctorFail {
		t.Fatalf("expected failure for a remote gateway without auth token, got %#v", report)
	}
}

func TestRunDoctorGenerateGatewayToken(t *testing.T) {
	home := isolate(t)
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
	writeConfig(t, home, `{"gateway": {"host": "0.0.0.0", "port": 18790}}`)

	report, err := RunDoctorWithOptions(DoctorOptions{GenerateGatewayToken: true})
	if err != nil {
		t.Fatalf("run doctor: %v", err)
	}
	if report.HasFailures() {
		t.Fatalf("expected generated token to satisfy the gateway check, got %#v", report)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("reload config: %v", err)
	}
	if len(cfg.Gateway.AuthToken) != 64 {
		t.Errorf("expected a 64-char hex token, got %q", cfg.Gateway.AuthToken)
	}
}

func TestRunDoctorFixScaffoldsWorkspace(t *testing.T) {
	home := isolate(t)
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
	ws := filepath.Join(home, "ws")
	writeConfig(t, home, `{"paths": {"workspace": "`+filepath.ToSlash(ws)+`"}}`)

	report, err := RunDoctorWithOptions(DoctorOptions{Fix: true})
	if err != nil {
		t.Fatalf("run doctor: %v", err)
	}
	if c, _ := findCheck(report, "workspace"); c.Status != DoctorPass {
		t.Fatalf("expected workspace pass after fix, got %#v", c)
	}
	for _, name := range identity.TemplateNames {
		if _, err := os.Stat(filepath.Join(ws, name)); err != nil {
			t.Errorf("expected %s scaffolded: %v", name, err)
		}
	}
}

func TestRunDoctorChannelCredentials(t *testing.T) {
	home := isolate(t)
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
	writeConfig(t, home, `{"channels": {
	  "telegram": {"enabled": true, "token": "123:abc"},
	  "slack": {"enabled": true, "botToken": "xoxb-1"}
	}}`)

	report, err := RunDoctor()
	if err != nil {
		t.Fatalf("run doctor: %v", err)
	}
	if c, _ := findCheck(report, "channel_telegram"); c.Status != DoctorPass {
		t.Errorf("expected telegram pass, got %#v", c)
	}
	if c, _ := findCheck(report, "channel_slack"); c.Status != DoctorFail {
		t.Errorf("expected slack failure without app token, got %#v", c)
	}
	if _, ok := findCheck(report, "channels"); ok {
		t.Error("did not expect the no-channels warning")
	}
}

func TestIsLoopbackHost(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1":   true,
		"localhost":   true,
		"::1":         true,
		" LocalHost ": true,
		"0.0.0.0":     false,
		"10.0.0.5":    false,
		"":            false,
	}
	for host, want := range cases {
		if got := isLoopbackHost(host); got != want {
			t.Errorf("isLoopbackHost(%q) = %v, want %v", host, got, want)
		}
	}
}
