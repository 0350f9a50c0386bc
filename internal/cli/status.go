package cli

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/clawcore/internal/config"
	"github.com/KafClaw/clawcore/internal/provider"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "clawcore %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration status",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		printHeader(out, "📊 clawcore status")
		fmt.Fprintf(out, "Version:   %s\n", version)

		path, err := config.ConfigPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil {
			fmt.Fprintf(out, "Config:    %s Found (%s)\n", ok(), path)
		} else {
			fmt.Fprintf(out, "Config:    %s Not found (run 'clawcore config init' first)\n", missing())
		}

		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(out, "Config:    %s %v\n", missing(), err)
			return nil
		}
		if _, err := provider.Resolve(cfg); err != nil {
			fmt.Fprintf(out, "Model:     %s %s (%v)\n", missing(), cfg.Model.Name, err)
		} else {
			fmt.Fprintf(out, "Model:     %s %s\n", ok(), cfg.Model.Name)
		}
		fmt.Fprintf(out, "Workspace: %s\n", cfg.Paths.Workspace)
		fmt.Fprintf(out, "Sessions:  %s (%s)\n", cfg.Session.Backend, cfg.Session.Path)
		printChannels(out, cfg)
		if cfg.Scheduler.Enabled {
			fmt.Fprintf(out, "Scheduler: %s %d job(s), heartbeat %v\n", ok(), len(cfg.Scheduler.Jobs), cfg.Scheduler.Heartbeat.Enabled)
		} else {
			fmt.Fprintf(out, "Scheduler: %s Disabled\n", missing())
		}
		fmt.Fprintf(out, "Gateway:   http://%s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)
		return nil
	},
}

func printChannels(out io.Writer, cfg *config.Config) {
	enabled := map[string]bool{
		"telegram": cfg.Channels.Telegram.Enabled,
		"whatsapp": cfg.Channels.WhatsApp.Enabled,
		"slack":    cfg.Channels.Slack.Enabled,
		"kafka":    cfg.Channels.Kafka.Enabled,
	}
	names := make([]string, 0, len(enabled))
	for name := range enabled {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		mark, state := missing(), "Disabled"
		if enabled[name] {
			mark, state = ok(), "Enabled"
		}
		fmt.Fprintf(out, "%-10s %s %s\n", name+":", mark, state)
	}
	if cfg.Channels.WhatsApp.Enabled {
		if _, err := os.Stat(cfg.Channels.WhatsApp.StorePath); err == nil {
			fmt.Fprintf(out, "           %s WhatsApp session linked\n", ok())
		} else {
			fmt.Fprintf(out, "           %s No WhatsApp session; scan %s after starting the gateway\n", missing(), cfg.Channels.WhatsApp.QRPath)
		}
	}
}

func ok() string      { return color.GreenString("✓") }
func missing() string { return color.RedString("✗") }
