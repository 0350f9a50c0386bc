package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/clawcore/internal/cliconfig"
	"github.com/KafClaw/clawcore/internal/config"
	"github.com/KafClaw/clawcore/internal/identity"
)

var configInitForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage clawcore configuration values",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file and scaffold the workspace",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		path, err := config.ConfigPath()
		if err != nil {
			return err
		}

		_, statErr := os.Stat(path)
		exists := statErr == nil
		if statErr != nil && !errors.Is(statErr, os.ErrNotExist) {
			return statErr
		}
		if !exists || configInitForce {
			if err := config.Save(config.DefaultConfig()); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Fprintf(out, "%s Config written to %s\n", color.GreenString("✓"), path)
		} else {
			fmt.Fprintf(out, "Config already exists at %s (use --force to overwrite)\n", path)
		}

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		res, err := identity.ScaffoldWorkspace(cfg.Paths.Workspace, false)
		if err != nil {
			return err
		}
		for _, f := range res.Created {
			fmt.Fprintf(out, "%s Created %s\n", color.GreenString("✓"), f)
		}
		for _, e := range res.Errors {
			fmt.Fprintf(out, "%s %s\n", color.RedString("✗"), e)
		}
		fmt.Fprintf(out, "Workspace: %s\n", cfg.Paths.Workspace)
		if len(res.Errors) > 0 {
			return fmt.Errorf("scaffold finished with %d error(s)", len(res.Errors))
		}
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(redacted(cfg), "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file path",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := config.ConfigPath()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <path>",
	Short: "Get effective config value by dotted path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		val, err := cliconfig.Get(args[0])
		if err != nil {
			return err
		}
		switch v := val.(type) {
		case map[string]any, []any:
			out, _ := json.MarshalIndent(v, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
		default:
			fmt.Fprintln(cmd.OutOrStdout(), v)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <path> <value>",
	Short: "Set config value by dotted path (JSON or plain string)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return cliconfig.Set(args[0], args[1])
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <path>",
	Short: "Unset config value by dotted path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return cliconfig.Unset(args[0])
	},
}

const redactedValue = "********"

// redacted returns a copy of cfg with secrets masked.
func redacted(cfg *config.Config) config.Config {
	c := *cfg
	mask := func(s *string) {
		if *s != "" {
			*s = redactedValue
		}
	}
	mask(&c.Providers.Anthropic.APIKey)
	mask(&c.Providers.OpenAI.APIKey)
	mask(&c.Providers.OpenRouter.APIKey)
	mask(&c.Providers.VLLM.APIKey)
	mask(&c.Channels.Telegram.Token)
	mask(&c.Channels.Slack.BotToken)
	mask(&c.Channels.Slack.AppToken)
	mask(&c.Gateway.AuthToken)
	mask(&c.Tools.Web.Search.APIKey)
	return c
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "Overwrite an existing config file with defaults")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
	rootCmd.AddCommand(configCmd)
}
