// Package cli implements the clawcore command line.
package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/KafClaw/clawcore/internal/cli.version=1.2.3"
	version = "0.1.0"
	logo    = "\n" +
		"       _                                  \n" +
		"   ___| | __ ___      _____ ___  _ __ ___ \n" +
		"  / __| |/ _` \\ \\ /\\ / / __/ _ \\| '__/ _ \\\n" +
		" | (__| | (_| |\\ V  V / (_| (_) | | |  __/\n" +
		"  \\___|_|\\__,_| \\_/\\_/ \\___\\___/|_|  \\___|\n"
)

var (
	logJSON bool
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "clawcore",
	Short: "clawcore - conversational agent kernel",
	Long:  color.CyanString(logo) + "\nA message-bus driven AI agent with tools, background subagents and chat channels.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(cmd.ErrOrStderr())
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Emit logs as JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(gatewayCmd)
}

func setupLogging(w io.Writer) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if logJSON {
		h = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
}

func printHeader(w io.Writer, title string) {
	fmt.Fprintln(w, color.CyanString(logo))
	if title != "" {
		fmt.Fprintln(w, title)
		fmt.Fprintln(w, "─────────────────────")
	}
}
