package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/clawcore/internal/config"
	"github.com/KafClaw/clawcore/internal/session"
)

var sessionsShowLimit int

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and delete stored conversations",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored sessions, most recent first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSessions(func(store session.Store) error {
			infos, err := store.List()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(infos) == 0 {
				fmt.Fprintln(out, "No sessions.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KEY\tMESSAGES\tUPDATED")
			for _, info := range infos {
				fmt.Fprintf(tw, "%s\t%d\t%s\n", info.Key, info.Messages, info.UpdatedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		})
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <key>",
	Short: "Print the messages of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSessions(func(store session.Store) error {
			sess, err := store.Load(args[0])
			if errors.Is(err, session.ErrNotFound) {
				return fmt.Errorf("session %q not found", args[0])
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, m := range sess.GetHistory(sessionsShowLimit) {
				role := color.CyanString(m.Role)
				if m.Role == "user" {
					role = color.GreenString(m.Role)
				}
				fmt.Fprintf(out, "[%s] %s: %s\n", m.Timestamp.Local().Format(time.DateTime), role, m.Content)
			}
			return nil
		})
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSessions(func(store session.Store) error {
			if err := store.Delete(args[0]); err != nil {
				if errors.Is(err, session.ErrNotFound) {
					return fmt.Errorf("session %q not found", args[0])
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s\n", args[0])
			return nil
		})
	},
}

func withSessions(fn func(session.Store) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	store, closeStore, err := openSessions(cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	return fn(store)
}

func init() {
	sessionsShowCmd.Flags().IntVarP(&sessionsShowLimit, "limit", "n", 0, "Show only the last N messages (0 for all)")
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
	rootCmd.AddCommand(sessionsCmd)
}
