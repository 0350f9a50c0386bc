package cli

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/KafClaw/clawcore/internal/cliconfig"
)

var knownChannels = []string{"kafka", "slack", "telegram", "whatsapp"}

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "Manage channel allow-lists",
}

var channelsAllowListCmd = &cobra.Command{
	Use:   "list [channel]",
	Short: "Show allowed senders per channel",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		names := knownChannels
		if len(args) == 1 {
			if err := checkChannelName(args[0]); err != nil {
				return err
			}
			names = args
		}
		out := cmd.OutOrStdout()
		for _, name := range names {
			list, err := allowList(name)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Fprintf(out, "%s: everyone\n", name)
				continue
			}
			fmt.Fprintf(out, "%s: %s\n", name, strings.Join(list, ", "))
		}
		return nil
	},
}

var channelsAllowCmd = &cobra.Command{
	Use:   "allow <channel> <sender>",
	Short: "Allow a sender id or username on a channel",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, sender := args[0], strings.TrimSpace(args[1])
		if err := checkChannelName(name); err != nil {
			return err
		}
		list, err := allowList(name)
		if err != nil {
			return err
		}
		if slices.Contains(list, sender) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s is already allowed on %s\n", sender, name)
			return nil
		}
		if err := saveAllowList(name, append(list, sender)); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Allowed %s on %s\n", sender, name)
		return nil
	},
}

var channelsRevokeCmd = &cobra.Command{
	Use:   "revoke <channel> <sender>",
	Short: "Remove a sender from a channel allow-list",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, sender := args[0], strings.TrimSpace(args[1])
		if err := checkChannelName(name); err != nil {
			return err
		}
		list, err := allowList(name)
		if err != nil {
			return err
		}
		idx := slices.Index(list, sender)
		if idx < 0 {
			return fmt.Errorf("%s is not on the %s allow-list", sender, name)
		}
		list = slices.Delete(list, idx, idx+1)
		if err := saveAllowList(name, list); err != nil {
			return err
		}
		msg := fmt.Sprintf("Revoked %s on %s", sender, name)
		if len(list) == 0 {
			msg += " (list is now empty: everyone is allowed)"
		}
		fmt.Fprintln(cmd.OutOrStdout(), msg)
		return nil
	},
}

func checkChannelName(name string) error {
	if !slices.Contains(knownChannels, name) {
		return fmt.Errorf("unknown channel %q (want one of %s)", name, strings.Join(knownChannels, ", "))
	}
	return nil
}

func allowList(channel string) ([]string, error) {
	v, err := cliconfig.Get("channels." + channel + ".allowFrom")
	if err != nil {
		return nil, err
	}
	items, _ := v.([]any)
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

func saveAllowList(channel string, list []string) error {
	if list == nil {
		list = []string{}
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return err
	}
	return cliconfig.Set("channels."+channel+".allowFrom", string(raw))
}

func init() {
	channelsCmd.AddCommand(channelsAllowListCmd)
	channelsCmd.AddCommand(channelsAllowCmd)
	channelsCmd.AddCommand(channelsRevokeCmd)
	rootCmd.AddCommand(channelsCmd)
}
