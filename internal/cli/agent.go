package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/clawcore/internal/config"
	"github.com/KafClaw/clawcore/internal/routing"
)

var (
	agentMessage   string
	agentSessionID string
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Chat with the agent directly in CLI",
	Long:  "Send one message with -m, or start an interactive session when -m is omitted.",
	RunE:  runAgent,
}

func init() {
	agentCmd.Flags().StringVarP(&agentMessage, "message", "m", "", "Message to send to the agent")
	agentCmd.Flags().StringVarP(&agentSessionID, "session", "s", routing.SessionKey(routing.DefaultChannel, routing.DefaultChatID), "Session key")
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	if agentMessage != "" {
		response, err := rt.loop.ProcessDirect(ctx, agentMessage, agentSessionID, "", "")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, response)
		return nil
	}

	printHeader(out, "🤖 clawcore agent ("+cfg.Model.Name+")")
	fmt.Fprintln(out, "Type a message, or /exit to quit.")
	return repl(ctx, cmd.InOrStdin(), out, func(line string) (string, error) {
		return rt.loop.ProcessDirect(ctx, line, agentSessionID, "", "")
	})
}

// repl reads lines from in until EOF, /exit or ctx is done, answering each
// non-empty line with ask.
func repl(ctx context.Context, in io.Reader, out io.Writer, ask func(string) (string, error)) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Fprint(out, color.GreenString("you> "))
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		}

		response, err := ask(line)
		if err != nil {
			fmt.Fprintln(out, color.RedString("error: %v", err))
		} else {
			fmt.Fprintln(out, color.CyanString("agent> ")+response)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
