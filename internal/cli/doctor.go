package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/clawcore/internal/cliconfig"
)

var (
	doctorFix                  bool
	doctorGenerateGatewayToken bool
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run config and setup diagnostics",
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := cliconfig.RunDoctorWithOptions(cliconfig.DoctorOptions{
			Fix:                  doctorFix,
			GenerateGatewayToken: doctorGenerateGatewayToken,
		})
		if err != nil {
			return err
		}

		failures := 0
		for _, check := range report.Checks {
			symbol := color.GreenString("PASS")
			switch check.Status {
			case cliconfig.DoctorWarn:
				symbol = color.YellowString("WARN")
			case cliconfig.DoctorFail:
				symbol = color.RedString("FAIL")
				failures++
			}
			fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s: %s\n", symbol, check.Name, check.Message)
		}

		if failures > 0 {
			return fmt.Errorf("doctor found %d failing check(s)", failures)
		}
		return nil
	},
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorFix, "fix", false, "Scaffold missing workspace files")
	doctorCmd.Flags().BoolVar(&doctorGenerateGatewayToken, "generate-gateway-token", false, "Generate and persist a new gateway auth token")
	rootCmd.AddCommand(doctorCmd)
}
