package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"nbpilot/internal/auth"
	"nbpilot/internal/config"
	"nbpilot/internal/orchestrator"
)

var testShow bool

// testCmd runs the automated login for one account
var testCmd = &cobra.Command{
	Use:   "test <id>",
	Short: "Run the automated login for an account",
	Long: `Run the automated Google login for one account and save its session.

Use --show to watch the browser. If Google asks for something the automation
cannot answer (CAPTCHA, phone prompt), rerun with --show and finish by hand
through 'nbpilot serve' and POST /setup-auth.`,
	Args: cobra.ExactArgs(1),
	RunE: runTest,
}

// healthCmd reports per-account health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show per-account health and issues",
	Args:  cobra.NoArgs,
	RunE:  runHealth,
}

// startupCmd runs the startup sequence once and reports the outcome
var startupCmd = &cobra.Command{
	Use:   "startup",
	Short: "Authenticate using the startup sequence",
	Long: `Run the same startup sequence the server runs: pick an account, verify its
saved session, re-authenticate when needed and fall back to the other accounts.

Exits non-zero when no account could be authenticated.`,
	Args: cobra.NoArgs,
	RunE: runStartup,
}

func init() {
	testCmd.Flags().BoolVar(&testShow, "show", false, "Show the browser window")

	rootCmd.AddCommand(testCmd, healthCmd, startupCmd)
}

func runTest(cmd *cobra.Command, args []string) error {
	id := args[0]
	return withService(cmd.Context(), func(cfg *config.Config, svc *orchestrator.Service) error {
		fmt.Printf("Logging in %s...\n", id)
		res := svc.PerformLogin(cmd.Context(), id, auth.LoginOptions{
			ShowBrowser: testShow,
			Timeout:     cfg.GetLoginTimeout(),
		})
		if !res.Success {
			logger.Warn("login failed", zap.String("id", id), zap.Error(res.Error))
			if res.RequiresManualIntervention {
				fmt.Println(warnStyle.Render("Manual intervention required."))
			}
			return fmt.Errorf("login failed: %w", res.Error)
		}
		fmt.Printf("%s Logged in as %s in %v\n", check(true), id, res.Duration.Round(time.Millisecond))
		return nil
	})
}

func runHealth(cmd *cobra.Command, args []string) error {
	return withService(cmd.Context(), func(cfg *config.Config, svc *orchestrator.Service) error {
		st := svc.Status()
		report := svc.HealthCheck()

		var healthy int
		for _, h := range report {
			if len(h.Issues) == 0 {
				healthy++
			}
		}

		summary := strings.Join([]string{
			titleStyle.Render("Account Health"),
			fmt.Sprintf("Total accounts:  %d", len(report)),
			fmt.Sprintf("Healthy:         %d", healthy),
			fmt.Sprintf("Strategy:        %s", st.Strategy),
			fmt.Sprintf("Current account: %s", orNone(svc.Registry().CurrentAccountID())),
		}, "\n")
		fmt.Println(boxStyle.Render(summary))

		if len(report) == 0 {
			fmt.Println("\nNo accounts configured.")
			return nil
		}

		var blocks []string
		for _, h := range report {
			lines := []string{
				fmt.Sprintf("%s %s %s", check(len(h.Issues) == 0), h.Email, mutedStyle.Render(h.AccountID)),
				fmt.Sprintf("    Session: %s  Quota: %d/%d  Health: %d/100", h.Status, h.QuotaUsed, h.QuotaLimit, h.HealthScore),
			}
			for _, issue := range h.Issues {
				lines = append(lines, warnStyle.Render("    - "+issue))
			}
			blocks = append(blocks, strings.Join(lines, "\n"))
		}
		fmt.Println()
		fmt.Println(lipgloss.JoinVertical(lipgloss.Left, blocks...))
		return nil
	})
}

func runStartup(cmd *cobra.Command, args []string) error {
	return withService(cmd.Context(), func(cfg *config.Config, svc *orchestrator.Service) error {
		res := svc.Startup(cmd.Context())
		printStartup(res)
		if !res.Authenticated {
			return fmt.Errorf("not authenticated: %s", res.Message)
		}
		return nil
	})
}

func printStartup(res orchestrator.StartupResult) {
	phases := make([]string, len(res.Path))
	for i, p := range res.Path {
		phases[i] = string(p)
	}
	fmt.Println(mutedStyle.Render(strings.Join(phases, " → ")))
	for _, d := range res.Details {
		fmt.Println("  " + d)
	}

	if res.Authenticated {
		who := orNone(res.AccountEmail)
		fmt.Printf("\n%s Authenticated as %s\n", check(true), okStyle.Render(who))
	} else {
		fmt.Printf("\n%s %s\n", check(false), errStyle.Render(res.Message))
	}
	if res.FallbackAttempts > 0 {
		fmt.Printf("  Fallback attempts: %d\n", res.FallbackAttempts)
	}
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
