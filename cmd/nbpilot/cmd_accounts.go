package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"nbpilot/internal/accounts"
	"nbpilot/internal/config"
	"nbpilot/internal/orchestrator"
)

var addPriority int

// addCmd registers a Google account
var addCmd = &cobra.Command{
	Use:   "add <email> <password> [totp-seed]",
	Short: "Add a Google account",
	Long: `Add a Google account to the rotation pool.

The password and optional TOTP seed are encrypted with the local master key
before they are written to accounts.json. Without --priority the account is
appended after the existing ones.`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runAdd,
}

// listCmd shows all accounts
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured accounts",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

// removeCmd deletes an account
var removeCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove an account and its saved session",
	Args:  cobra.ExactArgs(1),
	RunE:  runRemove,
}

// strategyCmd switches the rotation strategy
var strategyCmd = &cobra.Command{
	Use:   "strategy <name>",
	Short: "Set the account rotation strategy",
	Long: `Set the account rotation strategy.

Strategies:
  least_used  - pick the account with the lowest quota usage
  round_robin - cycle through accounts in a stable order
  failover    - always prefer the highest-priority account
  random      - pick uniformly among eligible accounts`,
	Args: cobra.ExactArgs(1),
	RunE: runStrategy,
}

func init() {
	addCmd.Flags().IntVar(&addPriority, "priority", 0, "Account priority (lower is preferred)")

	rootCmd.AddCommand(addCmd, listCmd, removeCmd, strategyCmd)
}

func runAdd(cmd *cobra.Command, args []string) error {
	email, password := args[0], args[1]
	seed := ""
	if len(args) == 3 {
		seed = args[2]
	}

	return withService(cmd.Context(), func(cfg *config.Config, svc *orchestrator.Service) error {
		id, err := svc.AddAccount(email, password, seed, addPriority)
		if err != nil {
			return fmt.Errorf("failed to add account: %w", err)
		}
		logger.Info("account added", zap.String("id", id), zap.String("email", accounts.MaskEmail(email)))

		acc, _ := svc.Registry().Get(id)
		fmt.Printf("Added account %s (%s)\n", titleStyle.Render(id), acc.MaskedEmail())
		fmt.Printf("  Priority: %d\n", acc.Priority)
		if seed != "" {
			fmt.Println("  TOTP:     configured")
		}
		fmt.Printf("\nRun 'nbpilot test %s' to verify the login.\n", id)
		return nil
	})
}

func runList(cmd *cobra.Command, args []string) error {
	return withService(cmd.Context(), func(cfg *config.Config, svc *orchestrator.Service) error {
		list := svc.ListAccounts()
		if len(list) == 0 {
			fmt.Println("No accounts configured.")
			fmt.Println("\nRun 'nbpilot add <email> <password>' to add an account.")
			return nil
		}

		reg := svc.Registry()
		current := reg.CurrentAccountID()
		now := reg.Now()

		fmt.Println(titleStyle.Render(fmt.Sprintf("Accounts (%d)", len(list))) +
			mutedStyle.Render("  strategy: "+string(reg.Strategy())))
		fmt.Println()

		widths := []int{2, 36, 24, 4, 13, 9, 8}
		fmt.Println(row(widths, []string{"", "ID", "EMAIL", "PRIO", "STATUS", "QUOTA", "HEALTH"},
			headerStyle, headerStyle, headerStyle, headerStyle, headerStyle, headerStyle, headerStyle))

		for _, acc := range list {
			marker := " "
			if acc.ID == current {
				marker = "*"
			}
			status := string(acc.SessionStatus)
			if !acc.Enabled {
				status = "disabled"
			}
			quota := fmt.Sprintf("%d/%d", acc.Quota.Used, acc.Quota.Limit)
			score := strconv.Itoa(reg.Health().Score(acc.ID))

			fmt.Println(row(widths,
				[]string{marker, acc.ID, acc.MaskedEmail(), strconv.Itoa(acc.Priority), status, quota, score},
				okStyle, lipgloss.NewStyle(), lipgloss.NewStyle(), mutedStyle, statusStyle(acc.SessionStatus)))

			if acc.IsRateLimited(now) {
				fmt.Println(mutedStyle.Render(fmt.Sprintf("    rate limited, resets in %v", acc.RateLimitResetAt.Sub(now).Round(time.Second))))
			}
			if acc.ConsecutiveFailures > 0 {
				fmt.Println(mutedStyle.Render(fmt.Sprintf("    %d consecutive login failures", acc.ConsecutiveFailures)))
			}
		}
		return nil
	})
}

func runRemove(cmd *cobra.Command, args []string) error {
	id := args[0]
	return withService(cmd.Context(), func(cfg *config.Config, svc *orchestrator.Service) error {
		removed, err := svc.RemoveAccount(id)
		if err != nil {
			return fmt.Errorf("failed to remove account: %w", err)
		}
		if !removed {
			return fmt.Errorf("account %s not found", id)
		}
		fmt.Printf("Removed account: %s\n", id)

		remaining := svc.ListAccounts()
		fmt.Printf("Remaining accounts: %d\n", len(remaining))
		if len(remaining) == 0 {
			fmt.Println("\nWarning: No accounts left. Run 'nbpilot add' to add one.")
		}
		return nil
	})
}

func runStrategy(cmd *cobra.Command, args []string) error {
	name := strings.ToLower(strings.TrimSpace(args[0]))
	return withService(cmd.Context(), func(cfg *config.Config, svc *orchestrator.Service) error {
		if err := svc.SetRotationStrategy(name); err != nil {
			return err
		}
		fmt.Printf("Rotation strategy set to %s\n", okStyle.Render(name))
		return nil
	})
}
