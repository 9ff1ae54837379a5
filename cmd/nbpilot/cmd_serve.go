package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"nbpilot/internal/api"
	"nbpilot/internal/config"
	"nbpilot/internal/orchestrator"
)

var serveAddr string

// serveCmd authenticates and serves the HTTP API
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Authenticate and serve the HTTP API",
	Long: `Run the startup sequence, then serve the session API until interrupted.

The server starts even when no account could be authenticated; POST
/setup-auth retries authentication while it is running.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.addr)")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Shutdown must outlive the cancelled signal context.
	return withService(context.WithoutCancel(ctx), func(cfg *config.Config, svc *orchestrator.Service) error {
		addr := cfg.Server.Addr
		if serveAddr != "" {
			addr = serveAddr
		}

		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("failed to start service: %w", err)
		}

		res := svc.Startup(ctx)
		printStartup(res)
		if res.Authenticated {
			logger.Info("authenticated", zap.String("account", res.AccountEmail))
		} else {
			logger.Warn("serving without authentication", zap.String("reason", res.Message))
		}

		fmt.Printf("\nListening on %s (Ctrl+C to stop)\n", addr)
		if err := api.NewServer(addr, svc).ListenAndServe(ctx); err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		fmt.Println("Shutting down...")
		return nil
	})
}
