package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hugo-lorenzo-mato/deepinsight/internal/api"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Start the deepinsight HTTP API.

The server accepts analysis requests, streams their events over SSE and
receives plan approvals.

Examples:
  # Start with defaults (localhost:8080)
  deepinsight serve

  # Start on custom host and port
  deepinsight serve --host 0.0.0.0 --port 3000`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "localhost", "Host address to bind to")
	serveCmd.Flags().IntP("port", "p", 8080, "Port to listen on")

	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := service.NewApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing runtime: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeoutDuration())
		defer cancel()
		if err := app.Close(closeCtx); err != nil {
			logger.Warn("shutdown incomplete", slog.String("error", err.Error()))
		}
	}()
	if err := app.Start(); err != nil {
		return fmt.Errorf("starting session reaper: %w", err)
	}

	server := api.NewServer(app.Runtime,
		api.WithLogger(logger.WithComponent("api").Logger),
		api.WithDiagnostics(diagnostics.NewCollector(0, diagnostics.DefaultThresholds())),
		api.WithCORSOrigins(cfg.Server.CORSOrigins),
		api.WithVersion(appVersion),
		api.WithProvisioner(app.Provisioner),
	)

	logger.Info("server started",
		slog.String("addr", cfg.Server.Addr()),
		slog.String("provisioner", app.Provisioner),
		slog.String("mailbox", cfg.Mailbox.Backend),
	)
	if err := server.ListenAndServe(ctx, cfg.Server.Addr(), cfg.Server.ShutdownTimeoutDuration()); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
