package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/goliatone/go-prep/config"
	"github.com/spf13/cobra"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the web application",
		Long: `Serve the web application.

Unknown GET paths render the application shell. With --dev templates are
reloaded on every request and assets are read from ./public.

Firebase settings are read from PREP_FIREBASE_API_KEY,
PREP_FIREBASE_PROJECT_ID and PREP_FIREBASE_AUTH_DOMAIN.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().Int("port", 0, "port to listen on, overrides server.port")
	cmd.Flags().Bool("dev", false, "enable template reload and disk assets")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	var opts []config.Option
	if cmd.Flags().Changed("port") {
		port, _ := cmd.Flags().GetInt("port")
		opts = append(opts, config.WithOverride("server.port", port))
	}
	if cmd.Flags().Changed("dev") {
		dev, _ := cmd.Flags().GetBool("dev")
		opts = append(opts, config.WithOverride("server.dev", dev))
	}

	cfg, err := config.Load(configPath, opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, cfg)
	if err != nil {
		return err
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- app.Serve()
	}()

	select {
	case err := <-serverErr:
		_ = app.Close(context.Background())
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		app.logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	return app.Close(shutdownCtx)
}
