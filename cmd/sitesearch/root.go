package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitesearch/internal/config"
	"github.com/JakeFAU/sitesearch/internal/logging"
	"github.com/JakeFAU/sitesearch/internal/server"
)

type appKeyType string

const appKey appKeyType = "app"

// newApp builds the application from a config path.
var newApp = func(ctx context.Context, cfgPath string) (*server.App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	app, err := server.Build(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return app, nil
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:           "sitesearch",
		Short:         "Crawls configured sites and indexes their pages.",
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			app, err := newApp(cmd.Context(), cfgPath)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, app))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if app, ok := cmd.Context().Value(appKey).(*server.App); ok && app != nil {
				app.Close()
				_ = zap.L().Sync()
			}
		},
	}
	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file")

	cmd.AddCommand(newServeCmd(), newIndexCmd())
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return app.Serve(cmd.Context())
		},
	}
}

func newIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "index",
		Short: "Indexes every configured site once and exits",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return app.Index(cmd.Context())
		},
	}
}

func resolveApp(ctx context.Context) (*server.App, error) {
	app, ok := ctx.Value(appKey).(*server.App)
	if !ok || app == nil {
		return nil, errors.New("application services not initialized")
	}
	return app, nil
}
