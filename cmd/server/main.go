// Command server runs the LifeSync realtime core.
//
//	server serve --config lifesync.yaml
//	server migrate --config lifesync.yaml
//
// Every setting can also come from the environment; see internal/config.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Tyrowin/lifesync/internal/config"
	"github.com/Tyrowin/lifesync/internal/logger"
	"github.com/Tyrowin/lifesync/internal/server"
	"github.com/Tyrowin/lifesync/internal/store"
)

var version = "dev"

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "server",
		Short:        "LifeSync realtime sync, presence and chat server",
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("LIFESYNC_CONFIG"), "Path to YAML configuration file")
	root.AddCommand(buildServeCmd(&configPath), buildMigrateCmd(&configPath))
	return root
}

func buildServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the realtime server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func buildMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			log := logger.SetupDefault(os.Stdout, cfg.LogLevel)

			st, err := store.Open(cmd.Context(), cfg.DatabasePath)
			if err != nil {
				return err
			}
			log.Info("migrations applied", slog.String("database", cfg.DatabasePath))
			return st.Close()
		},
	}
}

func runServe(parent context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log := logger.SetupDefault(os.Stdout, cfg.LogLevel)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error("store close failed", slog.Any("error", err))
		}
	}()

	srv, err := server.New(cfg, st, log)
	if err != nil {
		return err
	}
	log.Info("starting lifesync",
		slog.String("version", version),
		slog.String("port", cfg.Port),
		slog.Any("allowed_origins", cfg.AllowedOrigins))
	return srv.Run(ctx)
}
