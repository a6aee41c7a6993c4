package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/manuelleigh/paynotify-agent/internal/config"
	"github.com/manuelleigh/paynotify-agent/internal/credwatch"
	"github.com/manuelleigh/paynotify-agent/internal/database"
	"github.com/manuelleigh/paynotify-agent/internal/device"
	"github.com/manuelleigh/paynotify-agent/internal/logger"
	"github.com/manuelleigh/paynotify-agent/internal/metrics"
	"github.com/manuelleigh/paynotify-agent/internal/server"
	"github.com/manuelleigh/paynotify-agent/internal/service"
)

var Version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:     "paynotify-agent",
		Short:   "Forwards bank payment notifications to the collection API",
		Version: Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), configPath)
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/local.yaml", "Path to configuration file")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the delivery agent until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), configPath)
		},
	})
	rootCmd.AddCommand(statusCmd(&configPath))
	rootCmd.AddCommand(setTokenCmd(&configPath))
	rootCmd.AddCommand(clearAuthCmd(&configPath))
	rootCmd.AddCommand(sourcesCmd(&configPath))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runAgent(ctx context.Context, configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	log.Info("Starting paynotify agent",
		zap.String("env", cfg.Env),
		zap.String("config_path", configPath),
		zap.String("version", Version),
	)

	db, err := database.New(cfg.StoragePath, log.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Failed to close database", zap.Error(err))
		}
	}()

	metrics.Register()

	deviceID := device.NewResolver().Resolve(cfg.Device.ID, cfg.Device.Name)
	if cfg.Device.ID == "" {
		log.Info("Derived device ID", zap.String("device_id", deviceID))
	}

	svc, err := service.New(ctx, cfg, db.DB, deviceID, log.Logger)
	if err != nil {
		return fmt.Errorf("failed to create delivery service: %w", err)
	}
	svc.Start(ctx)
	defer svc.Stop()

	if cfg.Server.Enabled {
		api, err := server.New(svc, svc.Hub(), log.Named("server"))
		if err != nil {
			return fmt.Errorf("failed to create local API: %w", err)
		}
		addr := fmt.Sprintf("localhost:%d", cfg.Server.Port)
		go func() {
			if err := api.Run(ctx, addr); err != nil {
				log.Error("Local API stopped", zap.Error(err))
			}
		}()
	} else {
		log.Info("Local API disabled in configuration")
	}

	if cfg.Auth.TokenFile != "" {
		w := credwatch.New(cfg.Auth.TokenFile, svc, log.Named("credwatch"))
		go func() {
			if err := w.Run(ctx); err != nil {
				log.Error("Token file watcher stopped", zap.Error(err))
			}
		}()
	}

	log.Info("Paynotify agent started",
		zap.String("device_id", deviceID),
		zap.String("collector", cfg.Collector.BaseURL),
	)

	<-ctx.Done()
	log.Info("Shutting down paynotify agent")
	return nil
}
