package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/manuelleigh/paynotify-agent/internal/config"
	"github.com/manuelleigh/paynotify-agent/internal/database"
	"github.com/manuelleigh/paynotify-agent/internal/device"
	"github.com/manuelleigh/paynotify-agent/internal/logger"
	"github.com/manuelleigh/paynotify-agent/internal/service"
)

// withStore opens the agent database without starting any background work.
// Changes made here are picked up by a running agent on its next drain cycle.
func withStore(ctx context.Context, configPath string, fn func(*service.DeliveryService) error) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log, err := logger.New("warn", "console")
	if err != nil {
		return err
	}
	defer log.Sync()

	db, err := database.New(cfg.StoragePath, log.Logger)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	deviceID := device.NewResolver().Resolve(cfg.Device.ID, cfg.Device.Name)
	svc, err := service.New(ctx, cfg, db.DB, deviceID, log.Logger)
	if err != nil {
		return err
	}
	return fn(svc)
}

func statusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show auth state, heartbeat and queue counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), *configPath, func(svc *service.DeliveryService) error {
				h, err := svc.Health(cmd.Context())
				if err != nil {
					return fmt.Errorf("failed to read status: %w", err)
				}
				enc := yaml.NewEncoder(os.Stdout)
				enc.SetIndent(2)
				defer enc.Close()
				return enc.Encode(h)
			})
		},
	}
}

func setTokenCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "set-token [token]",
		Short: "Store a collector credential in the agent database",
		Long: `Store a collector credential and move auth-blocked events back to pending.

This writes the database directly. A running agent picks up the new token on
its next drain cycle, but if it has already paused on a rejected credential it
stays paused until it is told through POST /api/v1/credential or the watched
token file. Use this command while the agent is stopped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), *configPath, func(svc *service.DeliveryService) error {
				if err := svc.InstallCredential(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Println("Credential installed")
				return nil
			})
		},
	}
}

func clearAuthCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-auth",
		Short: "Clear the stored invalid-credential flag without changing the token",
		Long: `Clear the stored invalid-credential flag and move auth-blocked events back
to pending. A running agent keeps its paused state in memory; clear it with
POST /api/v1/auth/clear instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), *configPath, func(svc *service.DeliveryService) error {
				if err := svc.ClearAuthInvalid(cmd.Context()); err != nil {
					return err
				}
				fmt.Println("Auth flag cleared")
				return nil
			})
		},
	}
}

func sourcesCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sources [package...]",
		Short: "List enabled sources, or replace them with the given packages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), *configPath, func(svc *service.DeliveryService) error {
				if len(args) > 0 {
					if err := svc.SetEnabledSources(cmd.Context(), args); err != nil {
						return fmt.Errorf("failed to save sources: %w", err)
					}
				}
				enabled, err := svc.EnabledSources(cmd.Context())
				if err != nil {
					return fmt.Errorf("failed to read sources: %w", err)
				}
				fmt.Printf("Enabled: %s\n", strings.Join(enabled, ", "))
				fmt.Printf("Known:   %s\n", strings.Join(svc.KnownSources(), ", "))
				return nil
			})
		},
	}
}
