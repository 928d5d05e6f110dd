package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"clash-tray/internal/clashapi"
	"clash-tray/internal/configsync"
	"clash-tray/internal/core"
	"clash-tray/internal/instance"
)

// NewReloadCommand asks the running engine to re-read the active config.
func NewReloadCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Ask the running engine to reload the active config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.Config
			path := filepath.Join(cfg.Engine.HomePath, configsync.ActiveConfigName)
			api := clashapi.NewClient(cfg.Engine.Controller, nil)
			if err := api.ReloadConfig(cmd.Context(), path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reloaded %s\n", path)
			return nil
		},
	}
}

// NewEngineVersionCommand prints the version reported by the control API.
func NewEngineVersionCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "engine-version",
		Short: "Print the running engine's version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api := clashapi.NewClient(opts.Config.Engine.Controller, nil)
			info, err := api.GetVersion(cmd.Context())
			if err != nil {
				return err
			}
			premium := ""
			if info.Premium {
				premium = " (premium)"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s%s\n", info.Version, premium)
			return nil
		},
	}
}

// NewRefreshCommand runs one subscription check and synchronizes the active
// config when the document changed. It holds the host's instance lock, so it
// refuses to run next to a host that owns the same files.
func NewRefreshCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Check the subscription once and update the active config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.Config
			fetcher := newFetcher(cfg, nil)
			if !fetcher.HasSubscription() {
				return errors.New("subscription.url is not configured")
			}
			lock, err := instance.Acquire(instanceName)
			if errors.Is(err, instance.ErrAlreadyRunning) {
				return fmt.Errorf("clash-tray is running and refreshes the subscription itself: %w", err)
			}
			if err != nil {
				return err
			}
			defer lock.Release()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			updated, err := fetcher.Check(ctx)
			if err != nil {
				return err
			}
			if !updated {
				fmt.Fprintln(out, "Subscription not modified")
			}

			syncer := configsync.New(configsync.Config{
				HomePath:  cfg.Engine.HomePath,
				EnableTUN: cfg.Engine.EnableTUN,
				Fetcher:   fetcher,
			})
			rewritten, err := syncer.Synchronize(syncer.Source().Path)
			if err != nil {
				return err
			}
			if !rewritten {
				return nil
			}
			fmt.Fprintf(out, "Active config %s updated\n", syncer.ConfigPath())

			api := clashapi.NewClient(cfg.Engine.Controller, nil)
			if err := api.ReloadConfig(ctx, syncer.ConfigPath()); err != nil {
				core.Log.Warnf("Refresh", "Engine not reloaded: %v", err)
			}
			return nil
		},
	}
}
