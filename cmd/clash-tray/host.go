package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"clash-tray/internal/clashapi"
	"clash-tray/internal/configsync"
	"clash-tray/internal/core"
	"clash-tray/internal/elevate"
	"clash-tray/internal/engine"
	"clash-tray/internal/instance"
	"clash-tray/internal/metrics"
	"clash-tray/internal/notify"
	"clash-tray/internal/subscription"
)

const instanceName = "ClashTray"

var errEngineExited = errors.New("engine exited")

// launchSpec builds the engine invocation from settings.
func launchSpec(cfg core.Config) engine.LaunchSpec {
	return engine.LaunchSpec{
		ExePath:     cfg.Engine.ExePath,
		HomePath:    cfg.Engine.HomePath,
		ConfigPath:  filepath.Join(cfg.Engine.HomePath, configsync.ActiveConfigName),
		Controller:  cfg.Engine.Controller,
		ShowConsole: cfg.Engine.ShowConsole,
	}
}

func newFetcher(cfg core.Config, bus *core.EventBus) *subscription.Fetcher {
	return subscription.NewFetcher(subscription.Config{
		URL:       cfg.Subscription.URL,
		Interval:  cfg.Subscription.IntervalDuration(),
		HomePath:  cfg.Engine.HomePath,
		Bus:       bus,
		UserAgent: appName + "/" + version,
	})
}

// registrationCommand maps a privileged run mode to the subcommand that installs it.
func registrationCommand(mode engine.RunMode) (string, error) {
	switch mode {
	case engine.ModeInstalledService:
		return "install-service", nil
	case engine.ModeScheduledTask:
		return "install-task", nil
	default:
		return "", fmt.Errorf("no registration for %s mode", mode)
	}
}

// elevatedInstaller re-runs this executable elevated to create the missing
// registration. Exit code 0 means the registration now exists.
func elevatedInstaller(workDir string) engine.Installer {
	return engine.InstallerFunc(func(ctx context.Context, mode engine.RunMode) error {
		sub, err := registrationCommand(mode)
		if err != nil {
			return err
		}
		return elevate.RunSelf(ctx, workDir, "--cd", workDir, sub)
	})
}

// runHost is the default command: it keeps the active config synchronized
// and the engine running until interrupted or the engine exits on its own.
func runHost(ctx context.Context, opts *RootOptions) error {
	lock, err := instance.Acquire(instanceName)
	if err != nil {
		return err
	}
	defer lock.Release()

	cfg := opts.Config
	core.Log.Infof("Core", "Clash Tray %s starting in %s", version, opts.BaseDir)

	if err := os.MkdirAll(cfg.Engine.HomePath, 0o755); err != nil {
		return fmt.Errorf("create engine home: %w", err)
	}

	bus := core.NewEventBus()
	gate := core.NewReadyGate()
	api := clashapi.NewClient(cfg.Engine.Controller, nil)

	syncer := configsync.New(configsync.Config{
		HomePath:  cfg.Engine.HomePath,
		LocalPath: filepath.Join(opts.BaseDir, configsync.LocalConfigName),
		EnableTUN: cfg.Engine.EnableTUN,
		Gate:      gate,
		Bus:       bus,
		Fetcher:   newFetcher(cfg, bus),
	})

	sup := engine.NewSupervisor(engine.SupervisorConfig{
		Gate:           gate,
		Bus:            bus,
		API:            api,
		Spec:           launchSpec(cfg),
		NeedsElevation: cfg.Engine.EnableTUN,
		Privileged:     privilegedRunner(cfg.Engine.PrivilegedRunner),
	})

	notifier := notify.New("Clash Tray")
	exited := make(chan core.EngineExitPayload, 1)
	bus.Subscribe(core.EventEngineExited, func(e core.Event) {
		p, _ := e.Payload.(core.EngineExitPayload)
		select {
		case exited <- p:
		default:
		}
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := syncer.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		return syncer.Close()
	})

	if cfg.Metrics.Listen != "" {
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.Metrics.Listen, metrics.NewRouter(func() metrics.Status {
				st := metrics.Status{State: sup.State().String(), ConfigReady: sup.ConfigReady()}
				if m := sup.Mode(); m != engine.ModeNone {
					st.Mode = m.String()
				}
				return st
			}))
		})
	}

	g.Go(func() error {
		if gate.IsSet() {
			core.Log.Infof("Engine", "Starting engine")
		} else {
			core.Log.Infof("Engine", "Waiting for %s before starting engine", syncer.ConfigPath())
		}
		if err := engine.StartWithInstall(gctx, sup, elevatedInstaller(opts.BaseDir), false); err != nil {
			if gctx.Err() != nil {
				return nil
			}
			notifier.StartFailed(err)
			return fmt.Errorf("start engine: %w", err)
		}
		go logEngineVersion(gctx, api)

		select {
		case <-gctx.Done():
			return sup.Stop()
		case p := <-exited:
			notifier.EngineExited(p.Mode, p.Err)
			if p.Err != nil {
				return fmt.Errorf("%w (%s): %w", errEngineExited, p.Mode, p.Err)
			}
			return fmt.Errorf("%w (%s)", errEngineExited, p.Mode)
		}
	})

	err = g.Wait()
	core.Log.Infof("Core", "Shutdown complete")
	return err
}

// logEngineVersion waits for the control API to come up and logs the
// engine version. It gives up quietly.
func logEngineVersion(ctx context.Context, api *clashapi.Client) {
	for attempt := 0; attempt < 5; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
		info, err := api.GetVersion(ctx)
		if err == nil {
			core.Log.Infof("Engine", "Engine version %s (premium=%t)", info.Version, info.Premium)
			return
		}
		core.Log.Debugf("Engine", "Control API not ready: %v", err)
	}
}
