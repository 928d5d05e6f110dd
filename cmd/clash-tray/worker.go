package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"clash-tray/internal/core"
	"clash-tray/internal/engine"
)

// NewRunEngineCommand creates the privileged worker command that the
// service or scheduled task runs.
func NewRunEngineCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:         "run-engine",
		Short:       "Run the engine in the foreground (used by the service and scheduled task)",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{annotationWorker: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd.Context(), opts)
		},
	}
}

// runEngine launches the engine as a direct process, skipping the readiness
// gate since the host already wrote the active config, and blocks until it
// exits or the worker is told to stop.
func runEngine(ctx context.Context, opts *RootOptions) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	bus := core.NewEventBus()
	exited := make(chan core.EngineExitPayload, 1)
	bus.Subscribe(core.EventEngineExited, func(e core.Event) {
		p, _ := e.Payload.(core.EngineExitPayload)
		select {
		case exited <- p:
		default:
		}
	})

	sup := engine.NewSupervisor(engine.SupervisorConfig{
		Bus:  bus,
		Spec: launchSpec(opts.Config),
	})

	run := func() error {
		core.Log.Infof("Core", "Worker %s starting engine", version)
		if err := sup.Start(ctx, true); err != nil {
			return err
		}
		sup.WaitForExit(ctx)

		select {
		case p := <-exited:
			if p.Err != nil {
				return fmt.Errorf("%w: %w", errEngineExited, p.Err)
			}
			return nil
		case <-ctx.Done():
			return sup.Stop()
		}
	}
	return runWorker(run, cancel)
}
