// Package engine owns the lifecycle of the external proxy engine: picking a
// run mode, launching it, watching it and hot-reloading its config.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"clash-tray/internal/core"
	"clash-tray/internal/metrics"
)

const (
	defaultPollInterval  = 3 * time.Second
	defaultReloadTimeout = 10 * time.Second
)

// Reloader asks a running engine to re-read its config file.
type Reloader interface {
	ReloadConfig(ctx context.Context, path string) error
}

// SupervisorConfig holds Supervisor dependencies.
type SupervisorConfig struct {
	Gate *core.ReadyGate
	Bus  *core.EventBus
	API  Reloader
	Spec LaunchSpec

	// NeedsElevation selects the privileged runner unless Start is forced direct.
	NeedsElevation bool
	Direct         Runner
	// Privileged may be nil on hosts without an elevated mechanism.
	Privileged Runner

	PollInterval time.Duration
}

// Supervisor starts, watches and stops a single engine instance.
type Supervisor struct {
	gate           *core.ReadyGate
	bus            *core.EventBus
	api            Reloader
	spec           LaunchSpec
	needsElevation bool
	direct         Runner
	privileged     Runner
	pollInterval   time.Duration

	subscribeOnce sync.Once

	mu          sync.Mutex
	state       State
	mode        RunMode
	handle      Handle
	gen         uint64
	startCancel context.CancelFunc
	watchCancel context.CancelFunc
	// reloadPending records a config update seen while Starting.
	reloadPending bool
}

// NewSupervisor creates an idle supervisor.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	gate := cfg.Gate
	if gate == nil {
		gate = core.NewReadyGate()
	}
	direct := cfg.Direct
	if direct == nil {
		direct = ProcessRunner{}
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Supervisor{
		gate:           gate,
		bus:            cfg.Bus,
		api:            cfg.API,
		spec:           cfg.Spec,
		needsElevation: cfg.NeedsElevation,
		direct:         direct,
		privileged:     cfg.Privileged,
		pollInterval:   poll,
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Mode returns the run mode of the live instance, or ModeNone.
func (s *Supervisor) Mode() RunMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// ConfigReady reports whether the readiness gate is open.
func (s *Supervisor) ConfigReady() bool {
	return s.gate.IsSet()
}

// Start waits for the config to be ready (unless forceDirect), picks a run
// mode and launches the engine. It never retries; see StartWithInstall.
func (s *Supervisor) Start(ctx context.Context, forceDirect bool) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = StateStarting
	s.reloadPending = false
	startCtx, cancel := context.WithCancel(ctx)
	s.startCancel = cancel
	s.mu.Unlock()
	defer cancel()

	s.subscribeOnce.Do(s.subscribe)

	if !forceDirect && !s.gate.IsSet() {
		core.Log.Infof("Engine", "Waiting for config")
		if err := s.gate.Wait(startCtx); err != nil {
			s.setIdle()
			return err
		}
	}

	runner := s.pickRunner(forceDirect)
	mode := runner.Mode()
	core.Log.Infof("Engine", "Starting engine (%s)", mode)

	h, err := runner.Start(startCtx, s.spec)
	if err != nil {
		s.setIdle()
		metrics.EngineStarts.WithLabelValues(mode.String(), metrics.ResultError).Inc()
		return &LaunchError{Mode: mode, Err: err}
	}

	s.mu.Lock()
	if startCtx.Err() != nil {
		// Stop arrived while the runner was launching.
		s.state = StateIdle
		s.startCancel = nil
		s.mu.Unlock()
		if err := h.Stop(); err != nil {
			core.Log.Warnf("Engine", "Stop after cancelled start: %v", err)
		}
		return startCtx.Err()
	}
	s.gen++
	gen := s.gen
	watchCtx, watchCancel := context.WithCancel(context.Background())
	s.handle = h
	s.mode = mode
	s.state = StateRunning
	s.startCancel = nil
	s.watchCancel = watchCancel
	pending := s.reloadPending
	s.reloadPending = false
	s.mu.Unlock()

	metrics.EngineStarts.WithLabelValues(mode.String(), metrics.ResultOK).Inc()
	metrics.EngineRunning.Set(1)
	core.Log.Infof("Engine", "Engine running (%s)", mode)

	go s.watch(watchCtx, gen, h)
	if pending {
		core.Log.Infof("Engine", "Config changed during start, reloading")
		go s.reloadAsync()
	}
	return nil
}

func (s *Supervisor) pickRunner(forceDirect bool) Runner {
	if forceDirect || !s.needsElevation {
		return s.direct
	}
	if s.privileged == nil {
		core.Log.Warnf("Engine", "Elevated mode is not available on this platform, running directly")
		return s.direct
	}
	return s.privileged
}

func (s *Supervisor) setIdle() {
	s.mu.Lock()
	s.state = StateIdle
	s.startCancel = nil
	s.mu.Unlock()
}

func (s *Supervisor) subscribe() {
	if s.bus == nil {
		return
	}
	s.bus.Subscribe(core.EventConfigUpdated, func(core.Event) {
		s.mu.Lock()
		state := s.state
		if state == StateStarting {
			s.reloadPending = true
		}
		s.mu.Unlock()

		if state == StateRunning {
			go s.reloadAsync()
		}
	})
}

func (s *Supervisor) reloadAsync() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultReloadTimeout)
	defer cancel()
	s.ReloadConfig(ctx)
}

func (s *Supervisor) watch(ctx context.Context, gen uint64, h Handle) {
	switch w := h.(type) {
	case Waitable:
		select {
		case <-ctx.Done():
		case <-w.Done():
			s.exited(gen, exitErr(h))
		}
	case Pollable:
		s.poll(ctx, gen, w)
	}
}

func (s *Supervisor) poll(ctx context.Context, gen uint64, p Pollable) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			running, err := p.Running()
			if err != nil {
				core.Log.Warnf("Engine", "Status query failed: %v", err)
				continue
			}
			if !running {
				s.exited(gen, nil)
				return
			}
		}
	}
}

// exited cleans up after an unrequested termination and publishes
// EventEngineExited. Stale generations are ignored.
func (s *Supervisor) exited(gen uint64, cause error) {
	s.mu.Lock()
	if s.gen != gen || s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.state = StateExited
	h := s.handle
	mode := s.mode
	s.handle = nil
	if s.watchCancel != nil {
		s.watchCancel()
		s.watchCancel = nil
	}
	s.mu.Unlock()

	if err := h.Stop(); err != nil {
		core.Log.Debugf("Engine", "Cleanup after exit: %v", err)
	}

	s.mu.Lock()
	s.state = StateIdle
	s.mode = ModeNone
	s.mu.Unlock()

	metrics.EngineExits.WithLabelValues(mode.String()).Inc()
	metrics.EngineRunning.Set(0)
	if cause != nil {
		core.Log.Warnf("Engine", "Engine exited (%s): %v", mode, cause)
	} else {
		core.Log.Warnf("Engine", "Engine exited (%s)", mode)
	}

	if s.bus != nil {
		s.bus.Publish(core.Event{
			Type:    core.EventEngineExited,
			Payload: core.EngineExitPayload{Mode: mode.String(), Err: cause},
		})
	}
}

// Stop terminates the live instance. It is a no-op when nothing runs and
// never publishes EventEngineExited.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	switch s.state {
	case StateIdle, StateStopping, StateExited:
		s.mu.Unlock()
		return nil
	case StateStarting:
		cancel := s.startCancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil
	}

	s.state = StateStopping
	h := s.handle
	mode := s.mode
	s.handle = nil
	s.gen++
	if s.watchCancel != nil {
		s.watchCancel()
		s.watchCancel = nil
	}
	s.mu.Unlock()

	core.Log.Infof("Engine", "Stopping engine (%s)", mode)
	err := h.Stop()

	s.mu.Lock()
	s.state = StateIdle
	s.mode = ModeNone
	s.mu.Unlock()
	metrics.EngineRunning.Set(0)

	if err != nil {
		return fmt.Errorf("stop engine (%s): %w", mode, err)
	}
	return nil
}

// WaitForExit blocks until a directly owned engine exits or ctx is done.
// It returns at once when nothing runs or the engine is hosted externally.
func (s *Supervisor) WaitForExit(ctx context.Context) {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()

	w, ok := h.(Waitable)
	if !ok {
		return
	}
	select {
	case <-w.Done():
	case <-ctx.Done():
	}
}

// ReloadConfig asks the engine to re-read the active config. Failures are
// logged and reported as false.
func (s *Supervisor) ReloadConfig(ctx context.Context) bool {
	if s.api == nil {
		return false
	}
	if err := s.api.ReloadConfig(ctx, s.spec.ConfigPath); err != nil {
		metrics.Reloads.WithLabelValues(metrics.ResultError).Inc()
		core.Log.Errorf("Engine", "Reload config failed: %v", err)
		return false
	}
	metrics.Reloads.WithLabelValues(metrics.ResultOK).Inc()
	core.Log.Infof("Engine", "Config reloaded")
	return true
}

