//go:build windows

package winsvc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"

	"clash-tray/internal/core"
	"clash-tray/internal/engine"
)

const startWait = 3 * time.Second

// conn is a service handle opened with only the rights BUILTIN\Users holds.
// mgr.Connect and mgr.OpenService ask for full access, which an unelevated
// host does not have.
type conn struct {
	scm windows.Handle
	svc *mgr.Service
}

func openLimited(access uint32) (*conn, error) {
	scm, err := windows.OpenSCManager(nil, nil, windows.SC_MANAGER_CONNECT)
	if err != nil {
		return nil, &ServiceError{Op: "connect to SCM", Err: err}
	}
	name, err := windows.UTF16PtrFromString(ServiceName)
	if err != nil {
		windows.CloseServiceHandle(scm)
		return nil, err
	}
	h, err := windows.OpenService(scm, name, access)
	if err != nil {
		windows.CloseServiceHandle(scm)
		if errors.Is(err, windows.ERROR_SERVICE_DOES_NOT_EXIST) {
			return nil, &ServiceError{
				Op:  "open service",
				Err: fmt.Errorf("%w: service %q", engine.ErrRegistrationMissing, ServiceName),
			}
		}
		return nil, &ServiceError{Op: "open service", Err: err}
	}
	return &conn{scm: scm, svc: &mgr.Service{Name: ServiceName, Handle: h}}, nil
}

func (c *conn) Close() {
	c.svc.Close()
	windows.CloseServiceHandle(c.scm)
}

// Runner starts the engine through the installed service.
type Runner struct{}

// Mode implements engine.Runner.
func (Runner) Mode() engine.RunMode { return engine.ModeInstalledService }

// Start implements engine.Runner. A service that is already running is
// adopted instead of restarted.
func (Runner) Start(ctx context.Context, _ engine.LaunchSpec) (engine.Handle, error) {
	c, err := openLimited(windows.SERVICE_QUERY_STATUS | windows.SERVICE_START | windows.SERVICE_STOP)
	if err != nil {
		return nil, err
	}

	status, err := c.svc.Query()
	if err != nil {
		c.Close()
		return nil, &ServiceError{Op: "query service status", Err: err}
	}

	switch status.State {
	case svc.Running:
		core.Log.Infof("Engine", "Service %s already running, reusing it", ServiceName)
		return &serviceHandle{conn: c}, nil
	case svc.Stopped:
	default:
		c.Close()
		return nil, &ServiceError{
			Op:  "start service",
			Err: fmt.Errorf("%w: service %q is in state %d", engine.ErrInvalidRegistrationState, ServiceName, status.State),
		}
	}

	if err := c.svc.Start(); err != nil {
		c.Close()
		if errors.Is(err, windows.ERROR_SERVICE_DISABLED) {
			return nil, &ServiceError{Op: "start service", Err: fmt.Errorf("%w: %v", engine.ErrInvalidRegistrationState, err)}
		}
		return nil, &ServiceError{Op: "start service", Err: err}
	}

	if err := waitRunning(ctx, c.svc); err != nil {
		c.Close()
		return nil, err
	}
	return &serviceHandle{conn: c}, nil
}

func waitRunning(ctx context.Context, s *mgr.Service) error {
	deadline := time.Now().Add(startWait)
	for time.Now().Before(deadline) {
		status, err := s.Query()
		if err != nil {
			return &ServiceError{Op: "query service status", Err: err}
		}
		switch status.State {
		case svc.Running:
			return nil
		case svc.Stopped:
			return &ServiceError{Op: "start service", Err: fmt.Errorf("service stopped unexpectedly (exit code %d)", status.ServiceSpecificExitCode)}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return &ServiceError{Op: "start service", Err: fmt.Errorf("timeout waiting for service to start")}
}

type serviceHandle struct {
	conn *conn
	once sync.Once
}

// Running implements engine.Pollable.
func (h *serviceHandle) Running() (bool, error) {
	status, err := h.conn.svc.Query()
	if err != nil {
		return false, &ServiceError{Op: "query service status", Err: err}
	}
	return status.State == svc.Running || status.State == svc.StartPending, nil
}

// Stop implements engine.Handle.
func (h *serviceHandle) Stop() error {
	var err error
	h.once.Do(func() {
		defer h.conn.Close()
		if _, cerr := h.conn.svc.Control(svc.Stop); cerr != nil && !errors.Is(cerr, windows.ERROR_SERVICE_NOT_ACTIVE) {
			err = &ServiceError{Op: "stop service", Err: cerr}
		}
	})
	return err
}
