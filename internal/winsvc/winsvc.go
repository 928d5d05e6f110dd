//go:build windows

// Package winsvc registers, runs and drives the engine as a Windows service.
package winsvc

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/windows/svc"
)

const (
	ServiceName        = "ClashTrayEngine"
	ServiceDisplayName = "Clash Tray Engine"
	ServiceDescription = "Runs the Clash proxy engine with elevated rights for TUN mode"
)

// IsWindowsService reports whether the current process was started by the SCM.
func IsWindowsService() bool {
	isSvc, err := svc.IsWindowsService()
	if err != nil {
		return false
	}
	return isSvc
}

// RunService hands the process to the SCM. runFunc runs the engine and
// returns when it exits; stopFunc asks it to stop. Blocks until the service
// stops.
func RunService(runFunc func() error, stopFunc func()) error {
	h := &serviceHandler{
		runFunc:  runFunc,
		stopFunc: stopFunc,
	}
	return svc.Run(ServiceName, h)
}

// stopWaitHint covers the engine's terminate-then-kill window.
const stopWaitHint = 15 * time.Second

type serviceHandler struct {
	runFunc  func() error
	stopFunc func()
	once     sync.Once
}

// Execute implements svc.Handler. The service stops when the engine does,
// reporting the engine's exit status as the service-specific exit code.
func (h *serviceHandler) Execute(args []string, r <-chan svc.ChangeRequest, s chan<- svc.Status) (bool, uint32) {
	s <- svc.Status{State: svc.StartPending}

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.runFunc()
	}()

	s <- svc.Status{State: svc.Running, Accepts: svc.AcceptStop | svc.AcceptShutdown}

	for {
		select {
		case cr := <-r:
			switch cr.Cmd {
			case svc.Interrogate:
				s <- cr.CurrentStatus
				time.Sleep(100 * time.Millisecond)
				s <- cr.CurrentStatus
			case svc.Stop, svc.Shutdown:
				s <- svc.Status{State: svc.StopPending, WaitHint: uint32(stopWaitHint / time.Millisecond)}
				h.once.Do(h.stopFunc)
				return exitStatus(<-errCh)
			}
		case err := <-errCh:
			return exitStatus(err)
		}
	}
}

// ServiceError wraps service-related errors with context.
type ServiceError struct {
	Op  string
	Err error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("winsvc: %s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}
