//go:build !windows

package main

import (
	"errors"
	"fmt"

	"clash-tray/internal/engine"
)

var errNoRegistration = fmt.Errorf("service and scheduled task registration: %w", errors.ErrUnsupported)

// privilegedRunner returns nil: without an elevated mechanism the supervisor
// falls back to a direct process.
func privilegedRunner(string) engine.Runner { return nil }

func runWorker(run func() error, _ func()) error { return run() }

func installService(string, string) error { return errNoRegistration }
func uninstallService() error             { return errNoRegistration }
func installTask(string, string) error    { return errNoRegistration }
func uninstallTask() error                { return errNoRegistration }
