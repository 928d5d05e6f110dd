package engine

import (
	"context"
	"errors"
	"fmt"

	"clash-tray/internal/core"
)

// maxInstallAttempts bounds how often StartWithInstall runs the installer.
const maxInstallAttempts = 1

// Installer creates the registration a privileged runner needs.
type Installer interface {
	Install(ctx context.Context, mode RunMode) error
}

// InstallerFunc adapts a function to Installer.
type InstallerFunc func(ctx context.Context, mode RunMode) error

// Install implements Installer.
func (f InstallerFunc) Install(ctx context.Context, mode RunMode) error {
	return f(ctx, mode)
}

// StartWithInstall starts sup and, when the registration is missing, runs
// the installer once and tries again. Any other failure, or a second missing
// registration, is returned to the caller.
func StartWithInstall(ctx context.Context, sup *Supervisor, inst Installer, forceDirect bool) error {
	installs := 0
	for {
		err := sup.Start(ctx, forceDirect)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrRegistrationMissing) || inst == nil || installs >= maxInstallAttempts {
			return err
		}
		installs++

		mode := ModeNone
		var le *LaunchError
		if errors.As(err, &le) {
			mode = le.Mode
		}
		core.Log.Infof("Engine", "Registration for %s mode missing, installing", mode)
		if ierr := inst.Install(ctx, mode); ierr != nil {
			return fmt.Errorf("install %s registration: %w", mode, ierr)
		}
	}
}
