package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"clash-tray/internal/core"
)

// removeIfRegistered runs remove only when something is registered, so
// uninstalling twice succeeds.
func removeIfRegistered(what string, registered func() bool, remove func() error) error {
	if !registered() {
		core.Log.Infof("Core", "%s is not registered, nothing to remove", what)
		return nil
	}
	return remove()
}

func newRegistrationCommand(use, short, done string, fn func(exePath, workDir string) error) *cobra.Command {
	return &cobra.Command{
		Use:         use,
		Short:       short,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{annotationNoConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			exePath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			workDir, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("get working directory: %w", err)
			}
			if err := fn(exePath, workDir); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), done)
			return nil
		},
	}
}

// NewInstallServiceCommand registers the engine service. Needs administrator rights.
func NewInstallServiceCommand(opts *RootOptions) *cobra.Command {
	return newRegistrationCommand("install-service", "Register the elevated engine service",
		"Service installed successfully.", installService)
}

// NewUninstallServiceCommand removes the engine service.
func NewUninstallServiceCommand(opts *RootOptions) *cobra.Command {
	return newRegistrationCommand("uninstall-service", "Remove the elevated engine service",
		"Service uninstalled successfully.", func(string, string) error { return uninstallService() })
}

// NewInstallTaskCommand registers the elevated scheduled task.
func NewInstallTaskCommand(opts *RootOptions) *cobra.Command {
	return newRegistrationCommand("install-task", "Register the elevated engine scheduled task",
		"Task installed successfully.", installTask)
}

// NewUninstallTaskCommand removes the scheduled task.
func NewUninstallTaskCommand(opts *RootOptions) *cobra.Command {
	return newRegistrationCommand("uninstall-task", "Remove the elevated engine scheduled task",
		"Task uninstalled successfully.", func(string, string) error { return uninstallTask() })
}
