//go:build windows

package main

import (
	"clash-tray/internal/core"
	"clash-tray/internal/engine"
	"clash-tray/internal/schtask"
	"clash-tray/internal/winsvc"
)

func privilegedRunner(name string) engine.Runner {
	if name == core.RunnerTask {
		return schtask.Runner{}
	}
	return winsvc.Runner{}
}

// runWorker hands the worker to the SCM when started as a service and runs
// it in the foreground otherwise.
func runWorker(run func() error, stop func()) error {
	if winsvc.IsWindowsService() {
		return winsvc.RunService(run, stop)
	}
	return run()
}

func installService(exePath, workDir string) error {
	return winsvc.InstallService(exePath, workDir)
}

func uninstallService() error {
	return removeIfRegistered("Service "+winsvc.ServiceName, winsvc.IsServiceInstalled, winsvc.UninstallService)
}

func installTask(exePath, workDir string) error {
	return schtask.InstallTask(exePath, workDir)
}

func uninstallTask() error {
	return schtask.UninstallTask()
}
