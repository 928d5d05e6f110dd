//go:build windows

package engine

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

func configureConsole(cmd *exec.Cmd, show bool) {
	if show {
		return
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: windows.CREATE_NO_WINDOW,
	}
}

// terminate kills p; console-less processes on Windows have no graceful signal.
func terminate(p *os.Process) error {
	return p.Kill()
}
