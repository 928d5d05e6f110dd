//go:build !windows

package engine

import (
	"os"
	"os/exec"
	"syscall"
)

func configureConsole(*exec.Cmd, bool) {}

// terminate sends SIGTERM so the engine can tear down its routes.
func terminate(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}
