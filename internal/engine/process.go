package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"clash-tray/internal/core"
)

const stopTimeout = 10 * time.Second

// ProcessRunner starts the engine as a child process.
type ProcessRunner struct{}

// Mode implements Runner.
func (ProcessRunner) Mode() RunMode { return ModeDirectProcess }

// Start launches the engine binary. ctx only bounds the launch; the process
// lives until Stop or until it exits on its own.
func (ProcessRunner) Start(ctx context.Context, spec LaunchSpec) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(spec.ExePath, spec.Args()...)
	cmd.Dir = spec.HomePath
	configureConsole(cmd, spec.ShowConsole)

	var pipes sync.WaitGroup
	if spec.ShowConsole {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	} else {
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("stderr pipe: %w", err)
		}
		pipes.Add(2)
		go streamLines(&pipes, stdout)
		go streamLines(&pipes, stderr)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.ExePath, err)
	}
	core.Log.Infof("Engine", "Started %s (pid %d)", spec.ExePath, cmd.Process.Pid)

	h := &processHandle{cmd: cmd, done: make(chan struct{})}
	go func() {
		pipes.Wait()
		h.err = cmd.Wait()
		close(h.done)
	}()
	return h, nil
}

// streamLines forwards engine output to the debug log.
func streamLines(wg *sync.WaitGroup, r io.Reader) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		core.Log.Debugf("Engine", "%s", sc.Text())
	}
	// Drain whatever is left so the child never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
}

type processHandle struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error

	stopOnce sync.Once
}

func (h *processHandle) Done() <-chan struct{} { return h.done }

// Err is the process exit error. Valid after Done is closed.
func (h *processHandle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Stop asks the process to terminate and kills it if it does not exit in time.
func (h *processHandle) Stop() error {
	h.stopOnce.Do(func() {
		select {
		case <-h.done:
			return
		default:
		}

		if err := terminate(h.cmd.Process); err != nil {
			core.Log.Debugf("Engine", "Terminate: %v", err)
		}
		select {
		case <-h.done:
			return
		case <-time.After(stopTimeout):
		}

		core.Log.Warnf("Engine", "Engine did not exit in %s, killing", stopTimeout)
		_ = h.cmd.Process.Kill()
		<-h.done
	})
	return nil
}
