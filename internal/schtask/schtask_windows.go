//go:build windows

package schtask

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/go-ole/go-ole"
	"github.com/go-ole/go-ole/oleutil"
	"golang.org/x/sys/windows"

	"clash-tray/internal/core"
	"clash-tray/internal/engine"
)

// Task Scheduler 2.0 constants.
const (
	taskCreateOrUpdate        = 6
	taskLogonInteractiveToken = 3
	taskRunLevelHighest       = 1
	taskActionExec            = 0

	sFalse = 1

	startWait = 3 * time.Second
)

// withScheduler connects to the Task Scheduler on a locked OS thread and
// runs fn with the root folder.
func withScheduler(fn func(svc, root *ole.IDispatch) error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := ole.CoInitializeEx(0, ole.COINIT_APARTMENTTHREADED); err != nil {
		var oleErr *ole.OleError
		if !errors.As(err, &oleErr) || oleErr.Code() != sFalse {
			return fmt.Errorf("CoInitializeEx: %w", err)
		}
	}
	defer ole.CoUninitialize()

	unknown, err := oleutil.CreateObject("Schedule.Service")
	if err != nil {
		return fmt.Errorf("create Schedule.Service: %w", err)
	}
	defer unknown.Release()

	svc, err := unknown.QueryInterface(ole.IID_IDispatch)
	if err != nil {
		return fmt.Errorf("query IDispatch: %w", err)
	}
	defer svc.Release()

	if _, err := oleutil.CallMethod(svc, "Connect"); err != nil {
		return fmt.Errorf("connect to Task Scheduler: %w", err)
	}

	root, err := dispatch(oleutil.CallMethod(svc, "GetFolder", `\`))
	if err != nil {
		return fmt.Errorf("open root folder: %w", err)
	}
	defer root.Release()

	return fn(svc, root)
}

func dispatch(v *ole.VARIANT, err error) (*ole.IDispatch, error) {
	if err != nil {
		return nil, err
	}
	return v.ToIDispatch(), nil
}

// findTask looks TaskName up in root. The caller releases the result.
func findTask(root *ole.IDispatch) (*ole.IDispatch, error) {
	tasks, err := dispatch(oleutil.CallMethod(root, "GetTasks", 0))
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer tasks.Release()

	count, err := oleutil.GetProperty(tasks, "Count")
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	for i := 1; i <= int(count.Val); i++ {
		task, err := dispatch(oleutil.GetProperty(tasks, "Item", i))
		if err != nil {
			return nil, fmt.Errorf("task %d: %w", i, err)
		}
		name, err := oleutil.GetProperty(task, "Name")
		if err == nil && strings.EqualFold(name.ToString(), TaskName) {
			return task, nil
		}
		task.Release()
	}
	return nil, fmt.Errorf("%w: task %q", engine.ErrRegistrationMissing, TaskName)
}

func taskState(task *ole.IDispatch) (State, error) {
	v, err := oleutil.GetProperty(task, "State")
	if err != nil {
		return StateUnknown, fmt.Errorf("task state: %w", err)
	}
	return State(v.Val), nil
}

func queryState() (State, error) {
	var state State
	err := withScheduler(func(_, root *ole.IDispatch) error {
		task, err := findTask(root)
		if err != nil {
			return err
		}
		defer task.Release()
		state, err = taskState(task)
		return err
	})
	return state, err
}

// Runner starts the engine through the registered task.
type Runner struct{}

// Mode implements engine.Runner.
func (Runner) Mode() engine.RunMode { return engine.ModeScheduledTask }

// Start implements engine.Runner. A task that is already running is adopted.
func (Runner) Start(ctx context.Context, _ engine.LaunchSpec) (engine.Handle, error) {
	var action startAction
	err := withScheduler(func(_, root *ole.IDispatch) error {
		task, err := findTask(root)
		if err != nil {
			return err
		}
		defer task.Release()

		state, err := taskState(task)
		if err != nil {
			return err
		}
		action, err = planStart(state)
		if err != nil {
			return err
		}
		if action == actionReuse {
			return nil
		}

		running, err := dispatch(oleutil.CallMethod(task, "Run", nil))
		if err != nil {
			return fmt.Errorf("run task: %w", err)
		}
		running.Release()
		return nil
	})
	if err != nil {
		return nil, err
	}

	if action == actionReuse {
		core.Log.Infof("Engine", "Task %q already running, reusing it", TaskName)
		return &taskHandle{}, nil
	}
	if err := waitRunning(ctx); err != nil {
		return nil, err
	}
	return &taskHandle{}, nil
}

func waitRunning(ctx context.Context) error {
	deadline := time.Now().Add(startWait)
	for time.Now().Before(deadline) {
		state, err := queryState()
		if err != nil {
			return err
		}
		if state == StateRunning {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return fmt.Errorf("task %q did not reach running state in %s", TaskName, startWait)
}

type taskHandle struct {
	once sync.Once
}

// Running implements engine.Pollable.
func (h *taskHandle) Running() (bool, error) {
	state, err := queryState()
	if err != nil {
		return false, err
	}
	return state == StateRunning, nil
}

// Stop implements engine.Handle.
func (h *taskHandle) Stop() error {
	var err error
	h.once.Do(func() {
		err = withScheduler(func(_, root *ole.IDispatch) error {
			task, err := findTask(root)
			if err != nil {
				return err
			}
			defer task.Release()
			if _, err := oleutil.CallMethod(task, "Stop", 0); err != nil {
				return fmt.Errorf("stop task: %w", err)
			}
			return nil
		})
	})
	return err
}

// InstallTask registers the task to run exePath with "--cd workDir
// run-engine" at the highest run level, with no time limit and allowed on
// battery power.
func InstallTask(exePath, workDir string) error {
	return withScheduler(func(svc, root *ole.IDispatch) error {
		def, err := dispatch(oleutil.CallMethod(svc, "NewTask", 0))
		if err != nil {
			return fmt.Errorf("new task: %w", err)
		}
		defer def.Release()

		if err := setProps(def, "RegistrationInfo", map[string]any{
			"Description": "Runs the Clash proxy engine elevated for TUN mode",
		}); err != nil {
			return err
		}
		if err := setProps(def, "Principal", map[string]any{
			"RunLevel":  taskRunLevelHighest,
			"LogonType": taskLogonInteractiveToken,
		}); err != nil {
			return err
		}
		if err := setProps(def, "Settings", map[string]any{
			"ExecutionTimeLimit":         "PT0S",
			"DisallowStartIfOnBatteries": false,
			"StopIfGoingOnBatteries":     false,
			"MultipleInstances":          2, // TASK_INSTANCES_IGNORE_NEW
		}); err != nil {
			return err
		}

		actions, err := dispatch(oleutil.GetProperty(def, "Actions"))
		if err != nil {
			return fmt.Errorf("actions: %w", err)
		}
		defer actions.Release()
		action, err := dispatch(oleutil.CallMethod(actions, "Create", taskActionExec))
		if err != nil {
			return fmt.Errorf("create action: %w", err)
		}
		defer action.Release()
		for name, val := range map[string]any{
			"Path":             exePath,
			"Arguments":        windows.EscapeArg("--cd") + " " + windows.EscapeArg(workDir) + " run-engine",
			"WorkingDirectory": workDir,
		} {
			if _, err := oleutil.PutProperty(action, name, val); err != nil {
				return fmt.Errorf("set action %s: %w", name, err)
			}
		}

		registered, err := dispatch(oleutil.CallMethod(root, "RegisterTaskDefinition",
			TaskName, def, taskCreateOrUpdate, nil, nil, taskLogonInteractiveToken, nil))
		if err != nil {
			return fmt.Errorf("register task: %w", err)
		}
		registered.Release()
		return nil
	})
}

func setProps(obj *ole.IDispatch, prop string, values map[string]any) error {
	child, err := dispatch(oleutil.GetProperty(obj, prop))
	if err != nil {
		return fmt.Errorf("%s: %w", prop, err)
	}
	defer child.Release()
	for name, val := range values {
		if _, err := oleutil.PutProperty(child, name, val); err != nil {
			return fmt.Errorf("set %s.%s: %w", prop, name, err)
		}
	}
	return nil
}

// UninstallTask stops and deletes the task.
func UninstallTask() error {
	return withScheduler(func(_, root *ole.IDispatch) error {
		task, err := findTask(root)
		if err != nil {
			return err
		}
		if _, err := oleutil.CallMethod(task, "Stop", 0); err != nil {
			core.Log.Debugf("Task", "Stop before delete: %v", err)
		}
		task.Release()

		if _, err := oleutil.CallMethod(root, "DeleteTask", TaskName, 0); err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		return nil
	})
}
