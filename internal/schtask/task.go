// Package schtask runs the engine elevated through a Task Scheduler task
// registered with the highest run level.
package schtask

import (
	"fmt"

	"clash-tray/internal/engine"
)

// TaskName is the task registered in the scheduler's root folder.
const TaskName = "ClashTray Engine"

// State mirrors the Task Scheduler TASK_STATE enumeration.
type State int

const (
	StateUnknown State = iota
	StateDisabled
	StateQueued
	StateReady
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateQueued:
		return "queued"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

type startAction int

const (
	actionRun startAction = iota
	actionReuse
)

// planStart decides what Start does for a task found in state s.
func planStart(s State) (startAction, error) {
	switch s {
	case StateRunning:
		return actionReuse, nil
	case StateReady:
		return actionRun, nil
	default:
		return 0, fmt.Errorf("%w: task %q is %s", engine.ErrInvalidRegistrationState, TaskName, s)
	}
}
