package engine

// RunMode is how the engine process is hosted.
type RunMode int

const (
	ModeNone RunMode = iota
	// ModeDirectProcess runs the engine as a child of this process.
	ModeDirectProcess
	// ModeInstalledService runs the engine through the Windows service manager.
	ModeInstalledService
	// ModeScheduledTask runs the engine through the Windows Task Scheduler.
	ModeScheduledTask
)

func (m RunMode) String() string {
	switch m {
	case ModeDirectProcess:
		return "direct"
	case ModeInstalledService:
		return "service"
	case ModeScheduledTask:
		return "task"
	default:
		return "none"
	}
}

// State is the supervisor lifecycle state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
	StateExited
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}
