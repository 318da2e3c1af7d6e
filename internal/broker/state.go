package broker

// State is the processor lifecycle. Transitions only move forward,
// except that Initializing jumps straight to Stopped when the poller
// reports an init failure.
type State int32

const (
	StateCreated State = iota
	StateInitializing
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "invalid"
	}
}
