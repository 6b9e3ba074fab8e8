package supervisor

import "time"

// State is the supervisor's position in its alive/dead cycle.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateWaitingForLive
	StateLive
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateWaitingForLive:
		return "waiting_for_live"
	case StateLive:
		return "live"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Transition is reported to observers on every state change.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// Snapshot is a copy of the supervisor's view. Running and Healthy are kept
// apart on purpose: the OS process can be up while the application is not.
type Snapshot struct {
	Name           string    `json:"name"`
	State          string    `json:"state"`
	ProcessRunning bool      `json:"process_running"`
	Healthy        bool      `json:"healthy"`
	EverAlive      bool      `json:"ever_alive"`
	LastAlive      time.Time `json:"last_alive"`
	PID            int       `json:"pid"`
	Starts         int       `json:"starts"`
	Failures       int       `json:"failures"`
}
