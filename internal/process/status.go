package process

import (
	"errors"
	"fmt"
	"time"
)

// Status is a point-in-time copy of the process state.
type Status struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at"`
	ExitErr   error     `json:"exit_error,omitempty"`
	Starts    int       `json:"starts"`
}

// ErrAlreadyRunning is returned by Start when the previous child has not been stopped.
var ErrAlreadyRunning = errors.New("process already running")

// SpawnError reports that the executable is missing or the OS refused to spawn it.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string { return fmt.Sprintf("spawn %s: %v", e.Path, e.Err) }

func (e *SpawnError) Unwrap() error { return e.Err }

// IsSpawnError reports whether err is or wraps a *SpawnError.
func IsSpawnError(err error) bool {
	var se *SpawnError
	return errors.As(err, &se)
}
