package supervisor

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a managed child process.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateFailed   State = "failed"
)

// active reports whether the state counts as occupied for duplicate checks.
func (s State) active() bool {
	return s == StateStarting || s == StateRunning || s == StateStopping
}

// Lifecycle errors. Callers match them with errors.Is.
var (
	ErrAlreadyRunning      = errors.New("simulator already running")
	ErrNotRunning          = errors.New("process is not running")
	ErrSimulatorNotRunning = errors.New("simulator is not running")
	ErrDuplicateInstance   = errors.New("manager instance already running")
	ErrUnknownAdapter      = errors.New("not a host adapter in the active topology")
	ErrUnknownTarget       = errors.New("no such process target")
)

// SpawnError reports that a child binary could not be launched or died
// before it was confirmed alive.
type SpawnError struct {
	Target string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Target, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// StopTimeoutError reports that a child survived both the graceful signal
// and the forced kill within their bounded waits.
type StopTimeoutError struct {
	Target string
}

func (e *StopTimeoutError) Error() string {
	return fmt.Sprintf("stop %s: process did not exit within the grace period", e.Target)
}
