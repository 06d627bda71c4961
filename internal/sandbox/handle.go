package sandbox

import (
	"sync"
	"time"
)

// State tracks a sandbox through its lifecycle. Transitions are
// Created -> Running -> {Completed, Failed, TimedOut, Cancelled} -> Destroyed
// and only the Manager mutates it.
type State string

const (
	StateCreated   State = "created"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
	StateCancelled State = "cancelled"
	StateDestroyed State = "destroyed"
)

// Limits are the resource ceilings enforced on one sandbox.
type Limits struct {
	MemoryBytes int64
	CPUQuota    int64
	CPUPeriod   int64
	PidsLimit   int64
	Timeout     time.Duration
}

// Spec describes the environment one sandbox materializes.
type Spec struct {
	Image          string
	Cmd            []string
	WorkDir        string
	NetworkEnabled bool
	Limits         Limits
}

// Handle represents one live ephemeral sandbox. A handle never outlives its
// owning execution: Destroy runs exactly once on every exit path.
type Handle struct {
	ID          string
	ContainerID string
	Spec        Spec

	mu          sync.Mutex
	state       State
	destroyOnce sync.Once
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateDestroyed {
		return
	}
	h.state = s
}

// Stream identifies which output stream a chunk came from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Chunk is one ordered piece of process output.
type Chunk struct {
	Stream Stream
	Data   []byte
}

// Result is the terminal outcome of one sandboxed run.
type Result struct {
	ExitCode  int
	OOMKilled bool
	TimedOut  bool
	Cancelled bool
	Err       error
}

// Success reports whether the process finished normally with exit code zero.
func (r Result) Success() bool {
	return r.Err == nil && r.ExitCode == 0 && !r.OOMKilled && !r.TimedOut && !r.Cancelled
}

// File is one file staged into the sandbox working directory.
type File struct {
	Name    string
	Content []byte
}
