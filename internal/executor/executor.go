// Package executor abstracts how model subprocesses are launched. The loop
// treats processes as opaque I/O; sandbox policy (mounts, network) is the
// implementation's business.
package executor

import (
	"context"
	"io"
)

// Mount is a host path exposed inside the sandbox.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Spec describes one subprocess launch.
type Spec struct {
	Argv          []string
	Env           []string // KEY=VALUE pairs appended to the parent env
	Dir           string
	Mounts        []Mount
	NetworkAccess bool
}

// RunningProcess is a started subprocess. The handle is owned exclusively by
// the invocation that created it.
type RunningProcess interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	PID() int
	// Wait blocks until exit and returns the exit code. A non-zero code is
	// not an error here; classification belongs to the caller.
	Wait() (int, error)
	// Terminate asks the process to stop, escalating to kill.
	Terminate() error
}

// CommandExecutor starts subprocesses.
type CommandExecutor interface {
	Start(ctx context.Context, spec Spec) (RunningProcess, error)
}
