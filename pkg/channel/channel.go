package channel

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/pgwarden/pkg/types"
)

// Op labels a command so logs, metrics and test doubles can tell commands apart
// without parsing shell arguments
type Op string

const (
	OpWriteStandbyMarker Op = "write-standby-marker"
	OpResumeReplay       Op = "resume-wal-replay"
	OpPromote            Op = "promote"
	OpClearData          Op = "clear-data-directory"
	OpBaseBackup         Op = "base-backup"
	OpIsReady            Op = "is-ready"
)

// Command is one process to run inside a node
type Command struct {
	Op   Op
	Args []string
	Env  []string // KEY=value pairs added to the process environment
}

// ExecResult is the outcome of a command that ran to completion
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Success reports whether the command exited with status zero
func (r ExecResult) Success() bool {
	return r.ExitCode == 0
}

// ErrNotRunning is returned by channels that need a running node
var ErrNotRunning = errors.New("node is not running")

// Control abstracts the process or container manager hosting each node.
// Every call is bounded by the timeout it is given and by ctx.
type Control interface {
	// IsRunning reports whether the node's server process is up
	IsRunning(ctx context.Context, node *types.Node) (bool, error)

	// Exec runs cmd inside the node and waits for it to exit. A non-zero exit
	// code is reported in ExecResult, not as an error.
	Exec(ctx context.Context, node *types.Node, cmd Command, timeout time.Duration) (ExecResult, error)

	// Restart stops and starts the node, returning a process-style exit code
	Restart(ctx context.Context, node *types.Node, timeout time.Duration) (int, error)

	// Stop stops the node's server process
	Stop(ctx context.Context, node *types.Node, timeout time.Duration) error

	// Start starts the node's server process
	Start(ctx context.Context, node *types.Node, timeout time.Duration) error
}

// Session is a short-lived database connection to one node.
// Callers must Close it when done.
type Session interface {
	// IsStandby reports whether the server is in recovery
	IsStandby(ctx context.Context) (bool, error)

	// CurrentPosition returns the WAL write position of a primary
	CurrentPosition(ctx context.Context) (types.Position, error)

	// ReceivedPosition returns the last WAL position a standby received
	ReceivedPosition(ctx context.Context) (types.Position, error)

	Close(ctx context.Context) error
}

// Query opens database sessions
type Query interface {
	Connect(ctx context.Context, node *types.Node, timeout time.Duration) (Session, error)
}
