// Package platform provides the OS process capability consumed by the
// guardian and checker: enumerate processes by command line, walk child
// processes, check liveness and deliver termination signals. There is one
// implementation per OS behind build tags; Default selects it once per
// process lifetime.
package platform

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"time"
)

// ErrEmptyPattern is returned by FindByPattern for an empty pattern, which
// would otherwise match every process on the machine.
var ErrEmptyPattern = errors.New("platform: empty search pattern")

// ProcessInfo describes one process matched by FindByPattern.
type ProcessInfo struct {
	PID         int       `json:"pid"`
	Name        string    `json:"name"`
	CommandLine string    `json:"command_line"`
	StartedAt   time.Time `json:"started_at"`
}

// ChildProcessInfo describes one direct child found by FindChildren.
type ChildProcessInfo struct {
	PID  int    `json:"pid"`
	PPID int    `json:"ppid"`
	Name string `json:"name"`
}

// Ops is the process-operations capability.
type Ops interface {
	// FindByPattern returns processes whose command line contains pattern.
	// No matches is an empty slice, not an error.
	FindByPattern(ctx context.Context, pattern string) ([]ProcessInfo, error)
	// FindChildren returns the direct children of ppid. No children is an
	// empty slice, not an error.
	FindChildren(ctx context.Context, ppid int) ([]ChildProcessInfo, error)
	// CommandLine returns the command line of pid, or ok=false when the
	// process is gone or unreadable.
	CommandLine(pid int) (string, bool)
	// Kill delivers sig to pid. A process that no longer exists is treated
	// as success so repeated kills are idempotent.
	Kill(pid int, sig syscall.Signal) error
	// IsAlive reports whether pid refers to a live (non-zombie) process.
	IsAlive(pid int) bool
}

var (
	defaultOnce sync.Once
	defaultOps  Ops
)

// Default returns the implementation for the running OS, constructed once.
func Default() Ops {
	defaultOnce.Do(func() { defaultOps = newOps() })
	return defaultOps
}
