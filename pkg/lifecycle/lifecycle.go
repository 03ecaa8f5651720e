// Package lifecycle tracks every lab VM the supervisor knows about and
// drives each one through its states: a VM is created, runs, stops and
// eventually gets deleted, with a terminal error state for operations that
// left it in an unknown condition. All hypervisor work goes through the
// gateway; this package owns the registry and the ordering rules.
package lifecycle

import (
	"context"
	"time"

	"gitlab.com/tozd/go/errors"
)

// State is the lifecycle position of a managed VM.
type State string

const (
	StateCreating State = "creating"
	StateStopped  State = "stopped"
	StateRunning  State = "running"
	StateDeleting State = "deleting"
	StateError    State = "error"
)

// Spec is the shape of a VM to create.
type Spec struct {
	VCPUs     int
	MemoryMB  int
	BaseImage string
}

// Record is the controller's authoritative view of one VM. Methods return
// copies; the registry's own records never escape.
type Record struct {
	Name        string
	State       State
	Spec        Spec
	DiskPath    string
	CreatedAt   time.Time
	AllocatedAt *time.Time // set once when the pool hands the VM to a student
	PoolOrigin  bool       // provisioned by the hot pool rather than on demand
	LastErr     string     // cause of the error state, empty otherwise
}

// Base conditions the controller reports.
var (
	ErrNotFound            = errors.Base("vm not found")
	ErrAlreadyExists       = errors.Base("vm already exists")
	ErrConflict            = errors.Base("vm is busy in a conflicting state")
	ErrConfigurationFailed = errors.Base("vm configuration failed")
)

// Configurer runs the post-boot configuration pass on a freshly created VM.
// The becomePass slice is the privilege escalation secret for this run, nil
// when none is set; it is zeroed when the call returns, so implementations
// must not retain it, and must never let it reach logs, error messages or
// process arguments.
type Configurer interface {
	Configure(ctx context.Context, name, addr string, becomePass []byte) error
}

// CreateOptions tunes a single Create call.
type CreateOptions struct {
	PoolOrigin bool
}
