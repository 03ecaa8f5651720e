// Package gateway defines the hypervisor surface the lab VM managers are
// built against, together with an in-memory fake used by tests and the
// development gateway mode. Production implementations live in the
// subpackages kvm (libvirt) and qemu (direct QEMU processes).
package gateway

import (
	"context"
	"time"

	"gitlab.com/tozd/go/errors"
)

// DomainState is the coarse power state a hypervisor reports for a domain.
type DomainState string

const (
	StateUnknown DomainState = "unknown"
	StateRunning DomainState = "running"
	StateShutOff DomainState = "shut off"
	StatePaused  DomainState = "paused"
	StateCrashed DomainState = "crashed"
)

// DomainSpec describes the machine a gateway should define.
type DomainSpec struct {
	Name      string
	VCPUs     int
	MemoryMB  int
	BaseImage string // backing image the domain disk is cloned from
	DiskPath  string // optional explicit overlay path, gateways pick a default when empty
}

// DomainInfo is one row of ListDomains output.
type DomainInfo struct {
	Name  string
	State DomainState
}

// Base conditions gateways report. Callers match them with errors.Is; the
// concrete gateways wrap them with operation context.
var (
	ErrDomainNotFound = errors.Base("domain not found")
	ErrDomainExists   = errors.Base("domain already exists")
	ErrAlreadyInState = errors.Base("domain already in requested state")
	ErrUnavailable    = errors.Base("hypervisor unavailable")
	ErrRejected       = errors.Base("hypervisor rejected the operation")
)

// Gateway is the contract between the lifecycle controller and a hypervisor.
//
// Implementations must be safe for concurrent use. The controller serializes
// operations per domain name, not globally, so two calls for different names
// may arrive at the same time.
type Gateway interface {
	// Define registers a new domain and prepares its disk from the spec's
	// base image. The domain is left defined but not running.
	Define(ctx context.Context, spec DomainSpec) error

	// Start boots a defined domain.
	Start(ctx context.Context, name string) error

	// GracefulStop asks the guest to power itself down and waits up to wait
	// for it to reach the shut off state. A non-nil error means the domain
	// may still be running and the caller should escalate to ForceStop.
	GracefulStop(ctx context.Context, name string, wait time.Duration) error

	// ForceStop terminates the domain immediately, without involving the
	// guest.
	ForceStop(ctx context.Context, name string) error

	// Destroy removes the domain definition together with its disk images.
	// The domain must not be running.
	Destroy(ctx context.Context, name string) error

	// Snapshot captures a point-in-time copy of the domain disk and returns
	// the snapshot name. With incremental set the gateway takes a cheap
	// copy-on-write snapshot; otherwise it produces a full standalone copy.
	Snapshot(ctx context.Context, name string, incremental bool) (string, error)

	// ListDomains reports every domain the hypervisor knows about, running
	// or not.
	ListDomains(ctx context.Context) ([]DomainInfo, error)
}

// Renamer is an optional gateway capability for renaming a stopped domain.
// The pool manager uses it when allocation is configured to hand out VMs
// under caller-chosen names.
type Renamer interface {
	Rename(ctx context.Context, oldName, newName string) error
}

// AddressResolver is an optional gateway capability reporting the address a
// guest is reachable at.
type AddressResolver interface {
	Address(ctx context.Context, name string) (string, error)
}

// AddressResolverFunc adapts a plain function to the AddressResolver
// interface.
type AddressResolverFunc func(ctx context.Context, name string) (string, error)

func (f AddressResolverFunc) Address(ctx context.Context, name string) (string, error) {
	return f(ctx, name)
}

// SnapshotLister is an optional gateway capability enumerating the snapshots
// recorded for a domain.
type SnapshotLister interface {
	Snapshots(ctx context.Context, name string) ([]string, error)
}
