package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gitlab.com/tozd/go/errors"
)

// Fake is an in-memory Gateway for tests and the "fake" gateway mode. Every
// operation can be made to fail by setting the matching *Err field, and call
// counts are tracked so tests can assert how often the controller reached
// for the hypervisor. Counters and error fields should only be touched while
// no operation is in flight.
type Fake struct {
	mu      sync.Mutex
	domains map[string]*FakeDomain

	DefineErr       error
	StartErr        error
	GracefulStopErr error
	ForceStopErr    error
	DestroyErr      error
	SnapshotErr     error
	ListErr         error
	RenameErr       error
	AddressErr      error

	DefineCalls       int
	StartCalls        int
	GracefulStopCalls int
	ForceStopCalls    int
	DestroyCalls      int
	SnapshotCalls     int
	RenameCalls       int
}

// FakeDomain is the fake's record of one defined domain.
type FakeDomain struct {
	Spec      DomainSpec
	State     DomainState
	Snapshots []string
	Addr      string
}

// NewFake returns an empty fake hypervisor.
func NewFake() *Fake {
	return &Fake{domains: map[string]*FakeDomain{}}
}

// AddDomain seeds a domain as if it predated the process, for adoption
// scenarios.
func (f *Fake) AddDomain(name string, state DomainState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.domains[name] = &FakeDomain{
		Spec:  DomainSpec{Name: name},
		State: state,
	}
}

// RemoveDomain makes a domain vanish behind the controller's back.
func (f *Fake) RemoveDomain(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.domains, name)
}

// SetState overrides a domain's power state.
func (f *Fake) SetState(name string, state DomainState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.domains[name]; ok {
		d.State = state
	}
}

// Domain returns a copy of the named domain's record.
func (f *Fake) Domain(name string) (FakeDomain, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.domains[name]
	if !ok {
		return FakeDomain{}, false
	}
	cp := *d
	cp.Snapshots = append([]string(nil), d.Snapshots...)
	return cp, true
}

func (f *Fake) Define(ctx context.Context, spec DomainSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DefineCalls++
	if f.DefineErr != nil {
		return f.DefineErr
	}
	if _, ok := f.domains[spec.Name]; ok {
		return errors.Errorf("defining %s: %w", spec.Name, ErrDomainExists)
	}
	f.domains[spec.Name] = &FakeDomain{Spec: spec, State: StateShutOff}
	return nil
}

func (f *Fake) Start(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StartCalls++
	if f.StartErr != nil {
		return f.StartErr
	}
	d, ok := f.domains[name]
	if !ok {
		return errors.Errorf("starting %s: %w", name, ErrDomainNotFound)
	}
	if d.State == StateRunning {
		return errors.Errorf("starting %s: %w", name, ErrAlreadyInState)
	}
	d.State = StateRunning
	return nil
}

func (f *Fake) GracefulStop(ctx context.Context, name string, wait time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.GracefulStopCalls++
	if f.GracefulStopErr != nil {
		// the domain stays running, matching a guest that ignores the
		// shutdown request until the wait expires
		return f.GracefulStopErr
	}
	d, ok := f.domains[name]
	if !ok {
		return errors.Errorf("stopping %s: %w", name, ErrDomainNotFound)
	}
	d.State = StateShutOff
	return nil
}

func (f *Fake) ForceStop(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ForceStopCalls++
	if f.ForceStopErr != nil {
		return f.ForceStopErr
	}
	d, ok := f.domains[name]
	if !ok {
		return errors.Errorf("force stopping %s: %w", name, ErrDomainNotFound)
	}
	d.State = StateShutOff
	return nil
}

func (f *Fake) Destroy(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DestroyCalls++
	if f.DestroyErr != nil {
		return f.DestroyErr
	}
	d, ok := f.domains[name]
	if !ok {
		return errors.Errorf("destroying %s: %w", name, ErrDomainNotFound)
	}
	if d.State == StateRunning {
		return errors.Errorf("destroying %s while running: %w", name, ErrRejected)
	}
	delete(f.domains, name)
	return nil
}

func (f *Fake) Snapshot(ctx context.Context, name string, incremental bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SnapshotCalls++
	if f.SnapshotErr != nil {
		return "", f.SnapshotErr
	}
	d, ok := f.domains[name]
	if !ok {
		return "", errors.Errorf("snapshotting %s: %w", name, ErrDomainNotFound)
	}
	snap := fmt.Sprintf("%s-snapshot-%d", name, len(d.Snapshots)+1)
	d.Snapshots = append(d.Snapshots, snap)
	return snap, nil
}

func (f *Fake) ListDomains(ctx context.Context) ([]DomainInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	out := make([]DomainInfo, 0, len(f.domains))
	for name, d := range f.domains {
		out = append(out, DomainInfo{Name: name, State: d.State})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Rename implements the Renamer capability.
func (f *Fake) Rename(ctx context.Context, oldName, newName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RenameCalls++
	if f.RenameErr != nil {
		return f.RenameErr
	}
	d, ok := f.domains[oldName]
	if !ok {
		return errors.Errorf("renaming %s: %w", oldName, ErrDomainNotFound)
	}
	if _, ok := f.domains[newName]; ok {
		return errors.Errorf("renaming %s to %s: %w", oldName, newName, ErrDomainExists)
	}
	if d.State == StateRunning {
		return errors.Errorf("renaming %s while running: %w", oldName, ErrRejected)
	}
	delete(f.domains, oldName)
	d.Spec.Name = newName
	f.domains[newName] = d
	return nil
}

// Address implements the AddressResolver capability. Domains get a synthetic
// address from the 192.0.2.0/24 documentation range unless one was set.
func (f *Fake) Address(ctx context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.AddressErr != nil {
		return "", f.AddressErr
	}
	d, ok := f.domains[name]
	if !ok {
		return "", errors.Errorf("resolving address of %s: %w", name, ErrDomainNotFound)
	}
	if d.Addr != "" {
		return d.Addr, nil
	}
	return fmt.Sprintf("192.0.2.%d", 10+len(name)%200), nil
}

// Snapshots implements the SnapshotLister capability.
func (f *Fake) Snapshots(ctx context.Context, name string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.domains[name]
	if !ok {
		return nil, errors.Errorf("listing snapshots of %s: %w", name, ErrDomainNotFound)
	}
	return append([]string(nil), d.Snapshots...), nil
}
