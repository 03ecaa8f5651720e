package lifecycle

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/codehedgehog/labvisor/pkg/gateway"
	"github.com/codehedgehog/labvisor/pkg/metrics"
	"github.com/codehedgehog/labvisor/pkg/vault"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

const defaultStopWait = 30 * time.Second

// Controller owns the VM registry. Operations on the same VM name are
// mutually exclusive and hold the name for their full duration, gateway
// calls included; operations on different names run in parallel. The
// registry lock itself is only ever held for map access, never across a
// gateway call, so List stays fast no matter what the hypervisor is doing.
type Controller struct {
	gw       gateway.Gateway
	conf     Configurer
	secrets  *vault.Vault
	sink     metrics.Sink
	stopWait time.Duration

	mu      sync.Mutex
	records map[string]*Record
	names   *keyedMutex
}

// Options configures a Controller. Zero values are usable: no configurer,
// no vault, metrics discarded.
type Options struct {
	Configurer Configurer
	Vault      *vault.Vault
	Metrics    metrics.Sink
	StopWait   time.Duration
}

// NewController builds a controller on top of a gateway.
func NewController(gw gateway.Gateway, opts Options) *Controller {
	sink := opts.Metrics
	if sink == nil {
		sink = metrics.Nop{}
	}
	stopWait := opts.StopWait
	if stopWait <= 0 {
		stopWait = defaultStopWait
	}
	return &Controller{
		gw:       gw,
		conf:     opts.Configurer,
		secrets:  opts.Vault,
		sink:     sink,
		stopWait: stopWait,
		records:  map[string]*Record{},
		names:    newKeyedMutex(),
	}
}

// Create provisions a new VM: define it at the hypervisor, boot it, run the
// configuration pass and leave it running. Any failure parks the record in
// the error state with the cause attached instead of rolling back, so the
// operator can inspect what is left.
func (c *Controller) Create(ctx context.Context, name string, spec Spec, opts CreateOptions) (Record, error) {
	logger := zerolog.Ctx(ctx)

	c.names.Lock(name)
	defer c.names.Unlock(name)

	c.mu.Lock()
	if _, ok := c.records[name]; ok {
		c.mu.Unlock()
		return Record{}, errors.Errorf("creating VM %s: %w", name, ErrAlreadyExists)
	}
	rec := &Record{
		Name:       name,
		State:      StateCreating,
		Spec:       spec,
		CreatedAt:  time.Now().UTC(),
		PoolOrigin: opts.PoolOrigin,
	}
	c.records[name] = rec
	c.mu.Unlock()

	logger.Info().
		Str("name", name).
		Int("vcpus", spec.VCPUs).
		Int("memory_mb", spec.MemoryMB).
		Bool("pool", opts.PoolOrigin).
		Msg("Creating VM")

	dspec := gateway.DomainSpec{
		Name:      name,
		VCPUs:     spec.VCPUs,
		MemoryMB:  spec.MemoryMB,
		BaseImage: spec.BaseImage,
	}
	if err := c.gw.Define(ctx, dspec); err != nil {
		c.fail(rec, err)
		return c.snapshotOf(rec), errors.Errorf("defining VM %s: %w", name, err)
	}

	if err := c.gw.Start(ctx, name); err != nil && !errors.Is(err, gateway.ErrAlreadyInState) {
		c.fail(rec, err)
		return c.snapshotOf(rec), errors.Errorf("starting VM %s: %w", name, err)
	}

	if c.conf != nil {
		addr := c.resolveAddr(ctx, name)
		var pass []byte
		if c.secrets != nil {
			pass, _ = c.secrets.Consume()
		}
		err := c.conf.Configure(ctx, name, addr, pass)
		vault.Zero(pass)
		if err != nil {
			wrapped := errors.Errorf("%w: %v", ErrConfigurationFailed, err)
			c.fail(rec, wrapped)
			return c.snapshotOf(rec), errors.Errorf("configuring VM %s: %w", name, wrapped)
		}
	}

	c.transition(rec, StateRunning)
	c.sink.IncCounter(metrics.VMCreatedTotal, 1)
	logger.Info().Str("name", name).Msg("VM created and running")
	return c.snapshotOf(rec), nil
}

// Start boots a stopped VM. Starting a VM that is already running is a
// no-op; a VM mid-create or mid-delete reports a conflict. Starting from
// the error state is allowed and clears the error on success.
func (c *Controller) Start(ctx context.Context, name string) error {
	logger := zerolog.Ctx(ctx)

	c.names.Lock(name)
	defer c.names.Unlock(name)

	rec, err := c.lookup(name)
	if err != nil {
		return errors.Errorf("starting VM %s: %w", name, err)
	}
	switch rec.State {
	case StateRunning:
		return nil
	case StateCreating, StateDeleting:
		return errors.Errorf("starting VM %s while %s: %w", name, rec.State, ErrConflict)
	}

	logger.Info().Str("name", name).Msg("Starting VM")
	if err := c.gw.Start(ctx, name); err != nil {
		if errors.Is(err, gateway.ErrAlreadyInState) {
			c.transition(rec, StateRunning)
			return nil
		}
		c.fail(rec, err)
		return errors.Errorf("starting domain %s: %w", name, err)
	}
	c.transition(rec, StateRunning)
	return nil
}

// Stop shuts a running VM down: ask the guest nicely, wait out the grace
// period, then pull the plug. After the VM is down a disk snapshot is taken
// on a best-effort basis; snapshot failures are logged and never surface.
// Stopping a stopped VM is a no-op.
func (c *Controller) Stop(ctx context.Context, name string) error {
	logger := zerolog.Ctx(ctx)

	c.names.Lock(name)
	defer c.names.Unlock(name)

	rec, err := c.lookup(name)
	if err != nil {
		return errors.Errorf("stopping VM %s: %w", name, err)
	}
	switch rec.State {
	case StateStopped:
		return nil
	case StateCreating, StateDeleting, StateError:
		// an errored VM's power state is unknown; Delete is the way out
		return errors.Errorf("stopping VM %s while %s: %w", name, rec.State, ErrConflict)
	}

	logger.Info().Str("name", name).Dur("grace", c.stopWait).Msg("Stopping VM")
	if err := c.gw.GracefulStop(ctx, name, c.stopWait); err != nil {
		logger.Warn().Err(err).Str("name", name).Msg("Graceful stop did not complete, forcing power off")
		if ferr := c.gw.ForceStop(ctx, name); ferr != nil {
			c.fail(rec, ferr)
			return errors.Errorf("force stopping domain %s: %w", name, ferr)
		}
	}
	c.transition(rec, StateStopped)

	if snap, err := c.gw.Snapshot(ctx, name, true); err != nil {
		logger.Warn().Err(err).Str("name", name).Msg("Post-stop snapshot failed")
	} else {
		logger.Info().Str("name", name).Str("snapshot", snap).Msg("Post-stop snapshot created")
	}
	return nil
}

// Delete removes a VM and everything the hypervisor holds for it. Running
// VMs are force-stopped first. Deleting mid-create reports a conflict;
// deleting a VM in the error state is the supported way to clean it up.
func (c *Controller) Delete(ctx context.Context, name string) error {
	logger := zerolog.Ctx(ctx)

	c.names.Lock(name)
	defer c.names.Unlock(name)

	rec, err := c.lookup(name)
	if err != nil {
		return errors.Errorf("deleting VM %s: %w", name, err)
	}
	if rec.State == StateCreating {
		return errors.Errorf("deleting VM %s while %s: %w", name, rec.State, ErrConflict)
	}
	c.transition(rec, StateDeleting)

	logger.Info().Str("name", name).Msg("Deleting VM")
	// the record may be stale about the power state, so always try to cut
	// power before destroying
	if err := c.gw.ForceStop(ctx, name); err != nil && !errors.Is(err, gateway.ErrDomainNotFound) {
		logger.Warn().Err(err).Str("name", name).Msg("Force stop before delete failed")
	}
	if err := c.gw.Destroy(ctx, name); err != nil && !errors.Is(err, gateway.ErrDomainNotFound) {
		c.fail(rec, err)
		return errors.Errorf("destroying domain %s: %w", name, err)
	}

	c.mu.Lock()
	delete(c.records, name)
	c.mu.Unlock()
	c.sink.IncCounter(metrics.VMDeletedTotal, 1)
	logger.Info().Str("name", name).Msg("VM deleted")
	return nil
}

// List returns a copy of every record, sorted by name. It only touches the
// registry lock, never the per-name locks, so it cannot be blocked by a
// slow hypervisor operation.
func (c *Controller) List(ctx context.Context) []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, 0, len(c.records))
	for _, rec := range c.records {
		out = append(out, copyRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns a copy of one record.
func (c *Controller) Get(ctx context.Context, name string) (Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[name]
	if !ok {
		return Record{}, errors.Errorf("VM %s: %w", name, ErrNotFound)
	}
	return copyRecord(rec), nil
}

// MarkAllocated stamps the VM as handed out. The stamp is set at most once.
func (c *Controller) MarkAllocated(ctx context.Context, name string) (Record, error) {
	c.names.Lock(name)
	defer c.names.Unlock(name)

	rec, err := c.lookup(name)
	if err != nil {
		return Record{}, errors.Errorf("allocating VM %s: %w", name, err)
	}
	c.mu.Lock()
	if rec.AllocatedAt == nil {
		now := time.Now().UTC()
		rec.AllocatedAt = &now
	}
	c.mu.Unlock()
	return c.snapshotOf(rec), nil
}

// Rename moves a stopped VM to a new name, at the hypervisor and in the
// registry. Requires a gateway with the Renamer capability.
func (c *Controller) Rename(ctx context.Context, oldName, newName string) (Record, error) {
	logger := zerolog.Ctx(ctx)

	// lock both names in a fixed order so concurrent renames cannot deadlock
	first, second := oldName, newName
	if second < first {
		first, second = second, first
	}
	c.names.Lock(first)
	defer c.names.Unlock(first)
	if first != second {
		c.names.Lock(second)
		defer c.names.Unlock(second)
	}

	rec, err := c.lookup(oldName)
	if err != nil {
		return Record{}, errors.Errorf("renaming VM %s: %w", oldName, err)
	}
	if rec.State != StateStopped {
		return Record{}, errors.Errorf("renaming VM %s while %s: %w", oldName, rec.State, ErrConflict)
	}
	c.mu.Lock()
	_, taken := c.records[newName]
	c.mu.Unlock()
	if taken {
		return Record{}, errors.Errorf("renaming VM %s to %s: %w", oldName, newName, ErrAlreadyExists)
	}

	renamer, ok := c.gw.(gateway.Renamer)
	if !ok {
		return Record{}, errors.Errorf("renaming VM %s: gateway cannot rename domains: %w", oldName, gateway.ErrRejected)
	}
	if err := renamer.Rename(ctx, oldName, newName); err != nil {
		return Record{}, errors.Errorf("renaming domain %s to %s: %w", oldName, newName, err)
	}

	c.mu.Lock()
	delete(c.records, oldName)
	rec.Name = newName
	c.records[newName] = rec
	c.mu.Unlock()

	logger.Info().Str("from", oldName).Str("to", newName).Msg("Renamed VM")
	return c.snapshotOf(rec), nil
}

// Adopt folds domains that already exist at the hypervisor into the
// registry, typically after a supervisor restart. poolOwned, when non-nil,
// marks which names belong to the hot pool. Returns how many domains were
// adopted.
func (c *Controller) Adopt(ctx context.Context, poolOwned func(name string) bool) (int, error) {
	logger := zerolog.Ctx(ctx)

	domains, err := c.gw.ListDomains(ctx)
	if err != nil {
		return 0, errors.Errorf("listing domains for adoption: %w", err)
	}

	adopted := 0
	c.mu.Lock()
	for _, d := range domains {
		if _, ok := c.records[d.Name]; ok {
			continue
		}
		rec := &Record{
			Name:       d.Name,
			CreatedAt:  time.Now().UTC(),
			PoolOrigin: poolOwned != nil && poolOwned(d.Name),
		}
		switch d.State {
		case gateway.StateRunning:
			rec.State = StateRunning
			c.sink.AddGauge(metrics.VMActive, 1)
		case gateway.StateShutOff:
			rec.State = StateStopped
		default:
			rec.State = StateError
			rec.LastErr = "adopted in state " + string(d.State)
		}
		c.records[d.Name] = rec
		adopted++
	}
	c.mu.Unlock()

	if adopted > 0 {
		logger.Info().Int("count", adopted).Msg("Adopted existing domains")
	}
	return adopted, nil
}

// Snapshots lists the snapshot names recorded for a VM. A gateway without
// the SnapshotLister capability yields nil; a listing gateway with no
// snapshots yields an empty slice.
func (c *Controller) Snapshots(ctx context.Context, name string) ([]string, error) {
	c.names.Lock(name)
	defer c.names.Unlock(name)

	if _, err := c.lookup(name); err != nil {
		return nil, errors.Errorf("listing snapshots of VM %s: %w", name, err)
	}
	lister, ok := c.gw.(gateway.SnapshotLister)
	if !ok {
		return nil, nil
	}
	snaps, err := lister.Snapshots(ctx, name)
	if err != nil {
		return nil, errors.Errorf("listing snapshots of VM %s: %w", name, err)
	}
	if snaps == nil {
		snaps = []string{}
	}
	return snaps, nil
}

func (c *Controller) lookup(name string) (*Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[name]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (c *Controller) resolveAddr(ctx context.Context, name string) string {
	resolver, ok := c.gw.(gateway.AddressResolver)
	if !ok {
		return ""
	}
	addr, err := resolver.Address(ctx, name)
	if err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Str("name", name).Msg("Could not resolve guest address")
		return ""
	}
	return addr
}

// transition moves a record to a new state under the registry lock and
// keeps the active-VM gauge in step.
func (c *Controller) transition(rec *Record, s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec.State == StateRunning && s != StateRunning {
		c.sink.AddGauge(metrics.VMActive, -1)
	}
	if rec.State != StateRunning && s == StateRunning {
		c.sink.AddGauge(metrics.VMActive, 1)
	}
	rec.State = s
	if s != StateError {
		rec.LastErr = ""
	}
}

func (c *Controller) fail(rec *Record, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec.State == StateRunning {
		c.sink.AddGauge(metrics.VMActive, -1)
	}
	rec.State = StateError
	rec.LastErr = cause.Error()
}

func (c *Controller) snapshotOf(rec *Record) Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyRecord(rec)
}

func copyRecord(rec *Record) Record {
	cp := *rec
	if rec.AllocatedAt != nil {
		at := *rec.AllocatedAt
		cp.AllocatedAt = &at
	}
	return cp
}
