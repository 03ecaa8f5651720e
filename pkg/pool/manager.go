// Package pool keeps a reserve of pre-provisioned "hot" VMs so a student
// asking for a machine gets one in seconds instead of waiting out a full
// create. A background loop measures the deficit against the configured
// target and fills it through a bounded worker pool; a reconcile loop evicts
// slots whose VMs died or vanished so the next replenish pass heals the
// reserve.
package pool

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codehedgehog/labvisor/pkg/lifecycle"
	"github.com/codehedgehog/labvisor/pkg/metrics"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

// ErrExhausted is reported when no ready VM is available.
var ErrExhausted = errors.Base("hot pool exhausted")

// SlotState is the position of one pool slot. Allocated slots leave the
// pool entirely, so only the two transient states appear here.
type SlotState string

const (
	SlotFilling SlotState = "filling"
	SlotReady   SlotState = "ready"
)

// SlotInfo is one row of the Slots report.
type SlotInfo struct {
	Name  string
	State SlotState
}

// Provisioner is the slice of the lifecycle controller the pool drives.
type Provisioner interface {
	Create(ctx context.Context, name string, spec lifecycle.Spec, opts lifecycle.CreateOptions) (lifecycle.Record, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Delete(ctx context.Context, name string) error
	Get(ctx context.Context, name string) (lifecycle.Record, error)
	List(ctx context.Context) []lifecycle.Record
	MarkAllocated(ctx context.Context, name string) (lifecycle.Record, error)
	Rename(ctx context.Context, oldName, newName string) (lifecycle.Record, error)
}

var _ Provisioner = (*lifecycle.Controller)(nil)

// Config tunes the pool.
type Config struct {
	Target            int            // how many ready VMs to keep
	Prefix            string         // pool VM names are Prefix + sequence number
	Spec              lifecycle.Spec // what pool VMs look like
	ReplenishInterval time.Duration
	ReconcileInterval time.Duration
	FillWorkers       int  // concurrent creates during replenishment
	WarmRunning       bool // keep ready VMs booted instead of powered off
	CallerNaming      bool // rename VMs to the caller-requested name on allocate
}

// Status is a point-in-time pool summary, served from atomics so it never
// waits behind pool or hypervisor work.
type Status struct {
	Target         int
	Ready          int
	Filling        int
	AllocatedTotal int64
}

// Manager owns the hot pool.
type Manager struct {
	ctrl Provisioner
	cfg  Config
	sink metrics.Sink

	mu    sync.Mutex
	slots map[string]SlotState
	seq   uint64

	ready     atomic.Int64
	filling   atomic.Int64
	allocated atomic.Int64

	workers *ants.Pool
}

// NewManager builds a pool manager. Run must be called for replenishment to
// happen; Allocate works as soon as slots exist.
func NewManager(ctrl Provisioner, cfg Config, sink metrics.Sink) (*Manager, error) {
	if cfg.Target < 0 {
		return nil, errors.Errorf("pool target must not be negative, got %d", cfg.Target)
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "hot-vm-"
	}
	if cfg.FillWorkers <= 0 {
		cfg.FillWorkers = 2
	}
	if cfg.ReplenishInterval <= 0 {
		cfg.ReplenishInterval = 30 * time.Second
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 60 * time.Second
	}
	if sink == nil {
		sink = metrics.Nop{}
	}

	workers, err := ants.NewPool(cfg.FillWorkers)
	if err != nil {
		return nil, errors.Errorf("creating fill worker pool: %w", err)
	}
	return &Manager{
		ctrl:    ctrl,
		cfg:     cfg,
		sink:    sink,
		slots:   map[string]SlotState{},
		workers: workers,
	}, nil
}

// Run adopts whatever pool VMs already exist, then replenishes on a timer
// and reconciles on another until the context ends.
func (m *Manager) Run(ctx context.Context) error {
	logger := zerolog.Ctx(ctx)
	logger.Info().
		Int("target", m.cfg.Target).
		Str("prefix", m.cfg.Prefix).
		Msg("Hot pool starting")

	m.Adopt(ctx)
	m.Replenish(ctx)

	replenish := time.NewTicker(m.cfg.ReplenishInterval)
	defer replenish.Stop()
	reconcile := time.NewTicker(m.cfg.ReconcileInterval)
	defer reconcile.Stop()

	for {
		select {
		case <-ctx.Done():
			m.workers.Release()
			logger.Info().Msg("Hot pool stopped")
			return nil
		case <-replenish.C:
			m.Replenish(ctx)
		case <-reconcile.C:
			m.Reconcile(ctx)
			m.Replenish(ctx)
		}
	}
}

// Adopt folds existing unallocated pool VMs into slots. Running VMs are
// quiesced first unless the pool keeps its members warm.
func (m *Manager) Adopt(ctx context.Context) {
	logger := zerolog.Ctx(ctx)

	for _, rec := range m.ctrl.List(ctx) {
		if !m.Owns(rec.Name) || rec.AllocatedAt != nil {
			continue
		}
		m.bumpSeq(rec.Name)

		switch rec.State {
		case lifecycle.StateStopped:
		case lifecycle.StateRunning:
			if !m.cfg.WarmRunning {
				logger.Info().Str("name", rec.Name).Msg("Quiescing adopted hot VM")
				if err := m.ctrl.Stop(ctx, rec.Name); err != nil {
					logger.Warn().Err(err).Str("name", rec.Name).Msg("Could not quiesce adopted hot VM")
					continue
				}
			}
		case lifecycle.StateError:
			logger.Warn().Str("name", rec.Name).Str("cause", rec.LastErr).Msg("Discarding broken hot VM")
			if err := m.ctrl.Delete(ctx, rec.Name); err != nil {
				logger.Warn().Err(err).Str("name", rec.Name).Msg("Could not discard broken hot VM")
			}
			continue
		default:
			continue
		}

		m.mu.Lock()
		_, exists := m.slots[rec.Name]
		if !exists {
			m.slots[rec.Name] = SlotReady
		}
		m.mu.Unlock()
		if !exists {
			m.ready.Add(1)
			logger.Info().Str("name", rec.Name).Msg("Adopted hot VM into pool")
		}
	}
	m.publishGauges()
}

// Replenish measures the deficit against the target and schedules fills for
// it. Failed fills are logged and retried on the next tick; they never
// surface as errors.
func (m *Manager) Replenish(ctx context.Context) {
	logger := zerolog.Ctx(ctx)

	m.mu.Lock()
	deficit := m.cfg.Target - int(m.ready.Load()+m.filling.Load())
	var names []string
	for i := 0; i < deficit; i++ {
		m.seq++
		name := fmt.Sprintf("%s%d", m.cfg.Prefix, m.seq-1)
		m.slots[name] = SlotFilling
		m.filling.Add(1)
		names = append(names, name)
	}
	m.mu.Unlock()

	if len(names) == 0 {
		return
	}
	logger.Info().Int("deficit", len(names)).Msg("Replenishing hot pool")
	m.publishGauges()

	for _, name := range names {
		name := name
		if err := m.workers.Submit(func() { m.fill(ctx, name) }); err != nil {
			logger.Warn().Err(err).Str("name", name).Msg("Could not schedule pool fill")
			m.dropSlot(name)
		}
	}
}

func (m *Manager) fill(ctx context.Context, name string) {
	logger := zerolog.Ctx(ctx)

	_, err := m.ctrl.Create(ctx, name, m.cfg.Spec, lifecycle.CreateOptions{PoolOrigin: true})
	if err == nil && !m.cfg.WarmRunning {
		err = m.ctrl.Stop(ctx, name)
	}
	if err != nil {
		logger.Warn().Err(err).Str("name", name).Msg("Pool fill failed, discarding slot")
		m.dropSlot(name)
		if derr := m.ctrl.Delete(ctx, name); derr != nil && !errors.Is(derr, lifecycle.ErrNotFound) {
			logger.Warn().Err(derr).Str("name", name).Msg("Could not clean up failed pool fill")
		}
		return
	}

	m.mu.Lock()
	_, stillWanted := m.slots[name]
	if stillWanted {
		m.slots[name] = SlotReady
	}
	m.mu.Unlock()

	if !stillWanted {
		// reconcile evicted the slot while we were filling it
		if derr := m.ctrl.Delete(ctx, name); derr != nil && !errors.Is(derr, lifecycle.ErrNotFound) {
			logger.Warn().Err(derr).Str("name", name).Msg("Could not remove orphaned pool VM")
		}
		return
	}
	m.filling.Add(-1)
	m.ready.Add(1)
	m.publishGauges()
	logger.Info().Str("name", name).Msg("Hot VM ready")
}

// Reconcile walks the slots and evicts the ones whose VM is gone or broken.
// It also adopts stopped pool-named VMs that exist without a slot, so the
// registry and the pool converge from either direction.
func (m *Manager) Reconcile(ctx context.Context) {
	logger := zerolog.Ctx(ctx)

	m.mu.Lock()
	names := make([]string, 0, len(m.slots))
	for name := range m.slots {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		rec, err := m.ctrl.Get(ctx, name)
		switch {
		case errors.Is(err, lifecycle.ErrNotFound):
			logger.Warn().Str("name", name).Msg("Hot VM vanished, evicting slot")
			m.dropSlot(name)
		case err != nil:
			logger.Warn().Err(err).Str("name", name).Msg("Could not check hot VM")
		case rec.State == lifecycle.StateError:
			logger.Warn().Str("name", name).Str("cause", rec.LastErr).Msg("Hot VM broken, evicting slot")
			m.dropSlot(name)
			if derr := m.ctrl.Delete(ctx, name); derr != nil && !errors.Is(derr, lifecycle.ErrNotFound) {
				logger.Warn().Err(derr).Str("name", name).Msg("Could not delete broken hot VM")
			}
		}
	}

	for _, rec := range m.ctrl.List(ctx) {
		if !m.Owns(rec.Name) || rec.AllocatedAt != nil {
			continue
		}
		if rec.State != lifecycle.StateStopped {
			continue
		}
		m.bumpSeq(rec.Name)
		m.mu.Lock()
		_, exists := m.slots[rec.Name]
		if !exists {
			m.slots[rec.Name] = SlotReady
		}
		m.mu.Unlock()
		if !exists {
			m.ready.Add(1)
			logger.Info().Str("name", rec.Name).Msg("Re-adopted hot VM into pool")
		}
	}
	m.publishGauges()
}

// Allocate hands out one ready VM: the slot is claimed atomically, the VM is
// started if the pool keeps members powered off, and the allocation stamp is
// set. Every caller gets a different VM; when none is ready the request
// fails fast with ErrExhausted rather than waiting.
func (m *Manager) Allocate(ctx context.Context, requestedName string) (lifecycle.Record, error) {
	logger := zerolog.Ctx(ctx)

	m.mu.Lock()
	name, ok := m.pickReadyLocked()
	if ok {
		delete(m.slots, name)
	}
	m.mu.Unlock()
	if !ok {
		return lifecycle.Record{}, errors.Errorf("allocating VM: %w", ErrExhausted)
	}
	m.ready.Add(-1)
	m.publishGauges()

	if m.cfg.CallerNaming && requestedName != "" && requestedName != name {
		if renamed, err := m.ctrl.Rename(ctx, name, requestedName); err != nil {
			logger.Warn().Err(err).
				Str("pool_name", name).
				Str("requested", requestedName).
				Msg("Could not rename allocated VM, handing out under pool name")
		} else {
			name = renamed.Name
		}
	}

	if err := m.ctrl.Start(ctx, name); err != nil {
		if derr := m.ctrl.Delete(ctx, name); derr != nil && !errors.Is(derr, lifecycle.ErrNotFound) {
			logger.Warn().Err(derr).Str("name", name).Msg("Could not clean up failed allocation")
		}
		return lifecycle.Record{}, errors.Errorf("starting allocated VM %s: %w", name, err)
	}

	rec, err := m.ctrl.MarkAllocated(ctx, name)
	if err != nil {
		return lifecycle.Record{}, errors.Errorf("stamping allocated VM %s: %w", name, err)
	}

	m.allocated.Add(1)
	m.sink.IncCounter(metrics.PoolAllocatedTotal, 1)
	logger.Info().Str("name", rec.Name).Msg("Allocated hot VM")
	return rec, nil
}

// pickReadyLocked returns the lowest-numbered ready slot. Callers hold m.mu.
func (m *Manager) pickReadyLocked() (string, bool) {
	best := ""
	bestSeq := uint64(0)
	haveSeq := false
	for name, state := range m.slots {
		if state != SlotReady {
			continue
		}
		seq, numeric := m.parseSeq(name)
		switch {
		case best == "":
			best, bestSeq, haveSeq = name, seq, numeric
		case numeric && (!haveSeq || seq < bestSeq):
			best, bestSeq, haveSeq = name, seq, true
		case !numeric && !haveSeq && name < best:
			best = name
		}
	}
	return best, best != ""
}

// Status reports the pool counters without taking any lock.
func (m *Manager) Status() Status {
	return Status{
		Target:         m.cfg.Target,
		Ready:          int(m.ready.Load()),
		Filling:        int(m.filling.Load()),
		AllocatedTotal: m.allocated.Load(),
	}
}

// Slots returns a sorted snapshot of the slot table.
func (m *Manager) Slots() []SlotInfo {
	m.mu.Lock()
	out := make([]SlotInfo, 0, len(m.slots))
	for name, state := range m.slots {
		out = append(out, SlotInfo{Name: name, State: state})
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Owns reports whether a VM name belongs to this pool's namespace.
func (m *Manager) Owns(name string) bool {
	return strings.HasPrefix(name, m.cfg.Prefix)
}

func (m *Manager) dropSlot(name string) {
	m.mu.Lock()
	state, ok := m.slots[name]
	if ok {
		delete(m.slots, name)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	switch state {
	case SlotFilling:
		m.filling.Add(-1)
	case SlotReady:
		m.ready.Add(-1)
	}
	m.publishGauges()
}

func (m *Manager) parseSeq(name string) (uint64, bool) {
	suffix := strings.TrimPrefix(name, m.cfg.Prefix)
	n, err := strconv.ParseUint(suffix, 10, 64)
	return n, err == nil
}

// bumpSeq keeps the name counter ahead of any existing pool VM so new fills
// never collide with adopted ones.
func (m *Manager) bumpSeq(name string) {
	n, ok := m.parseSeq(name)
	if !ok {
		return
	}
	m.mu.Lock()
	if n >= m.seq {
		m.seq = n + 1
	}
	m.mu.Unlock()
}

func (m *Manager) publishGauges() {
	m.sink.SetGauge(metrics.PoolReady, m.ready.Load())
	m.sink.SetGauge(metrics.PoolFilling, m.filling.Load())
}
