package session

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/codehedgehog/labvisor/pkg/lifecycle"
	"github.com/codehedgehog/labvisor/pkg/metrics"
	"github.com/codehedgehog/labvisor/pkg/recorder"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

// ShellFactory opens an interactive shell stream into a VM.
type ShellFactory interface {
	OpenShell(ctx context.Context, vmName string) (io.ReadWriteCloser, error)
}

// Registry is the slice of the lifecycle controller the proxy needs.
type Registry interface {
	Get(ctx context.Context, name string) (lifecycle.Record, error)
}

var _ Registry = (*lifecycle.Controller)(nil)

// Options configures a session Manager.
type Options struct {
	Recorder    *recorder.Recorder // nil disables recording
	Metrics     metrics.Sink
	IdleTimeout time.Duration // zero disables the idle watchdog
}

// Manager opens sessions against running VMs and tracks the live ones.
type Manager struct {
	reg    Registry
	shells ShellFactory
	rec    *recorder.Recorder
	sink   metrics.Sink
	idle   time.Duration

	mu   sync.Mutex
	open map[string]*Session
}

// NewManager wires the proxy to a registry and a shell factory.
func NewManager(reg Registry, shells ShellFactory, opts Options) *Manager {
	sink := opts.Metrics
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &Manager{
		reg:    reg,
		shells: shells,
		rec:    opts.Recorder,
		sink:   sink,
		idle:   opts.IdleTimeout,
		open:   map[string]*Session{},
	}
}

// Open connects the caller stream to a fresh shell in the named VM. The VM
// must be running. The session keeps going after ctx ends; it lives until a
// side hangs up, the idle timeout fires or Close is called.
func (m *Manager) Open(ctx context.Context, vmName string, caller io.ReadWriteCloser) (*Session, error) {
	logger := zerolog.Ctx(ctx)

	rec, err := m.reg.Get(ctx, vmName)
	if err != nil {
		return nil, errors.Errorf("opening session: %w", err)
	}
	if rec.State != lifecycle.StateRunning {
		return nil, errors.Errorf("opening session to VM %s in state %s: %w", vmName, rec.State, lifecycle.ErrConflict)
	}

	shell, err := m.shells.OpenShell(ctx, vmName)
	if err != nil {
		return nil, errors.Errorf("opening shell to VM %s: %w", vmName, err)
	}

	id := uuid.NewString()
	var rlog *recorder.Log
	if m.rec != nil {
		rlog, err = m.rec.Open(ctx, id, fmt.Sprintf("%s terminal", vmName))
		if err != nil {
			// recording is best-effort, the session still opens
			logger.Warn().Err(err).Str("vm", vmName).Msg("Could not open session recording")
			rlog = nil
		}
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		ID:          id,
		VM:          vmName,
		StartedAt:   time.Now().UTC(),
		caller:      caller,
		shell:       shell,
		rec:         rlog,
		idleTimeout: m.idle,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	s.touch()

	m.mu.Lock()
	m.open[id] = s
	m.mu.Unlock()
	m.sink.AddGauge(metrics.SessionsActive, 1)

	go s.run(sctx, m.release)

	logger.Info().Str("session", id).Str("vm", vmName).Msg("Session opened")
	return s, nil
}

// Close ends a live session and waits for its teardown.
func (m *Manager) Close(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.open[id]
	m.mu.Unlock()
	if !ok {
		return errors.Errorf("session %s: %w", id, ErrClosed)
	}
	return s.Close()
}

// Get returns a live session by id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.open[id]
	if !ok {
		return nil, errors.Errorf("session %s: %w", id, ErrClosed)
	}
	return s, nil
}

// List returns the live sessions, oldest first.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	out := make([]*Session, 0, len(m.open))
	for _, s := range m.open {
		out = append(out, s)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (m *Manager) release(s *Session) {
	m.mu.Lock()
	delete(m.open, s.ID)
	m.mu.Unlock()
	m.sink.AddGauge(metrics.SessionsActive, -1)
	m.sink.IncCounter(metrics.SessionBytesTotal, s.BytesIn()+s.BytesOut())
	if s.rec != nil {
		m.sink.IncCounter(metrics.RecorderDroppedTotal, s.rec.Dropped())
	}
}
