package session_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/codehedgehog/labvisor/pkg/gateway"
	"github.com/codehedgehog/labvisor/pkg/lifecycle"
	"github.com/codehedgehog/labvisor/pkg/metrics"
	"github.com/codehedgehog/labvisor/pkg/recorder"
	"github.com/codehedgehog/labvisor/pkg/session"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"
)

// pipeConn is one end of an in-memory duplex stream.
type pipeConn struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (c *pipeConn) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c *pipeConn) Write(p []byte) (int, error) { return c.w.Write(p) }

func (c *pipeConn) Close() error {
	c.r.Close()
	return c.w.Close()
}

// CloseWrite hangs up our sending half only, like a student whose
// connection drops cleanly.
func (c *pipeConn) CloseWrite() error { return c.w.Close() }

// streamPair returns two connected ends: what one writes the other reads.
func streamPair() (*pipeConn, *pipeConn) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	return &pipeConn{r: ar, w: aw}, &pipeConn{r: br, w: bw}
}

// promptShell acts like a login shell: it prints a prompt, waits for one
// line of input, then plays back its script and exits. A nil script makes
// it sit silent until closed.
type promptShell struct {
	prompt string
	script []string

	gate     chan struct{}
	gateOnce sync.Once
	closed   chan struct{}
	once     sync.Once

	mu         sync.Mutex
	sentPrompt bool
	pos        int
	input      bytes.Buffer
}

func newPromptShell(prompt string, script ...string) *promptShell {
	return &promptShell{
		prompt: prompt,
		script: script,
		gate:   make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func newSilentShell() *promptShell {
	sh := newPromptShell("")
	sh.mu.Lock()
	sh.sentPrompt = true
	sh.mu.Unlock()
	return sh
}

func (sh *promptShell) Read(p []byte) (int, error) {
	sh.mu.Lock()
	if !sh.sentPrompt {
		sh.sentPrompt = true
		sh.mu.Unlock()
		return copy(p, sh.prompt), nil
	}
	sh.mu.Unlock()

	select {
	case <-sh.gate:
	case <-sh.closed:
		return 0, io.EOF
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.pos >= len(sh.script) {
		return 0, io.EOF
	}
	chunk := sh.script[sh.pos]
	sh.pos++
	return copy(p, chunk), nil
}

func (sh *promptShell) Write(p []byte) (int, error) {
	sh.mu.Lock()
	sh.input.Write(p)
	gotLine := bytes.ContainsRune(sh.input.Bytes(), '\r')
	sh.mu.Unlock()
	if gotLine {
		sh.gateOnce.Do(func() { close(sh.gate) })
	}
	return len(p), nil
}

func (sh *promptShell) Close() error {
	sh.once.Do(func() { close(sh.closed) })
	return nil
}

func (sh *promptShell) received() string {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.input.String()
}

type shellFactoryFunc func(ctx context.Context, vmName string) (io.ReadWriteCloser, error)

func (f shellFactoryFunc) OpenShell(ctx context.Context, vmName string) (io.ReadWriteCloser, error) {
	return f(ctx, vmName)
}

func fixedShell(sh io.ReadWriteCloser) session.ShellFactory {
	return shellFactoryFunc(func(context.Context, string) (io.ReadWriteCloser, error) {
		return sh, nil
	})
}

// runningVM builds a controller with one VM already booted.
func runningVM(t *testing.T, name string) *lifecycle.Controller {
	t.Helper()

	ctrl := lifecycle.NewController(gateway.NewFake(), lifecycle.Options{})
	_, err := ctrl.Create(t.Context(), name, lifecycle.Spec{VCPUs: 1, MemoryMB: 512}, lifecycle.CreateOptions{})
	require.NoError(t, err)

	return ctrl
}

func waitDone(t *testing.T, s *session.Session) {
	t.Helper()
	select {
	case <-s.Wait():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not tear down in time")
	}
}

func TestSessionRelaysAndRecords(t *testing.T) {
	script := []string{
		"total 4\r\n",
		"-rw-r--r-- 1 student student 42 lab.txt\r\n",
		"drwxr-xr-x 2 student student 80 work\r\n",
		"lrwxrwxrwx 1 student student  9 notes -> lab.txt\r\n",
		"-rw------- 1 student student 11 .secret\r\n",
		"-rwxr-xr-x 1 student student 99 run.sh\r\n",
		"-rw-r--r-- 1 student student  7 a.out\r\n",
		"-rw-r--r-- 1 student student  3 b.c\r\n",
		"$ ",
	}
	shell := newPromptShell("$ ", script...)

	rec, err := recorder.New(t.TempDir(), 64)
	require.NoError(t, err)

	ctrl := runningVM(t, "lab-1")
	m := session.NewManager(ctrl, fixedShell(shell), session.Options{Recorder: rec})

	student, callerEnd := streamPair()
	s, err := m.Open(t.Context(), "lab-1", callerEnd)
	require.NoError(t, err)

	var seen bytes.Buffer
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		io.Copy(&seen, student)
	}()

	// type the command; the shell holds its script until the full line is in
	_, err = student.Write([]byte("ls -l\r"))
	require.NoError(t, err)

	waitDone(t, s)
	<-readerDone

	// everything the shell emitted reached the student, in order
	want := "$ " + strings.Join(script, "")
	require.Equal(t, want, seen.String())
	require.Equal(t, "ls -l\r", shell.received())

	require.ErrorIs(t, s.Reason(), session.ErrRemoteClosed)
	require.Equal(t, int64(len(want)), s.BytesOut())
	require.Equal(t, int64(len("ls -l\r")), s.BytesIn())
	require.NoError(t, s.Recording())

	// the log replays the same story: ten output frames in order plus the
	// typed command
	_, frames, err := recorder.ReadLog(rec.LogPath(s.ID))
	require.NoError(t, err)

	var outs, ins []string
	for _, f := range frames {
		switch f.Dir {
		case recorder.DirOutput:
			outs = append(outs, string(f.Data))
		case recorder.DirInput:
			ins = append(ins, string(f.Data))
		}
	}
	require.Len(t, outs, 10)
	require.Equal(t, want, strings.Join(outs, ""))
	require.Equal(t, "ls -l\r", strings.Join(ins, ""))
}

func TestStudentDisconnectEndsSession(t *testing.T) {
	shell := newSilentShell()
	ctrl := runningVM(t, "lab-1")
	m := session.NewManager(ctrl, fixedShell(shell), session.Options{})

	student, callerEnd := streamPair()
	s, err := m.Open(t.Context(), "lab-1", callerEnd)
	require.NoError(t, err)

	require.NoError(t, student.CloseWrite())
	waitDone(t, s)

	require.ErrorIs(t, s.Reason(), session.ErrClosed)
	require.NotErrorIs(t, s.Reason(), session.ErrRemoteClosed)
	require.Contains(t, s.Reason().Error(), "student disconnected")
}

func TestShellFailureReportsRemoteClosed(t *testing.T) {
	shell := newSilentShell()
	ctrl := runningVM(t, "lab-1")
	m := session.NewManager(ctrl, fixedShell(shell), session.Options{})

	student, callerEnd := streamPair()
	s, err := m.Open(t.Context(), "lab-1", callerEnd)
	require.NoError(t, err)

	// the VM side goes away: the shell stream reports EOF
	require.NoError(t, shell.Close())
	waitDone(t, s)

	require.ErrorIs(t, s.Reason(), session.ErrRemoteClosed)
	_ = student.Close()
}

func TestIdleTimeoutEndsSession(t *testing.T) {
	shell := newSilentShell()
	ctrl := runningVM(t, "lab-1")
	m := session.NewManager(ctrl, fixedShell(shell), session.Options{
		IdleTimeout: 50 * time.Millisecond,
	})

	student, callerEnd := streamPair()
	s, err := m.Open(t.Context(), "lab-1", callerEnd)
	require.NoError(t, err)

	waitDone(t, s)

	require.ErrorIs(t, s.Reason(), session.ErrClosed)
	require.Contains(t, s.Reason().Error(), "idle")
	_ = student.Close()
}

func TestTrafficDefersIdleTimeout(t *testing.T) {
	shell := newSilentShell()
	ctrl := runningVM(t, "lab-1")
	m := session.NewManager(ctrl, fixedShell(shell), session.Options{
		IdleTimeout: 400 * time.Millisecond,
	})

	student, callerEnd := streamPair()
	s, err := m.Open(t.Context(), "lab-1", callerEnd)
	require.NoError(t, err)

	// keep typing for a while; each keystroke resets the idle clock
	for i := 0; i < 5; i++ {
		time.Sleep(100 * time.Millisecond)
		_, err := student.Write([]byte("x"))
		require.NoError(t, err)
	}

	select {
	case <-s.Wait():
		t.Fatal("session timed out despite steady traffic")
	case <-time.After(100 * time.Millisecond):
	}

	waitDone(t, s)
	require.Contains(t, s.Reason().Error(), "idle")
}

func TestOpenRequiresRunningVM(t *testing.T) {
	ctrl := runningVM(t, "lab-1")
	require.NoError(t, ctrl.Stop(t.Context(), "lab-1"))

	m := session.NewManager(ctrl, fixedShell(newSilentShell()), session.Options{})

	student, callerEnd := streamPair()
	defer student.Close()

	_, err := m.Open(t.Context(), "lab-1", callerEnd)
	require.ErrorIs(t, err, lifecycle.ErrConflict)

	_, err = m.Open(t.Context(), "no-such-vm", callerEnd)
	require.ErrorIs(t, err, lifecycle.ErrNotFound)
}

func TestManagerCloseAndBookkeeping(t *testing.T) {
	shell := newSilentShell()
	ctrl := runningVM(t, "lab-1")
	sink := metrics.NewMemory()
	m := session.NewManager(ctrl, fixedShell(shell), session.Options{Metrics: sink})

	student, callerEnd := streamPair()
	s, err := m.Open(t.Context(), "lab-1", callerEnd)
	require.NoError(t, err)

	got, err := m.Get(s.ID)
	require.NoError(t, err)
	require.Same(t, s, got)
	require.Len(t, m.List(), 1)
	require.Equal(t, int64(1), sink.Gauge(metrics.SessionsActive))

	require.NoError(t, m.Close(t.Context(), s.ID))
	require.ErrorIs(t, s.Reason(), session.ErrClosed)
	require.Contains(t, s.Reason().Error(), "closed by operator")

	_, err = m.Get(s.ID)
	require.ErrorIs(t, err, session.ErrClosed)
	require.Empty(t, m.List())
	require.Equal(t, int64(0), sink.Gauge(metrics.SessionsActive))

	require.ErrorIs(t, m.Close(t.Context(), "unknown"), session.ErrClosed)
	_ = student.Close()
}

func TestSessionOutlivesOpeningContext(t *testing.T) {
	shell := newSilentShell()
	ctrl := runningVM(t, "lab-1")
	m := session.NewManager(ctrl, fixedShell(shell), session.Options{})

	openCtx, cancel := context.WithCancel(t.Context())
	student, callerEnd := streamPair()
	s, err := m.Open(openCtx, "lab-1", callerEnd)
	require.NoError(t, err)

	// the request context ending must not end the session
	cancel()
	select {
	case <-s.Wait():
		t.Fatal("session died with the opening context")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, s.Close())
	require.ErrorIs(t, s.Reason(), session.ErrClosed)
	_ = student.Close()
}

func TestRecorderFailureDoesNotBlockOpen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "casts")
	rec, err := recorder.New(dir, 8)
	require.NoError(t, err)
	// pull the directory out from under the recorder
	require.NoError(t, os.RemoveAll(dir))

	ctrl := runningVM(t, "lab-1")
	m := session.NewManager(ctrl, fixedShell(newSilentShell()), session.Options{Recorder: rec})

	student, callerEnd := streamPair()
	s, err := m.Open(t.Context(), "lab-1", callerEnd)
	require.NoError(t, err)
	require.NoError(t, s.Recording())

	require.NoError(t, s.Close())
	_ = student.Close()
}

// errorIsAny fails unless err wraps one of the listed base errors.
func errorIsAny(t *testing.T, err error, bases ...error) {
	t.Helper()
	for _, base := range bases {
		if errors.Is(err, base) {
			return
		}
	}
	t.Fatalf("error %v matches none of %v", err, bases)
}

func TestEveryTeardownPathYieldsAReason(t *testing.T) {
	tests := []struct {
		name string
		end  func(t *testing.T, m *session.Manager, s *session.Session, student *pipeConn, shell *promptShell)
	}{
		{
			name: "operator close",
			end: func(t *testing.T, m *session.Manager, s *session.Session, _ *pipeConn, _ *promptShell) {
				require.NoError(t, m.Close(t.Context(), s.ID))
			},
		},
		{
			name: "student hangs up",
			end: func(t *testing.T, _ *session.Manager, _ *session.Session, student *pipeConn, _ *promptShell) {
				require.NoError(t, student.CloseWrite())
			},
		},
		{
			name: "shell dies",
			end: func(t *testing.T, _ *session.Manager, _ *session.Session, _ *pipeConn, shell *promptShell) {
				require.NoError(t, shell.Close())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shell := newSilentShell()
			ctrl := runningVM(t, "lab-1")
			m := session.NewManager(ctrl, fixedShell(shell), session.Options{})

			student, callerEnd := streamPair()
			s, err := m.Open(t.Context(), "lab-1", callerEnd)
			require.NoError(t, err)

			tt.end(t, m, s, student, shell)
			waitDone(t, s)

			errorIsAny(t, s.Reason(), session.ErrClosed, session.ErrRemoteClosed)
			_ = student.Close()
		})
	}
}
