// Package session relays terminal traffic between a student connection and
// the shell of a running lab VM, records both directions through the
// recorder, and enforces the idle timeout. The relay applies backpressure
// the simple way: bytes from the shell are only read as fast as the student
// connection accepts them.
package session

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/codehedgehog/labvisor/pkg/recorder"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

// Base conditions for session teardown.
var (
	// ErrClosed means the session ended from our side: an explicit close,
	// an idle timeout, or the student connection going away.
	ErrClosed = errors.Base("session closed")
	// ErrRemoteClosed means the VM side ended it: the shell exited or the
	// transport to the VM failed.
	ErrRemoteClosed = errors.Base("remote end closed the session")
)

// errPeerWrite tags relay errors that happened while writing to the
// destination, so teardown can tell the failing side apart from the source.
var errPeerWrite = errors.Base("peer write failed")

const relayBufSize = 32 * 1024

// Session is one live terminal relay.
type Session struct {
	ID        string
	VM        string
	StartedAt time.Time

	caller io.ReadWriteCloser
	shell  io.ReadWriteCloser
	rec    *recorder.Log

	idleTimeout time.Duration
	lastActive  atomic.Int64

	bytesIn  atomic.Int64
	bytesOut atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}

	reasonMu sync.Mutex
	reason   error
}

// Wait returns a channel closed when the session has fully torn down.
func (s *Session) Wait() <-chan struct{} {
	return s.done
}

// Reason reports why the session ended; nil while it is still running. The
// result wraps ErrClosed or ErrRemoteClosed.
func (s *Session) Reason() error {
	s.reasonMu.Lock()
	defer s.reasonMu.Unlock()
	return s.reason
}

// BytesIn counts student-to-shell traffic.
func (s *Session) BytesIn() int64 { return s.bytesIn.Load() }

// BytesOut counts shell-to-student traffic.
func (s *Session) BytesOut() int64 { return s.bytesOut.Load() }

// Recording reports the session's log health: nil when clean or not
// recorded, ErrDegraded when frames were lost.
func (s *Session) Recording() error {
	if s.rec == nil {
		return nil
	}
	return s.rec.Health()
}

// Close tears the session down and waits for both relay directions to
// finish.
func (s *Session) Close() error {
	s.setReason(errors.Errorf("closed by operator: %w", ErrClosed))
	s.cancel()
	<-s.done
	return nil
}

func (s *Session) setReason(err error) {
	s.reasonMu.Lock()
	defer s.reasonMu.Unlock()
	if s.reason == nil {
		s.reason = err
	}
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

func (s *Session) idleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastActive.Load()))
}

// run drives the two relay directions plus the idle watchdog and owns the
// teardown sequence. The first goroutine to decide a reason wins; closing
// both streams unblocks whichever side is still parked in a read.
func (s *Session) run(ctx context.Context, onExit func(*Session)) {
	logger := zerolog.Ctx(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		err := s.relay(s.caller, s.shell, recorder.DirOutput, &s.bytesOut)
		s.noteShellResult(err)
		s.cancel()
	}()
	go func() {
		defer wg.Done()
		err := s.relay(s.shell, s.caller, recorder.DirInput, &s.bytesIn)
		s.noteCallerResult(err)
		s.cancel()
	}()
	if s.idleTimeout > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.watchIdle(ctx)
		}()
	}

	<-ctx.Done()
	s.caller.Close()
	s.shell.Close()
	wg.Wait()

	if s.rec != nil {
		if err := s.rec.Close(); err != nil {
			logger.Warn().Err(err).Str("session", s.ID).Msg("Closing session recording failed")
		}
	}
	onExit(s)
	close(s.done)

	logger.Info().
		Str("session", s.ID).
		Str("vm", s.VM).
		Int64("bytes_in", s.bytesIn.Load()).
		Int64("bytes_out", s.bytesOut.Load()).
		Str("reason", reasonString(s.Reason())).
		Msg("Session closed")
}

// relay pumps src into dst, recording every chunk. Writes to dst block
// until the peer accepts the bytes, which is exactly the backpressure the
// shell side needs.
func (s *Session) relay(dst io.Writer, src io.Reader, dir recorder.Direction, count *atomic.Int64) error {
	buf := make([]byte, relayBufSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			s.touch()
			if s.rec != nil {
				s.rec.Record(dir, buf[:n])
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return errors.Errorf("%w: %v", errPeerWrite, werr)
			}
			count.Add(int64(n))
		}
		if err != nil {
			return err
		}
	}
}

// noteShellResult classifies the end of the shell-to-student direction.
func (s *Session) noteShellResult(err error) {
	if errors.Is(err, errPeerWrite) {
		// writing to the student failed, the student side is gone
		s.setReason(errors.Errorf("student connection failed: %w", ErrClosed))
		return
	}
	if isCleanExit(err) {
		s.setReason(errors.Errorf("shell exited: %w", ErrRemoteClosed))
		return
	}
	s.setReason(errors.Errorf("%w: %v", ErrRemoteClosed, err))
}

// noteCallerResult classifies the end of the student-to-shell direction.
func (s *Session) noteCallerResult(err error) {
	if errors.Is(err, errPeerWrite) {
		// writing to the shell failed, the VM side is gone
		s.setReason(errors.Errorf("%w: %v", ErrRemoteClosed, err))
		return
	}
	if isCleanExit(err) {
		s.setReason(errors.Errorf("student disconnected: %w", ErrClosed))
		return
	}
	s.setReason(errors.Errorf("%w: %v", ErrClosed, err))
}

func (s *Session) watchIdle(ctx context.Context) {
	tick := s.idleTimeout / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.idleFor() >= s.idleTimeout {
				s.setReason(errors.Errorf("idle for %s: %w", s.idleTimeout, ErrClosed))
				s.cancel()
				return
			}
		}
	}
}

// isCleanExit reports whether a read error is the ordinary end of a
// terminal stream. A pty read on Linux reports EIO once the other side is
// gone.
func isCleanExit(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, syscall.EIO)
}

func reasonString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
