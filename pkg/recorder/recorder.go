// Package recorder writes terminal session logs in the asciicast v2 format:
// a JSON header line followed by one JSON event per line, each carrying the
// elapsed time, the direction and the raw bytes. Recording is strictly
// best-effort; when the writer cannot keep up, frames are dropped and the
// log is marked degraded, but the session itself is never slowed down.
package recorder

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

// ErrDegraded marks a log that lost frames or could no longer write.
var ErrDegraded = errors.Base("session recording degraded")

// Direction marks which way a frame travelled through the relay.
type Direction string

const (
	DirOutput Direction = "o" // shell to student
	DirInput  Direction = "i" // student to shell
)

// Frame is a single timed chunk of terminal traffic.
type Frame struct {
	At   time.Duration
	Dir  Direction
	Data []byte
}

// Header is the first line of a session log.
type Header struct {
	Version   int    `json:"version"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Timestamp int64  `json:"timestamp"`
	Title     string `json:"title,omitempty"`
}

const (
	defaultQueueSize = 256
	defaultWidth     = 80
	defaultHeight    = 24
)

// Recorder hands out per-session logs below a base directory.
type Recorder struct {
	dir       string
	queueSize int
}

// New prepares the recording directory.
func New(dir string, queueSize int) (*Recorder, error) {
	if dir == "" {
		return nil, errors.New("recorder requires a directory")
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Errorf("creating recording directory: %w", err)
	}
	return &Recorder{dir: dir, queueSize: queueSize}, nil
}

// Dir returns the recording directory.
func (r *Recorder) Dir() string {
	return r.dir
}

// LogPath returns where the log for a session id lives.
func (r *Recorder) LogPath(sessionID string) string {
	return filepath.Join(r.dir, sessionID+".cast")
}

// Open starts a new session log and its writer goroutine.
func (r *Recorder) Open(ctx context.Context, sessionID, title string) (*Log, error) {
	path := r.LogPath(sessionID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, errors.Errorf("creating session log: %w", err)
	}

	w := bufio.NewWriter(f)
	header, err := json.Marshal(Header{
		Version:   2,
		Width:     defaultWidth,
		Height:    defaultHeight,
		Timestamp: time.Now().Unix(),
		Title:     title,
	})
	if err != nil {
		f.Close()
		return nil, errors.Errorf("encoding session log header: %w", err)
	}
	if _, err := w.Write(append(header, '\n')); err != nil {
		f.Close()
		return nil, errors.Errorf("writing session log header: %w", err)
	}

	logger := zerolog.Ctx(ctx).With().Str("session", sessionID).Logger()
	l := &Log{
		path:    path,
		f:       f,
		w:       w,
		queue:   make(chan Frame, r.queueSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		start:   time.Now(),
		logger:  logger,
	}
	go l.writeLoop()
	return l, nil
}

// Log is one session's recording. Record never blocks; a single writer
// goroutine drains the queue in order, so the log on disk preserves the
// relay's frame order exactly.
type Log struct {
	path    string
	f       *os.File
	w       *bufio.Writer
	queue   chan Frame
	done    chan struct{}
	flushed chan struct{}
	start   time.Time
	logger  zerolog.Logger

	closed      atomic.Bool
	degraded    atomic.Bool
	dropped     atomic.Int64
	writeBroken bool // writer goroutine only
}

// Record enqueues one frame. When the queue is full the frame is dropped,
// the dropped counter moves and the log flips to degraded; the caller is
// never delayed. Data is copied, so the caller may reuse its buffer.
func (l *Log) Record(dir Direction, data []byte) {
	if len(data) == 0 || l.closed.Load() {
		return
	}
	frame := Frame{
		At:   time.Since(l.start),
		Dir:  dir,
		Data: append([]byte(nil), data...),
	}
	select {
	case l.queue <- frame:
	default:
		l.dropped.Add(1)
		if l.degraded.CompareAndSwap(false, true) {
			l.logger.Warn().Str("path", l.path).Msg("Recording queue full, dropping frames")
		}
	}
}

// Close stops intake, drains everything already queued and finishes the
// file. Safe to call more than once.
func (l *Log) Close() error {
	if l.closed.CompareAndSwap(false, true) {
		close(l.done)
	}
	<-l.flushed
	return nil
}

// Degraded reports whether any frame was lost or a write failed.
func (l *Log) Degraded() bool {
	return l.degraded.Load()
}

// Dropped returns how many frames were discarded.
func (l *Log) Dropped() int64 {
	return l.dropped.Load()
}

// Health returns nil for a clean log and ErrDegraded otherwise.
func (l *Log) Health() error {
	if l.degraded.Load() {
		return errors.Errorf("%d frames lost: %w", l.dropped.Load(), ErrDegraded)
	}
	return nil
}

// Path returns the log file location.
func (l *Log) Path() string {
	return l.path
}

func (l *Log) writeLoop() {
	defer close(l.flushed)
	for {
		select {
		case frame := <-l.queue:
			l.write(frame)
		case <-l.done:
			for {
				select {
				case frame := <-l.queue:
					l.write(frame)
				default:
					l.finish()
					return
				}
			}
		}
	}
}

func (l *Log) write(frame Frame) {
	if l.writeBroken {
		l.dropped.Add(1)
		return
	}
	line, err := json.Marshal([]any{
		frame.At.Seconds(),
		string(frame.Dir),
		string(frame.Data),
	})
	if err == nil {
		_, err = l.w.Write(append(line, '\n'))
	}
	if err != nil {
		l.writeBroken = true
		l.degraded.Store(true)
		l.logger.Warn().Err(err).Str("path", l.path).Msg("Recording write failed, log truncated")
	}
}

func (l *Log) finish() {
	if err := l.w.Flush(); err != nil {
		l.degraded.Store(true)
	}
	if err := l.f.Close(); err != nil {
		l.logger.Warn().Err(err).Str("path", l.path).Msg("Closing session log failed")
	}
}
