package recorder

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"time"

	"gitlab.com/tozd/go/errors"
)

// maxFrameLine bounds a single log line; frames are small terminal chunks,
// so a megabyte of headroom is generous.
const maxFrameLine = 1 << 20

// ReadLog parses a session log back into its header and ordered frames.
func ReadLog(path string) (Header, []Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, nil, errors.Errorf("opening session log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameLine)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return Header{}, nil, errors.Errorf("reading session log header: %w", err)
		}
		return Header{}, nil, errors.Errorf("session log %s is empty", path)
	}
	var header Header
	if err := json.Unmarshal(scanner.Bytes(), &header); err != nil {
		return Header{}, nil, errors.Errorf("parsing session log header: %w", err)
	}

	var frames []Frame
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev [3]json.RawMessage
		if err := json.Unmarshal(line, &ev); err != nil {
			return Header{}, nil, errors.Errorf("parsing session log event %d: %w", len(frames)+1, err)
		}
		var secs float64
		var dir, data string
		if err := json.Unmarshal(ev[0], &secs); err != nil {
			return Header{}, nil, errors.Errorf("parsing event %d time: %w", len(frames)+1, err)
		}
		if err := json.Unmarshal(ev[1], &dir); err != nil {
			return Header{}, nil, errors.Errorf("parsing event %d direction: %w", len(frames)+1, err)
		}
		if err := json.Unmarshal(ev[2], &data); err != nil {
			return Header{}, nil, errors.Errorf("parsing event %d data: %w", len(frames)+1, err)
		}
		frames = append(frames, Frame{
			At:   time.Duration(secs * float64(time.Second)),
			Dir:  Direction(dir),
			Data: []byte(data),
		})
	}
	if err := scanner.Err(); err != nil {
		return Header{}, nil, errors.Errorf("reading session log: %w", err)
	}
	return header, frames, nil
}

// Replay writes the output side of a recorded session to w, reproducing the
// byte stream the student saw in its original order. With timing enabled the
// recorded gaps between frames are slept out.
func Replay(ctx context.Context, path string, w io.Writer, timing bool) error {
	_, frames, err := ReadLog(path)
	if err != nil {
		return err
	}

	elapsed := time.Duration(0)
	for _, frame := range frames {
		if frame.Dir != DirOutput {
			continue
		}
		if timing && frame.At > elapsed {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(frame.At - elapsed):
			}
		}
		elapsed = frame.At
		if _, err := w.Write(frame.Data); err != nil {
			return errors.Errorf("replaying session log: %w", err)
		}
	}
	return nil
}
