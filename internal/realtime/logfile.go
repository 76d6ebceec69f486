package realtime

import (
	"fmt"
	"log/slog"
	"os"
	"time"
)

// sessionLog appends timestamped wire frames to a local file. Writes are
// fire-and-forget: the caller never blocks on disk, and a failed write only
// loses that line. Close drains whatever was queued before returning so the
// log is complete when the call's artifacts are archived.
type sessionLog struct {
	path string
	ch   chan []byte
	done chan struct{}
}

func newSessionLog(path string) (*sessionLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("realtime: open session log: %w", err)
	}
	l := &sessionLog{
		path: path,
		ch:   make(chan []byte, 1024),
		done: make(chan struct{}),
	}
	go func() {
		defer close(l.done)
		defer f.Close()
		for line := range l.ch {
			if _, err := f.Write(line); err != nil {
				slog.Warn("session log write failed", "path", path, "error", err)
			}
		}
	}()
	return l, nil
}

// Append queues one frame. The line is dropped if the writer has fallen a
// full buffer behind, keeping the audio path free of disk backpressure.
func (l *sessionLog) Append(frame []byte) {
	line := make([]byte, 0, len(frame)+40)
	line = append(line, '[')
	line = append(line, time.Now().UTC().Format("2006-01-02T15:04:05.000000")...)
	line = append(line, "] "...)
	line = append(line, frame...)
	line = append(line, '\n')
	select {
	case l.ch <- line:
	default:
		slog.Warn("session log backlogged, dropping frame", "path", l.path)
	}
}

// Close stops the writer after the queue drains.
func (l *sessionLog) Close() {
	close(l.ch)
	select {
	case <-l.done:
	case <-time.After(5 * time.Second):
		slog.Warn("session log close timed out", "path", l.path)
	}
}
