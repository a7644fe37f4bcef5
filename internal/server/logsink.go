// logsink.go - Non-blocking log sink backed by daily log files
package server

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// AsyncSink is an io.Writer that queues log lines and writes them from a
// single goroutine into <dir>/<YYMMDD>.log. Write never blocks: when the
// queue is full the line is dropped and counted.
type AsyncSink struct {
	dir   string
	echo  io.Writer
	queue chan []byte
	now   func() time.Time

	mu     sync.RWMutex
	closed bool

	dropped atomic.Int64
	done    chan struct{}

	file    *os.File
	fileDay string
}

// NewAsyncSink starts the writer goroutine. echo, when non-nil, receives a
// copy of every line (typically stdout).
func NewAsyncSink(dir string, queueSize int, echo io.Writer) (*AsyncSink, error) {
	return newAsyncSink(dir, queueSize, echo, time.Now)
}

func newAsyncSink(dir string, queueSize int, echo io.Writer, now func() time.Time) (*AsyncSink, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create log dir %s: %w", dir, err)
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	s := &AsyncSink{
		dir:   dir,
		echo:  echo,
		queue: make(chan []byte, queueSize),
		now:   now,
		done:  make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// Write enqueues a copy of p.
func (s *AsyncSink) Write(p []byte) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return len(p), nil
	}

	line := make([]byte, len(p))
	copy(line, p)
	select {
	case s.queue <- line:
	default:
		s.dropped.Add(1)
	}
	return len(p), nil
}

// Dropped reports how many lines were discarded because the queue was full
// or the sink was closed.
func (s *AsyncSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close stops accepting lines, drains the queue and closes the current file.
func (s *AsyncSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for line := range s.queue {
		if f, err := s.currentFile(); err == nil {
			_, _ = f.Write(line)
		} else {
			s.dropped.Add(1)
		}
		if s.echo != nil {
			_, _ = s.echo.Write(line)
		}
	}
}

// currentFile returns the file for today, reopening on date change.
func (s *AsyncSink) currentFile() (*os.File, error) {
	day := s.now().Format("060102")
	if s.file != nil && s.fileDay == day {
		return s.file, nil
	}
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	f, err := os.OpenFile(filepath.Join(s.dir, day+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, err
	}
	s.file = f
	s.fileDay = day
	return f, nil
}
