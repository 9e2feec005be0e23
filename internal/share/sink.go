package share

import (
	"io"
	"sync"
	"sync/atomic"
)

// Sink is the downloader side of a stream. Writes are serialised; once the
// sink is closed no further write reaches the underlying writer.
type Sink struct {
	mu      sync.Mutex
	w       io.Writer
	flush   func() error
	closed  bool
	written int64

	interrupt   func()
	interrupted atomic.Bool
	once        sync.Once
}

// NewSink wraps w. flush is called by Flush and may be nil. interrupt must
// make a blocked Write on w return promptly; the HTTP layer sets a write
// deadline in the past.
func NewSink(w io.Writer, flush func() error, interrupt func()) *Sink {
	return &Sink{w: w, flush: flush, interrupt: interrupt}
}

func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errSinkClosed
	}
	n, err := s.w.Write(p)
	s.written += int64(n)
	return n, err
}

// Flush pushes buffered bytes to the downloader.
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSinkClosed
	}
	if s.flush == nil {
		return nil
	}
	return s.flush()
}

// Written reports how many bytes reached the underlying writer.
func (s *Sink) Written() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Close stops further writes. It waits for an in-flight write to return.
func (s *Sink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Abort interrupts any blocked write and closes the sink.
func (s *Sink) Abort() {
	s.once.Do(func() {
		s.interrupted.Store(true)
		if s.interrupt != nil {
			s.interrupt()
		}
	})
	s.Close()
}

// Interrupted reports whether Abort was called. An interrupted sink cannot
// carry an error response.
func (s *Sink) Interrupted() bool {
	return s.interrupted.Load()
}

// Source is the uploader side of a stream.
type Source struct {
	r         io.Reader
	interrupt func()
	closed    atomic.Bool
	once      sync.Once
}

// NewSource wraps r. interrupt must make a blocked Read on r return.
func NewSource(r io.Reader, interrupt func()) *Source {
	return &Source{r: r, interrupt: interrupt}
}

func (s *Source) Read(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, errSourceClosed
	}
	return s.r.Read(p)
}

// Abort interrupts a blocked read and makes later reads fail.
func (s *Source) Abort() {
	s.once.Do(func() {
		s.closed.Store(true)
		if s.interrupt != nil {
			s.interrupt()
		}
	})
}
