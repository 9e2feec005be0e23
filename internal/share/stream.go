package share

import (
	"slices"
	"sync"
	"time"
)

// State is the lifecycle position of a Stream.
type State int

const (
	Pending State = iota
	Active
	Completed
	Aborted
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Active:
		return "active"
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Completed || s == Aborted
}

// Stream is one in-flight transfer of a share from a single uploader to a
// single downloader.
type Stream struct {
	ID        string
	CreatedAt time.Time

	sink *Sink

	mu     sync.Mutex
	state  State
	source *Source
	err    error

	done chan struct{}
	once sync.Once
}

func newStream(id string, sink *Sink, now time.Time) *Stream {
	return &Stream{
		ID:        id,
		CreatedAt: now,
		sink:      sink,
		done:      make(chan struct{}),
	}
}

// Sink returns the downloader side of the stream.
func (s *Stream) Sink() *Sink { return s.sink }

// Source returns the bound uploader side, or nil while pending.
func (s *Stream) Source() *Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source
}

func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the cause of an aborted stream.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed exactly once when the stream reaches a terminal state.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// bind attaches the uploader. Only a pending stream accepts a source.
func (s *Stream) bind(src *Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Pending {
		return ErrConflict
	}
	s.source = src
	s.state = Active
	return nil
}

// terminate moves the stream into a terminal state and fires the completion
// signal. It returns the previous state and whether this call made the
// transition.
func (s *Stream) terminate(state State, err error, onlyFrom ...State) (State, bool) {
	s.mu.Lock()
	prev := s.state
	if prev.Terminal() || (len(onlyFrom) > 0 && !slices.Contains(onlyFrom, prev)) {
		s.mu.Unlock()
		return prev, false
	}
	s.state = state
	s.err = err
	s.mu.Unlock()

	s.once.Do(func() { close(s.done) })
	return prev, true
}

// Complete marks a successful relay.
func (s *Stream) Complete() bool {
	_, ok := s.terminate(Completed, nil, Active)
	return ok
}

// Fail marks a relay that stopped on an I/O error.
func (s *Stream) Fail(err error) bool {
	_, ok := s.terminate(Aborted, err)
	return ok
}

// Abort tears the stream down from outside the relay. If bytes may be
// flowing, both ends are interrupted so the relay unblocks.
func (s *Stream) Abort(cause error) bool {
	prev, ok := s.terminate(Aborted, cause)
	if !ok {
		return false
	}
	if prev == Active {
		s.sink.Abort()
		if src := s.Source(); src != nil {
			src.Abort()
		}
	}
	return true
}

// Expire aborts the stream with ErrWaitTimeout, but only while no uploader
// has bound it.
func (s *Stream) Expire() bool {
	_, ok := s.terminate(Aborted, ErrWaitTimeout, Pending)
	return ok
}
