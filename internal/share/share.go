// Package share holds the in-memory registry of advertised files and the
// streams currently relaying them.
package share

import (
	"fmt"
	"sync"
	"time"
)

// Topic returns the notification topic for a share.
func Topic(shareID string) string {
	return "/topic/" + shareID
}

// Share is an advertised file. Filename, Size and the owner token never
// change after creation.
type Share struct {
	ID        string
	Filename  string
	Size      int64
	CreatedAt time.Time

	ownerToken string

	mu            sync.Mutex
	streams       map[string]*Stream
	closed        bool
	lastHeartbeat time.Time
}

// OwnerToken returns the secret handed to the creator. Callers other than
// the creation response and the reaper must not expose it.
func (s *Share) OwnerToken() string { return s.ownerToken }

// LastHeartbeat returns the last heartbeat time and whether one was ever
// received.
func (s *Share) LastHeartbeat() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat, !s.lastHeartbeat.IsZero()
}

func (s *Share) StreamCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// Stream looks up a stream by id.
func (s *Share) Stream(id string) (*Stream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	return st, ok
}

// Closed reports whether the share has been torn down.
func (s *Share) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Bind attaches the uploader to the pending stream streamID.
func (s *Share) Bind(streamID string, src *Source) (*Stream, error) {
	st, ok := s.Stream(streamID)
	if !ok {
		return nil, fmt.Errorf("stream %q of share %q: %w", streamID, s.ID, ErrNotFound)
	}
	if err := st.bind(src); err != nil {
		return nil, fmt.Errorf("stream %q of share %q: %w", streamID, s.ID, err)
	}
	return st, nil
}

// Detach removes st from the share if it is still registered.
func (s *Share) Detach(st *Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.streams[st.ID]; ok && cur == st {
		delete(s.streams, st.ID)
	}
}

func (s *Share) touch(now time.Time) {
	s.mu.Lock()
	s.lastHeartbeat = now
	s.mu.Unlock()
}

// seal closes the share to new streams and returns the streams it held.
// With requireIdle set it refuses a share that still has streams.
func (s *Share) seal(requireIdle bool) ([]*Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrNotFound
	}
	if requireIdle && len(s.streams) > 0 {
		return nil, ErrBusy
	}
	s.closed = true
	streams := make([]*Stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	return streams, nil
}
