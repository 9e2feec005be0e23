package share

import (
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/ssd-technologies/conduit/internal/ident"
)

// maxIDAttempts bounds id regeneration on collision.
const maxIDAttempts = 64

// Options configures a Registry. Zero values select production defaults.
type Options struct {
	IDLength  int
	ShareIDs  ident.Generator
	StreamIDs ident.Generator
	Tokens    func() string
	Clock     clock.Clock
}

// Registry is the authoritative set of live shares. It is safe for
// concurrent use; no method performs I/O while holding a lock.
type Registry struct {
	shareIDs  ident.Generator
	streamIDs ident.Generator
	tokens    func() string
	clock     clock.Clock

	mu     sync.RWMutex
	shares map[string]*Share
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		shareIDs:  opts.ShareIDs,
		streamIDs: opts.StreamIDs,
		tokens:    opts.Tokens,
		clock:     opts.Clock,
		shares:    make(map[string]*Share),
	}
	if r.shareIDs == nil {
		r.shareIDs = ident.SecureGenerator(opts.IDLength)
	}
	if r.streamIDs == nil {
		r.streamIDs = ident.FastGenerator(opts.IDLength)
	}
	if r.tokens == nil {
		r.tokens = IssueToken
	}
	if r.clock == nil {
		r.clock = clock.New()
	}
	return r
}

// Create registers a new share and mints its owner token.
func (r *Registry) Create(filename string, size int64) (*Share, error) {
	if filename == "" {
		return nil, fmt.Errorf("filename is required: %w", ErrValidation)
	}
	if size < 0 {
		return nil, fmt.Errorf("size must not be negative: %w", ErrValidation)
	}

	s := &Share{
		Filename:   filename,
		Size:       size,
		CreatedAt:  r.clock.Now(),
		ownerToken: r.tokens(),
		streams:    make(map[string]*Stream),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for range maxIDAttempts {
		id := r.shareIDs()
		if _, taken := r.shares[id]; taken {
			continue
		}
		s.ID = id
		r.shares[id] = s
		return s, nil
	}
	return nil, ErrIDExhausted
}

// Get returns the live share with the given id.
func (r *Registry) Get(id string) (*Share, error) {
	r.mu.RLock()
	s, ok := r.shares[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("share %q: %w", id, ErrNotFound)
	}
	return s, nil
}

// Remove unconditionally drops the share and closes it to new streams. The
// streams it held are left for the caller to abort.
func (r *Registry) Remove(id string) (*Share, []*Stream, error) {
	s, err := r.Get(id)
	if err != nil {
		return nil, nil, err
	}
	streams, err := r.Retire(s, false)
	if err != nil {
		return nil, nil, err
	}
	return s, streams, nil
}

// Retire seals s and removes it from the registry. With requireIdle set it
// fails with ErrBusy if s has any stream; the check and the seal are atomic
// with respect to CreateStream.
func (r *Registry) Retire(s *Share, requireIdle bool) ([]*Stream, error) {
	streams, err := s.seal(requireIdle)
	if err != nil {
		return nil, fmt.Errorf("share %q: %w", s.ID, err)
	}

	r.mu.Lock()
	if cur, ok := r.shares[s.ID]; ok && cur == s {
		delete(r.shares, s.ID)
	}
	r.mu.Unlock()
	return streams, nil
}

// CreateStream adds a pending stream bound to sink.
func (r *Registry) CreateStream(shareID string, sink *Sink) (*Share, *Stream, error) {
	s, err := r.Get(shareID)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, fmt.Errorf("share %q: %w", shareID, ErrNotFound)
	}
	for range maxIDAttempts {
		id := r.streamIDs()
		if _, taken := s.streams[id]; taken {
			continue
		}
		st := newStream(id, sink, r.clock.Now())
		s.streams[id] = st
		return s, st, nil
	}
	return nil, nil, ErrIDExhausted
}

// BindStreamSource attaches the uploader to a pending stream. The first
// caller wins; later callers get ErrConflict.
func (r *Registry) BindStreamSource(shareID, streamID string, src *Source) (*Stream, error) {
	s, err := r.Get(shareID)
	if err != nil {
		return nil, err
	}
	return s.Bind(streamID, src)
}

// RemoveStream drops a stream from its share. Unknown ids are ignored.
func (r *Registry) RemoveStream(shareID, streamID string) {
	s, err := r.Get(shareID)
	if err != nil {
		return
	}
	if st, ok := s.Stream(streamID); ok {
		s.Detach(st)
	}
}

// Touch records a heartbeat for the share if token is its owner token.
func (r *Registry) Touch(shareID, token string) error {
	s, err := r.Get(shareID)
	if err != nil {
		return err
	}
	if err := Authorize(s, token); err != nil {
		return fmt.Errorf("heartbeat for share %q: %w", shareID, err)
	}
	s.touch(r.clock.Now())
	return nil
}

// Snapshot returns the live shares at the time of the call.
func (r *Registry) Snapshot() []*Share {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Share, 0, len(r.shares))
	for _, s := range r.shares {
		out = append(out, s)
	}
	return out
}

// Has reports whether id names a live share.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.shares[id]
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.shares)
}
