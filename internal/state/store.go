package state

import "sync"

// Snapshot is a consistent (version, payload) pair read from a Store.
type Snapshot struct {
	Version uint32
	Payload string
}

// Store holds the current payload and its version counter.
// Both fields are guarded by one mutex and change together.
type Store struct {
	mu      sync.Mutex
	version uint32
	payload string
}

// New returns a Store at version 0 with an empty payload.
func New() *Store { return &Store{} }

// Read returns the current version and payload.
func (s *Store) Read() (uint32, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version, s.payload
}

// Snapshot is Read in value form.
func (s *Store) Snapshot() Snapshot {
	v, p := s.Read()
	return Snapshot{Version: v, Payload: p}
}

// Version returns only the current version.
func (s *Store) Version() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Write replaces the payload and bumps the version, returning the new version.
// The counter wraps from math.MaxUint32 to 0 via unsigned overflow.
func (s *Store) Write(payload string) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payload = payload
	s.version++
	return s.version
}
