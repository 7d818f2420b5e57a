package memory

import (
	"context"
	"sync"
)

// FingerprintStore remembers subject fingerprints in memory.
type FingerprintStore struct {
	mu     sync.Mutex
	hashes map[int]string
}

// NewFingerprintStore constructs a FingerprintStore.
func NewFingerprintStore() *FingerprintStore {
	return &FingerprintStore{hashes: make(map[int]string)}
}

// SwapFingerprint stores fingerprint and returns the value it replaced.
func (s *FingerprintStore) SwapFingerprint(_ context.Context, key int, fingerprint string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, found := s.hashes[key]
	s.hashes[key] = fingerprint
	return previous, found, nil
}
