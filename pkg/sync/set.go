package sync

import "time"

// ClaimSet records which keys are currently claimed, and when.
// Claiming a key that is already present is a no-op which
// reports false, so only one caller can ever hold a claim.
type ClaimSet[K comparable] struct {
	m TypedSyncMap[K, time.Time]
}

// Claim returns true if the key was not previously claimed.
func (s *ClaimSet[K]) Claim(key K) bool {
	_, loaded := s.m.LoadOrStore(key, time.Now())
	return !loaded
}

// Release drops the claim on the key, allowing it to be claimed again.
func (s *ClaimSet[K]) Release(key K) { s.m.Delete(key) }

func (s *ClaimSet[K]) Contains(key K) bool {
	_, ok := s.m.Load(key)
	return ok
}

func (s *ClaimSet[K]) Len() int { return s.m.Len() }
