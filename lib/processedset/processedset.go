// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package processedset tracks artifact identities that have already
// been successfully extracted this process lifetime, so the
// finalization state machine can discard repeated Watcher events for
// them. It is intentionally not persisted: a restart legitimately
// reconsiders every artifact, and double-upload is prevented at the
// cloud boundary by the envelope's idempotency key, not by this set.
package processedset

import "sync"

// Set is a concurrent-safe set of canonical artifact paths, guarded by
// a reader-writer lock since lookups vastly outnumber insertions (one
// insertion per completed extraction, one lookup per discovery event).
type Set struct {
	mu    sync.RWMutex
	paths map[string]struct{}
}

// New returns an empty Set.
func New() *Set {
	return &Set{paths: make(map[string]struct{})}
}

// Contains reports whether path has already been processed.
func (s *Set) Contains(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.paths[path]
	return ok
}

// Add records path as processed.
func (s *Set) Add(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paths[path] = struct{}{}
}

// Len returns the number of processed paths recorded this session.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.paths)
}
