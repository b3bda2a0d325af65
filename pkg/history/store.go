// Copyright 2025-2026 Can Hieu. All rights reserved.
// Use of this source code is governed by the MIT License
// included in the LICENSE file of this repository.

package history

import (
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned by Get for indices outside the stored range,
// including indices that were evicted by the size cap.
var ErrNotFound = errors.New("not found")

// Protocol constants for captured transactions.
const (
	ProtocolHTTP  = "http"
	ProtocolHTTPS = "https"
)

// Entry is one intercepted proxy transaction. An Entry is immutable once
// appended: the store hands out shared pointers, so callers must not modify
// fields after Append.
type Entry struct {
	// Index is the position in arrival order, assigned by Append.
	Index int

	Host     string
	Port     int
	Protocol string // "http" or "https"

	Method string
	URL    string

	// StatusCode is 0 when no response was captured.
	StatusCode int

	// Headers holds the raw request header lines, including the request
	// line, in the exact order and casing they appeared on the wire.
	Headers []string

	// Request and Response are the raw transaction bytes. Response is nil
	// when the response never arrived.
	Request  []byte
	Response []byte

	CapturedAt time.Time
}

// Stats aggregates a point-in-time view of the store.
type Stats struct {
	TotalCount int
	PerHost    map[string]int
	PerStatus  map[int]int
}

// Store is a bounded, ordered collection of captured transactions. One
// writer (the capture callback) and any number of readers (API handlers)
// may use it concurrently. The mutex is held only for index assignment and
// slice manipulation — never across decoding or serialization.
type Store struct {
	mu         sync.Mutex
	entries    []*Entry
	firstIndex int // index of entries[0]; advances on eviction
	nextIndex  int
	maxEntries int // 0 = unbounded
	evicted    int64
}

// NewStore creates a store capped at maxEntries transactions. When the cap
// is exceeded the oldest entry is evicted; its index is never reused, so
// Get on an evicted index reports ErrNotFound. maxEntries <= 0 disables
// eviction.
func NewStore(maxEntries int) *Store {
	if maxEntries < 0 {
		maxEntries = 0
	}
	return &Store{maxEntries: maxEntries}
}

// Append assigns the next sequential index to e, inserts it at the end,
// and returns the assigned index. Safe for concurrent use; each index is
// assigned exactly once with no gaps.
func (s *Store) Append(e *Entry) int {
	s.mu.Lock()
	e.Index = s.nextIndex
	s.nextIndex++
	s.entries = append(s.entries, e)
	if s.maxEntries > 0 && len(s.entries) > s.maxEntries {
		s.entries[0] = nil // release for GC
		s.entries = s.entries[1:]
		s.firstIndex++
		s.evicted++
	}
	idx := e.Index
	s.mu.Unlock()
	return idx
}

// Get returns the entry appended with the given index, or ErrNotFound when
// the index is negative, beyond the last appended entry, or evicted.
func (s *Store) Get(index int) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < s.firstIndex || index >= s.nextIndex {
		return nil, ErrNotFound
	}
	return s.entries[index-s.firstIndex], nil
}

// Snapshot returns a point-in-time copy of the entry list in arrival order.
// Appends after Snapshot returns are not visible in the returned slice.
func (s *Store) Snapshot() []*Entry {
	s.mu.Lock()
	snap := make([]*Entry, len(s.entries))
	copy(snap, s.entries)
	s.mu.Unlock()
	return snap
}

// Len returns the number of entries currently held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Evicted returns the number of entries dropped by the size cap.
func (s *Store) Evicted() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evicted
}

// Stats aggregates per-host and per-status counts over a snapshot. The
// aggregation runs outside the store lock.
func (s *Store) Stats() Stats {
	snap := s.Snapshot()
	st := Stats{
		TotalCount: len(snap),
		PerHost:    make(map[string]int),
		PerStatus:  make(map[int]int),
	}
	for _, e := range snap {
		st.PerHost[e.Host]++
		if e.StatusCode != 0 {
			st.PerStatus[e.StatusCode]++
		}
	}
	return st
}
