// Package dup implements a size- and age-bounded set of recently-seen
// message IDs (§3.1, §4.4), used to deduplicate inbound wire traffic.
package dup

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// defaultMaxAge and defaultCapacity set a 9s retention window and a soft
// cap of ~1000 entries, enforced by the LRU-on-bump discipline.
const (
	defaultMaxAge   = 9 * time.Second
	defaultCapacity = 1000
)

// Set is a mapping from message ID to last-touch timestamp. A single
// coalesced sweep timer, armed by Track when none is pending and re-armed by
// the sweep while entries remain, evicts entries older than maxAge; the soft capacity is enforced by golang-lru's Add, which already
// promotes a re-added key (LRU bump) and evicts the oldest on overflow.
type Set struct {
	maxAge time.Duration

	mu     sync.Mutex
	lru    *lru.Cache[string, time.Time]
	timer  *time.Timer
	nowFn  func() time.Time
}

// New returns an empty dedup set. maxAge <= 0 uses the 9s default;
// capacity <= 0 uses the 1000-entry default.
func New(maxAge time.Duration, capacity int) *Set {
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	c, _ := lru.New[string, time.Time](capacity)
	return &Set{maxAge: maxAge, lru: c, nowFn: time.Now}
}

// Track records (id, now), refreshing its timestamp if already present,
// and returns id. It arms the coalesced sweep timer if not already armed.
func (s *Set) Track(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Add(id, s.nowFn())
	if s.timer == nil {
		s.timer = time.AfterFunc(s.maxAge, s.sweep)
	}
	return id
}

// Check returns (id, true) if id is present, refreshing it, else ("",
// false). This is the I7 dedup gate: inbound messages whose id Check
// already reports present are dropped without further processing.
func (s *Set) Check(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lru.Get(id); ok {
		s.lru.Add(id, s.nowFn())
		return id, true
	}
	return "", false
}

func (s *Set) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timer = nil
	cutoff := s.nowFn().Add(-s.maxAge)
	for _, id := range s.lru.Keys() {
		ts, ok := s.lru.Peek(id)
		if !ok {
			continue
		}
		if ts.Before(cutoff) {
			s.lru.Remove(id)
		}
	}
	if s.lru.Len() > 0 {
		s.timer = time.AfterFunc(s.maxAge, s.sweep)
	}
}

// Len reports the current number of tracked ids.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}
