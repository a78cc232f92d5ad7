// Package ratelimit implements the per-client sliding-window rate limiter
// described in §5: a 60s window, a hard cap of 1500 requests, sleep-then-
// throttle on breach, and a disconnect signal after sustained abuse.
package ratelimit

import (
	"sync"
	"time"
)

const (
	// Window is the sliding window duration.
	Window = 60 * time.Second
	// HardCap is the maximum requests allowed within Window.
	HardCap = 1500
	// DisconnectThreshold is the number of sustained breaches before the
	// owning caller is signaled to disconnect the client.
	DisconnectThreshold = 10
	// IdleWindowsToReset is the number of consecutive idle windows after
	// which the throttle counter resets.
	IdleWindowsToReset = 10
	// SweepInterval is how often the production cleanup sweep runs.
	SweepInterval = 15 * time.Second
)

// clientState tracks one remote peer/connection's recent request
// timestamps and throttle history.
type clientState struct {
	requests      []time.Time
	throttleCount int
	idleWindows   int
}

// Limiter is a registry of per-client sliding-window counters.
type Limiter struct {
	mu           sync.Mutex
	clients      map[string]*clientState
	nowFn        func() time.Time
	sleepFn      func(time.Duration)
	disableSweep bool

	sweepStop chan struct{}
}

// Option configures a Limiter at construction.
type Option func(*Limiter)

// WithTestHooks overrides the clock and sleep function, and disables the
// background sweep goroutine, so tests run deterministically without a
// real timer firing in the background.
func WithTestHooks(nowFn func() time.Time, sleepFn func(time.Duration)) Option {
	return func(l *Limiter) {
		l.nowFn = nowFn
		l.sleepFn = sleepFn
		l.disableSweep = true
	}
}

// New returns a Limiter. In production it starts a background sweep every
// SweepInterval; tests should pass WithTestHooks to suppress it.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		clients: make(map[string]*clientState),
		nowFn:   time.Now,
		sleepFn: time.Sleep,
	}
	for _, opt := range opts {
		opt(l)
	}
	if !l.disableSweep {
		l.sweepStop = make(chan struct{})
		go l.sweepLoop()
	}
	return l
}

// Close stops the background sweep, if running.
func (l *Limiter) Close() {
	if l.sweepStop != nil {
		close(l.sweepStop)
	}
}

func (l *Limiter) sweepLoop() {
	t := time.NewTicker(SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			l.sweep()
		case <-l.sweepStop:
			return
		}
	}
}

// Allow records one request from clientID. It returns disconnect=true when
// the caller should drop the connection after sustained breaches; it may
// block the caller (via sleepFn) while a breach is being throttled.
func (l *Limiter) Allow(clientID string) (disconnect bool) {
	l.mu.Lock()
	cs, ok := l.clients[clientID]
	if !ok {
		cs = &clientState{}
		l.clients[clientID] = cs
	}
	now := l.nowFn()
	cs.requests = pruneOlderThan(cs.requests, now.Add(-Window))

	if len(cs.requests) < HardCap {
		cs.requests = append(cs.requests, now)
		cs.idleWindows = 0
		l.mu.Unlock()
		return false
	}

	oldest := cs.requests[0]
	sleepFor := Window - now.Sub(oldest)
	cs.throttleCount++
	breach := cs.throttleCount >= DisconnectThreshold
	cs.requests = append(cs.requests, now)
	sleepFn := l.sleepFn
	l.mu.Unlock()

	if sleepFor > 0 {
		sleepFn(sleepFor)
	}
	return breach
}

func pruneOlderThan(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return append([]time.Time(nil), ts[i:]...)
}

// sweep prunes stale request history for every client and resets throttle
// counters after IdleWindowsToReset consecutive idle windows.
func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.nowFn()
	for id, cs := range l.clients {
		cs.requests = pruneOlderThan(cs.requests, now.Add(-Window))
		if len(cs.requests) == 0 {
			cs.idleWindows++
			if cs.idleWindows >= IdleWindowsToReset {
				cs.throttleCount = 0
			}
		} else {
			cs.idleWindows = 0
		}
		if len(cs.requests) == 0 && cs.throttleCount == 0 {
			delete(l.clients, id)
		}
	}
}
