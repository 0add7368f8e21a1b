package service

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type State struct {
	ready     atomic.Bool
	startedAt time.Time

	mu      sync.RWMutex
	streams map[string]bool

	lastEventUnix atomic.Int64 // unix seconds
	lastSweepUnix atomic.Int64
}

func NewState() *State {
	s := &State{
		startedAt: time.Now(),
		streams:   make(map[string]bool),
	}
	s.ready.Store(false)
	return s
}

func (s *State) SetReady(v bool) { s.ready.Store(v) }
func (s *State) Ready() bool     { return s.ready.Load() }

func (s *State) SetStreamConnected(stream string, v bool) {
	s.mu.Lock()
	s.streams[stream] = v
	s.mu.Unlock()
}

// Streams returns a copy of stream -> connected.
func (s *State) Streams() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool, len(s.streams))
	for k, v := range s.streams {
		out[k] = v
	}
	return out
}

// Disconnected lists streams that are currently down, sorted.
func (s *State) Disconnected() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for k, v := range s.streams {
		if !v {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func (s *State) TouchEvent(t time.Time) { s.lastEventUnix.Store(t.Unix()) }
func (s *State) LastEvent() time.Time   { return unixOrZero(s.lastEventUnix.Load()) }

func (s *State) TouchSweep(t time.Time) { s.lastSweepUnix.Store(t.Unix()) }
func (s *State) LastSweep() time.Time   { return unixOrZero(s.lastSweepUnix.Load()) }

func (s *State) Uptime() time.Duration { return time.Since(s.startedAt) }

func unixOrZero(u int64) time.Time {
	if u == 0 {
		return time.Time{}
	}
	return time.Unix(u, 0)
}
