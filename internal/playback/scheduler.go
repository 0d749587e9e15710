// Package playback keeps assistant audio gapless. Chunks arrive at irregular
// intervals and sizes; a single monotonic cursor marks the next free playback
// slot so consecutive chunks butt up against each other with no silence.
package playback

import (
	"sync"
	"time"

	"github.com/calvoice/calvoice/internal/audio"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Source is one scheduled chunk that can be stopped before it finishes.
type Source interface {
	Stop()
}

// Sink schedules a PCM16 chunk to start playing at a given instant.
type Sink interface {
	PlayAt(pcm []byte, at time.Time) Source
}

// Scheduler assigns start times to arriving chunks. Arrival order is the
// authoritative play order; a chunk arriving late plays immediately rather
// than waiting for its "natural" slot.
type Scheduler struct {
	sink       Sink
	clock      Clock
	sampleRate int

	mu      sync.Mutex
	cursor  time.Time
	pending []Source
	stopped bool
}

func NewScheduler(sink Sink, sampleRate int) *Scheduler {
	return newScheduler(sink, sampleRate, realClock{})
}

func newScheduler(sink Sink, sampleRate int, clock Clock) *Scheduler {
	return &Scheduler{sink: sink, clock: clock, sampleRate: sampleRate}
}

// Schedule enqueues one chunk: it starts at max(cursor, now) and the cursor
// advances by the chunk's duration. Returns the assigned start time.
func (s *Scheduler) Schedule(pcm []byte) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || len(pcm) == 0 {
		return time.Time{}, false
	}

	now := s.clock.Now()
	start := s.cursor
	if now.After(start) {
		start = now
	}
	s.cursor = start.Add(audio.PCM16Duration(len(pcm), s.sampleRate))

	src := s.sink.PlayAt(pcm, start)
	if src != nil {
		s.pending = append(s.pending, src)
	}
	return start, true
}

// StopAll stops every scheduled-but-unfinished source and rejects further
// scheduling. Idempotent; audio must never leak past session end.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.stopped = true
	s.mu.Unlock()

	for _, src := range pending {
		src.Stop()
	}
}

// Reset clears the cursor and re-enables scheduling for a fresh session.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = time.Time{}
	s.pending = nil
	s.stopped = false
}
