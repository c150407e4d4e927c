package ws

import (
	"sync"
)

// DefaultDedupWindow is how many recent sequence numbers per run the
// sequencer remembers for duplicate suppression.
const DefaultDedupWindow = 32

// Sequencer assigns per-run sequence numbers and suppresses duplicate
// deliveries. Each run's numbering starts at 0 and increases by exactly one
// per event; the dedup window remembers the most recent numbers seen so a
// replayed frame inside the window is recognized and blocked. Numbers older
// than the window are also treated as duplicates, since anything that far
// behind the high-water mark has already been delivered or dropped.
type Sequencer struct {
	mu     sync.Mutex
	window int
	runs   map[string]*runSequence
}

type runSequence struct {
	next      int64
	highWater int64
	seen      map[int64]struct{}
	order     []int64
}

// NewSequencer builds a sequencer with the given dedup window; window < 1
// falls back to DefaultDedupWindow.
func NewSequencer(window int) *Sequencer {
	if window < 1 {
		window = DefaultDedupWindow
	}
	return &Sequencer{
		window: window,
		runs:   make(map[string]*runSequence),
	}
}

func (s *Sequencer) run(runID string) *runSequence {
	rs, ok := s.runs[runID]
	if !ok {
		rs = &runSequence{highWater: -1, seen: make(map[int64]struct{})}
		s.runs[runID] = rs
	}
	return rs
}

// Next allocates the run's next sequence number. The first call for a run
// returns 0.
func (s *Sequencer) Next(runID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs := s.run(runID)
	n := rs.next
	rs.next++
	return n
}

// IsDuplicate reports whether (runID, seq) was already recorded, and records
// it when it was not. A false return therefore claims the number: asking
// again about the same pair returns true.
func (s *Sequencer) IsDuplicate(runID string, seq int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs := s.run(runID)

	if rs.highWater >= int64(s.window) && seq <= rs.highWater-int64(s.window) {
		return true
	}
	if _, ok := rs.seen[seq]; ok {
		return true
	}

	rs.seen[seq] = struct{}{}
	rs.order = append(rs.order, seq)
	if seq > rs.highWater {
		rs.highWater = seq
	}
	for len(rs.order) > s.window {
		delete(rs.seen, rs.order[0])
		rs.order = rs.order[1:]
	}
	return false
}

// Release discards all state for a finished run. Further Next calls for the
// same runID start over at 0, so run IDs must not be reused.
func (s *Sequencer) Release(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runID)
}

// ActiveRuns returns how many runs currently hold sequencer state.
func (s *Sequencer) ActiveRuns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}
