package runner

import "sync"

// logRing is a bounded line buffer. When full, appending evicts the
// oldest line. Safe for one writer and many readers.
type logRing struct {
	mu      sync.Mutex
	lines   []string
	max     int
	dropped int
}

func newLogRing(max int) *logRing {
	return &logRing{max: max}
}

func (r *logRing) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.lines) >= r.max {
		r.lines = r.lines[1:]
		r.dropped++
	}
	r.lines = append(r.lines, line)
}

// Snapshot returns the buffered lines. With drain set the buffer is
// emptied.
func (r *logRing) Snapshot(drain bool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, len(r.lines))
	copy(out, r.lines)
	if drain {
		r.lines = nil
	}
	return out
}

// Dropped returns how many lines were evicted so far.
func (r *logRing) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
