package pipeline

import (
	"sort"
	"sync"
)

// tracker counts outstanding work per segment. Every staged file and every
// schema directive registers with expect before dispatch and reports back
// with finished once its warehouse effect has been applied; rotation seals
// the set. A sealed segment with nothing outstanding is fully shipped.
type tracker struct {
	mu       sync.Mutex
	segments map[uint64]*segmentProgress
}

type segmentProgress struct {
	expected int
	finished int
	sealed   bool
}

func newTracker() *tracker {
	return &tracker{segments: make(map[uint64]*segmentProgress)}
}

func (t *tracker) progress(segment uint64) *segmentProgress {
	p, ok := t.segments[segment]
	if !ok {
		p = &segmentProgress{}
		t.segments[segment] = p
	}
	return p
}

// expect registers one unit of work attributed to segment.
func (t *tracker) expect(segment uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progress(segment).expected++
}

// seal marks that nothing further will be attributed to segment. Returns
// true when the segment is already drained; the caller finalizes it.
func (t *tracker) seal(segment uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.progress(segment)
	p.sealed = true
	return t.drained(segment, p)
}

// finished reports one completed unit. Returns true when it was the
// segment's last outstanding unit.
func (t *tracker) finished(segment uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.progress(segment)
	p.finished++
	return t.drained(segment, p)
}

// drained removes and reports a segment with no outstanding work. At most
// one caller observes true per segment: expect and seal both happen before
// the last finished can arrive, and the entry is gone afterwards.
func (t *tracker) drained(segment uint64, p *segmentProgress) bool {
	if !p.sealed || p.finished < p.expected {
		return false
	}
	delete(t.segments, segment)
	return true
}

// pending lists the segments still tracked, ascending, for the shutdown
// sweep log.
func (t *tracker) pending() []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	segments := make([]uint64, 0, len(t.segments))
	for segment := range t.segments {
		segments = append(segments, segment)
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i] < segments[j] })
	return segments
}
