package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrackerCompletesWhenSealedAndDrained(t *testing.T) {
	tr := newTracker()
	tr.expect(1)
	tr.expect(1)

	assert.False(t, tr.finished(1), "one of two units is not drained")
	assert.False(t, tr.seal(1), "sealed but one unit still in flight")
	assert.True(t, tr.finished(1), "last unit drains the segment")

	assert.Empty(t, tr.pending(), "a drained segment leaves no trace")
}

func TestTrackerZeroWorkSegmentCompletesAtSeal(t *testing.T) {
	tr := newTracker()
	assert.True(t, tr.seal(5))
	assert.Empty(t, tr.pending())
}

func TestTrackerCompletesAtSealWhenWorkAlreadyDrained(t *testing.T) {
	tr := newTracker()
	tr.expect(2)
	assert.False(t, tr.finished(2), "not sealed yet")
	assert.True(t, tr.seal(2))
}

func TestTrackerPendingSortsAscending(t *testing.T) {
	tr := newTracker()
	tr.expect(9)
	tr.expect(3)
	tr.seal(3)
	tr.expect(7)

	assert.Equal(t, []uint64{3, 7, 9}, tr.pending())
}
