package runner

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogRingEvictsOldest(t *testing.T) {
	r := newLogRing(3)
	for i := 1; i <= 5; i++ {
		r.Append(fmt.Sprintf("line %d", i))
	}

	assert.Equal(t, []string{"line 3", "line 4", "line 5"}, r.Snapshot(false))
	assert.Equal(t, 2, r.Dropped())
}

func TestLogRingDrain(t *testing.T) {
	r := newLogRing(10)
	r.Append("a")
	r.Append("b")

	assert.Equal(t, []string{"a", "b"}, r.Snapshot(true))
	assert.Empty(t, r.Snapshot(false))

	// Draining resets the buffer, not the capacity.
	r.Append("c")
	assert.Equal(t, []string{"c"}, r.Snapshot(false))
}
