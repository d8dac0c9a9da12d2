package nbd

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandQueueLifecycle(t *testing.T) {
	q := newCommandQueues()

	c1 := &command{cookie: nextCookie(), op: OpRead}
	c2 := &command{cookie: nextCookie(), op: OpWrite}
	q.enqueue(c1)
	q.enqueue(c2)

	assert.Equal(t, 2, q.inFlightCount())
	assert.Same(t, c1, q.peekToIssue())

	// Issue in FIFO order.
	assert.Same(t, c1, q.promoteToInFlight())
	assert.Same(t, c2, q.peekToIssue())
	assert.Same(t, c2, q.promoteToInFlight())
	assert.Equal(t, 2, q.inFlightCount())

	got, ok := q.lookup(c1.cookie)
	require.True(t, ok)
	assert.Same(t, c1, got)

	// Completions may arrive out of order; the done queue preserves
	// arrival order, not issue order.
	q.retire(c2.cookie)
	q.retire(c1.cookie)
	assert.Equal(t, 0, q.inFlightCount())
	assert.Same(t, c2, q.peekDone())
	assert.Same(t, c2, q.popDone())
	assert.Same(t, c1, q.popDone())
	assert.Nil(t, q.popDone())
}

func TestCookiesAreUnique(t *testing.T) {
	seen := make(map[uint64]bool)
	for i := 0; i < 1000; i++ {
		c := nextCookie()
		require.False(t, seen[c], "cookie %d repeated", c)
		seen[c] = true
	}
}

func TestFailAllInFlight(t *testing.T) {
	q := newCommandQueues()
	queued := &command{cookie: nextCookie(), op: OpRead}
	flying := &command{cookie: nextCookie(), op: OpFlush}
	q.enqueue(flying)
	q.enqueue(queued)
	q.promoteToInFlight() // flying is now on the wire, queued still waiting

	cause := errors.New("connection lost")
	q.failAllInFlight(cause)

	assert.Equal(t, 0, q.inFlightCount())
	assert.Equal(t, 2, q.done.Len())
	for c := q.popDone(); c != nil; c = q.popDone() {
		assert.Equal(t, cause, c.firstError)
	}
}

func TestFreeFiresExactlyOnce(t *testing.T) {
	var frees, completions int
	c := &command{
		cookie: nextCookie(),
		op:     OpRead,
		chunkCB: func(kind ChunkKind, _ uint64, _ uint32, _ error) {
			if kind == ChunkFree {
				frees++
			}
		},
		completionCB: func(uint64, error) { completions++ },
	}

	c.free()
	c.free()
	c.free()

	assert.Equal(t, 1, frees)
	assert.Equal(t, 1, completions)
}

func TestFirstErrorSticks(t *testing.T) {
	c := &command{cookie: nextCookie()}
	first := errors.New("first")
	c.setFirstError(first)
	c.setFirstError(errors.New("second"))
	assert.Equal(t, first, c.firstError)
}
