package nbd

import (
	"container/list"
	"sync/atomic"
)

// Op is a command opcode (spec §4.3.4).
type Op int

const (
	OpRead Op = iota
	OpWrite
	OpDisc
	OpFlush
	OpTrim
	OpCache
	OpWriteZeroes
	OpBlockStatus
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpDisc:
		return "disc"
	case OpFlush:
		return "flush"
	case OpTrim:
		return "trim"
	case OpCache:
		return "cache"
	case OpWriteZeroes:
		return "write_zeroes"
	case OpBlockStatus:
		return "block_status"
	default:
		return "unknown"
	}
}

// CmdFlag is a per-command flag bit (spec §3).
type CmdFlag uint32

const (
	CmdFUA CmdFlag = 1 << iota
	CmdNoHole
	CmdDF
	CmdFastZero
	CmdReqOne
)

// ChunkKind tags the kind of data a chunk callback observes (spec §4.3.3).
type ChunkKind int

const (
	ChunkData ChunkKind = iota
	ChunkHole
	ChunkErr
	ChunkFree
)

// Extent is one (length, flags) pair of a BLOCK_STATUS reply (spec §3).
type Extent struct {
	Length uint32
	Flags  uint32
}

// ChunkCallback observes structured-reply chunks for a READ command as
// they arrive, in server order, per spec §8's ordering guarantee.
// kind == ChunkFree is the final affine-lifetime call (spec §9):
// invoked exactly once per command, whether it succeeded or failed.
type ChunkCallback func(kind ChunkKind, offset uint64, length uint32, err error)

// ExtentCallback observes one BLOCK_STATUS reply (spec §4.4): the
// meta-context name, the start offset, and the extent list. Returning
// a non-nil error stores it as the command's error (EPROTO unless the
// caller embeds a specific code via *Error).
type ExtentCallback func(contextName string, offset uint64, extents []Extent) error

// CompletionCallback fires exactly once when a command retires,
// whether it succeeded (err == nil) or failed.
type CompletionCallback func(cookie uint64, err error)

// command is one outstanding request, owned by the handle throughout
// its lifecycle (spec §3 "Command").
type command struct {
	cookie uint64
	op     Op
	flags  CmdFlag
	offset uint64
	length uint32

	// data is the caller-owned buffer: read-only for WRITE, writable
	// for READ. Borrowed until FREE fires (spec §4.4).
	data []byte

	chunkCB      ChunkCallback
	extentCB     ExtentCallback
	completionCB CompletionCallback

	dataSeen   bool
	firstError error
	freed      bool

	endSpan spanEnd
}

func (c *command) setFirstError(err error) {
	if c.firstError == nil {
		c.firstError = err
	}
}

// free invokes the chunk callback's FREE notification exactly once,
// satisfying the affine-lifetime invariant (spec §8) regardless of
// which path retired the command.
func (c *command) free() {
	if c.freed {
		return
	}
	c.freed = true
	if c.endSpan != nil {
		c.endSpan(c.firstError)
	}
	if c.chunkCB != nil {
		c.chunkCB(ChunkFree, 0, 0, c.firstError)
	}
	if c.completionCB != nil {
		c.completionCB(c.cookie, c.firstError)
	}
}

// cookieCounter is the process-wide monotonic cookie source; an
// atomic counter is sufficient since cookies only need to be unique
// within one handle's in-flight set, and uniqueness across handles is
// a (harmless) bonus (spec §9 "Global handle-number counter").
var cookieCounter atomic.Uint64

func nextCookie() uint64 {
	return cookieCounter.Add(1)
}

// commandQueues models the three queues of spec §3: to-issue,
// in-flight (keyed by cookie for O(1) reply lookup), and done (FIFO,
// oldest-first per spec §5's "done queue preserves completion arrival
// order").
type commandQueues struct {
	toIssue  *list.List // of *command, head = next to serve
	inFlight map[uint64]*command
	done     *list.List // of *command, head = oldest completion
}

func newCommandQueues() *commandQueues {
	return &commandQueues{
		toIssue:  list.New(),
		inFlight: make(map[uint64]*command),
		done:     list.New(),
	}
}

func (q *commandQueues) enqueue(c *command) {
	q.toIssue.PushBack(c)
}

func (q *commandQueues) peekToIssue() *command {
	if e := q.toIssue.Front(); e != nil {
		return e.Value.(*command)
	}
	return nil
}

func (q *commandQueues) promoteToInFlight() *command {
	e := q.toIssue.Front()
	if e == nil {
		return nil
	}
	c := e.Value.(*command)
	q.toIssue.Remove(e)
	q.inFlight[c.cookie] = c
	return c
}

func (q *commandQueues) lookup(cookie uint64) (*command, bool) {
	c, ok := q.inFlight[cookie]
	return c, ok
}

func (q *commandQueues) retire(cookie uint64) *command {
	c, ok := q.inFlight[cookie]
	if !ok {
		return nil
	}
	delete(q.inFlight, cookie)
	q.done.PushBack(c)
	return c
}

func (q *commandQueues) popDone() *command {
	e := q.done.Front()
	if e == nil {
		return nil
	}
	q.done.Remove(e)
	return e.Value.(*command)
}

// removeDone drops c from the done queue, used when a completion
// callback acknowledges the command so the caller never has to.
func (q *commandQueues) removeDone(c *command) {
	for e := q.done.Front(); e != nil; e = e.Next() {
		if e.Value.(*command) == c {
			q.done.Remove(e)
			return
		}
	}
}

// takeDone removes and returns the done-queue entry with the given
// cookie, if present.
func (q *commandQueues) takeDone(cookie uint64) *command {
	for e := q.done.Front(); e != nil; e = e.Next() {
		c := e.Value.(*command)
		if c.cookie == cookie {
			q.done.Remove(e)
			return c
		}
	}
	return nil
}

func (q *commandQueues) peekDone() *command {
	if e := q.done.Front(); e != nil {
		return e.Value.(*command)
	}
	return nil
}

// inFlightCount is to_issue + in_flight, the quantity spec §8's
// invariant checks against aio_in_flight.
func (q *commandQueues) inFlightCount() int {
	return q.toIssue.Len() + len(q.inFlight)
}

// failAllInFlight retires every in-flight (and queued) command with
// err, used when the connection transitions to DEAD (spec §4.3.6).
func (q *commandQueues) failAllInFlight(err error) {
	for _, c := range q.inFlight {
		c.setFirstError(err)
		q.done.PushBack(c)
	}
	q.inFlight = make(map[uint64]*command)

	for e := q.toIssue.Front(); e != nil; {
		next := e.Next()
		c := e.Value.(*command)
		c.setFirstError(err)
		q.toIssue.Remove(e)
		q.done.PushBack(c)
		e = next
	}
}
