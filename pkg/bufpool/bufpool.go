// Package bufpool recycles the scratch buffers the structured-reply
// demultiplexer borrows for chunk payloads, so a busy handle does not
// allocate once per chunk.
//
// Rather than a general-purpose pool, the size classes are the three
// payload shapes NBD replies actually produce: error chunks (a code, a
// capped message, an optional offset), block-status extent lists, and
// larger payloads up to a server's typical preferred block size.
// OFFSET_DATA payloads do not pass through the pool: the demultiplexer
// reads them straight into the caller's buffer.
// Payloads beyond the largest class are allocated directly and never
// pooled, so one oversized transfer cannot pin megabytes of idle
// buffer.
//
// Buffers are held in sync.Pool instances, so they are concurrency
// safe and released under GC pressure.
package bufpool

import "sync"

// Payload size classes. A buffer request is served from the first
// class that fits it.
const (
	// errorChunkMax covers ERROR/ERROR_OFFSET chunks and hole
	// descriptors: a few fixed words plus a message capped at the
	// protocol's 4096-byte string limit.
	errorChunkMax = 8 << 10

	// extentListMax covers BLOCK_STATUS extent lists; 64KiB holds
	// thousands of (length, flags) pairs, far beyond what servers
	// return per query.
	extentListMax = 64 << 10

	// dataChunkMax covers payloads larger than an extent-list buffer,
	// up to a common preferred block size.
	dataChunkMax = 1 << 20
)

var classes = [...]struct {
	size int
	pool sync.Pool
}{
	{size: errorChunkMax},
	{size: extentListMax},
	{size: dataChunkMax},
}

func init() {
	for i := range classes {
		size := classes[i].size
		classes[i].pool.New = func() any {
			b := make([]byte, size)
			return &b
		}
	}
}

// Get returns a slice of exactly n bytes for one chunk payload, backed
// by a pooled buffer whose capacity may exceed n. Pair with Put; a
// slice that escapes is collected normally, never corrupted.
func Get(n int) []byte {
	for i := range classes {
		if n <= classes[i].size {
			return (*classes[i].pool.Get().(*[]byte))[:n]
		}
	}
	return make([]byte, n)
}

// Put hands a buffer from Get back for reuse. The class is recovered
// from the buffer's capacity; direct allocations and foreign slices
// are ignored. The buffer must not be touched after Put.
func Put(buf []byte) {
	if buf == nil {
		return
	}
	for i := range classes {
		if cap(buf) == classes[i].size {
			full := buf[:classes[i].size]
			classes[i].pool.Put(&full)
			return
		}
	}
}
