package bufpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetReturnsRequestedLength(t *testing.T) {
	for _, n := range []int{0, 1, 20, 4096, errorChunkMax, errorChunkMax + 1,
		extentListMax, dataChunkMax, dataChunkMax + 1} {
		buf := Get(n)
		require.Len(t, buf, n, "n=%d", n)
		Put(buf)
	}
}

func TestClassSelection(t *testing.T) {
	// An error-chunk-sized request comes from the smallest class, an
	// extent list from the middle one, a data payload from the largest.
	assert.Equal(t, errorChunkMax, cap(Get(4110)))
	assert.Equal(t, extentListMax, cap(Get(errorChunkMax+1)))
	assert.Equal(t, dataChunkMax, cap(Get(extentListMax+1)))

	// Beyond the data class the allocation is exact and unpooled.
	assert.Equal(t, dataChunkMax+1, cap(Get(dataChunkMax+1)))
}

func TestPutIgnoresForeignBuffers(t *testing.T) {
	require.NotPanics(t, func() {
		Put(nil)
		Put(make([]byte, 777)) // capacity matches no class
		Put(Get(dataChunkMax + 5))
	})
}

func TestReuseKeepsExactLength(t *testing.T) {
	buf := Get(64)
	buf[0] = 0xaa
	Put(buf)

	// A pooled buffer may come back with stale contents; only its
	// length contract matters to the demultiplexer, which overwrites
	// every byte it reads into.
	again := Get(32)
	assert.Len(t, again, 32)
	Put(again)
}

func TestConcurrentAccess(t *testing.T) {
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 1000; j++ {
				buf := Get(j % (extentListMax + 100))
				Put(buf)
			}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}
