package bufferpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAcquireReturnsPrewarmedBuffer(t *testing.T) {
	p := New(1024, 2, 10)
	assert.Equal(t, 2, p.Len())

	buf := p.Acquire()
	assert.Equal(t, 0, len(buf))
	assert.Equal(t, 1024, cap(buf))
	assert.Equal(t, 1, p.Len())
}

func TestAcquireOnEmptyPoolAllocatesFresh(t *testing.T) {
	p := New(512, 0, 10)
	assert.Equal(t, 0, p.Len())

	buf := p.Acquire()
	assert.Equal(t, 512, cap(buf))
}

func TestReleaseReturnsBufferForReuse(t *testing.T) {
	p := New(256, 0, 10)
	buf := p.Acquire()
	buf = append(buf, []byte("hello")...)

	p.Release(buf)
	assert.Equal(t, 1, p.Len())

	reused := p.Acquire()
	assert.Equal(t, 0, len(reused), "released buffer must be reset to zero length")
	assert.Equal(t, 256, cap(reused))
}

func TestReleaseDropsCapacityMismatch(t *testing.T) {
	p := New(256, 0, 10)
	wrongSize := make([]byte, 0, 128)

	p.Release(wrongSize)
	assert.Equal(t, 0, p.Len(), "a buffer whose capacity doesn't match must be dropped, not pooled")
}

func TestReleaseDropsBeyondMaxPooled(t *testing.T) {
	p := New(64, 0, 2)
	p.Release(make([]byte, 0, 64))
	p.Release(make([]byte, 0, 64))
	assert.Equal(t, 2, p.Len())

	p.Release(make([]byte, 0, 64))
	assert.Equal(t, 2, p.Len(), "pool must never grow past maxPooled")
}

func TestInitialCapacityClampedToMaxPooled(t *testing.T) {
	p := New(64, 50, 5)
	assert.Equal(t, 5, p.Len())
}
