package bufpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testPageSize    = 4096
	testSegmentSize = 8 * 1024 * 1024
)

func TestGetPicksSmallestFittingClass(t *testing.T) {
	p := New(testPageSize, testSegmentSize)

	tests := []struct {
		length  int
		wantCap int
	}{
		{1, testPageSize},
		{testPageSize, testPageSize},
		{testPageSize + 1, testSegmentSize / 8},
		{testSegmentSize / 8, testSegmentSize / 8},
		{testSegmentSize/8 + 1, testSegmentSize},
		{testSegmentSize, testSegmentSize},
	}
	for _, tc := range tests {
		b := p.Get(tc.length)
		assert.Equal(t, tc.wantCap, b.Cap(), "length %d", tc.length)
	}
}

func TestBuffersArePageAligned(t *testing.T) {
	p := New(testPageSize, testSegmentSize)
	for _, length := range []int{1, testPageSize + 1, testSegmentSize, testSegmentSize + 5} {
		b := p.Get(length)
		assert.Zero(t, sliceAddr(b.Data)%testPageSize, "length %d", length)
	}
}

func TestPutZeroesWrittenPrefix(t *testing.T) {
	p := New(testPageSize, testSegmentSize)

	b := p.Get(16)
	b.Append([]byte{1, 2, 3, 4})
	p.Put(b)

	b2 := p.Get(16)
	require.Same(t, b, b2)
	assert.Zero(t, b2.Pos)
	assert.Equal(t, []byte{0, 0, 0, 0}, b2.Data[:4])
}

func TestOversizeBuffersAreNotPooled(t *testing.T) {
	p := New(testPageSize, testSegmentSize)

	b := p.Get(testSegmentSize + 1)
	require.GreaterOrEqual(t, b.Cap(), testSegmentSize+1)
	assert.Zero(t, b.Cap()%testPageSize)

	p.Put(b)
	b2 := p.Get(testSegmentSize + 1)
	assert.NotSame(t, b, b2)
}

func TestPoolBound(t *testing.T) {
	p := New(testPageSize, testSegmentSize)

	bufs := make([]*Buffer, 0, SmallPoolSize+4)
	for i := 0; i < SmallPoolSize+4; i++ {
		bufs = append(bufs, p.Get(1))
	}
	for _, b := range bufs {
		p.Put(b)
	}
	assert.Len(t, p.small, SmallPoolSize)
}

func TestAppendTracksPosition(t *testing.T) {
	p := New(testPageSize, testSegmentSize)
	b := p.Get(64)

	b.Append([]byte("abc"))
	b.Append([]byte("de"))
	assert.Equal(t, 5, b.Pos)
	assert.Equal(t, b.Cap()-5, b.Remaining())
	assert.Equal(t, []byte("abcde"), b.Data[:5])
}
