package writebuf

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyInOutAcrossWrap(t *testing.T) {
	b := &Buffer{data: make([]byte, 64)}

	payload := []byte("wrap-around-payload-wrap-around")
	// Start two bytes before the physical end: the copy splits.
	b.copyIn(62, payload)
	assert.Equal(t, payload[:2], b.data[62:64])
	assert.Equal(t, payload[2:], b.data[:len(payload)-2])

	out := make([]byte, len(payload))
	b.copyOut(62, out)
	assert.Equal(t, payload, out)
}

func TestCopyInOutAtCounterWrap(t *testing.T) {
	b := &Buffer{data: make([]byte, 64)}

	// An absolute position close to 2^31: the physical offset is the
	// counter modulo the capacity, which stays consistent across the
	// 31-bit wrap because the capacity is a power of two.
	abs := uint32(ptrMask - 1)
	payload := bytes.Repeat([]byte{0xAB}, 10)
	b.copyIn(abs, payload)

	out := make([]byte, len(payload))
	b.copyOut(abs, out)
	assert.Equal(t, payload, out)
}

func TestModularPointerComparison(t *testing.T) {
	// The reserve condition from PutLogData, extracted: read+capacity must
	// be ahead of write+total modulo 2^31.
	fits := func(readAbs, writeAbs uint32, capacity, total int) bool {
		rc := (readAbs + uint32(capacity)) & ptrMask
		wt := (writeAbs + uint32(total)) & ptrMask
		return rc > wt || (rc < readAbs && wt > readAbs)
	}

	const capacity = 1 << 16

	// Empty ring accepts anything below capacity.
	assert.True(t, fits(0, 0, capacity, 100))
	assert.False(t, fits(0, 0, capacity, capacity))

	// Nearly full ring rejects what no longer fits.
	assert.True(t, fits(0, capacity-200, capacity, 100))
	assert.False(t, fits(0, capacity-200, capacity, 300))

	// Around the 31-bit wrap the ordering must hold up.
	high := uint32(ptrMask - 50)
	assert.True(t, fits(high, high, capacity, 100))
	assert.True(t, fits(high, (high+1000)&ptrMask, capacity, 100))
	assert.False(t, fits(high, (high+uint32(capacity)-10)&ptrMask, capacity, 100))
}

func TestBytesInRingAcrossWrap(t *testing.T) {
	cfg := smallConfig()
	b := &Buffer{cfg: cfg, data: make([]byte, cfg.WriteBufferSize)}

	b.readPtr.Store(ptrMask - 10)
	b.writePtr.Store((ptrMask - 10 + 500) & ptrMask)
	require.Equal(t, 500, b.BytesInRing())
}
