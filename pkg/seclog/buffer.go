package seclog

import (
	"sync"

	"github.com/dxgrid/dxlog/pkg/bufpool"
)

// LogBuffer is the small per-range coalescing buffer in front of a
// secondary log. Tiny batches park here until one flash-page-sized write
// is worthwhile; it only ever holds whole secondary-format entries.
type LogBuffer struct {
	log  *SecondaryLog
	pool *bufpool.Pool
	size int

	mu      sync.Mutex
	pending []byte
}

// NewLogBuffer creates a coalescing buffer of the given capacity.
func NewLogBuffer(log *SecondaryLog, pool *bufpool.Pool, size int) *LogBuffer {
	return &LogBuffer{
		log:     log,
		pool:    pool,
		size:    size,
		pending: make([]byte, 0, size),
	}
}

// Log returns the secondary log behind the buffer.
func (b *LogBuffer) Log() *SecondaryLog {
	return b.log
}

// BufferData adds a batch of entries. When the batch still fits it is
// retained and nil is returned; otherwise the existing prefix and the new
// bytes are combined into one pool buffer the caller must write to the
// secondary log (and return to the pool). The buffer is empty afterwards,
// so the combined write keeps append order.
func (b *LogBuffer) BufferData(data []byte) *bufpool.Buffer {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending)+len(data) <= b.size {
		b.pending = append(b.pending, data...)
		return nil
	}

	combined := b.pool.Get(len(b.pending) + len(data))
	combined.Append(b.pending)
	combined.Append(data)
	b.pending = b.pending[:0]
	return combined
}

// WriteDirect writes a batch straight to the secondary log, flushing any
// parked bytes first so per-range order is preserved.
func (b *LogBuffer) WriteDirect(data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.flushLocked(); err != nil {
		return err
	}
	return b.log.Append(data)
}

// Flush drains the parked bytes to the secondary log.
func (b *LogBuffer) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked()
}

func (b *LogBuffer) flushLocked() error {
	if len(b.pending) == 0 {
		return nil
	}
	if err := b.log.Append(b.pending); err != nil {
		return err
	}
	b.pending = b.pending[:0]
	return nil
}

// Buffered returns the number of parked bytes.
func (b *LogBuffer) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// BufferedEntries counts the parked entries.
func (b *LogBuffer) BufferedEntries() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for off := 0; off < len(b.pending); {
		size, err := entrySize(b.pending[off:])
		if err != nil {
			break
		}
		off += size
		n++
	}
	return n
}
