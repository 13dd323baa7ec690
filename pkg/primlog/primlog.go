// Package primlog implements the shared primary log: one large sequential
// file that gives small cross-range batches a first durable home before
// their entries reach the per-range secondary logs. Only the processing
// thread writes here, so no per-write locking is needed beyond protecting
// the reset path.
package primlog

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dxgrid/dxlog/pkg/diskio"
	"github.com/dxgrid/dxlog/pkg/entry"
)

var (
	ErrFull   = errors.New("primary log is full")
	ErrClosed = errors.New("primary log is closed")
)

// Log is the primary log. Writes land sequentially; the position only
// moves back through an explicit Reset once all contributing ranges have
// flushed their secondary buffers.
type Log struct {
	backend diskio.Backend

	mu       sync.Mutex
	writePos int64
	closed   bool
}

// New wraps an opened backend as a primary log.
func New(backend diskio.Backend) *Log {
	return &Log{backend: backend}
}

// Append writes one batch of primary-format entries followed by the zero
// sentinel the crash-time scan stops at. The sentinel is overwritten by
// the next batch. data must contain whole entries.
func (l *Log) Append(data []byte, length int) error {
	if length == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}

	// One byte beyond the batch for the sentinel.
	if l.writePos+int64(length)+1 > l.backend.Length() {
		return fmt.Errorf("%w: %d bytes at %d, size %d", ErrFull, length, l.writePos, l.backend.Length())
	}

	// The caller's buffer has pool capacity behind the batch; the sentinel
	// rides along in one write.
	if len(data) > length {
		data[length] = 0
		if err := l.backend.WriteAt(data, 0, l.writePos, length+1, 0); err != nil {
			return err
		}
	} else {
		if err := l.backend.WriteAt(data, 0, l.writePos, length, 0); err != nil {
			return err
		}
		if err := l.backend.WriteAt([]byte{0}, 0, l.writePos+int64(length), 1, 0); err != nil {
			return err
		}
	}
	l.writePos += int64(length)
	return nil
}

// WritePos returns the current end of the logged data.
func (l *Log) WritePos() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writePos
}

// Occupied returns the bytes currently held.
func (l *Log) Occupied() int64 {
	return l.WritePos()
}

// Reset discards the log's content. Called once every range that
// contributed to it has flushed its secondary log buffer.
func (l *Log) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if l.writePos == 0 {
		return nil
	}
	if err := l.backend.WriteAt([]byte{0}, 0, 0, 1, 0); err != nil {
		return err
	}
	slog.Debug("[primlog]",
		slog.String("message", "primary log reset"),
		slog.Int64("dropped_bytes", l.writePos))
	l.writePos = 0
	return nil
}

// Scan walks the batches still in the log, visiting whole primary-format
// entries, and places the write position at the sentinel (or at the end of
// the log when there is none). The store calls it on open with a no-op
// visitor to find where appends resume; the visited entries are not
// re-staged.
func (l *Log) Scan(visit func(h, payload []byte) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}

	size := l.backend.Length()
	const window = 1 << 20
	buf := make([]byte, window)

	var off int64
	carry := 0
	for off < size {
		n := window - carry
		if off+int64(n) > size {
			n = int(size - off)
		}
		if err := l.backend.ReadAt(buf[carry:carry+n], off, n); err != nil {
			return err
		}
		avail := carry + n

		pos := 0
		for pos < avail {
			t := buf[pos]
			if t == 0 {
				l.writePos = off - int64(carry) + int64(pos)
				return nil
			}
			if !entry.IsValidType(t) {
				return fmt.Errorf("primary log corrupt at %d: type 0x%02X", off-int64(carry)+int64(pos), t)
			}
			if !entry.IsReadable(t, avail-pos) {
				break
			}
			h := buf[pos : pos+entry.HeaderSize(t)]
			total := len(h) + entry.Length(h)
			if pos+total > avail {
				break
			}
			if err := visit(buf[pos:pos+total], buf[pos+len(h):pos+total]); err != nil {
				return err
			}
			pos += total
		}

		carry = avail - pos
		if carry == avail {
			return fmt.Errorf("primary log entry larger than scan window at %d", off)
		}
		copy(buf, buf[pos:avail])
		off += int64(n)
	}
	l.writePos = size
	return nil
}

// Close releases the backend.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.backend.Close()
}
