// Package seclog implements the per-range secondary log: a fixed-capacity,
// segmented, append-structured store of replicated chunk data, together
// with the small coalescing buffer that sits in front of it and the
// recovery reader. One secondary log exists per (owner, range id) pair and
// owns that range's version store.
package seclog

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dxgrid/dxlog/pkg/bufpool"
	"github.com/dxgrid/dxlog/pkg/diskio"
	"github.com/dxgrid/dxlog/pkg/entry"
	"github.com/dxgrid/dxlog/pkg/versions"
)

var (
	ErrLogFull      = errors.New("secondary log has no segment large enough")
	ErrClosed       = errors.New("secondary log is closed")
	ErrBadSegment   = errors.New("segment index out of range")
	ErrEntryTooBig  = errors.New("entry exceeds segment size")
	ErrTornEntry    = errors.New("entry does not fit the remaining batch bytes")
)

// SegmentState tracks each segment through its lifecycle.
type SegmentState uint8

const (
	SegEmpty SegmentState = iota
	SegOpen
	SegFull
	SegInvalidating
	SegReorganising
)

func (s SegmentState) String() string {
	switch s {
	case SegEmpty:
		return "empty"
	case SegOpen:
		return "open"
	case SegFull:
		return "full"
	case SegInvalidating:
		return "invalidating"
	case SegReorganising:
		return "reorganising"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

type segmentInfo struct {
	used    int
	invalid int
	state   SegmentState
}

type entryLoc struct {
	seg  int32
	size int32
}

// ReorgRequestFunc asks the reorganisation thread to urgently compact the
// given log. It must not block.
type ReorgRequestFunc func(key entry.RangeKey)

// SecondaryLog is the durable, segmented store for one backup range.
//
// Locking: access is the per-file reader-writer lock of the design —
// writers (the writer pool, invalidation, recovery reads at rest) take the
// read side so several logs can stream to the same device concurrently;
// the reorganisation thread takes the write side for the one log it
// compacts. mu guards the in-memory segment table and entry index and is
// held only for short map work, never across disk I/O.
type SecondaryLog struct {
	key           entry.RangeKey
	originalOwner entry.NodeID

	backend     diskio.Backend
	pool        *bufpool.Pool
	vers        *versions.Store
	segmentSize int
	numSegments int

	access sync.RWMutex

	mu     sync.Mutex
	segs   []segmentInfo
	index  map[entry.ChunkID]entryLoc
	closed bool

	requestReorg ReorgRequestFunc
}

// Options configures a secondary log.
type Options struct {
	SegmentSize   int
	OriginalOwner entry.NodeID
	RequestReorg  ReorgRequestFunc
}

// New wraps an opened backend as a secondary log. The backend length must
// be a multiple of the segment size (it is 2x the backup range size by
// construction). Existing content is not scanned here; Bootstrap does that
// when a log is reopened.
func New(backend diskio.Backend, key entry.RangeKey, vers *versions.Store, pool *bufpool.Pool, opts Options) (*SecondaryLog, error) {
	if opts.SegmentSize <= 0 || backend.Length()%int64(opts.SegmentSize) != 0 {
		return nil, fmt.Errorf("log size %d not a multiple of segment size %d", backend.Length(), opts.SegmentSize)
	}
	n := int(backend.Length() / int64(opts.SegmentSize))
	l := &SecondaryLog{
		key:           key,
		originalOwner: opts.OriginalOwner,
		backend:       backend,
		pool:          pool,
		vers:          vers,
		segmentSize:   opts.SegmentSize,
		numSegments:   n,
		segs:          make([]segmentInfo, n),
		index:         make(map[entry.ChunkID]entryLoc),
		requestReorg:  opts.RequestReorg,
	}
	return l, nil
}

// Key returns the log's range key.
func (l *SecondaryLog) Key() entry.RangeKey {
	return l.key
}

// OriginalOwner returns the creator of the range, which differs from the
// key's owner after a recovery takeover.
func (l *SecondaryLog) OriginalOwner() entry.NodeID {
	return l.originalOwner
}

// Versions exposes the log's version store.
func (l *SecondaryLog) Versions() *versions.Store {
	return l.vers
}

// NextVersion issues the next version for cid; called by the write buffer
// before an entry enters the ring.
func (l *SecondaryLog) NextVersion(cid entry.ChunkID) entry.Version {
	return l.vers.NextVersion(cid)
}

// SegmentSize returns the configured segment size.
func (l *SecondaryLog) SegmentSize() int {
	return l.segmentSize
}

// Append stores a batch of fully-formed secondary-format entries. The
// batch is split at entry boundaries across as many segments as needed; a
// single entry never straddles a segment boundary. Entries already known
// for a chunk id turn into invalidated bytes in their old segment.
func (l *SecondaryLog) Append(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	// The access lock is re-taken per attempt: while the log is full the
	// writer must stand aside so the reorganisation thread can take the
	// write side and free a segment.
	const maxFullRetries = 2000

	off := 0
	retries := 0
	for off < len(data) {
		n, err := l.appendSome(data[off:])
		if err == ErrLogFull {
			if retries++; retries > maxFullRetries {
				return fmt.Errorf("%w: range %s", ErrLogFull, l.key)
			}
			if l.requestReorg != nil {
				l.requestReorg(l.key)
			}
			if retries == 1 {
				slog.Debug("[seclog]",
					slog.String("message", "log full, waiting for reorganisation"),
					slog.String("range", l.key.String()))
			}
			time.Sleep(time.Millisecond)
			continue
		}
		if err != nil {
			return err
		}
		off += n
	}
	return nil
}

// appendSome writes the longest entry-aligned prefix of data that fits one
// segment and returns its length. Returns ErrLogFull (untried, retryable)
// when no segment has room.
func (l *SecondaryLog) appendSome(data []byte) (int, error) {
	l.access.RLock()
	defer l.access.RUnlock()

	first, err := entrySize(data)
	if err != nil {
		return 0, err
	}
	if first > l.segmentSize {
		return 0, ErrEntryTooBig
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0, ErrClosed
	}
	seg, ok := l.segmentForInsertLocked(first)
	if !ok {
		l.mu.Unlock()
		return 0, ErrLogFull
	}
	free := l.segmentSize - l.segs[seg].used
	l.mu.Unlock()

	// Take whole entries while they fit the chosen segment.
	fit := 0
	for fit < len(data) {
		sz, err := entrySize(data[fit:])
		if err != nil {
			return 0, err
		}
		if fit+sz > free {
			break
		}
		fit += sz
	}

	if err := l.writeToSegment(seg, data[:fit]); err != nil {
		return 0, err
	}
	return fit, nil
}

// segmentForInsertLocked picks the segment with the fewest used bytes that
// still fits length, ties broken by lowest index. When nothing fits, the
// most invalidated segment is marked for the reorganiser and false is
// returned.
func (l *SecondaryLog) segmentForInsertLocked(length int) (int, bool) {
	best := -1
	for i := range l.segs {
		if l.segs[i].state == SegReorganising {
			continue
		}
		if l.segs[i].used+length > l.segmentSize {
			continue
		}
		if best < 0 || l.segs[i].used < l.segs[best].used {
			best = i
		}
	}
	if best >= 0 {
		return best, true
	}

	// Full: point the reorganiser at the most invalidated segment.
	victim := 0
	for i := range l.segs {
		if l.segs[i].invalid > l.segs[victim].invalid {
			victim = i
		}
	}
	if l.segs[victim].state == SegOpen || l.segs[victim].state == SegFull {
		l.segs[victim].state = SegInvalidating
	}
	return 0, false
}

// writeToSegment appends data to the chosen segment and updates the entry
// index and byte accounting.
func (l *SecondaryLog) writeToSegment(seg int, data []byte) error {
	l.mu.Lock()
	writePos := int64(seg)*int64(l.segmentSize) + int64(l.segs[seg].used)
	sentinel := l.segs[seg].used+len(data) < l.segmentSize
	l.mu.Unlock()

	length := len(data)
	if sentinel {
		// The zero byte behind the batch terminates the segment scan. The
		// backends guarantee it lands atomically with the batch's tail page.
		length++
	}
	buf := l.pool.Get(length)
	buf.Append(data)
	if sentinel {
		buf.Append([]byte{0})
	}
	err := l.backend.WriteAt(buf.Data, 0, writePos, length, 0)
	l.pool.Put(buf)
	if err != nil {
		return fmt.Errorf("append to range %s segment %d: %w", l.key, seg, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.noteEntriesLocked(seg, data)
	l.segs[seg].used += len(data)
	switch {
	case l.segs[seg].used >= l.segmentSize:
		l.segs[seg].state = SegFull
	case l.segs[seg].state == SegEmpty:
		l.segs[seg].state = SegOpen
	}
	return nil
}

// noteEntriesLocked walks the freshly written batch updating the per-chunk
// index. A newer entry invalidates the bytes of the one it replaces; a
// tombstone entry is dead weight from the start.
func (l *SecondaryLog) noteEntriesLocked(seg int, data []byte) {
	off := 0
	for off < len(data) {
		h := data[off:]
		size := entry.HeaderSize(h[0]) + entry.Length(h)
		cid := entry.GetChunkID(h)

		if old, ok := l.index[cid]; ok {
			l.segs[old.seg].invalid += int(old.size)
			if st := l.segs[old.seg].state; st == SegOpen || st == SegFull {
				l.segs[old.seg].state = SegInvalidating
			}
		}

		if entry.GetVersion(h).IsTombstone() {
			delete(l.index, cid)
			l.segs[seg].invalid += size
		} else if entry.IsChained(h[0]) {
			// Chain parts are not indexed; superseded parts are left to the
			// version comparison at reorg time.
			delete(l.index, cid)
		} else {
			l.index[cid] = entryLoc{seg: int32(seg), size: int32(size)}
		}
		off += size
	}
}

// Invalidate marks a chunk removed: its current entry's bytes become
// reclaimable, the version store records a tombstone and a tombstone entry
// is appended for crash consistency. Repeated calls are no-ops.
func (l *SecondaryLog) Invalidate(cid entry.ChunkID) error {
	tomb, changed := l.vers.MarkTombstone(cid)
	if !changed {
		return nil
	}

	var hdr [entry.MaxHeaderSize]byte
	return l.Append(entry.CreateTombstone(hdr[:], cid, tomb.Epoch))
}

// Contains reports whether the log currently holds a live entry for cid.
func (l *SecondaryLog) Contains(cid entry.ChunkID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.index[cid]
	return ok
}

// Utilisation returns total used and invalidated bytes across segments.
func (l *SecondaryLog) Utilisation() (used, invalid int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.segs {
		used += l.segs[i].used
		invalid += l.segs[i].invalid
	}
	return used, invalid
}

// SegmentStats returns a copy of one segment's accounting.
func (l *SecondaryLog) SegmentStats(seg int) (used, invalid int, state SegmentState, err error) {
	if seg < 0 || seg >= l.numSegments {
		return 0, 0, 0, ErrBadSegment
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.segs[seg]
	return s.used, s.invalid, s.state, nil
}

// NumSegments returns the number of segments in the log.
func (l *SecondaryLog) NumSegments() int {
	return l.numSegments
}

// Close releases the backend. Pending writers must have drained.
func (l *SecondaryLog) Close() error {
	l.access.Lock()
	defer l.access.Unlock()
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return l.backend.Close()
}

// CloseAndRemove releases the backend and deletes the log file.
func (l *SecondaryLog) CloseAndRemove() error {
	l.access.Lock()
	defer l.access.Unlock()
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return l.backend.CloseAndRemove()
}

// entrySize reads the on-disk size of the entry opening at data[0].
func entrySize(data []byte) (int, error) {
	t := data[0]
	if !entry.IsValidType(t) {
		return 0, fmt.Errorf("%w: type byte 0x%02X", ErrTornEntry, t)
	}
	hs := entry.HeaderSize(t)
	if hs > len(data) {
		return 0, ErrTornEntry
	}
	size := hs + entry.Length(data)
	if size > len(data) {
		return 0, ErrTornEntry
	}
	return size, nil
}
