// Package writebuf implements the primary write buffer: a ring that
// absorbs log entries from many network handler threads, the processing
// thread that drains it sorted by backup range, and the small writer pool
// that performs the blocking disk I/O. This is the latency-critical front
// of the logging subsystem; everything here is allocation-free on the hot
// path.
package writebuf

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dxgrid/dxlog/pkg/bufpool"
	"github.com/dxgrid/dxlog/pkg/entry"
	"github.com/dxgrid/dxlog/pkg/metrics"
	"github.com/dxgrid/dxlog/pkg/primlog"
	"github.com/dxgrid/dxlog/pkg/seclog"
)

var (
	ErrInvalidArgument = errors.New("invalid log entry argument")
	ErrShutdown        = errors.New("write buffer is shut down")
	ErrBadConfig       = errors.New("invalid write buffer configuration")
)

// Ring pointers are 31-bit counters compared modulo 2^31 so one wrap of
// the counter space still orders read and write position correctly. The
// ring capacity is a power of two, so the physical offset is the counter
// modulo capacity.
const ptrMask = 0x7FFFFFFF

const (
	// maxRingSize bounds the ring at 1 GiB.
	maxRingSize = 1 << 30

	// defaultProcessTimeout wakes the processing thread even when neither
	// the fill threshold nor a priority flush triggered.
	defaultProcessTimeout = 100 * time.Millisecond

	// backoff while the ring is full or the range map is saturated.
	fullBackoff = 100 * time.Nanosecond
)

// Registry resolves range keys to their coalescing buffers. Implemented by
// the backup range catalog.
type Registry interface {
	LogBuffer(key entry.RangeKey) (*seclog.LogBuffer, bool)
	ForEachLogBuffer(fn func(*seclog.LogBuffer) bool)
}

// Clock supplies the header timestamps.
type Clock interface {
	NowSeconds() uint32
}

// Config carries the knobs of the ingestion pipeline.
type Config struct {
	WriteBufferSize     int // ring capacity, power of two, flash page .. 1 GiB
	FlashPageSize       int
	SegmentSize         int
	SecondaryBufferSize int // coalescing threshold per range
	UseChecksums        bool
	UseTimestamps       bool
	TwoLevelLogging     bool
	ProcessTimeout      time.Duration
}

func (c Config) validate() error {
	if c.WriteBufferSize < c.FlashPageSize || c.WriteBufferSize > maxRingSize ||
		c.WriteBufferSize&(c.WriteBufferSize-1) != 0 {
		return fmt.Errorf("%w: write buffer size must be a power of two between %d and %d, got %d",
			ErrBadConfig, c.FlashPageSize, maxRingSize, c.WriteBufferSize)
	}
	if c.SegmentSize <= 0 || c.SegmentSize&(c.SegmentSize-1) != 0 || c.SegmentSize < c.FlashPageSize {
		return fmt.Errorf("%w: segment size must be a power of two >= flash page size", ErrBadConfig)
	}
	if c.SecondaryBufferSize <= 0 {
		return fmt.Errorf("%w: secondary buffer size must be positive", ErrBadConfig)
	}
	return nil
}

// maxEntrySize sizes chain parts: a payload is split into
// ceil(len/maxEntrySize) parts, each but the last carrying maxEntrySize
// bytes including its header; the last part takes the remainder and may
// exceed maxEntrySize, as may a single-part entry. Half a segment keeps
// placement flexible; 4 MiB bounds staging buffers.
func (c Config) maxEntrySize() int {
	m := c.SegmentSize / 2
	if m > 4<<20 {
		m = 4 << 20
	}
	return m
}

// Buffer is the primary write buffer ring plus its processing machinery.
type Buffer struct {
	cfg          Config
	maxEntrySize int

	data []byte

	readPtr  atomic.Uint32
	writePtr atomic.Uint32

	// metaLock guards rangeSize and the published write pointer. Critical
	// sections are tens of nanoseconds, so a CAS spin lock beats a mutex.
	metaLock  atomic.Bool
	rangeSize map[entry.RangeKey]int

	priorityFlush atomic.Bool
	shuttingDown  atomic.Bool

	pool     *bufpool.Pool
	registry Registry
	prim     *primlog.Log
	writers  *writerPool
	clock    Clock
	sink     metrics.Sink

	flushMu   sync.Mutex
	flushSeq  atomic.Uint64
	grantFunc func()

	done chan struct{}
	wg   sync.WaitGroup
}

// Options wires the buffer's collaborators.
type Options struct {
	Registry     Registry
	Pool         *bufpool.Pool
	PrimaryLog   *primlog.Log // required when Config.TwoLevelLogging
	Clock        Clock
	Sink         metrics.Sink
	GrantReorg   func() // cooperative yield to the reorganisation thread
}

// New creates the ring and starts the processing and writer threads.
func New(cfg Config, opts Options) (*Buffer, error) {
	if cfg.ProcessTimeout == 0 {
		cfg.ProcessTimeout = defaultProcessTimeout
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.TwoLevelLogging && opts.PrimaryLog == nil {
		return nil, fmt.Errorf("%w: two-level logging needs a primary log", ErrBadConfig)
	}
	if opts.Registry == nil || opts.Pool == nil {
		return nil, fmt.Errorf("%w: registry and buffer pool are required", ErrBadConfig)
	}
	sink := opts.Sink
	if sink == nil {
		sink = metrics.Nop{}
	}

	b := &Buffer{
		cfg:          cfg,
		maxEntrySize: cfg.maxEntrySize(),
		data:         make([]byte, cfg.WriteBufferSize),
		rangeSize:    make(map[entry.RangeKey]int),
		pool:         opts.Pool,
		registry:     opts.Registry,
		prim:         opts.PrimaryLog,
		clock:        opts.Clock,
		sink:         sink,
		grantFunc:    opts.GrantReorg,
		done:         make(chan struct{}),
	}
	b.writers = newWriterPool(opts.Pool, opts.PrimaryLog, sink)

	b.wg.Add(1)
	go b.run()
	return b, nil
}

// MaxEntrySize returns the chain part size, header included (see
// maxEntrySize for the parts that can exceed it).
func (b *Buffer) MaxEntrySize() int {
	return b.maxEntrySize
}

// BytesInRing returns the bytes currently waiting between the read and
// write pointer.
func (b *Buffer) BytesInRing() int {
	return int((b.writePtr.Load() - b.readPtr.Load()) & ptrMask)
}

func (b *Buffer) lockMeta() {
	for !b.metaLock.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

func (b *Buffer) unlockMeta() {
	b.metaLock.Store(false)
}

// PutLogData commits one chunk's payload to the ring: version assignment,
// header construction, chaining for oversized payloads, wrap-aware copy
// and the per-range byte accounting. It returns once the whole entry is in
// the ring; it blocks (spinning with a short back-off and requesting a
// priority flush) while the ring is full or too many distinct ranges are
// pending.
func (b *Buffer) PutLogData(payload []byte, cid entry.ChunkID, rangeID uint16,
	owner, originalOwner entry.NodeID, secLog *seclog.SecondaryLog) error {

	if len(payload) == 0 {
		return fmt.Errorf("%w: no payload for log entry", ErrInvalidArgument)
	}

	version := secLog.NextVersion(cid)

	var ts uint32
	if b.cfg.UseTimestamps && b.clock != nil {
		ts = b.clock.NowSeconds()
	}

	numParts := (len(payload) + b.maxEntrySize - 1) / b.maxEntrySize
	if numParts > entry.MaxChainParts {
		return fmt.Errorf("%w: chunk needs %d parts, limit %d (max chunk size %d)",
			ErrInvalidArgument, numParts, entry.MaxChainParts, entry.MaxChainParts*b.maxEntrySize)
	}

	var hdrBuf [entry.MaxHeaderSize]byte
	header := entry.CreatePrimary(hdrBuf[:], entry.PrimaryParams{
		ChunkID:       cid,
		Length:        len(payload),
		Version:       version,
		RangeID:       rangeID,
		Owner:         owner,
		OriginalOwner: originalOwner,
		Timestamp:     ts,
		HasTimestamp:  b.cfg.UseTimestamps,
		WithChecksum:  b.cfg.UseChecksums,
		Chained:       numParts > 1,
	})
	headerSize := len(header)

	total := numParts*headerSize + len(payload)
	if total >= b.cfg.WriteBufferSize {
		// The ring can never have a full capacity of free bytes while the
		// pointers differ, so an entry this large would spin forever.
		return fmt.Errorf("%w: entry of %d bytes exceeds ring capacity %d",
			ErrInvalidArgument, total, b.cfg.WriteBufferSize)
	}

	key := entry.MakeRangeKey(owner, rangeID)

	// Reserve space. The 31-bit modular comparison mirrors the pointer
	// arithmetic: the write may proceed when read+capacity is still ahead
	// of write+total, accounting for a wrap of either sum.
	var writeAbs uint32
	for {
		if b.shuttingDown.Load() {
			return ErrShutdown
		}
		readAbs := b.readPtr.Load()
		writeAbs = b.writePtr.Load()

		rc := (readAbs + uint32(b.cfg.WriteBufferSize)) & ptrMask
		wt := (writeAbs + uint32(total)) & ptrMask
		fits := rc > wt || (rc < readAbs && wt > readAbs)

		b.lockMeta()
		saturated := len(b.rangeSize) >= bufpool.SmallPoolSize
		if _, known := b.rangeSize[key]; known {
			saturated = false
		}
		b.unlockMeta()

		if fits && !saturated {
			break
		}
		b.priorityFlush.Store(true)
		time.Sleep(fullBackoff)
	}

	// Append the parts. Only this caller writes to [writeAbs, writeAbs+total);
	// the processing thread never reads past the published write pointer.
	pos := writeAbs
	remaining := payload
	for part := 0; part < numParts; part++ {
		partLen := b.maxEntrySize - headerSize
		if part == numParts-1 {
			partLen = len(remaining)
		}
		if numParts > 1 {
			entry.SetChaining(header, uint8(part), uint8(numParts))
			if err := entry.AdjustLength(header, partLen); err != nil {
				return err
			}
		}
		if b.cfg.UseChecksums {
			entry.SetChecksum(header, entry.PayloadChecksum(remaining[:partLen]))
		}

		b.copyIn(pos, header)
		pos = (pos + uint32(headerSize)) & ptrMask
		b.copyIn(pos, remaining[:partLen])
		pos = (pos + uint32(partLen)) & ptrMask
		remaining = remaining[partLen:]
	}

	// Publish: per-range byte counter and write pointer move together.
	b.lockMeta()
	b.rangeSize[key] += total
	b.writePtr.Store((writeAbs + uint32(total)) & ptrMask)
	b.unlockMeta()

	b.sink.BytesIngested(total)
	b.sink.EntriesLogged(numParts)
	return nil
}

// copyIn copies p into the ring at the absolute position, splitting at the
// physical end of the ring. Headers split here are reassembled by the
// processing thread before parsing.
func (b *Buffer) copyIn(abs uint32, p []byte) {
	off := int(abs) % len(b.data)
	n := copy(b.data[off:], p)
	if n < len(p) {
		copy(b.data, p[n:])
	}
}

// copyOut is the wrap-aware read counterpart.
func (b *Buffer) copyOut(abs uint32, p []byte) {
	off := int(abs) % len(b.data)
	n := copy(p, b.data[off:])
	if n < len(p) {
		copy(p[n:], b.data)
	}
}

// InitiatePriorityFlush wakes the processing thread out of turn.
func (b *Buffer) InitiatePriorityFlush() {
	b.priorityFlush.Store(true)
}

// Idle reports whether the ring is drained and no writer job is queued or
// running. Entries may still be parked in coalescing buffers.
func (b *Buffer) Idle() bool {
	return b.BytesInRing() == 0 && b.writers.idle()
}

// Close drains the ring and stops the processing and writer threads.
// Operations submitted afterwards fail with ErrShutdown.
func (b *Buffer) Close() error {
	if !b.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	close(b.done)
	b.wg.Wait()
	b.writers.shutdown()
	return nil
}
