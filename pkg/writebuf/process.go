package writebuf

import (
	"log/slog"
	"sort"
	"time"

	"github.com/dxgrid/dxlog/pkg/bufpool"
	"github.com/dxgrid/dxlog/pkg/entry"
	"github.com/dxgrid/dxlog/pkg/seclog"
)

// flushThresholdNum/Den: the processing thread flushes once the ring is
// 45% full, before producers start spinning.
const (
	flushThresholdNum = 45
	flushThresholdDen = 100

	idleSleep = 50 * time.Microsecond
)

// run is the processing thread: woken by a priority flush, the fill
// threshold or the timeout, it drains the ring and cooperatively yields to
// the reorganisation thread after every pass.
func (b *Buffer) run() {
	defer b.wg.Done()

	threshold := b.cfg.WriteBufferSize * flushThresholdNum / flushThresholdDen
	lastFlush := time.Now()

	for {
		select {
		case <-b.done:
			// Drain what producers managed to publish before shutdown.
			b.flushOnce()
			return
		default:
		}

		flush := b.priorityFlush.Swap(false)
		if b.BytesInRing() > threshold || time.Since(lastFlush) >= b.cfg.ProcessTimeout {
			flush = true
		}

		if flush {
			b.flushOnce()
			lastFlush = time.Now()
		}
		if b.grantFunc != nil {
			b.grantFunc()
		}
		if !flush {
			time.Sleep(idleSleep)
		}
	}
}

// bufferNode accumulates one range's entries into pool segments during a
// flush. Ranges at or above the coalescing threshold are converted to
// secondary format on the way in ("secondary-direct"); smaller ranges keep
// their primary headers because the batch may still be written to the
// primary log.
type bufferNode struct {
	key      entry.RangeKey
	direct   bool
	expected int
	segs     []*bufpool.Buffer
}

func (n *bufferNode) room(b *Buffer, need int) *bufpool.Buffer {
	if len(n.segs) > 0 {
		if seg := n.segs[len(n.segs)-1]; seg.Remaining() >= need {
			return seg
		}
	}
	alloc := n.expected
	if alloc < need {
		alloc = need
	}
	if alloc > b.cfg.SegmentSize {
		alloc = b.cfg.SegmentSize
	}
	seg := b.pool.Get(alloc)
	n.segs = append(n.segs, seg)
	return seg
}

// append copies one entry out of the ring into the node, converting the
// header when the node goes straight to a secondary log.
func (n *bufferNode) append(b *Buffer, header []byte, abs uint32, size int) {
	if n.direct {
		converted := size - entry.ConversionOffset(header[0])
		seg := n.room(b, converted)

		m := entry.ConvertHeader(seg.Data[seg.Pos:], header)
		seg.Pos += m
		payload := size - len(header)
		b.copyOut((abs+uint32(len(header)))&ptrMask, seg.Data[seg.Pos:seg.Pos+payload])
		seg.Pos += payload
		seg.Touch()
		n.expected -= converted
		return
	}

	seg := n.room(b, size)
	b.copyOut(abs, seg.Data[seg.Pos:seg.Pos+size])
	seg.Pos += size
	seg.Touch()
	n.expected -= size
}

// flushOnce drains everything published to the ring: snapshot the byte
// count and steal the range size map under the spin lock, sort the ring's
// entries into per-range nodes, dispatch the nodes to the writer pool and
// publish the new read pointer.
func (b *Buffer) flushOnce() {
	b.lockMeta()
	readAbs := b.readPtr.Load()
	bytes := int((b.writePtr.Load() - readAbs) & ptrMask)
	stolen := b.rangeSize
	if bytes > 0 {
		b.rangeSize = make(map[entry.RangeKey]int, len(stolen))
	}
	b.unlockMeta()
	if bytes == 0 {
		return
	}

	keys := make([]entry.RangeKey, 0, len(stolen))
	for key := range stolen {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	nodes := make(map[entry.RangeKey]*bufferNode, len(stolen))
	for _, key := range keys {
		size := stolen[key]
		nodes[key] = &bufferNode{
			key:      key,
			direct:   size >= b.cfg.SecondaryBufferSize,
			expected: size,
		}
	}

	// Walk the ring for exactly the snapshot bytes. Headers split by the
	// wrap are reassembled into a scratch buffer before classification.
	var hdrScratch [entry.MaxHeaderSize]byte
	pos := readAbs
	consumed := 0
	for consumed < bytes {
		t := b.data[int(pos)%len(b.data)]
		hs := entry.HeaderSize(t)
		b.copyOut(pos, hdrScratch[:hs])
		header := hdrScratch[:hs]
		size := hs + entry.Length(header)

		key := entry.MakeRangeKey(entry.GetOwner(header), entry.GetRangeID(header))
		node := nodes[key]
		if node == nil {
			// Cannot happen: counter and write pointer are published under
			// one lock. Guard anyway rather than derail the ring.
			node = &bufferNode{key: key, direct: true, expected: size}
			nodes[key] = node
			keys = append(keys, key)
			slog.Error("[writebuf]",
				slog.String("message", "entry for unregistered range in ring"),
				slog.String("range", key.String()))
		}
		node.append(b, header, pos, size)

		pos = (pos + uint32(size)) & ptrMask
		consumed += size
	}

	// Every byte is copied out; producers may reuse the space while the
	// writer pool works on the nodes.
	b.lockMeta()
	b.readPtr.Store((readAbs + uint32(consumed)) & ptrMask)
	b.unlockMeta()

	b.dispatch(keys, nodes)
}

// dispatch hands the sorted nodes to the writer pool: direct nodes as
// secondary log writes, buffered nodes through their coalescing buffer
// with the primary log as the optional first durable hop.
func (b *Buffer) dispatch(keys []entry.RangeKey, nodes map[entry.RangeKey]*bufferNode) {
	var primBatch *bufpool.Buffer

	for _, key := range keys {
		node := nodes[key]
		lb, ok := b.registry.LogBuffer(key)
		if !ok {
			slog.Warn("[writebuf]",
				slog.String("message", "dropping entries for removed range"),
				slog.String("range", key.String()))
			for _, seg := range node.segs {
				b.pool.Put(seg)
			}
			continue
		}

		for _, seg := range node.segs {
			if seg.Pos == 0 {
				b.pool.Put(seg)
				continue
			}

			if node.direct {
				b.writers.push(job{kind: jobSecondaryDirect, target: lb, buf: seg, length: seg.Pos})
				continue
			}

			// Tentative-primary range: convert for the coalescing buffer;
			// the raw batch only reaches the primary log when the entries
			// stay parked.
			conv := b.pool.Get(seg.Pos)
			convertBatch(conv, seg.Data[:seg.Pos])
			combined := lb.BufferData(conv.Data[:conv.Pos])
			b.pool.Put(conv)

			if combined != nil {
				b.writers.push(job{kind: jobSecondaryCombined, target: lb, buf: combined, length: combined.Pos})
			} else if b.cfg.TwoLevelLogging {
				if primBatch == nil {
					primBatch = b.pool.Get(seg.Pos + 1)
				}
				if primBatch.Remaining() < seg.Pos+1 {
					grown := b.pool.Get(primBatch.Pos + seg.Pos + 1)
					grown.Append(primBatch.Data[:primBatch.Pos])
					b.pool.Put(primBatch)
					primBatch = grown
				}
				primBatch.Append(seg.Data[:seg.Pos])
			}
			b.pool.Put(seg)
		}
	}

	if primBatch != nil && primBatch.Pos > 0 {
		b.writers.push(job{kind: jobPrimary, buf: primBatch, length: primBatch.Pos})
	} else if primBatch != nil {
		b.pool.Put(primBatch)
	}
}

// convertBatch rewrites a batch of primary-format entries into secondary
// format, appending to dst.
func convertBatch(dst *bufpool.Buffer, src []byte) {
	off := 0
	for off < len(src) {
		h := src[off:]
		hs := entry.HeaderSize(h[0])
		length := entry.Length(h[:hs])

		n := entry.ConvertHeader(dst.Data[dst.Pos:], h[:hs])
		dst.Pos += n
		copy(dst.Data[dst.Pos:], src[off+hs:off+hs+length])
		dst.Pos += length
		dst.Touch()

		off += hs + length
	}
}

// FlushDataToSecondaryLogs forces everything pending — ring, writer
// queues, coalescing buffers — down to the secondary logs, then restarts
// the primary log whose content is thereby superseded. Blocking and
// serialised; safe to call repeatedly.
func (b *Buffer) FlushDataToSecondaryLogs() error {
	if b.shuttingDown.Load() {
		return ErrShutdown
	}
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.priorityFlush.Store(true)
	for b.BytesInRing() > 0 || !b.writers.idle() {
		if b.shuttingDown.Load() {
			return ErrShutdown
		}
		b.priorityFlush.Store(true)
		time.Sleep(idleSleep)
	}

	var firstErr error
	b.registry.ForEachLogBuffer(func(lb *seclog.LogBuffer) bool {
		if err := lb.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})

	if b.prim != nil {
		if err := b.prim.Reset(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := b.writers.takeError(); err != nil && firstErr == nil {
		firstErr = err
	}

	b.flushSeq.Add(1)
	b.sink.Flushes(1)
	return firstErr
}
