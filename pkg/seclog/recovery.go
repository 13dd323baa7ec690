package seclog

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/dxgrid/dxlog/pkg/entry"
	"github.com/dxgrid/dxlog/pkg/versions"
)

// Chunk is a recovered chunk: id, payload and the version it was restored
// at.
type Chunk struct {
	CID     entry.ChunkID
	Version entry.Version
	Payload []byte
}

// RecoveryMetadata summarises one range recovery.
type RecoveryMetadata struct {
	NumChunks      int
	NumTombstones  int
	Bytes          int64
	CorruptSkipped int
	Errors         []error
}

// ChunkSink receives recovered chunks in batches.
type ChunkSink interface {
	PutRecoveredChunks(chunks []Chunk) error
}

// ChunkSinkFunc adapts a function to a ChunkSink.
type ChunkSinkFunc func(chunks []Chunk) error

func (f ChunkSinkFunc) PutRecoveredChunks(chunks []Chunk) error {
	return f(chunks)
}

// deliveryBatch bounds how many chunks are handed to the sink at once.
const deliveryBatch = 256

// candidate accumulates the best state seen for one chunk id during a
// scan.
type candidate struct {
	ver       entry.Version
	payload   []byte
	parts     [][]byte // chained entries, indexed by chain id
	partsLeft int
	tombEpoch uint16
	hasTomb   bool
	hasBest   bool
}

// Recover scans every segment and delivers, per chunk id, the payload of
// the highest live version. A chunk whose freshest state is a removal is
// counted as a tombstone and not delivered. Corrupt entries are skipped
// and counted, never fatal. vers may be nil; when given it supplies the
// lowest live chunk id as a scan filter.
func (l *SecondaryLog) Recover(vers *versions.Store, sink ChunkSink) (RecoveryMetadata, error) {
	l.access.RLock()
	defer l.access.RUnlock()

	var meta RecoveryMetadata

	var lowest entry.ChunkID
	haveLowest := false
	if vers != nil {
		lowest, haveLowest = vers.LowestCID()
		// Tombstoned chunks are below no live chunk; the per-entry rules
		// below still drop them.
	}

	cands := make(map[entry.ChunkID]*candidate)
	buf := l.pool.Get(l.segmentSize)
	defer l.pool.Put(buf)

	for seg := 0; seg < l.numSegments; seg++ {
		if err := l.scanSegment(seg, buf.Data, &meta, func(h, payload []byte) {
			l.collect(cands, h, payload, lowest, haveLowest, &meta)
		}); err != nil {
			meta.Errors = append(meta.Errors, err)
		}
	}

	// Deterministic delivery order helps the chunk component batch its
	// memory allocations.
	cids := make([]entry.ChunkID, 0, len(cands))
	for cid := range cands {
		cids = append(cids, cid)
	}
	sort.Slice(cids, func(i, j int) bool { return cids[i] < cids[j] })

	batch := make([]Chunk, 0, deliveryBatch)
	for _, cid := range cids {
		c := cands[cid]
		live, payload := c.resolve()
		if !live {
			if c.hasTomb {
				meta.NumTombstones++
			}
			continue
		}
		meta.NumChunks++
		meta.Bytes += int64(len(payload))
		batch = append(batch, Chunk{CID: cid, Version: c.ver, Payload: payload})
		if len(batch) == deliveryBatch {
			if err := sink.PutRecoveredChunks(batch); err != nil {
				return meta, fmt.Errorf("deliver recovered chunks: %w", err)
			}
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		if err := sink.PutRecoveredChunks(batch); err != nil {
			return meta, fmt.Errorf("deliver recovered chunks: %w", err)
		}
	}
	return meta, nil
}

// resolve applies the tombstone rule: the freshest payload wins unless a
// removal from the same or a later epoch shadows it.
func (c *candidate) resolve() (bool, []byte) {
	if !c.hasBest || c.partsLeft > 0 {
		return false, nil
	}
	if c.hasTomb && c.ver.Epoch <= c.tombEpoch {
		return false, nil
	}
	if c.parts != nil {
		var joined []byte
		for _, p := range c.parts {
			joined = append(joined, p...)
		}
		return true, joined
	}
	return true, c.payload
}

// collect folds one scanned entry into the candidate set.
func (l *SecondaryLog) collect(cands map[entry.ChunkID]*candidate, h, payload []byte,
	lowest entry.ChunkID, haveLowest bool, meta *RecoveryMetadata) {

	cid := entry.GetChunkID(h)
	v := entry.GetVersion(h)

	if haveLowest && cid < lowest && !v.IsTombstone() {
		return
	}

	c := cands[cid]
	if c == nil {
		c = &candidate{}
		cands[cid] = c
	}

	if v.IsTombstone() {
		if !c.hasTomb || v.Epoch > c.tombEpoch {
			c.hasTomb = true
			c.tombEpoch = v.Epoch
		}
		return
	}

	if sum, ok := entry.Checksum(h); ok {
		if entry.PayloadChecksum(payload) != sum {
			meta.CorruptSkipped++
			slog.Warn("[seclog]",
				slog.String("message", "payload checksum mismatch during recovery"),
				slog.String("range", l.key.String()),
				slog.String("chunk", cid.String()))
			return
		}
	}

	chainID, chainCount := entry.Chaining(h)

	if c.hasBest && v.Less(c.ver) {
		return
	}
	if !c.hasBest || c.ver.Less(v) {
		// Fresh best version: reset any partial chain state.
		c.ver = v
		c.hasBest = true
		c.payload = nil
		c.parts = nil
		c.partsLeft = 0
		if chainCount > 1 {
			c.parts = make([][]byte, chainCount)
			c.partsLeft = int(chainCount)
		}
	}
	if c.parts != nil {
		if int(chainID) < len(c.parts) && c.parts[chainID] == nil {
			c.parts[chainID] = append([]byte(nil), payload...)
			c.partsLeft--
		}
		return
	}
	c.payload = append([]byte(nil), payload...)
}

// scanSegment reads one segment and visits every complete entry until the
// zero sentinel or the segment end. Undecodable bytes end the scan of this
// segment and are counted.
func (l *SecondaryLog) scanSegment(seg int, buf []byte, meta *RecoveryMetadata, visit func(h, payload []byte)) error {
	if err := l.backend.ReadAt(buf, int64(seg)*int64(l.segmentSize), l.segmentSize); err != nil {
		return fmt.Errorf("read segment %d: %w", seg, err)
	}
	data := buf[:l.segmentSize]

	off := 0
	for off < len(data) {
		t := data[off]
		if t == 0 {
			break
		}
		if !entry.IsValidType(t) || !entry.IsReadable(t, len(data)-off) {
			meta.CorruptSkipped++
			slog.Warn("[seclog]",
				slog.String("message", "unreadable entry header, abandoning segment scan"),
				slog.String("range", l.key.String()),
				slog.Int("segment", seg),
				slog.Int("offset", off))
			break
		}
		h := data[off : off+entry.HeaderSize(t)]
		length := entry.Length(h)
		if off+len(h)+length > len(data) {
			meta.CorruptSkipped++
			slog.Warn("[seclog]",
				slog.String("message", "entry length exceeds segment, abandoning segment scan"),
				slog.String("range", l.key.String()),
				slog.Int("segment", seg),
				slog.Int("offset", off),
				slog.Int("length", length))
			break
		}
		payload := data[off+len(h) : off+len(h)+length]
		visit(data[off:off+len(h)+length], payload)
		off += len(h) + length
	}
	return nil
}

// Bootstrap rebuilds the in-memory segment accounting and entry index
// from disk and reconciles the version store against what the scan finds:
// snapshots are written on close and by the reorganiser, so after a crash
// the disk may be ahead of the snapshot (or the snapshot gone entirely).
// Called once when an existing log file is reopened.
func (l *SecondaryLog) Bootstrap() (RecoveryMetadata, error) {
	l.access.RLock()
	defer l.access.RUnlock()

	var meta RecoveryMetadata

	type seen struct {
		ver     entry.Version
		seg     int
		size    int
		tomb    bool
		chained bool
	}
	best := make(map[entry.ChunkID]*seen)
	segUsed := make([]int, l.numSegments)
	chainedBySeg := make([]int, l.numSegments)

	buf := l.pool.Get(l.segmentSize)
	defer l.pool.Put(buf)

	for seg := 0; seg < l.numSegments; seg++ {
		segIdx := seg
		err := l.scanSegment(seg, buf.Data, &meta, func(h, payload []byte) {
			size := len(h) // h spans the whole entry, payload included
			segUsed[segIdx] += size
			chained := entry.IsChained(h[0])
			if chained {
				// Chain parts are never indexed, so their bytes count as live.
				chainedBySeg[segIdx] += size
			}

			cid := entry.GetChunkID(h)
			v := entry.GetVersion(h)
			b := best[cid]
			if b == nil {
				best[cid] = &seen{ver: v, seg: segIdx, size: size, tomb: v.IsTombstone(), chained: chained}
				return
			}
			if v.IsTombstone() {
				if !b.tomb || b.ver.Epoch < v.Epoch {
					b.tomb = true
					if b.ver.Epoch <= v.Epoch {
						b.ver = v
						b.seg = segIdx
						b.size = size
					}
				}
				return
			}
			if b.tomb && v.Epoch <= b.ver.Epoch {
				return
			}
			if b.tomb || b.ver.Less(v) {
				best[cid] = &seen{ver: v, seg: segIdx, size: size, chained: chained}
			}
		})
		if err != nil {
			meta.Errors = append(meta.Errors, err)
		}
	}

	l.mu.Lock()
	for seg := 0; seg < l.numSegments; seg++ {
		l.segs[seg] = segmentInfo{used: segUsed[seg]}
		switch {
		case segUsed[seg] == 0:
			l.segs[seg].state = SegEmpty
		case segUsed[seg] >= l.segmentSize:
			l.segs[seg].state = SegFull
		default:
			l.segs[seg].state = SegOpen
		}
	}
	l.index = make(map[entry.ChunkID]entryLoc, len(best))
	liveBySeg := make([]int, l.numSegments)
	for cid, b := range best {
		scanned := b.ver
		if b.tomb {
			scanned = entry.Version{Epoch: b.ver.Epoch, Number: entry.TombstoneNumber}
		}
		if cur, ok := l.vers.Current(cid); !ok || cur.Less(scanned) {
			l.vers.Put(cid, scanned)
		}
		if b.tomb || b.chained {
			continue
		}
		l.index[cid] = entryLoc{seg: int32(b.seg), size: int32(b.size)}
		liveBySeg[b.seg] += b.size
	}
	for seg := 0; seg < l.numSegments; seg++ {
		l.segs[seg].invalid = l.segs[seg].used - liveBySeg[seg] - chainedBySeg[seg]
		if l.segs[seg].invalid > 0 && (l.segs[seg].state == SegOpen || l.segs[seg].state == SegFull) {
			l.segs[seg].state = SegInvalidating
		}
	}
	l.mu.Unlock()

	return meta, nil
}
