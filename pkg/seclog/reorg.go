package seclog

import (
	"fmt"
	"log/slog"

	"github.com/dxgrid/dxlog/pkg/entry"
	"github.com/dxgrid/dxlog/pkg/versions"
)

// ReorgResult summarises one segment reorganisation.
type ReorgResult struct {
	FreedBytes     int
	SurvivorBytes  int
	Survivors      int
	Discarded      int
	CorruptSkipped int
	MergedInto     int // target segment index, -1 when compacted in place
}

// AcquireReorg takes the per-log access lock for writing, blocking the
// writer pool on this log. Held across segment reads and the rewrite.
func (l *SecondaryLog) AcquireReorg() {
	l.access.Lock()
}

// ReleaseReorg releases the reorganisation lock.
func (l *SecondaryLog) ReleaseReorg() {
	l.access.Unlock()
}

// CandidateSegment returns the segment with the highest invalidation ratio
// at or above threshold. ok is false when no segment qualifies.
func (l *SecondaryLog) CandidateSegment(threshold float64) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	best, bestRatio := -1, threshold
	for i := range l.segs {
		s := l.segs[i]
		if s.used == 0 || s.state == SegReorganising {
			continue
		}
		ratio := float64(s.invalid) / float64(s.used)
		if ratio >= bestRatio {
			best, bestRatio = i, ratio
		}
	}
	return best, best >= 0
}

// ReorganiseSegment compacts one segment: tombstones, superseded versions
// and chunks below the lowest live chunk id are dropped, survivors are
// rewritten densely. When the survivors fit into another partially used
// segment without invalidated bytes they are merged there and the source
// becomes empty. The caller
// must hold the reorganisation lock and pass a snapshot of the version
// store.
func (l *SecondaryLog) ReorganiseSegment(seg int, vers *versions.Store, lowest entry.ChunkID, haveLowest bool) (ReorgResult, error) {
	res := ReorgResult{MergedInto: -1}
	if seg < 0 || seg >= l.numSegments {
		return res, ErrBadSegment
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return res, ErrClosed
	}
	used := l.segs[seg].used
	prevState := l.segs[seg].state
	l.segs[seg].state = SegReorganising
	l.mu.Unlock()

	if used == 0 {
		l.mu.Lock()
		l.segs[seg].state = SegEmpty
		l.mu.Unlock()
		return res, nil
	}

	src := l.pool.Get(used)
	defer l.pool.Put(src)
	if err := l.backend.ReadAt(src.Data, int64(seg)*int64(l.segmentSize), used); err != nil {
		l.mu.Lock()
		l.segs[seg].state = prevState
		l.mu.Unlock()
		return res, fmt.Errorf("reorg read segment %d: %w", seg, err)
	}

	out := l.pool.Get(used)
	defer l.pool.Put(out)
	data := src.Data[:used]

	off := 0
	for off < len(data) {
		size, err := entrySize(data[off:])
		if err != nil {
			// A torn tail: everything behind it is unreadable.
			res.CorruptSkipped++
			slog.Warn("[seclog]",
				slog.String("message", "skipping corrupt segment tail during reorganisation"),
				slog.String("range", l.key.String()),
				slog.Int("segment", seg),
				slog.Int("offset", off),
				slog.Any("error", err))
			break
		}
		h := data[off : off+size]
		if l.entrySurvives(h, vers, lowest, haveLowest) {
			out.Append(h)
			res.Survivors++
		} else {
			res.Discarded++
		}
		off += size
	}

	res.SurvivorBytes = out.Pos
	res.FreedBytes = used - out.Pos

	target := l.pickMergeTarget(seg, out.Pos)
	if err := l.rewriteSegment(seg, target, out.Data[:out.Pos]); err != nil {
		l.mu.Lock()
		l.segs[seg].state = prevState
		l.mu.Unlock()
		return res, err
	}
	if target >= 0 {
		res.MergedInto = target
	}
	return res, nil
}

// entrySurvives applies the liveness rules: no tombstones, no superseded
// versions, nothing below the lowest live chunk id.
func (l *SecondaryLog) entrySurvives(h []byte, vers *versions.Store, lowest entry.ChunkID, haveLowest bool) bool {
	v := entry.GetVersion(h)
	if v.IsTombstone() {
		return false
	}
	cid := entry.GetChunkID(h)
	if haveLowest && cid < lowest {
		return false
	}
	cur, ok := vers.Current(cid)
	if !ok {
		// Unknown to the version store: a chunk logged after the snapshot
		// was taken. Keep it; the next pass sees the full picture.
		return true
	}
	if cur.IsTombstone() {
		return false
	}
	// Chain parts all carry the chain's version, so the comparison covers
	// single and chained entries alike.
	return v == cur
}

// pickMergeTarget returns a different segment with room for n survivor
// bytes and no invalidated bytes of its own, or -1 to compact in place.
// Only worthwhile when the survivors are small enough to free the whole
// source segment. Segments still holding garbage are skipped so merged
// survivors never dilute their invalidation ratio.
func (l *SecondaryLog) pickMergeTarget(src, n int) int {
	if n == 0 {
		return -1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.segs {
		if i == src || l.segs[i].state == SegReorganising || l.segs[i].used == 0 || l.segs[i].invalid > 0 {
			continue
		}
		if l.segs[i].used+n <= l.segmentSize {
			return i
		}
	}
	return -1
}

// rewriteSegment installs the survivors: either densely at the start of
// the source segment, or appended to the merge target with the source
// zeroed out. Metadata is swapped atomically under mu.
func (l *SecondaryLog) rewriteSegment(src, target int, survivors []byte) error {
	zero := []byte{0}

	if target < 0 {
		length := len(survivors)
		sentinel := length < l.segmentSize
		buf := l.pool.Get(length + 1)
		buf.Append(survivors)
		if sentinel {
			buf.Append(zero)
			length++
		}
		err := l.backend.WriteAt(buf.Data, 0, int64(src)*int64(l.segmentSize), length, 0)
		l.pool.Put(buf)
		if err != nil {
			return fmt.Errorf("reorg rewrite segment %d: %w", src, err)
		}

		l.mu.Lock()
		defer l.mu.Unlock()
		l.segs[src].used = len(survivors)
		l.segs[src].invalid = 0
		switch {
		case len(survivors) == 0:
			l.segs[src].state = SegEmpty
		case len(survivors) >= l.segmentSize:
			l.segs[src].state = SegFull
		default:
			l.segs[src].state = SegOpen
		}
		l.relocateLocked(src, src, survivors)
		return nil
	}

	// Merge: append survivors to the target, then retire the source with a
	// leading zero sentinel.
	l.mu.Lock()
	targetUsed := l.segs[target].used
	l.mu.Unlock()

	sentinel := targetUsed+len(survivors) < l.segmentSize
	length := len(survivors)
	buf := l.pool.Get(length + 1)
	buf.Append(survivors)
	if sentinel {
		buf.Append(zero)
		length++
	}
	err := l.backend.WriteAt(buf.Data, 0, int64(target)*int64(l.segmentSize)+int64(targetUsed), length, 0)
	l.pool.Put(buf)
	if err != nil {
		return fmt.Errorf("reorg merge into segment %d: %w", target, err)
	}
	if err := l.backend.WriteAt(zero, 0, int64(src)*int64(l.segmentSize), 1, 0); err != nil {
		return fmt.Errorf("reorg clear segment %d: %w", src, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.segs[target].used = targetUsed + len(survivors)
	if l.segs[target].used >= l.segmentSize {
		l.segs[target].state = SegFull
	}
	l.segs[src] = segmentInfo{state: SegEmpty}
	l.relocateLocked(src, target, survivors)
	return nil
}

// relocateLocked repoints index entries of the moved survivors.
func (l *SecondaryLog) relocateLocked(src, dst int, survivors []byte) {
	off := 0
	for off < len(survivors) {
		h := survivors[off:]
		size := entry.HeaderSize(h[0]) + entry.Length(h)
		cid := entry.GetChunkID(h)
		if !entry.IsChained(h[0]) {
			l.index[cid] = entryLoc{seg: int32(dst), size: int32(size)}
		}
		off += size
	}
	// Entries of the source segment that did not survive are gone; drop
	// dangling index references.
	for cid, loc := range l.index {
		if int(loc.seg) == src && dst != src {
			delete(l.index, cid)
		}
	}
}
