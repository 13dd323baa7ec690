package seclog

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dxgrid/dxlog/pkg/bufpool"
	"github.com/dxgrid/dxlog/pkg/diskio"
	"github.com/dxgrid/dxlog/pkg/entry"
	"github.com/dxgrid/dxlog/pkg/versions"
)

func newReorgLog(t *testing.T, segSize, numSegs int) *testLog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sec.log")
	backend, err := diskio.OpenBuffered(path, int64(segSize*numSegs))
	require.NoError(t, err)

	pool := bufpool.New(testPageSize, segSize)
	l, err := New(backend, entry.MakeRangeKey(2, 0), versions.New(), pool, Options{SegmentSize: segSize})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return &testLog{SecondaryLog: l, path: path, pool: pool}
}

func TestReorganisationReclaimsSpace(t *testing.T) {
	l := newReorgLog(t, 256*1024, 8)

	const total, invalidated = 1000, 800
	payload := bytes.Repeat([]byte{0x5A}, 1024)
	for i := 0; i < total; i++ {
		l.put(t, entry.MakeChunkID(2, uint64(i)), payload)
	}
	for i := 0; i < invalidated; i++ {
		require.NoError(t, l.Invalidate(entry.MakeChunkID(2, uint64(i))))
	}

	snap := versions.NewWithCapacity(total)
	l.Versions().CopyInto(snap)
	lowest, haveLowest := snap.LowestCID()
	require.True(t, haveLowest)
	assert.Equal(t, entry.MakeChunkID(2, invalidated), lowest)

	l.AcquireReorg()
	freed := 0
	for {
		seg, ok := l.CandidateSegment(0.60)
		if !ok {
			break
		}
		res, err := l.ReorganiseSegment(seg, snap, lowest, haveLowest)
		require.NoError(t, err)
		freed += res.FreedBytes
	}
	l.ReleaseReorg()

	assert.Greater(t, freed, invalidated*1024)
	for seg := 0; seg < l.NumSegments(); seg++ {
		used, invalid, state, err := l.SegmentStats(seg)
		require.NoError(t, err)
		assert.LessOrEqual(t, invalid, used)
		assert.NotEqual(t, SegReorganising, state)
	}

	// The scan yields exactly the live entries at their latest versions.
	sink := &memSink{}
	meta, err := l.Recover(l.Versions(), sink)
	require.NoError(t, err)
	assert.Equal(t, total-invalidated, meta.NumChunks)
	for _, c := range sink.chunks {
		assert.GreaterOrEqual(t, c.CID.LocalID(), uint64(invalidated))
		assert.Equal(t, payload, c.Payload)
	}
}

func TestReorganisationDropsSupersededVersions(t *testing.T) {
	l := newReorgLog(t, 64*1024, 4)
	cid := entry.MakeChunkID(2, 1)

	for i := 0; i < 10; i++ {
		l.put(t, cid, bytes.Repeat([]byte{byte(i)}, 512))
	}
	_, invalidBefore := l.Utilisation()
	assert.Greater(t, invalidBefore, 0)

	snap := versions.New()
	l.Versions().CopyInto(snap)
	lowest, haveLowest := snap.LowestCID()

	// Appends spread over the least-used segments, so the superseded
	// versions sit in several of them; compact until quiescent.
	survivors, discarded := 0, 0
	l.AcquireReorg()
	for {
		seg, ok := l.CandidateSegment(0.60)
		if !ok {
			break
		}
		res, err := l.ReorganiseSegment(seg, snap, lowest, haveLowest)
		require.NoError(t, err)
		survivors += res.Survivors
		discarded += res.Discarded
	}
	l.ReleaseReorg()

	assert.Equal(t, 1, survivors)
	assert.Equal(t, 9, discarded)

	used, invalid := l.Utilisation()
	assert.Zero(t, invalid)
	assert.Greater(t, used, 512)

	sink := &memSink{}
	meta, err := l.Recover(l.Versions(), sink)
	require.NoError(t, err)
	require.Equal(t, 1, meta.NumChunks)
	assert.Equal(t, bytes.Repeat([]byte{9}, 512), sink.chunks[0].Payload)
}

func TestReorganisationKeepsSmallSurvivor(t *testing.T) {
	l := newReorgLog(t, 8*1024, 4)

	// The survivor shares its segment with garbage. The all-garbage
	// segments are emptied first, so the survivor's segment is compacted in
	// place and the survivor is the only chunk left.
	keep := entry.MakeChunkID(2, 100)
	l.put(t, keep, bytes.Repeat([]byte{7}, 512))
	for i := 0; i < 12; i++ {
		l.put(t, entry.MakeChunkID(2, uint64(i)), bytes.Repeat([]byte{1}, 1024))
	}
	for i := 0; i < 12; i++ {
		require.NoError(t, l.Invalidate(entry.MakeChunkID(2, uint64(i))))
	}

	snap := versions.New()
	l.Versions().CopyInto(snap)
	lowest, haveLowest := snap.LowestCID()

	l.AcquireReorg()
	for {
		seg, ok := l.CandidateSegment(0.60)
		if !ok {
			break
		}
		_, err := l.ReorganiseSegment(seg, snap, lowest, haveLowest)
		require.NoError(t, err)
	}
	l.ReleaseReorg()

	sink := &memSink{}
	meta, err := l.Recover(l.Versions(), sink)
	require.NoError(t, err)
	require.Equal(t, 1, meta.NumChunks)
	assert.Equal(t, keep, sink.chunks[0].CID)
}

func TestCandidateSegmentThreshold(t *testing.T) {
	l := newReorgLog(t, 64*1024, 2)
	cid := entry.MakeChunkID(2, 1)

	l.put(t, cid, bytes.Repeat([]byte{1}, 1024))
	_, ok := l.CandidateSegment(0.60)
	assert.False(t, ok)

	l.put(t, cid, bytes.Repeat([]byte{2}, 1024))
	l.put(t, cid, bytes.Repeat([]byte{3}, 1024))

	// Two of three entries are superseded now; whichever segment holds
	// only garbage crosses the threshold.
	seg, ok := l.CandidateSegment(0.60)
	require.True(t, ok)
	used, invalid, _, err := l.SegmentStats(seg)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, float64(invalid)/float64(used), 0.60)
}

func TestReorganiseEmptySegmentIsNoop(t *testing.T) {
	l := newReorgLog(t, 16*1024, 2)
	snap := versions.New()

	l.AcquireReorg()
	res, err := l.ReorganiseSegment(1, snap, 0, false)
	l.ReleaseReorg()
	require.NoError(t, err)
	assert.Zero(t, res.FreedBytes)

	_, _, state, err := l.SegmentStats(1)
	require.NoError(t, err)
	assert.Equal(t, SegEmpty, state)
}
