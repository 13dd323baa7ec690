package primlog

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dxgrid/dxlog/pkg/diskio"
	"github.com/dxgrid/dxlog/pkg/entry"
)

func newTestLog(t *testing.T, size int64) *Log {
	t.Helper()
	backend, err := diskio.OpenBuffered(filepath.Join(t.TempDir(), "prim.log"), size)
	require.NoError(t, err)
	l := New(backend)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

// primEntry builds one primary-format entry with payload.
func primEntry(t *testing.T, cid entry.ChunkID, payload []byte) []byte {
	t.Helper()
	var hdr [entry.MaxHeaderSize]byte
	h := entry.CreatePrimary(hdr[:], entry.PrimaryParams{
		ChunkID: cid, Length: len(payload),
		Version: entry.Version{Number: 1},
		RangeID: 0, Owner: 2, OriginalOwner: 2,
	})
	return append(append([]byte(nil), h...), payload...)
}

func TestAppendAdvancesAndScans(t *testing.T) {
	l := newTestLog(t, 1<<20)

	batch := append(primEntry(t, entry.MakeChunkID(2, 1), []byte("one")),
		primEntry(t, entry.MakeChunkID(2, 2), []byte("two"))...)
	// Room for the sentinel behind the batch.
	buf := make([]byte, len(batch)+1)
	copy(buf, batch)
	require.NoError(t, l.Append(buf, len(batch)))
	assert.Equal(t, int64(len(batch)), l.WritePos())

	var got [][]byte
	require.NoError(t, l.Scan(func(h, payload []byte) error {
		got = append(got, append([]byte(nil), payload...))
		return nil
	}))
	require.Len(t, got, 2)
	assert.Equal(t, []byte("one"), got[0])
	assert.Equal(t, []byte("two"), got[1])
}

func TestSentinelStopsScanAfterReset(t *testing.T) {
	l := newTestLog(t, 1<<20)

	e := primEntry(t, entry.MakeChunkID(2, 1), bytes.Repeat([]byte{1}, 100))
	require.NoError(t, l.Append(append(e, 0), len(e)))
	require.NoError(t, l.Reset())
	assert.Zero(t, l.WritePos())

	calls := 0
	require.NoError(t, l.Scan(func(h, payload []byte) error {
		calls++
		return nil
	}))
	assert.Zero(t, calls)
}

func TestAppendRejectsWhenFull(t *testing.T) {
	l := newTestLog(t, 128)

	e := primEntry(t, entry.MakeChunkID(2, 1), bytes.Repeat([]byte{1}, 200))
	err := l.Append(append(e, 0), len(e))
	assert.ErrorIs(t, err, ErrFull)
}

func TestScanRestoresWritePosition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prim.log")
	backend, err := diskio.OpenBuffered(path, 1<<20)
	require.NoError(t, err)
	l := New(backend)

	e := primEntry(t, entry.MakeChunkID(2, 5), []byte("persisted"))
	require.NoError(t, l.Append(append(e, 0), len(e)))
	wantPos := l.WritePos()
	require.NoError(t, l.Close())

	// Reopen cold: Scan finds the sentinel and re-establishes the write
	// position for further appends.
	backend2, err := diskio.OpenBuffered(path, 1<<20)
	require.NoError(t, err)
	l2 := New(backend2)
	defer l2.Close()

	seen := 0
	require.NoError(t, l2.Scan(func(h, payload []byte) error {
		seen++
		assert.Equal(t, []byte("persisted"), payload)
		return nil
	}))
	assert.Equal(t, 1, seen)
	assert.Equal(t, wantPos, l2.WritePos())
}
