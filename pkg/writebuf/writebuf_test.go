package writebuf

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dxgrid/dxlog/pkg/bufpool"
	"github.com/dxgrid/dxlog/pkg/diskio"
	"github.com/dxgrid/dxlog/pkg/entry"
	"github.com/dxgrid/dxlog/pkg/primlog"
	"github.com/dxgrid/dxlog/pkg/seclog"
	"github.com/dxgrid/dxlog/pkg/versions"
)

// testRegistry is the range catalog stand-in.
type testRegistry struct {
	mu      sync.RWMutex
	buffers map[entry.RangeKey]*seclog.LogBuffer
}

func (r *testRegistry) LogBuffer(key entry.RangeKey) (*seclog.LogBuffer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lb, ok := r.buffers[key]
	return lb, ok
}

func (r *testRegistry) ForEachLogBuffer(fn func(*seclog.LogBuffer) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, lb := range r.buffers {
		if !fn(lb) {
			return
		}
	}
}

func (r *testRegistry) add(key entry.RangeKey, lb *seclog.LogBuffer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buffers[key] = lb
}

type env struct {
	t        *testing.T
	cfg      Config
	pool     *bufpool.Pool
	registry *testRegistry
	prim     *primlog.Log
	buf      *Buffer
	dir      string
}

func newEnv(t *testing.T, cfg Config) *env {
	t.Helper()

	e := &env{
		t:        t,
		cfg:      cfg,
		pool:     bufpool.New(cfg.FlashPageSize, cfg.SegmentSize),
		registry: &testRegistry{buffers: make(map[entry.RangeKey]*seclog.LogBuffer)},
		dir:      t.TempDir(),
	}

	if cfg.TwoLevelLogging {
		backend, err := diskio.OpenBuffered(filepath.Join(e.dir, "prim.log"), 4<<20)
		require.NoError(t, err)
		e.prim = primlog.New(backend)
		t.Cleanup(func() { _ = e.prim.Close() })
	}

	buf, err := New(cfg, Options{
		Registry:   e.registry,
		Pool:       e.pool,
		PrimaryLog: e.prim,
		Sink:       nil,
	})
	require.NoError(t, err)
	e.buf = buf
	t.Cleanup(func() { _ = buf.Close() })
	return e
}

func (e *env) addRange(owner entry.NodeID, rangeID uint16, numSegs int) (*seclog.SecondaryLog, *seclog.LogBuffer) {
	e.t.Helper()
	key := entry.MakeRangeKey(owner, rangeID)
	name := fmt.Sprintf("sec_%04X_%d.log", uint16(owner), rangeID)
	backend, err := diskio.OpenBuffered(filepath.Join(e.dir, name), int64(e.cfg.SegmentSize*numSegs))
	require.NoError(e.t, err)

	l, err := seclog.New(backend, key, versions.New(), e.pool, seclog.Options{SegmentSize: e.cfg.SegmentSize})
	require.NoError(e.t, err)
	e.t.Cleanup(func() { _ = l.Close() })

	lb := seclog.NewLogBuffer(l, e.pool, e.cfg.SecondaryBufferSize)
	e.registry.add(key, lb)
	return l, lb
}

func (e *env) waitIdle() {
	e.t.Helper()
	e.buf.InitiatePriorityFlush()
	deadline := time.Now().Add(5 * time.Second)
	for !e.buf.Idle() {
		if time.Now().After(deadline) {
			e.t.Fatal("write buffer did not drain")
		}
		time.Sleep(time.Millisecond)
	}
}

func (e *env) recover(l *seclog.SecondaryLog) []seclog.Chunk {
	e.t.Helper()
	var chunks []seclog.Chunk
	_, err := l.Recover(l.Versions(), seclog.ChunkSinkFunc(func(batch []seclog.Chunk) error {
		chunks = append(chunks, batch...)
		return nil
	}))
	require.NoError(e.t, err)
	return chunks
}

func smallConfig() Config {
	return Config{
		WriteBufferSize:     1 << 16,
		FlashPageSize:       4096,
		SegmentSize:         8192,
		SecondaryBufferSize: 4096,
		TwoLevelLogging:     true,
		ProcessTimeout:      20 * time.Millisecond,
	}
}

func TestSmallBatchStagesInPrimaryLog(t *testing.T) {
	e := newEnv(t, smallConfig())
	l, lb := e.addRange(0x0002, 0, 8)

	payload := bytes.Repeat([]byte{0x11}, 100)
	for i := 0; i < 10; i++ {
		require.NoError(t, e.buf.PutLogData(payload, entry.MakeChunkID(2, uint64(i)), 0, 0x0002, 0x0002, l))
	}
	e.waitIdle()

	// Small batch: one primary-log write of at least header+payload per
	// entry, nothing in the secondary log file, all ten entries parked in
	// secondary format.
	assert.GreaterOrEqual(t, e.prim.WritePos(), int64(10*(100+1)))
	used, _ := l.Utilisation()
	assert.Zero(t, used)
	assert.Equal(t, 10, lb.BufferedEntries())

	// The blocking flush drains the parked entries and resets the primary
	// log.
	require.NoError(t, e.buf.FlushDataToSecondaryLogs())
	assert.Zero(t, lb.Buffered())
	assert.Zero(t, e.prim.WritePos())

	chunks := e.recover(l)
	require.Len(t, chunks, 10)
	for _, c := range chunks {
		assert.Equal(t, payload, c.Payload)
	}
}

func TestLargeBatchGoesStraightToSecondaryLog(t *testing.T) {
	e := newEnv(t, smallConfig())
	l, lb := e.addRange(0x0002, 0, 8)

	// Above the coalescing threshold in one flush: direct path.
	payload := bytes.Repeat([]byte{0x22}, 5000)
	require.NoError(t, e.buf.PutLogData(payload, entry.MakeChunkID(2, 1), 0, 0x0002, 0x0002, l))
	e.waitIdle()

	assert.Zero(t, lb.Buffered())
	assert.Zero(t, e.prim.WritePos())
	used, _ := l.Utilisation()
	assert.Greater(t, used, 5000)

	chunks := e.recover(l)
	require.Len(t, chunks, 1)
	assert.Equal(t, payload, chunks[0].Payload)
}

func TestLargeEntryChaining(t *testing.T) {
	e := newEnv(t, smallConfig())
	l, _ := e.addRange(0x0003, 0, 16)

	maxEntry := e.buf.MaxEntrySize()
	require.Equal(t, e.cfg.SegmentSize/2, maxEntry)

	payload := make([]byte, 3*maxEntry-10)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	cid := entry.ChunkID(0x000300000000002A)
	require.NoError(t, e.buf.PutLogData(payload, cid, 0, 0x0003, 0x0003, l))
	e.waitIdle()

	chunks := e.recover(l)
	require.Len(t, chunks, 1)
	assert.Equal(t, cid, chunks[0].CID)
	assert.Equal(t, payload, chunks[0].Payload)
}

func TestChainPartCountLimit(t *testing.T) {
	e := newEnv(t, smallConfig())
	l, _ := e.addRange(0x0002, 0, 8)

	tooBig := make([]byte, (entry.MaxChainParts+1)*e.buf.MaxEntrySize())
	err := e.buf.PutLogData(tooBig, entry.MakeChunkID(2, 1), 0, 0x0002, 0x0002, l)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestEmptyPayloadRejected(t *testing.T) {
	e := newEnv(t, smallConfig())
	l, _ := e.addRange(0x0002, 0, 8)

	err := e.buf.PutLogData(nil, entry.MakeChunkID(2, 1), 0, 0x0002, 0x0002, l)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestRingWrapKeepsEntriesIntact(t *testing.T) {
	cfg := smallConfig()
	cfg.WriteBufferSize = 4096
	cfg.SecondaryBufferSize = 256 // force the direct path, no parking
	e := newEnv(t, cfg)
	l, _ := e.addRange(0x0002, 0, 32)

	// Many entries through a tiny ring: the write position wraps over and
	// over, splitting headers and payloads at the physical end.
	const n = 200
	payloads := make([][]byte, n)
	for i := 0; i < n; i++ {
		payloads[i] = bytes.Repeat([]byte{byte(i + 1)}, 150+i%17)
		require.NoError(t, e.buf.PutLogData(payloads[i], entry.MakeChunkID(2, uint64(i)), 0, 0x0002, 0x0002, l))
	}
	e.waitIdle()
	require.NoError(t, e.buf.FlushDataToSecondaryLogs())

	chunks := e.recover(l)
	require.Len(t, chunks, n)
	for i, c := range chunks {
		assert.Equal(t, payloads[i], c.Payload, "chunk %d", i)
	}
}

func TestChecksumsSurviveTheFullPath(t *testing.T) {
	cfg := smallConfig()
	cfg.UseChecksums = true
	e := newEnv(t, cfg)
	l, _ := e.addRange(0x0002, 0, 8)

	payload := bytes.Repeat([]byte{0xCD}, 3000)
	require.NoError(t, e.buf.PutLogData(payload, entry.MakeChunkID(2, 1), 0, 0x0002, 0x0002, l))
	e.waitIdle()
	require.NoError(t, e.buf.FlushDataToSecondaryLogs())

	var meta seclog.RecoveryMetadata
	var chunks []seclog.Chunk
	meta, err := l.Recover(l.Versions(), seclog.ChunkSinkFunc(func(batch []seclog.Chunk) error {
		chunks = append(chunks, batch...)
		return nil
	}))
	require.NoError(t, err)
	assert.Zero(t, meta.CorruptSkipped)
	require.Len(t, chunks, 1)
	assert.Equal(t, payload, chunks[0].Payload)
}

func TestManyRangesForceFlushes(t *testing.T) {
	cfg := smallConfig()
	e := newEnv(t, cfg)

	// More distinct ranges than the range map may hold pending: the
	// saturation path must force flushes rather than lose entries.
	const ranges = bufpool.SmallPoolSize + 6
	logs := make([]*seclog.SecondaryLog, ranges)
	for i := 0; i < ranges; i++ {
		logs[i], _ = e.addRange(0x0002, uint16(i), 2)
	}

	for i := 0; i < ranges; i++ {
		payload := []byte(fmt.Sprintf("range-%d", i))
		require.NoError(t, e.buf.PutLogData(payload, entry.MakeChunkID(2, uint64(i)), uint16(i), 0x0002, 0x0002, logs[i]))
	}
	e.waitIdle()
	require.NoError(t, e.buf.FlushDataToSecondaryLogs())

	for i := 0; i < ranges; i++ {
		chunks := e.recover(logs[i])
		require.Len(t, chunks, 1, "range %d", i)
		assert.Equal(t, []byte(fmt.Sprintf("range-%d", i)), chunks[0].Payload)
	}
}

func TestFlushTwiceWritesNothing(t *testing.T) {
	e := newEnv(t, smallConfig())
	l, _ := e.addRange(0x0002, 0, 8)

	require.NoError(t, e.buf.PutLogData([]byte("once"), entry.MakeChunkID(2, 1), 0, 0x0002, 0x0002, l))
	require.NoError(t, e.buf.FlushDataToSecondaryLogs())
	used1, _ := l.Utilisation()
	prim1 := e.prim.WritePos()

	require.NoError(t, e.buf.FlushDataToSecondaryLogs())
	used2, _ := l.Utilisation()
	assert.Equal(t, used1, used2)
	assert.Equal(t, prim1, e.prim.WritePos())
}

func TestOrderWithinRangeIsPreserved(t *testing.T) {
	e := newEnv(t, smallConfig())
	l, _ := e.addRange(0x0002, 0, 8)
	cid := entry.MakeChunkID(2, 1)

	for i := 0; i < 50; i++ {
		require.NoError(t, e.buf.PutLogData([]byte(fmt.Sprintf("v%03d", i)), cid, 0, 0x0002, 0x0002, l))
	}
	e.waitIdle()
	require.NoError(t, e.buf.FlushDataToSecondaryLogs())

	// The latest version wins; versions are strictly increasing in put
	// order.
	chunks := e.recover(l)
	require.Len(t, chunks, 1)
	assert.Equal(t, []byte("v049"), chunks[0].Payload)
	assert.Equal(t, uint32(50), chunks[0].Version.Number)
}

func TestShutdownRejectsFurtherWrites(t *testing.T) {
	e := newEnv(t, smallConfig())
	l, _ := e.addRange(0x0002, 0, 8)

	require.NoError(t, e.buf.PutLogData([]byte("last"), entry.MakeChunkID(2, 1), 0, 0x0002, 0x0002, l))
	require.NoError(t, e.buf.Close())

	err := e.buf.PutLogData([]byte("late"), entry.MakeChunkID(2, 2), 0, 0x0002, 0x0002, l)
	assert.ErrorIs(t, err, ErrShutdown)
	assert.ErrorIs(t, e.buf.FlushDataToSecondaryLogs(), ErrShutdown)
}

func TestConcurrentProducers(t *testing.T) {
	cfg := smallConfig()
	cfg.WriteBufferSize = 1 << 15
	e := newEnv(t, cfg)
	l, _ := e.addRange(0x0002, 0, 32)

	const workers, perWorker = 8, 100
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				cid := entry.MakeChunkID(2, uint64(w*perWorker+i))
				payload := bytes.Repeat([]byte{byte(w + 1)}, 64+i)
				if err := e.buf.PutLogData(payload, cid, 0, 0x0002, 0x0002, l); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	e.waitIdle()
	require.NoError(t, e.buf.FlushDataToSecondaryLogs())

	chunks := e.recover(l)
	assert.Len(t, chunks, workers*perWorker)
}
