package writebuf

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dxgrid/dxlog/pkg/bufpool"
	"github.com/dxgrid/dxlog/pkg/metrics"
	"github.com/dxgrid/dxlog/pkg/primlog"
	"github.com/dxgrid/dxlog/pkg/seclog"
)

type jobKind uint8

const (
	// jobSecondaryDirect writes through the range's coalescing buffer,
	// flushing parked bytes first to keep per-range order.
	jobSecondaryDirect jobKind = iota
	// jobSecondaryCombined carries parked prefix plus new bytes already in
	// order; it bypasses the (now empty) coalescing buffer.
	jobSecondaryCombined
	// jobPrimary appends one batch to the shared primary log.
	jobPrimary
)

type job struct {
	kind   jobKind
	target *seclog.LogBuffer
	buf    *bufpool.Buffer
	length int
}

// queueSize bounds each writer queue; pushes block the processing thread
// when a writer falls behind, which is the backpressure path.
const queueSize = 16

// writerPool runs one consumer per job family so secondary log writes
// never wait behind a slow primary log write and vice versa.
type writerPool struct {
	secondary chan job
	primary   chan job

	pool    *bufpool.Pool
	prim    *primlog.Log
	sink    metrics.Sink
	pending atomic.Int64
	lastErr atomic.Pointer[error]
	wg      sync.WaitGroup
}

func newWriterPool(pool *bufpool.Pool, prim *primlog.Log, sink metrics.Sink) *writerPool {
	w := &writerPool{
		secondary: make(chan job, queueSize),
		primary:   make(chan job, queueSize),
		pool:      pool,
		prim:      prim,
		sink:      sink,
	}
	w.wg.Add(2)
	go w.consume(w.secondary)
	go w.consume(w.primary)
	return w
}

// push enqueues a job, blocking while the target queue is full.
func (w *writerPool) push(j job) {
	w.pending.Add(1)
	if j.kind == jobPrimary {
		w.primary <- j
	} else {
		w.secondary <- j
	}
}

func (w *writerPool) consume(ch chan job) {
	defer w.wg.Done()
	for j := range ch {
		w.execute(j)
		w.pending.Add(-1)
	}
}

func (w *writerPool) execute(j job) {
	var err error
	switch j.kind {
	case jobSecondaryDirect:
		err = j.target.WriteDirect(j.buf.Data[:j.length])
		w.sink.SecondaryWrite(j.length)
	case jobSecondaryCombined:
		err = j.target.Log().Append(j.buf.Data[:j.length])
		w.sink.SecondaryWrite(j.length)
	case jobPrimary:
		err = w.prim.Append(j.buf.Data, j.length)
		w.sink.PrimaryWrite(j.length)
	}
	if err != nil {
		w.lastErr.Store(&err)
		slog.Error("[writebuf]",
			slog.String("message", "writer job failed"),
			slog.Int("kind", int(j.kind)),
			slog.Int("length", j.length),
			slog.Any("error", err))
	}
	w.pool.Put(j.buf)
}

// idle reports whether no job is queued or running.
func (w *writerPool) idle() bool {
	return w.pending.Load() == 0
}

// takeError returns and clears the last asynchronous write failure.
func (w *writerPool) takeError() error {
	if p := w.lastErr.Swap(nil); p != nil {
		return *p
	}
	return nil
}

// shutdown drains both queues and stops the consumers.
func (w *writerPool) shutdown() {
	close(w.secondary)
	close(w.primary)
	w.wg.Wait()
}
