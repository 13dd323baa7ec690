package backup

import (
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dxgrid/dxlog/pkg/entry"
	"github.com/dxgrid/dxlog/pkg/metrics"
	"github.com/dxgrid/dxlog/pkg/versions"
)

const (
	// reorgRequestQueue bounds urgent compaction requests from writers
	// that found their log full.
	reorgRequestQueue = 8

	// segmentsPerVisit bounds the work done on one log before the thread
	// moves on, so a single hot range cannot starve the others.
	segmentsPerVisit = 4

	reorgIdleSleep = 10 * time.Millisecond

	// tempStoreCapacity preallocates the scratch version store for the
	// largest plausible range population.
	tempStoreCapacity = 1 << 20
)

// reorgThread compacts secondary logs in the background: urgent requests
// first, then a round-robin sweep. It owns one preallocated scratch
// version store reused across runs.
type reorgThread struct {
	store     *LogStore
	threshold float64
	sink      metrics.Sink

	requests chan entry.RangeKey
	granted  atomic.Bool
	tempVers *versions.Store

	nextIdx int

	done chan struct{}
	wg   sync.WaitGroup
}

func newReorgThread(store *LogStore, threshold float64, sink metrics.Sink) *reorgThread {
	return &reorgThread{
		store:     store,
		threshold: threshold,
		sink:      sink,
		requests:  make(chan entry.RangeKey, reorgRequestQueue),
		tempVers:  versions.NewWithCapacity(tempStoreCapacity),
		done:      make(chan struct{}),
	}
}

func (r *reorgThread) start() {
	r.wg.Add(1)
	go r.run()
}

func (r *reorgThread) stop() {
	close(r.done)
	r.wg.Wait()
}

// Request files an urgent compaction; never blocks the caller. A full
// queue drops the request, the round-robin sweep picks the log up later.
func (r *reorgThread) Request(key entry.RangeKey) {
	select {
	case r.requests <- key:
	default:
	}
}

// GrantAccessToCurrentLog is the cooperative yield point the processing
// thread hits on every pass of its loop; the reorganiser briefly releases its log
// between segments when the flag is set.
func (r *reorgThread) GrantAccessToCurrentLog() {
	r.granted.Store(true)
}

func (r *reorgThread) run() {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case key := <-r.requests:
			r.processLog(key, true)
		default:
			if key, ok := r.nextRoundRobin(); ok {
				if !r.processLog(key, false) {
					// Nothing to compact anywhere right now.
					select {
					case <-r.done:
						return
					case key := <-r.requests:
						r.processLog(key, true)
					case <-time.After(reorgIdleSleep):
					}
				}
			} else {
				select {
				case <-r.done:
					return
				case key := <-r.requests:
					r.processLog(key, true)
				case <-time.After(reorgIdleSleep):
				}
			}
		}
	}
}

func (r *reorgThread) nextRoundRobin() (entry.RangeKey, bool) {
	keys := r.store.rangeKeys()
	if len(keys) == 0 {
		return 0, false
	}
	if r.nextIdx >= len(keys) {
		r.nextIdx = 0
	}
	key := keys[r.nextIdx]
	r.nextIdx++
	return key, true
}

// processLog compacts up to segmentsPerVisit segments of one log. urgent
// runs lower the threshold to 1% for the first segment so a full log makes
// progress whenever a segment holds invalidated bytes. Reports whether any
// segment was reorganised.
func (r *reorgThread) processLog(key entry.RangeKey, urgent bool) bool {
	log, ok := r.store.rangeLog(key)
	if !ok {
		return false
	}

	did := false
	log.AcquireReorg()
	defer log.ReleaseReorg()

	for i := 0; i < segmentsPerVisit; i++ {
		// Writers waiting on this log get a window between segments.
		if r.granted.Swap(false) {
			log.ReleaseReorg()
			runtime.Gosched()
			log.AcquireReorg()
		}

		threshold := r.threshold
		if urgent && i == 0 && !did {
			threshold = 0.01
		}
		seg, ok := log.CandidateSegment(threshold)
		if !ok {
			break
		}

		// Fresh snapshot per segment: invalidations may have landed while
		// the lock was yielded.
		log.Versions().CopyInto(r.tempVers)
		lowest, haveLowest := r.tempVers.LowestCID()

		res, err := log.ReorganiseSegment(seg, r.tempVers, lowest, haveLowest)
		if err != nil {
			slog.Error("[reorg]",
				slog.String("message", "segment reorganisation failed"),
				slog.String("range", key.String()),
				slog.Int("segment", seg),
				slog.Any("error", err))
			break
		}
		did = true
		r.sink.ReorgRuns(1)
		r.sink.ReorgFreedBytes(res.FreedBytes)
		r.sink.CorruptEntriesSkipped(res.CorruptSkipped)
		slog.Debug("[reorg]",
			slog.String("message", "segment reorganised"),
			slog.String("range", key.String()),
			slog.Int("segment", seg),
			slog.Int("freed", res.FreedBytes),
			slog.Int("survivors", res.Survivors),
			slog.Int("merged_into", res.MergedInto))
	}

	if did {
		// Persisting the versions here keeps snapshots roughly current
		// without a dedicated timer.
		if err := log.Versions().WriteSnapshot(r.store.snapshotPath(key.Owner(), key.RangeID())); err != nil {
			slog.Warn("[reorg]",
				slog.String("message", "version snapshot write failed"),
				slog.String("range", key.String()),
				slog.Any("error", err))
		}
	}
	return did
}
