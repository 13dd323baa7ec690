package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus is a Sink backed by prometheus counters.
type Prometheus struct {
	bytesIngested  prometheus.Counter
	entriesLogged  prometheus.Counter
	primaryBytes   prometheus.Counter
	secondaryBytes prometheus.Counter
	reorgFreed     prometheus.Counter
	reorgRuns      prometheus.Counter
	corruptSkipped prometheus.Counter
	flushes        prometheus.Counter
}

// NewPrometheus registers the subsystem's counters with reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	factory := promauto.With(reg)
	return &Prometheus{
		bytesIngested: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dxlog", Name: "ingested_bytes_total",
			Help: "Bytes accepted into the primary write buffer.",
		}),
		entriesLogged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dxlog", Name: "entries_total",
			Help: "Log entries written, chained sub-entries counted separately.",
		}),
		primaryBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dxlog", Name: "primary_log_bytes_total",
			Help: "Bytes written to the shared primary log.",
		}),
		secondaryBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dxlog", Name: "secondary_log_bytes_total",
			Help: "Bytes written to secondary logs.",
		}),
		reorgFreed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dxlog", Name: "reorg_freed_bytes_total",
			Help: "Bytes reclaimed by segment reorganisation.",
		}),
		reorgRuns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dxlog", Name: "reorg_runs_total",
			Help: "Segment reorganisations performed.",
		}),
		corruptSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dxlog", Name: "corrupt_entries_total",
			Help: "Corrupt entries skipped during recovery or reorganisation.",
		}),
		flushes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dxlog", Name: "flushes_total",
			Help: "Write buffer flushes.",
		}),
	}
}

func (p *Prometheus) BytesIngested(n int)         { p.bytesIngested.Add(float64(n)) }
func (p *Prometheus) EntriesLogged(n int)         { p.entriesLogged.Add(float64(n)) }
func (p *Prometheus) PrimaryWrite(bytes int)      { p.primaryBytes.Add(float64(bytes)) }
func (p *Prometheus) SecondaryWrite(bytes int)    { p.secondaryBytes.Add(float64(bytes)) }
func (p *Prometheus) ReorgFreedBytes(n int)       { p.reorgFreed.Add(float64(n)) }
func (p *Prometheus) ReorgRuns(n int)             { p.reorgRuns.Add(float64(n)) }
func (p *Prometheus) CorruptEntriesSkipped(n int) { p.corruptSkipped.Add(float64(n)) }
func (p *Prometheus) Flushes(n int)               { p.flushes.Add(float64(n)) }
