package backup

import (
	"fmt"
	"time"

	"github.com/dxgrid/dxlog/pkg/diskio"
	"github.com/dxgrid/dxlog/pkg/metrics"
	"github.com/dxgrid/dxlog/pkg/seclog"
	"github.com/dxgrid/dxlog/pkg/writebuf"
)

// Config carries every knob of the logging subsystem. Zero values are
// filled from the defaults below; loading it from files or flags is the
// embedding component's business.
type Config struct {
	// Directory holds log files (buffered and direct modes) and version
	// snapshots (all modes).
	Directory string

	// WriteBufferSize is the ring capacity: a power of two between the
	// flash page size and 1 GiB.
	WriteBufferSize int

	// FlashPageSize is the unit of aligned I/O.
	FlashPageSize int

	// LogSegmentSize partitions each secondary log; a power of two no
	// smaller than the flash page size.
	LogSegmentSize int

	// SecondaryLogBufferSize is the per-range coalescing threshold.
	SecondaryLogBufferSize int

	// PrimaryLogSize is the shared primary log's file size.
	PrimaryLogSize int64

	// BackupRangeSize sizes ranges; each secondary log holds twice this.
	BackupRangeSize int64

	// ReorgUtilisationThreshold is the invalidation ratio that makes a
	// segment a compaction candidate, in (0, 1).
	ReorgUtilisationThreshold float64

	// UseChecksum adds a CRC over every payload.
	UseChecksum bool

	// UseTimestamps stamps entries with seconds since store start.
	UseTimestamps bool

	// TwoLevelLogging stages small batches in the primary log before they
	// reach their secondary logs.
	TwoLevelLogging bool

	// HarddriveAccessMode is one of "buffered", "direct", "raw".
	HarddriveAccessMode string

	// RawDevicePath names the block device for raw mode.
	RawDevicePath string

	// ProcessTimeout bounds how long entries wait in the ring before the
	// processing thread flushes regardless of fill.
	ProcessTimeout time.Duration
}

// DefaultConfig returns the production defaults rooted at dir.
func DefaultConfig(dir string) Config {
	return Config{
		Directory:                 dir,
		WriteBufferSize:           64 << 20,
		FlashPageSize:             4096,
		LogSegmentSize:            8 << 20,
		SecondaryLogBufferSize:    128 << 10,
		PrimaryLogSize:            256 << 20,
		BackupRangeSize:           256 << 20,
		ReorgUtilisationThreshold: 0.60,
		TwoLevelLogging:           true,
		HarddriveAccessMode:       "buffered",
		ProcessTimeout:            100 * time.Millisecond,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig(c.Directory)
	if c.WriteBufferSize == 0 {
		c.WriteBufferSize = def.WriteBufferSize
	}
	if c.FlashPageSize == 0 {
		c.FlashPageSize = def.FlashPageSize
	}
	if c.LogSegmentSize == 0 {
		c.LogSegmentSize = def.LogSegmentSize
	}
	if c.SecondaryLogBufferSize == 0 {
		c.SecondaryLogBufferSize = def.SecondaryLogBufferSize
	}
	if c.PrimaryLogSize == 0 {
		c.PrimaryLogSize = def.PrimaryLogSize
	}
	if c.BackupRangeSize == 0 {
		c.BackupRangeSize = def.BackupRangeSize
	}
	if c.ReorgUtilisationThreshold == 0 {
		c.ReorgUtilisationThreshold = def.ReorgUtilisationThreshold
	}
	if c.HarddriveAccessMode == "" {
		c.HarddriveAccessMode = def.HarddriveAccessMode
	}
	if c.ProcessTimeout == 0 {
		c.ProcessTimeout = def.ProcessTimeout
	}
	return c
}

func (c Config) validate() (diskio.Mode, error) {
	mode, err := diskio.ParseMode(c.HarddriveAccessMode)
	if err != nil {
		return 0, err
	}
	if mode == diskio.ModeRaw && c.RawDevicePath == "" {
		return 0, fmt.Errorf("%w: raw mode needs a device path", ErrInvalidArgument)
	}
	if c.Directory == "" {
		return 0, fmt.Errorf("%w: directory is required", ErrInvalidArgument)
	}
	if c.ReorgUtilisationThreshold <= 0 || c.ReorgUtilisationThreshold >= 1 {
		return 0, fmt.Errorf("%w: reorg threshold %v outside (0,1)", ErrInvalidArgument, c.ReorgUtilisationThreshold)
	}
	if c.BackupRangeSize <= 0 || (2*c.BackupRangeSize)%int64(c.LogSegmentSize) != 0 {
		return 0, fmt.Errorf("%w: secondary log size %d not a multiple of segment size %d",
			ErrInvalidArgument, 2*c.BackupRangeSize, c.LogSegmentSize)
	}
	// Ring and segment constraints are enforced where they bite.
	return mode, nil
}

// writebufConfig projects the knobs the ingestion pipeline needs.
func (c Config) writebufConfig() writebuf.Config {
	return writebuf.Config{
		WriteBufferSize:     c.WriteBufferSize,
		FlashPageSize:       c.FlashPageSize,
		SegmentSize:         c.LogSegmentSize,
		SecondaryBufferSize: c.SecondaryLogBufferSize,
		UseChecksums:        c.UseChecksum,
		UseTimestamps:       c.UseTimestamps,
		TwoLevelLogging:     c.TwoLevelLogging,
		ProcessTimeout:      c.ProcessTimeout,
	}
}

// Clock supplies header timestamps, injected so tests control time.
type Clock = writebuf.Clock

// wallClock counts seconds since store start.
type wallClock struct {
	start time.Time
}

func (c wallClock) NowSeconds() uint32 {
	return uint32(time.Since(c.start) / time.Second)
}

func defaultClock() Clock {
	return wallClock{start: time.Now()}
}

// Option customises a LogStore.
type Option func(*LogStore)

// WithMetricsSink routes the subsystem's counters to sink.
func WithMetricsSink(sink metrics.Sink) Option {
	return func(s *LogStore) {
		s.sink = sink
	}
}

// WithClock overrides the timestamp source.
func WithClock(clock Clock) Option {
	return func(s *LogStore) {
		s.clock = clock
	}
}

// WithChunkSink sets the receiver for recovered chunks.
func WithChunkSink(sink seclog.ChunkSink) Option {
	return func(s *LogStore) {
		s.chunkSink = sink
	}
}
