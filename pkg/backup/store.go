// Package backup is the public surface of the peer-side durable logging
// subsystem: the catalog of backup ranges with their secondary logs, the
// primary write buffer in front of them, and the background reorganiser.
// The chunk component talks to a LogStore; everything below is wiring.
package backup

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"

	"github.com/dxgrid/dxlog/pkg/bufpool"
	"github.com/dxgrid/dxlog/pkg/diskio"
	"github.com/dxgrid/dxlog/pkg/entry"
	"github.com/dxgrid/dxlog/pkg/metrics"
	"github.com/dxgrid/dxlog/pkg/primlog"
	"github.com/dxgrid/dxlog/pkg/seclog"
	"github.com/dxgrid/dxlog/pkg/versions"
	"github.com/dxgrid/dxlog/pkg/writebuf"
)

// Re-exported identifiers so callers need only this package.
type (
	NodeID           = entry.NodeID
	ChunkID          = entry.ChunkID
	RangeKey         = entry.RangeKey
	Chunk            = seclog.Chunk
	RecoveryMetadata = seclog.RecoveryMetadata
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnknownRange    = errors.New("unknown backup range")
	ErrBusy            = errors.New("backup range is busy")
	ErrShutdown        = errors.New("log store is shut down")
)

// backupRange bundles one range's secondary log and coalescing buffer.
type backupRange struct {
	log    *seclog.SecondaryLog
	buffer *seclog.LogBuffer
}

// LogStore is the peer-side durable logging subsystem.
type LogStore struct {
	cfg    Config
	mode   diskio.Mode
	opener diskio.Opener
	rawDev *diskio.RawDevice

	pool  *bufpool.Pool
	prim  *primlog.Log
	wb    *writebuf.Buffer
	reorg *reorgThread

	sink      metrics.Sink
	clock     Clock
	chunkSink seclog.ChunkSink

	mu         sync.RWMutex
	ranges     map[entry.RangeKey]*backupRange
	recovering map[entry.RangeKey]bool

	closed atomic.Bool
}

// New builds the subsystem: disk opener for the configured access mode,
// buffer pool, primary log, write buffer with its processing and writer
// threads, and the reorganisation thread.
func New(cfg Config, opts ...Option) (*LogStore, error) {
	cfg = cfg.withDefaults()
	mode, err := cfg.validate()
	if err != nil {
		return nil, err
	}

	s := &LogStore{
		cfg:        cfg,
		mode:       mode,
		sink:       metrics.Nop{},
		ranges:     make(map[entry.RangeKey]*backupRange),
		recovering: make(map[entry.RangeKey]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = defaultClock()
	}

	if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	switch mode {
	case diskio.ModeBuffered:
		s.opener = diskio.BufferedOpener{Dir: cfg.Directory}
	case diskio.ModeDirect:
		s.opener = diskio.DirectOpener{Dir: cfg.Directory, PageSize: cfg.FlashPageSize}
	case diskio.ModeRaw:
		dev, err := diskio.OpenRawDevice(cfg.RawDevicePath)
		if err != nil {
			return nil, err
		}
		s.rawDev = dev
		s.opener = dev
	}

	s.pool = bufpool.New(cfg.FlashPageSize, cfg.LogSegmentSize)

	if cfg.TwoLevelLogging {
		backend, err := s.opener.Open("primary.log", cfg.PrimaryLogSize)
		if err != nil {
			s.closeDevice()
			return nil, err
		}
		s.prim = primlog.New(backend)
		// Restore the write position behind whatever survived a crash.
		if err := s.prim.Scan(func(h, payload []byte) error { return nil }); err != nil {
			slog.Warn("[backup]",
				slog.String("message", "primary log scan failed, starting empty"),
				slog.Any("error", err))
			_ = s.prim.Reset()
		}
	}

	s.reorg = newReorgThread(s, cfg.ReorgUtilisationThreshold, s.sink)

	wb, err := writebuf.New(cfg.writebufConfig(), writebuf.Options{
		Registry:   s,
		Pool:       s.pool,
		PrimaryLog: s.prim,
		Clock:      s.clock,
		Sink:       s.sink,
		GrantReorg: s.reorg.GrantAccessToCurrentLog,
	})
	if err != nil {
		if s.prim != nil {
			_ = s.prim.Close()
		}
		s.closeDevice()
		return nil, err
	}
	s.wb = wb
	s.reorg.start()

	slog.Info("[backup]",
		slog.String("message", "log store initialised"),
		slog.String("mode", mode.String()),
		slog.String("write_buffer", humanize.IBytes(uint64(cfg.WriteBufferSize))),
		slog.String("segment_size", humanize.IBytes(uint64(cfg.LogSegmentSize))),
		slog.String("range_size", humanize.IBytes(uint64(cfg.BackupRangeSize))),
		slog.Bool("two_level", cfg.TwoLevelLogging))
	return s, nil
}

func (s *LogStore) closeDevice() {
	if s.rawDev != nil {
		_ = s.rawDev.Close()
	}
}

// LogBuffer implements writebuf.Registry.
func (s *LogStore) LogBuffer(key entry.RangeKey) (*seclog.LogBuffer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.ranges[key]
	if !ok {
		return nil, false
	}
	return r.buffer, true
}

// ForEachLogBuffer implements writebuf.Registry.
func (s *LogStore) ForEachLogBuffer(fn func(*seclog.LogBuffer) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.ranges {
		if !fn(r.buffer) {
			return
		}
	}
}

func secLogName(owner entry.NodeID, rangeID uint16) string {
	return fmt.Sprintf("sec_%04X_%04X.log", uint16(owner), rangeID)
}

func (s *LogStore) snapshotPath(owner entry.NodeID, rangeID uint16) string {
	return filepath.Join(s.cfg.Directory, fmt.Sprintf("sec_%04X_%04X.ver", uint16(owner), rangeID))
}

// InitBackupRange creates (or reopens) the secondary log for a range.
// Idempotent: initialising an existing range is a no-op.
func (s *LogStore) InitBackupRange(owner NodeID, rangeID uint16) error {
	if s.closed.Load() {
		return ErrShutdown
	}
	return s.initRange(owner, rangeID, owner, true)
}

func (s *LogStore) initRange(owner NodeID, rangeID uint16, originalOwner NodeID, bootstrap bool) error {
	key := entry.MakeRangeKey(owner, rangeID)

	s.mu.Lock()
	if _, ok := s.ranges[key]; ok {
		s.mu.Unlock()
		return nil
	}
	if s.recovering[key] {
		s.mu.Unlock()
		return fmt.Errorf("%w: range %s is being recovered", ErrBusy, key)
	}
	s.mu.Unlock()

	name := secLogName(owner, rangeID)
	existed := s.logExists(name)

	vers, err := versions.LoadSnapshot(s.snapshotPath(owner, rangeID))
	if err != nil {
		// A corrupt snapshot resets all versions; the next recovery falls
		// back to a full scan.
		slog.Warn("[backup]",
			slog.String("message", "version snapshot unusable, starting empty"),
			slog.String("range", key.String()),
			slog.Any("error", err))
	}

	backend, err := s.opener.Open(name, 2*s.cfg.BackupRangeSize)
	if err != nil {
		return err
	}
	log, err := seclog.New(backend, key, vers, s.pool, seclog.Options{
		SegmentSize:   s.cfg.LogSegmentSize,
		OriginalOwner: originalOwner,
		RequestReorg:  s.reorg.Request,
	})
	if err != nil {
		_ = backend.Close()
		return err
	}

	if existed && bootstrap {
		if meta, err := log.Bootstrap(); err != nil {
			_ = log.Close()
			return fmt.Errorf("bootstrap range %s: %w", key, err)
		} else if len(meta.Errors) > 0 || meta.CorruptSkipped > 0 {
			slog.Warn("[backup]",
				slog.String("message", "bootstrap skipped corrupt data"),
				slog.String("range", key.String()),
				slog.Int("corrupt", meta.CorruptSkipped))
		}
	}

	r := &backupRange{
		log:    log,
		buffer: seclog.NewLogBuffer(log, s.pool, s.cfg.SecondaryLogBufferSize),
	}

	s.mu.Lock()
	if _, ok := s.ranges[key]; ok {
		s.mu.Unlock()
		_ = log.Close()
		return nil
	}
	s.ranges[key] = r
	s.mu.Unlock()

	slog.Debug("[backup]",
		slog.String("message", "backup range initialised"),
		slog.String("range", key.String()),
		slog.Bool("existing", existed))
	return nil
}

// logExists reports whether the named log already has content to
// bootstrap from. Raw mode always bootstraps; scanning an arena slab is
// cheap relative to losing its content.
func (s *LogStore) logExists(name string) bool {
	if s.mode == diskio.ModeRaw {
		return true
	}
	_, err := os.Stat(filepath.Join(s.cfg.Directory, name))
	return err == nil
}

// InitRecoveredBackupRange takes over a range from another peer. With
// isNewPeer the on-disk files of (originalOwner, originalRangeID) are
// transferred atomically to the new identity before reopening; otherwise
// the range is created fresh under its new identity.
func (s *LogStore) InitRecoveredBackupRange(owner NodeID, rangeID uint16,
	originalOwner NodeID, originalRangeID uint16, isNewPeer bool) error {

	if s.closed.Load() {
		return ErrShutdown
	}

	if !isNewPeer {
		return s.initRange(owner, rangeID, originalOwner, true)
	}
	if s.mode == diskio.ModeRaw {
		return fmt.Errorf("%w: range transfer is not supported on a raw device", ErrInvalidArgument)
	}

	key := entry.MakeRangeKey(owner, rangeID)
	s.mu.Lock()
	if s.recovering[key] {
		s.mu.Unlock()
		return fmt.Errorf("%w: range %s is being recovered", ErrBusy, key)
	}
	s.recovering[key] = true
	s.mu.Unlock()
	// The guard covers the file transfer only: initRange refuses keys that
	// are marked recovering.
	release := func() {
		s.mu.Lock()
		delete(s.recovering, key)
		s.mu.Unlock()
	}

	oldLog := filepath.Join(s.cfg.Directory, secLogName(originalOwner, originalRangeID))
	newLog := filepath.Join(s.cfg.Directory, secLogName(owner, rangeID))
	if _, err := os.Stat(oldLog); err == nil {
		if err := os.Rename(oldLog, newLog); err != nil {
			release()
			return fmt.Errorf("transfer log of range %04X/%d: %w", uint16(originalOwner), originalRangeID, err)
		}
		// The snapshot moves with the log; losing it only costs a scan.
		_ = os.Rename(s.snapshotPath(originalOwner, originalRangeID), s.snapshotPath(owner, rangeID))
	}

	release()
	return s.initRange(owner, rangeID, originalOwner, true)
}

// getRange resolves a range or fails with ErrUnknownRange.
func (s *LogStore) getRange(owner NodeID, rangeID uint16) (*backupRange, error) {
	key := entry.MakeRangeKey(owner, rangeID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.ranges[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRange, key)
	}
	return r, nil
}

// PutLogData logs one chunk replica. It blocks while the ring is full and
// returns once the entry is committed to the ring.
func (s *LogStore) PutLogData(payload []byte, cid ChunkID, owner, originalOwner NodeID, rangeID uint16) error {
	if s.closed.Load() {
		return ErrShutdown
	}
	r, err := s.getRange(owner, rangeID)
	if err != nil {
		return err
	}
	return s.wb.PutLogData(payload, cid, rangeID, owner, originalOwner, r.log)
}

// RecoverBackupRange flushes pending data and streams the range's live
// chunks to the configured chunk sink.
func (s *LogStore) RecoverBackupRange(owner NodeID, rangeID uint16) (RecoveryMetadata, error) {
	if s.closed.Load() {
		return RecoveryMetadata{}, ErrShutdown
	}
	if s.chunkSink == nil {
		return RecoveryMetadata{}, fmt.Errorf("%w: no chunk sink configured", ErrInvalidArgument)
	}

	key := entry.MakeRangeKey(owner, rangeID)
	s.mu.Lock()
	if s.recovering[key] {
		s.mu.Unlock()
		return RecoveryMetadata{}, fmt.Errorf("%w: range %s already recovering", ErrBusy, key)
	}
	s.recovering[key] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.recovering, key)
		s.mu.Unlock()
	}()

	r, err := s.getRange(owner, rangeID)
	if err != nil {
		return RecoveryMetadata{}, err
	}
	if err := s.wb.FlushDataToSecondaryLogs(); err != nil {
		return RecoveryMetadata{}, err
	}

	meta, err := r.log.Recover(r.log.Versions(), s.chunkSink)
	if err != nil {
		return meta, err
	}
	s.sink.CorruptEntriesSkipped(meta.CorruptSkipped)
	slog.Info("[backup]",
		slog.String("message", "backup range recovered"),
		slog.String("range", key.String()),
		slog.Int("chunks", meta.NumChunks),
		slog.Int("tombstones", meta.NumTombstones),
		slog.String("bytes", humanize.IBytes(uint64(meta.Bytes))))
	return meta, nil
}

// RecoverBackupRangeFromFile reads a secondary log file outside the
// catalog (a copy pulled from a failed peer) and returns its live chunks.
func (s *LogStore) RecoverBackupRangeFromFile(path string) ([]Chunk, error) {
	if s.closed.Load() {
		return nil, ErrShutdown
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if info.Size() == 0 || info.Size()%int64(s.cfg.LogSegmentSize) != 0 {
		return nil, fmt.Errorf("%w: %s is no secondary log (size %d)", ErrInvalidArgument, path, info.Size())
	}

	backend, err := diskio.OpenBuffered(path, info.Size())
	if err != nil {
		return nil, err
	}
	log, err := seclog.New(backend, 0, versions.New(), s.pool, seclog.Options{
		SegmentSize: s.cfg.LogSegmentSize,
	})
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	defer log.Close()

	var chunks []Chunk
	meta, err := log.Recover(nil, seclog.ChunkSinkFunc(func(batch []Chunk) error {
		chunks = append(chunks, batch...)
		return nil
	}))
	if err != nil {
		return nil, err
	}
	s.sink.CorruptEntriesSkipped(meta.CorruptSkipped)
	return chunks, nil
}

// RemoveBackupRange seals a range: pending data is flushed, the files are
// deleted and the range leaves the catalog.
func (s *LogStore) RemoveBackupRange(owner NodeID, rangeID uint16) error {
	if s.closed.Load() {
		return ErrShutdown
	}
	key := entry.MakeRangeKey(owner, rangeID)

	if err := s.wb.FlushDataToSecondaryLogs(); err != nil {
		return err
	}

	s.mu.Lock()
	r, ok := s.ranges[key]
	delete(s.ranges, key)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRange, key)
	}

	if err := r.log.CloseAndRemove(); err != nil {
		return err
	}
	if err := os.Remove(s.snapshotPath(owner, rangeID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	slog.Debug("[backup]",
		slog.String("message", "backup range removed"),
		slog.String("range", key.String()))
	return nil
}

// FlushDataToSecondaryLogs forces all pending entries down to the
// secondary logs. Blocking, idempotent, serialised.
func (s *LogStore) FlushDataToSecondaryLogs() error {
	if s.closed.Load() {
		return ErrShutdown
	}
	return s.wb.FlushDataToSecondaryLogs()
}

// rangeKeys returns a stable snapshot of the catalog for the reorganiser.
func (s *LogStore) rangeKeys() []entry.RangeKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]entry.RangeKey, 0, len(s.ranges))
	for key := range s.ranges {
		keys = append(keys, key)
	}
	return keys
}

func (s *LogStore) rangeLog(key entry.RangeKey) (*seclog.SecondaryLog, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.ranges[key]
	if !ok {
		return nil, false
	}
	return r.log, true
}

// Close flushes everything, persists version snapshots and stops all
// threads. Further operations fail with ErrShutdown.
func (s *LogStore) Close() error {
	if s.closed.Load() {
		return nil
	}

	flushErr := s.wb.FlushDataToSecondaryLogs()
	s.closed.Store(true)

	s.reorg.stop()
	closeErr := s.wb.Close()

	s.mu.Lock()
	ranges := make(map[entry.RangeKey]*backupRange, len(s.ranges))
	for key, r := range s.ranges {
		ranges[key] = r
	}
	s.mu.Unlock()

	var firstErr error
	for _, err := range []error{flushErr, closeErr} {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for key, r := range ranges {
		if err := r.log.Versions().WriteSnapshot(s.snapshotPath(key.Owner(), key.RangeID())); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := r.log.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.prim != nil {
		if err := s.prim.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.closeDevice()

	slog.Info("[backup]", slog.String("message", "log store closed"))
	return firstErr
}
