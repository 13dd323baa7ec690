// Package versions tracks the current (epoch, version) of every chunk in
// one backup range and persists it as a compact snapshot file. Version
// lookups sit on the put path of every log entry, so the table is a flat
// open-addressed array that never allocates per operation.
package versions

import (
	"sync"

	"github.com/dxgrid/dxlog/pkg/entry"
)

const (
	minTableSize = 1 << 10
	maxLoadNum   = 3 // grow when len*4 > cap*3
	maxLoadDen   = 4
)

type slot struct {
	cid  entry.ChunkID
	ver  entry.Version
	used bool
}

// Store maps chunk ids to their current version. Safe for concurrent use;
// the critical sections are a handful of probes.
type Store struct {
	mu    sync.Mutex
	slots []slot
	count int
	epoch uint16
}

// New returns an empty store starting at epoch 0.
func New() *Store {
	return NewWithCapacity(minTableSize)
}

// NewWithCapacity preallocates room for at least n entries. The
// reorganisation thread keeps one store sized to the theoretical maximum
// and clears it between runs.
func NewWithCapacity(n int) *Store {
	size := minTableSize
	for size*maxLoadNum < n*maxLoadDen {
		size <<= 1
	}
	return &Store{slots: make([]slot, size)}
}

// probe returns the slot index for cid, or the insertion point.
func (s *Store) probe(cid entry.ChunkID) int {
	mask := len(s.slots) - 1
	i := int(hash(uint64(cid))) & mask
	for s.slots[i].used && s.slots[i].cid != cid {
		i = (i + 1) & mask
	}
	return i
}

func hash(v uint64) uint64 {
	// Mixer from splitmix64; cheap and good enough for chunk ids whose
	// entropy sits in both halves.
	v ^= v >> 30
	v *= 0xbf58476d1ce4e5b9
	v ^= v >> 27
	v *= 0x94d049bb133111eb
	v ^= v >> 31
	return v
}

func (s *Store) grow() {
	old := s.slots
	s.slots = make([]slot, len(old)*2)
	for i := range old {
		if old[i].used {
			s.slots[s.probe(old[i].cid)] = old[i]
		}
	}
}

func (s *Store) insert(cid entry.ChunkID, v entry.Version) {
	if (s.count+1)*maxLoadDen > len(s.slots)*maxLoadNum {
		s.grow()
	}
	i := s.probe(cid)
	if !s.slots[i].used {
		s.count++
	}
	s.slots[i] = slot{cid: cid, ver: v, used: true}
}

// NextVersion issues the next version for cid and returns it. A fresh
// chunk starts at (store epoch, 1). A chunk whose last state is a
// tombstone is resurrected one epoch later so recovery can order the new
// life after the removal.
func (s *Store) NextVersion(cid entry.ChunkID) entry.Version {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.probe(cid)
	var next entry.Version
	switch {
	case !s.slots[i].used:
		next = entry.Version{Epoch: s.epoch, Number: 1}
	case s.slots[i].ver.IsTombstone():
		// Resurrection: one epoch later than the removal, so recovery can
		// tell the new life from the old one.
		next = entry.Version{Epoch: s.slots[i].ver.Epoch + 1, Number: 1}
	case s.slots[i].ver.Number == 0xFFFFFFFE:
		next = entry.Version{Epoch: s.slots[i].ver.Epoch + 1, Number: 1}
	default:
		next = s.slots[i].ver
		next.Number++
	}
	s.insert(cid, next)
	return next
}

// Current returns the stored version of cid.
func (s *Store) Current(cid entry.ChunkID) (entry.Version, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.probe(cid)
	if !s.slots[i].used {
		return entry.Version{}, false
	}
	return s.slots[i].ver, true
}

// MarkTombstone records the removal of cid, keeping the epoch the chunk
// died in. changed is false when the chunk is unknown or already
// tombstoned, making repeated invalidations no-ops.
func (s *Store) MarkTombstone(cid entry.ChunkID) (entry.Version, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.probe(cid)
	if !s.slots[i].used || s.slots[i].ver.IsTombstone() {
		return entry.Version{}, false
	}
	s.slots[i].ver = entry.Version{Epoch: s.slots[i].ver.Epoch, Number: entry.TombstoneNumber}
	return s.slots[i].ver, true
}

// Put stores an explicit version, used when loading snapshots and during
// recovery.
func (s *Store) Put(cid entry.ChunkID, v entry.Version) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insert(cid, v)
	if !v.IsTombstone() && v.Epoch >= s.epoch {
		s.epoch = v.Epoch
	}
}

// ForAll calls cb for every entry until cb returns false. The store is
// locked for the duration; callbacks must be short.
func (s *Store) ForAll(cb func(cid entry.ChunkID, v entry.Version) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.slots {
		if s.slots[i].used && !cb(s.slots[i].cid, s.slots[i].ver) {
			return
		}
	}
}

// Len returns the number of tracked chunks, tombstones included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// LowestCID returns the smallest chunk id with a live (non-tombstone)
// version. ok is false when the range holds no live chunks.
func (s *Store) LowestCID() (entry.ChunkID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var lowest entry.ChunkID
	found := false
	for i := range s.slots {
		if !s.slots[i].used || s.slots[i].ver.IsTombstone() {
			continue
		}
		if !found || s.slots[i].cid < lowest {
			lowest = s.slots[i].cid
			found = true
		}
	}
	return lowest, found
}

// Epoch returns the store's current epoch.
func (s *Store) Epoch() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// BumpEpoch increments the epoch, called when the backing log is reset.
func (s *Store) BumpEpoch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
}

// Clear empties the store without shrinking it.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.slots {
		s.slots[i] = slot{}
	}
	s.count = 0
	s.epoch = 0
}

// CopyInto clears dst and fills it with this store's entries.
func (s *Store) CopyInto(dst *Store) {
	dst.Clear()
	s.mu.Lock()
	defer s.mu.Unlock()
	dst.mu.Lock()
	defer dst.mu.Unlock()
	for i := range s.slots {
		if s.slots[i].used {
			dst.insert(s.slots[i].cid, s.slots[i].ver)
		}
	}
	dst.epoch = s.epoch
}
