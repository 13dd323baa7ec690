package versions

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/dxgrid/dxlog/pkg/entry"
)

// Snapshot file, little-endian:
//
//	[magic "DXVS":4][count:4][(cid:8, epoch:2, version:4) x count][crc:4]
//
// The CRC covers everything before it. A snapshot that fails any check is
// treated as empty by the caller: versions reset and the next recovery
// falls back to a full scan.
const (
	snapshotMagic   = "DXVS"
	snapshotEntrySz = 8 + 2 + 4
)

var (
	ErrCorruptSnapshot = errors.New("corrupt version snapshot")

	crcTable = crc32.MakeTable(crc32.Castagnoli)
)

// WriteSnapshot persists the store to path atomically (write temp, rename).
func (s *Store) WriteSnapshot(path string) error {
	s.mu.Lock()
	buf := make([]byte, 8+s.count*snapshotEntrySz+4)
	copy(buf[0:4], snapshotMagic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(s.count))
	off := 8
	for i := range s.slots {
		if !s.slots[i].used {
			continue
		}
		binary.LittleEndian.PutUint64(buf[off:], uint64(s.slots[i].cid))
		binary.LittleEndian.PutUint16(buf[off+8:], s.slots[i].ver.Epoch)
		binary.LittleEndian.PutUint32(buf[off+10:], s.slots[i].ver.Number)
		off += snapshotEntrySz
	}
	s.mu.Unlock()

	binary.LittleEndian.PutUint32(buf[off:], crc32.Checksum(buf[:off], crcTable))

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	if dir, err := os.Open(filepath.Dir(path)); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	return nil
}

// LoadSnapshot reads a snapshot into a fresh store. A missing file yields
// an empty store and no error; a corrupt file yields an empty store and
// ErrCorruptSnapshot.
func LoadSnapshot(path string) (*Store, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return New(), fmt.Errorf("read snapshot: %w", err)
	}

	if len(buf) < 12 || string(buf[0:4]) != snapshotMagic {
		return New(), fmt.Errorf("%w: bad header", ErrCorruptSnapshot)
	}
	count := int(binary.LittleEndian.Uint32(buf[4:8]))
	want := 8 + count*snapshotEntrySz + 4
	if len(buf) != want {
		return New(), fmt.Errorf("%w: size %d, expected %d", ErrCorruptSnapshot, len(buf), want)
	}
	stored := binary.LittleEndian.Uint32(buf[want-4:])
	if stored != crc32.Checksum(buf[:want-4], crcTable) {
		return New(), fmt.Errorf("%w: checksum mismatch", ErrCorruptSnapshot)
	}

	s := NewWithCapacity(count)
	off := 8
	for i := 0; i < count; i++ {
		cid := entry.ChunkID(binary.LittleEndian.Uint64(buf[off:]))
		v := entry.Version{
			Epoch:  binary.LittleEndian.Uint16(buf[off+8:]),
			Number: binary.LittleEndian.Uint32(buf[off+10:]),
		}
		s.Put(cid, v)
		off += snapshotEntrySz
	}
	return s, nil
}

// ReadSnapshotInto is the streaming variant for callers that already hold
// a store; dst is cleared first.
func ReadSnapshotInto(r io.Reader, dst *Store) error {
	dst.Clear()
	header := make([]byte, 8)
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if string(header[0:4]) != snapshotMagic {
		return fmt.Errorf("%w: bad magic", ErrCorruptSnapshot)
	}
	count := int(binary.LittleEndian.Uint32(header[4:8]))
	sum := crc32.Checksum(header, crcTable)

	buf := make([]byte, snapshotEntrySz)
	for i := 0; i < count; i++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return fmt.Errorf("%w: truncated at entry %d", ErrCorruptSnapshot, i)
		}
		sum = crc32.Update(sum, crcTable, buf)
		dst.Put(entry.ChunkID(binary.LittleEndian.Uint64(buf)), entry.Version{
			Epoch:  binary.LittleEndian.Uint16(buf[8:]),
			Number: binary.LittleEndian.Uint32(buf[10:]),
		})
	}

	tail := make([]byte, 4)
	if _, err := io.ReadFull(r, tail); err != nil {
		return fmt.Errorf("%w: missing checksum", ErrCorruptSnapshot)
	}
	if binary.LittleEndian.Uint32(tail) != sum {
		return fmt.Errorf("%w: checksum mismatch", ErrCorruptSnapshot)
	}
	return nil
}
