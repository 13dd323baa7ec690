package diskio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/edsrzf/mmap-go"
)

// Raw mode treats one block device (or a device-sized file) as a slab
// arena: a 4 KiB header, a fixed directory of file entries, then the slab
// area. The whole device is mapped once; every log "file" is a view into
// that mapping, addressed by a small handle.
//
// Layout, little-endian:
//
//	[0)      4 KiB header: magic "DXRW", version, entry count
//	[4 KiB)  dir entry x N: file_id u32 | name [64]byte | offset u64 | length u64
//	[...)    slab area, 4 KiB aligned
const (
	rawMagic       = "DXRW"
	rawVersion     = 1
	rawHeaderSize  = 4096
	rawDirEntries  = 512
	rawDirEntrySz  = 4 + 64 + 8 + 8
	rawNameLen     = 64
	rawSlabAlign   = 4096
	rawInvalidFile = 0
)

var (
	ErrRawBadMagic     = errors.New("raw device has no DXRW header")
	ErrRawDirFull      = errors.New("raw device directory is full")
	ErrRawDeviceFull   = errors.New("raw device has no room for slab")
	ErrRawNameTooLong  = errors.New("raw file name exceeds 64 bytes")
	ErrRawFileNotFound = errors.New("raw file not found")
)

// RawDevice manages the slab arena. It implements Opener; the backends it
// hands out all share the one mapping.
type RawDevice struct {
	path string
	m    mmap.MMap
	f    *os.File
	size int64

	mu     sync.Mutex
	nextID uint32
	closed atomic.Bool
}

type rawDirEntry struct {
	id     uint32
	name   string
	offset int64
	length int64
}

// OpenRawDevice maps the device at path. A device without a valid header
// is formatted; an existing arena is reopened with its directory intact.
func OpenRawDevice(path string) (*RawDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, ioErr("open", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ioErr("stat", path, err)
	}
	size := info.Size()
	if size < rawHeaderSize+rawDirEntries*rawDirEntrySz {
		f.Close()
		return nil, fmt.Errorf("raw device %s too small (%d bytes)", path, size)
	}

	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, ioErr("mmap", path, err)
	}

	d := &RawDevice{path: path, m: m, f: f, size: size, nextID: 1}
	if !bytes.Equal(m[0:4], []byte(rawMagic)) {
		d.format()
	} else {
		for _, e := range d.directory() {
			if e.id >= d.nextID {
				d.nextID = e.id + 1
			}
		}
	}
	return d, nil
}

func (d *RawDevice) format() {
	for i := 0; i < rawHeaderSize+rawDirEntries*rawDirEntrySz; i++ {
		d.m[i] = 0
	}
	copy(d.m[0:4], rawMagic)
	binary.LittleEndian.PutUint32(d.m[4:8], rawVersion)
	binary.LittleEndian.PutUint32(d.m[8:12], rawDirEntries)
}

func (d *RawDevice) dirSlot(i int) []byte {
	off := rawHeaderSize + i*rawDirEntrySz
	return d.m[off : off+rawDirEntrySz]
}

func (d *RawDevice) readEntry(i int) rawDirEntry {
	s := d.dirSlot(i)
	name := s[4 : 4+rawNameLen]
	end := bytes.IndexByte(name, 0)
	if end < 0 {
		end = rawNameLen
	}
	return rawDirEntry{
		id:     binary.LittleEndian.Uint32(s[0:4]),
		name:   string(name[:end]),
		offset: int64(binary.LittleEndian.Uint64(s[4+rawNameLen : 12+rawNameLen])),
		length: int64(binary.LittleEndian.Uint64(s[12+rawNameLen : 20+rawNameLen])),
	}
}

func (d *RawDevice) writeEntry(i int, e rawDirEntry) {
	s := d.dirSlot(i)
	binary.LittleEndian.PutUint32(s[0:4], e.id)
	for j := 0; j < rawNameLen; j++ {
		s[4+j] = 0
	}
	copy(s[4:4+rawNameLen], e.name)
	binary.LittleEndian.PutUint64(s[4+rawNameLen:], uint64(e.offset))
	binary.LittleEndian.PutUint64(s[12+rawNameLen:], uint64(e.length))
}

func (d *RawDevice) directory() []rawDirEntry {
	var out []rawDirEntry
	for i := 0; i < rawDirEntries; i++ {
		if e := d.readEntry(i); e.id != rawInvalidFile {
			out = append(out, e)
		}
	}
	return out
}

// Open returns a backend view of the named slab, allocating one when the
// name is unknown. A freed slab of sufficient length is reused before the
// arena grows.
func (d *RawDevice) Open(name string, size int64) (Backend, error) {
	if len(name) > rawNameLen {
		return nil, ErrRawNameTooLong
	}
	if d.closed.Load() {
		return nil, ErrClosed
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	freeSlot := -1
	reuseSlot := -1
	slabEnd := int64(rawHeaderSize + rawDirEntries*rawDirEntrySz)
	slabEnd = alignUp64(slabEnd, rawSlabAlign)
	arenaStart := slabEnd

	for i := 0; i < rawDirEntries; i++ {
		e := d.readEntry(i)
		// Freed slabs keep their extent; the arena never compacts, so they
		// still bound fresh allocations.
		if end := e.offset + e.length; end > slabEnd {
			slabEnd = end
		}
		if e.id == rawInvalidFile {
			if e.length >= size && e.offset >= arenaStart && reuseSlot < 0 {
				reuseSlot = i
			} else if e.length == 0 && freeSlot < 0 {
				freeSlot = i
			}
			continue
		}
		if e.name == name {
			if e.length < size {
				return nil, fmt.Errorf("raw file %s smaller than requested (%d < %d)", name, e.length, size)
			}
			return d.view(e, size), nil
		}
	}

	if reuseSlot >= 0 {
		e := d.readEntry(reuseSlot)
		e.id = d.nextID
		e.name = name
		d.nextID++
		d.writeEntry(reuseSlot, e)
		return d.view(e, size), nil
	}
	if freeSlot < 0 {
		return nil, ErrRawDirFull
	}

	offset := alignUp64(slabEnd, rawSlabAlign)
	if offset+size > d.size {
		return nil, fmt.Errorf("%w: need %d at %d, device %d", ErrRawDeviceFull, size, offset, d.size)
	}
	e := rawDirEntry{id: d.nextID, name: name, offset: offset, length: size}
	d.nextID++
	d.writeEntry(freeSlot, e)
	return d.view(e, size), nil
}

func (d *RawDevice) view(e rawDirEntry, size int64) *RawFile {
	return &RawFile{dev: d, id: e.id, name: e.name, base: e.offset, size: size}
}

// remove invalidates a directory entry, leaving the slab reusable.
func (d *RawDevice) remove(id uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < rawDirEntries; i++ {
		e := d.readEntry(i)
		if e.id != id {
			continue
		}
		e.id = rawInvalidFile
		e.name = ""
		d.writeEntry(i, e)
		return
	}
}

// Sync flushes the whole mapping.
func (d *RawDevice) Sync() error {
	if d.closed.Load() {
		return ErrClosed
	}
	return ioErr("msync", d.path, d.m.Flush())
}

// Close unmaps the device. Backends handed out earlier become invalid.
func (d *RawDevice) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := d.m.Flush(); err != nil {
		_ = d.m.Unmap()
		_ = d.f.Close()
		return ioErr("msync", d.path, err)
	}
	if err := d.m.Unmap(); err != nil {
		_ = d.f.Close()
		return ioErr("munmap", d.path, err)
	}
	return ioErr("close", d.path, d.f.Close())
}

// RawFile is one slab of the device arena.
type RawFile struct {
	dev    *RawDevice
	id     uint32
	name   string
	base   int64
	size   int64
	closed atomic.Bool
}

func (r *RawFile) Length() int64 {
	return r.size
}

func (r *RawFile) ReadAt(dst []byte, off int64, length int) error {
	if r.closed.Load() || r.dev.closed.Load() {
		return ErrClosed
	}
	if err := checkBounds(r.size, off, length); err != nil {
		return err
	}
	copy(dst[:length], r.dev.m[r.base+off:])
	return nil
}

func (r *RawFile) WriteAt(src []byte, srcOff int, off int64, length int, pad byte) error {
	if r.closed.Load() || r.dev.closed.Load() {
		return ErrClosed
	}
	if err := checkBounds(r.size, off, length); err != nil {
		return err
	}
	copy(r.dev.m[r.base+off:], src[srcOff:srcOff+length])
	return nil
}

func (r *RawFile) Sync() error {
	if r.closed.Load() || r.dev.closed.Load() {
		return ErrClosed
	}
	return r.dev.Sync()
}

func (r *RawFile) Close() error {
	r.closed.Store(true)
	return nil
}

func (r *RawFile) CloseAndRemove() error {
	if err := r.Close(); err != nil {
		return err
	}
	if r.dev.closed.Load() {
		return ErrClosed
	}
	r.dev.remove(r.id)
	return nil
}
