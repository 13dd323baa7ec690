//go:build linux

package diskio

import (
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// DirectFile accesses a preallocated file with O_DIRECT. Reads and writes
// are issued in whole flash pages; unaligned edges are handled internally
// by a read-modify-write of the boundary pages through a private aligned
// scratch buffer, so callers only guarantee that src comes from the
// segment buffer pool (page-aligned base address).
type DirectFile struct {
	f        *os.File
	path     string
	size     int64
	pageSize int

	mu      sync.Mutex // serialises scratch use
	scratch []byte
	closed  atomic.Bool
}

// OpenDirect opens path with O_DIRECT semantics. pageSize must match the
// flash page size the rest of the store is configured with.
func OpenDirect(path string, size int64, pageSize int) (*DirectFile, error) {
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR|unix.O_DIRECT, 0o644)
	if err != nil {
		return nil, ioErr("open", path, err)
	}
	f := os.NewFile(uintptr(fd), path)
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ioErr("stat", path, err)
	}
	if info.Size() != size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, ioErr("truncate", path, err)
		}
	}
	return &DirectFile{
		f:        f,
		path:     path,
		size:     size,
		pageSize: pageSize,
		scratch:  alignedBlock(4*pageSize, pageSize),
	}, nil
}

func (d *DirectFile) Length() int64 {
	return d.size
}

func (d *DirectFile) ReadAt(dst []byte, off int64, length int) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if err := checkBounds(d.size, off, length); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}

	ps := int64(d.pageSize)
	winOff := off &^ (ps - 1)
	winEnd := alignUp64(off+int64(length), ps)
	if winEnd > d.size {
		winEnd = d.size
	}

	if isAligned(dst, d.pageSize) && winOff == off && winEnd == off+int64(length) {
		_, err := d.f.ReadAt(dst[:length], off)
		return ioErr("read", d.path, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	buf := d.window(int(winEnd - winOff))
	if _, err := d.f.ReadAt(buf, winOff); err != nil {
		return ioErr("read", d.path, err)
	}
	copy(dst[:length], buf[off-winOff:])
	return nil
}

func (d *DirectFile) WriteAt(src []byte, srcOff int, off int64, length int, pad byte) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if err := checkBounds(d.size, off, length); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}

	ps := int64(d.pageSize)
	winOff := off &^ (ps - 1)
	winEnd := alignUp64(off+int64(length), ps)
	if winEnd > d.size {
		winEnd = d.size
	}

	// Fast path: a page-aligned write from a pool buffer needs no copy.
	// The tail of the final page is padded in place; pool buffers always
	// have page-granular length behind the batch.
	if isAligned(src[srcOff:], d.pageSize) && winOff == off && int64(srcOff)+winEnd-winOff <= int64(len(src)) {
		for i := srcOff + length; int64(i) < int64(srcOff)+winEnd-winOff; i++ {
			src[i] = pad
		}
		_, err := d.f.WriteAt(src[srcOff:srcOff+int(winEnd-winOff)], winOff)
		return ioErr("write", d.path, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	buf := d.window(int(winEnd - winOff))

	// Preserve the head of the first page and pad the tail of the last.
	if winOff != off {
		if _, err := d.f.ReadAt(buf[:d.pageSize], winOff); err != nil {
			return ioErr("read", d.path, err)
		}
	}
	for i := int(off-winOff) + length; i < len(buf); i++ {
		buf[i] = pad
	}
	copy(buf[off-winOff:], src[srcOff:srcOff+length])

	_, err := d.f.WriteAt(buf, winOff)
	return ioErr("write", d.path, err)
}

// window returns a page-aligned scratch slice of n bytes, growing the
// scratch buffer when a write spans more pages than it holds.
func (d *DirectFile) window(n int) []byte {
	if n > len(d.scratch) {
		d.scratch = alignedBlock(alignUpInt(n, d.pageSize), d.pageSize)
	}
	return d.scratch[:n]
}

func (d *DirectFile) Sync() error {
	if d.closed.Load() {
		return ErrClosed
	}
	return ioErr("sync", d.path, d.f.Sync())
}

func (d *DirectFile) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	return ioErr("close", d.path, d.f.Close())
}

func (d *DirectFile) CloseAndRemove() error {
	if err := d.Close(); err != nil {
		return err
	}
	if err := os.Remove(d.path); err != nil && !os.IsNotExist(err) {
		return ioErr("remove", d.path, err)
	}
	return nil
}

// DirectOpener creates DirectFile backends rooted at a directory.
type DirectOpener struct {
	Dir      string
	PageSize int
}

func (o DirectOpener) Open(name string, size int64) (Backend, error) {
	return OpenDirect(joinDir(o.Dir, name), size, o.PageSize)
}
