package diskio

import (
	"path/filepath"
	"unsafe"
)

func joinDir(dir, name string) string {
	if dir == "" {
		return name
	}
	return filepath.Join(dir, name)
}

// alignedBlock allocates n bytes whose base address is a multiple of align.
func alignedBlock(n, align int) []byte {
	raw := make([]byte, n+align)
	off := 0
	if rem := uintptr(unsafe.Pointer(unsafe.SliceData(raw))) % uintptr(align); rem != 0 {
		off = align - int(rem)
	}
	return raw[off : off+n]
}

func isAligned(b []byte, align int) bool {
	if len(b) == 0 {
		return true
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))%uintptr(align) == 0
}

func alignUp64(n, align int64) int64 {
	return (n + align - 1) &^ (align - 1)
}

func alignUpInt(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
