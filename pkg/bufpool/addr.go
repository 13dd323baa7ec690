package bufpool

import "unsafe"

// sliceAddr returns the base address of a slice's backing array.
func sliceAddr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}
