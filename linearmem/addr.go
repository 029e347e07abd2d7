package linearmem

import (
	"unsafe"

	"github.com/haxcore/vcore/corevm"
)

// copyFromKernelAddr copies n bytes from a mapped page at byte offset off
// into dst, where n = len(dst).
func copyFromKernelAddr(m *corevm.Mapping, off uint64, dst []byte) {
	src := unsafe.Slice((*byte)(unsafe.Pointer(m.KernelAddr+uintptr(off))), len(dst)) //nolint:gosec

	copy(dst, src)
}
