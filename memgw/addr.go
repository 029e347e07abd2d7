package memgw

import "unsafe"

// hostAddr returns the address of a byte slice's backing array as a
// uintptr-valued uint64, the same trick the teacher used to hand a guest's
// RAM buffer address to the kernel as a userspace_addr field.
func hostAddr(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}

	return uint64(uintptr(unsafe.Pointer(&b[0])))
}
