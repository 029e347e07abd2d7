// Package paging implements the guest page-table walker (§4.2): translating
// a guest-linear address to a guest-physical address across every IA-32/
// Intel 64 paging mode, with architectural permission, reserved-bit, and
// accessed/dirty semantics.
package paging

// Page-table/directory entry flag bits, common to every paging mode. Bit
// positions match the architectural layout regardless of entry width.
const (
	FlagPresent uint64 = 1 << 0
	FlagWrite   uint64 = 1 << 1
	FlagUser    uint64 = 1 << 2
	FlagPWT     uint64 = 1 << 3
	FlagPCD     uint64 = 1 << 4
	FlagAccess  uint64 = 1 << 5
	FlagDirty   uint64 = 1 << 6
	FlagPS      uint64 = 1 << 7
	FlagGlobal  uint64 = 1 << 8
	FlagXD      uint64 = 1 << 63
)

// maxPhysAddrBits is the assumed MAXPHYADDR in the absence of a wired CPUID
// physical-address-width leaf; bits above it are always reserved in any
// paging-structure entry, per the walker's reserved-bit check (§4.2 step 2).
const maxPhysAddrBits = 52

// reservedHighMask covers every bit above MAXPHYADDR and below the XD bit.
const reservedHighMask = ((uint64(1) << 63) - 1) &^ ((uint64(1) << maxPhysAddrBits) - 1)

const addrMask4K = 0x000F_FFFF_FFFF_F000

// frameBase masks an entry down to its 4 KiB-aligned frame/table address.
func frameBase(entry uint64) uint64 {
	return entry & addrMask4K
}

func present(entry uint64) bool { return entry&FlagPresent != 0 }
func writable(entry uint64) bool { return entry&FlagWrite != 0 }
func userAccessible(entry uint64) bool { return entry&FlagUser != 0 }
func largePage(entry uint64) bool { return entry&FlagPS != 0 }
func noExecute(entry uint64) bool { return entry&FlagXD != 0 }

// reservedHighSet reports a nonzero bit above MAXPHYADDR, below the XD bit
// (which is validated separately against EFER.NXE).
func reservedHighSet(entry uint64) bool {
	return entry&reservedHighMask != 0
}
