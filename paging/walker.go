package paging

import (
	"sync/atomic"
	"unsafe"

	"github.com/haxcore/vcore/corevm"
)

// level is one step of a walk: the entry value just read, its guest-physical
// address (for the A/D compare-and-swap), and its width in bytes (4 for
// 32-bit non-PAE entries, 8 otherwise).
type level struct {
	entry uint64
	gpa   uint64
	width int
}

// Walk translates a guest-linear address to a guest-physical address,
// implementing the contract of §4.2 across all four paging modes. updateAD,
// when true, atomically sets accessed bits on every traversed entry and the
// dirty bit on the leaf when access is a write, restarting the walk from
// CR3 whenever the compare-and-swap observes a concurrently mutated entry.
func Walk(
	vcpu corevm.GuestState,
	gw corevm.MemoryGateway,
	gva uint64,
	access corevm.Access,
	updateAD bool,
	isFetch bool,
) (corevm.TranslateResult, uint64, corevm.Order) {
	mode := corevm.ModeFromControlRegs(vcpu.CR0(), vcpu.CR4(), vcpu.EFER())

	if mode == corevm.ModeFlat {
		return corevm.ResultOK, gva & 0xFFFFFFFF, corevm.Order4K
	}

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		res, gpa, order, levels, retry := walkOnce(vcpu, gw, mode, gva, access, isFetch)
		if retry {
			continue
		}

		if res.Failed() {
			return res, 0, 0
		}

		if updateAD {
			if !commitAD(gw, levels, access.Write()) {
				continue
			}
		}

		return corevm.ResultOK, gpa, order
	}

	return corevm.ResultFailedGeneric, 0, 0
}

const maxCASRetries = 16

//nolint:cyclop
func walkOnce(
	vcpu corevm.GuestState,
	gw corevm.MemoryGateway,
	mode corevm.PagingMode,
	gva uint64,
	access corevm.Access,
	isFetch bool,
) (result corevm.TranslateResult, gpa uint64, order corevm.Order, levels []level, retry bool) {
	nxe := vcpu.EFER()&corevm.EFERNXE != 0
	wp := vcpu.CR0()&corevm.CR0WP != 0

	var lvls []level
	andW, andU := true, true
	xd := false

	readEntry := func(base uint64, index, width int) (uint64, bool) {
		entryGPA := base + uint64(index)*uint64(width)

		buf := make([]byte, width)
		if n, err := gw.ReadData(entryGPA, buf); err != nil || n != width {
			return 0, false
		}

		var v uint64
		for i := width - 1; i >= 0; i-- {
			v = v<<8 | uint64(buf[i])
		}

		return v, true
	}

	checkEntry := func(e uint64, width int) corevm.TranslateResult {
		if !present(e) {
			return corevm.WithAccess(corevm.ResultFailedNotPresent, access)
		}

		if width == 8 && reservedHighSet(e) {
			return corevm.WithAccess(corevm.ResultFailedReserved, access)
		}

		if width == 8 && !nxe && noExecute(e) {
			return corevm.WithAccess(corevm.ResultFailedReserved, access)
		}

		return corevm.ResultOK
	}

	switch mode {
	case corevm.ModeTwoLevel:
		pdBase := vcpu.CR3() & 0xFFFFF000
		pdIndex := int((gva >> 22) & 0x3FF)

		pde, ok := readEntry(pdBase, pdIndex, 4)
		if !ok {
			return corevm.ResultFailedGP2HP, 0, 0, nil, false
		}

		if res := checkEntry(pde, 4); res.Failed() {
			return res, 0, 0, nil, false
		}

		pdeGPA := pdBase + uint64(pdIndex)*4
		lvls = append(lvls, level{entry: pde, gpa: pdeGPA, width: 4})
		andW, andU = andW && writable(pde), andU && userAccessible(pde)
		xd = xd || noExecute(pde)

		if largePage(pde) && vcpu.CR4()&corevm.CR4PSE != 0 {
			if pde&0x3FE000 != 0 {
				return corevm.WithAccess(corevm.ResultFailedReserved, access), 0, 0, nil, false
			}

			base4M := (uint64(uint32(pde)) & 0xFFC00000)
			gpa = base4M | (gva & 0x3FFFFF)

			if res := checkPermission(andW, andU, access, wp, isFetch, xd, nxe); res.Failed() {
				return res, 0, 0, nil, false
			}

			return corevm.ResultOK, gpa, corevm.Order4M, lvls, false
		}

		ptBase := frameBase(pde)
		pteIndex := int((gva >> 12) & 0x3FF)

		pte, ok := readEntry(ptBase, pteIndex, 4)
		if !ok {
			return corevm.ResultFailedGP2HP, 0, 0, nil, false
		}

		if res := checkEntry(pte, 4); res.Failed() {
			return res, 0, 0, nil, false
		}

		pteGPA := ptBase + uint64(pteIndex)*4
		lvls = append(lvls, level{entry: pte, gpa: pteGPA, width: 4})
		andW, andU = andW && writable(pte), andU && userAccessible(pte)
		xd = xd || noExecute(pte)

		if res := checkPermission(andW, andU, access, wp, isFetch, xd, nxe); res.Failed() {
			return res, 0, 0, nil, false
		}

		gpa = frameBase(pte) | (gva & 0xFFF)

		return corevm.ResultOK, gpa, corevm.Order4K, lvls, false

	case corevm.ModePAE:
		pdptBase := vcpu.CR3() & 0xFFFFFFE0
		pdptIndex := int((gva >> 30) & 0x3)

		pdpte, ok := readEntry(pdptBase, pdptIndex, 8)
		if !ok {
			return corevm.ResultFailedGP2HP, 0, 0, nil, false
		}

		if res := checkEntry(pdpte, 8); res.Failed() {
			return res, 0, 0, nil, false
		}

		if pdpte&0xFFE != 0 {
			return corevm.WithAccess(corevm.ResultFailedReserved, access), 0, 0, nil, false
		}

		return walkPDAndBelow(readEntry, checkEntry, frameBase(pdpte), gva, access, wp, isFetch, nxe, true, andW, andU, xd)

	case corevm.ModePML4:
		pml4Base := vcpu.CR3() & 0x000FFFFFFFFFF000
		pml4Index := int((gva >> 39) & 0x1FF)

		pml4e, ok := readEntry(pml4Base, pml4Index, 8)
		if !ok {
			return corevm.ResultFailedGP2HP, 0, 0, nil, false
		}

		if res := checkEntry(pml4e, 8); res.Failed() {
			return res, 0, 0, nil, false
		}

		pml4eGPA := pml4Base + uint64(pml4Index)*8
		lvls = append(lvls, level{entry: pml4e, gpa: pml4eGPA, width: 8})
		andW, andU = andW && writable(pml4e), andU && userAccessible(pml4e)
		xd = xd || noExecute(pml4e)

		pdptBase := frameBase(pml4e)
		pdptIndex := int((gva >> 30) & 0x1FF)

		pdpte, ok := readEntry(pdptBase, pdptIndex, 8)
		if !ok {
			return corevm.ResultFailedGP2HP, 0, 0, nil, false
		}

		if res := checkEntry(pdpte, 8); res.Failed() {
			return res, 0, 0, nil, false
		}

		pdpteGPA := pdptBase + uint64(pdptIndex)*8
		andW, andU = andW && writable(pdpte), andU && userAccessible(pdpte)
		xd = xd || noExecute(pdpte)

		if largePage(pdpte) {
			if pdpte&0x3FFFE000 != 0 {
				return corevm.WithAccess(corevm.ResultFailedReserved, access), 0, 0, nil, false
			}

			lvls = append(lvls, level{entry: pdpte, gpa: pdpteGPA, width: 8})

			if res := checkPermission(andW, andU, access, wp, isFetch, xd, nxe); res.Failed() {
				return res, 0, 0, nil, false
			}

			gpa = frameBase(pdpte) | (gva & 0x3FFFFFFF)

			return corevm.ResultOK, gpa, corevm.Order1G, lvls, false
		}

		lvls = append(lvls, level{entry: pdpte, gpa: pdpteGPA, width: 8})

		res, gpa, order, subLvls, retry := walkPDAndBelow(readEntry, checkEntry, frameBase(pdpte), gva, access, wp, isFetch, nxe, false, andW, andU, xd)
		if retry || res.Failed() {
			return res, gpa, order, nil, retry
		}

		return res, gpa, order, append(lvls, subLvls...), false
	}

	return corevm.ResultFailedGeneric, 0, 0, nil, false
}

// walkPDAndBelow handles the PD/PT pair shared by PAE and IA-32e modes once
// the PDPTE (or PML4E chain) has resolved a page-directory base.
func walkPDAndBelow(
	readEntry func(base uint64, index, width int) (uint64, bool),
	checkEntry func(e uint64, width int) corevm.TranslateResult,
	pdBase uint64,
	gva uint64,
	access corevm.Access,
	wp, isFetch, nxe bool,
	countPDPTEPerms bool,
	andW, andU bool,
	xd bool,
) (corevm.TranslateResult, uint64, corevm.Order, []level, bool) {
	_ = countPDPTEPerms

	var lvls []level

	pdIndex := int((gva >> 21) & 0x1FF)

	pde, ok := readEntry(pdBase, pdIndex, 8)
	if !ok {
		return corevm.ResultFailedGP2HP, 0, 0, nil, false
	}

	if res := checkEntry(pde, 8); res.Failed() {
		return res, 0, 0, nil, false
	}

	pdeGPA := pdBase + uint64(pdIndex)*8
	lvls = append(lvls, level{entry: pde, gpa: pdeGPA, width: 8})
	andW, andU = andW && writable(pde), andU && userAccessible(pde)
	xd = xd || noExecute(pde)

	if largePage(pde) {
		if pde&0x1FE000 != 0 {
			return corevm.WithAccess(corevm.ResultFailedReserved, access), 0, 0, nil, false
		}

		if res := checkPermission(andW, andU, access, wp, isFetch, xd, nxe); res.Failed() {
			return res, 0, 0, nil, false
		}

		gpa := frameBase(pde) | (gva & 0x1FFFFF)

		return corevm.ResultOK, gpa, corevm.Order2M, lvls, false
	}

	ptBase := frameBase(pde)
	pteIndex := int((gva >> 12) & 0x1FF)

	pte, ok := readEntry(ptBase, pteIndex, 8)
	if !ok {
		return corevm.ResultFailedGP2HP, 0, 0, nil, false
	}

	if res := checkEntry(pte, 8); res.Failed() {
		return res, 0, 0, nil, false
	}

	pteGPA := ptBase + uint64(pteIndex)*8
	lvls = append(lvls, level{entry: pte, gpa: pteGPA, width: 8})
	andW, andU = andW && writable(pte), andU && userAccessible(pte)
	xd = xd || noExecute(pte)

	if res := checkPermission(andW, andU, access, wp, isFetch, xd, nxe); res.Failed() {
		return res, 0, 0, nil, false
	}

	gpa := frameBase(pte) | (gva & 0xFFF)

	return corevm.ResultOK, gpa, corevm.Order4K, lvls, false
}

// checkPermission implements §4.2 step 4: write/user/execute permission
// checks against the AND-of-chain write/user bits and the OR-of-chain XD
// bit. The CR0.WP=0 supervisor-write bypass applies only to supervisor
// accesses: a user-mode write to a non-writable page always faults.
func checkPermission(andW, andU bool, access corevm.Access, wp, isFetch bool, xd bool, nxe bool) corevm.TranslateResult {
	if access.Write() && !andW && (access.User() || wp) {
		return corevm.WithAccess(corevm.ResultFailedProtect, access)
	}

	if access.User() && !andU {
		return corevm.WithAccess(corevm.ResultFailedProtect, access)
	}

	if isFetch && nxe && xd {
		return corevm.WithAccess(corevm.ResultFailedProtect, access|corevm.AccessExec)
	}

	return corevm.ResultOK
}

// commitAD sets the accessed bit on every traversed entry, and the dirty bit
// on the leaf (the last entry) when the access was a write, via a
// compare-and-swap on the entry's backing memory. It returns false if any
// CAS lost its race, signaling the caller to restart the whole walk.
func commitAD(gw corevm.MemoryGateway, levels []level, isWrite bool) bool {
	for i, lvl := range levels {
		want := lvl.entry | FlagAccess
		if isWrite && i == len(levels)-1 {
			want |= FlagDirty
		}

		if want == lvl.entry {
			continue
		}

		if !casEntry(gw, lvl.gpa, lvl.entry, want, lvl.width) {
			return false
		}
	}

	return true
}

// casEntry performs an atomic compare-and-swap on a paging-structure entry
// by mapping its backing page through the gateway and using sync/atomic
// directly on the mapped memory.
func casEntry(gw corevm.MemoryGateway, entryGPA, old, newVal uint64, width int) bool {
	mapping, err := gw.MapPage(entryGPA >> corevm.Order4K)
	if err != nil || mapping == nil {
		return false
	}
	defer gw.UnmapPage(mapping)

	off := entryGPA & corevm.Order4K.PageOffsetMask()
	ptr := unsafe.Pointer(mapping.KernelAddr + uintptr(off)) //nolint:gosec

	if width == 4 {
		addr := (*uint32)(ptr)

		return atomic.CompareAndSwapUint32(addr, uint32(old), uint32(newVal))
	}

	addr := (*uint64)(ptr)

	return atomic.CompareAndSwapUint64(addr, old, newVal)
}
