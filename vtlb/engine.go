package vtlb

import (
	"github.com/haxcore/vcore/corevm"
	"github.com/haxcore/vcore/paging"
)

// PAE PDE/PTE shadow flags, software-only (this package never produces real
// host-physical addresses for hardware to walk; the arena's pages are the
// ground truth the engine itself reads back).
const (
	shadowPresent = paging.FlagPresent
	shadowWrite   = paging.FlagWrite
	shadowUser    = paging.FlagUser
	shadowGlobal  = paging.FlagGlobal
	shadowXD      = paging.FlagXD
)

// Engine is the shadow page-table for one vCPU. It is not safe for
// concurrent use by more than one goroutine: the shadow free/used/IGO lists
// are owned by the vCPU they belong to (§5).
type Engine struct {
	gw    corevm.MemoryGateway
	arena *arena

	// pd holds the four fixed 1 GiB-quadrant PAE page-directory pages, whose
	// slots carry only the PDE flag bits; pdOwner holds, for the same slot,
	// the owning PT page's arena handle (0 = none) rather than a
	// host-physical address.
	pd      [4][512]uint64
	pdOwner [4][512]uint32

	clean bool
	mode  corevm.PagingMode
}

// NewEngine creates an empty, clean shadow engine over the given memory
// gateway.
func NewEngine(gw corevm.MemoryGateway) *Engine {
	return &Engine{gw: gw, arena: newArena(), clean: true}
}

func quadrantAndIndex(gva uint64) (quadrant int, pdIndex int) {
	return int((gva >> 30) & 0x3), int((gva >> 21) & 0x1FF)
}

func pteIndexOf(gva uint64) int {
	return int((gva >> 12) & 0x1FF)
}

// InvalidateAll zeros every PDE (except, when igo is true, the entries
// backed by an IGO — global — PT page) and recycles PT pages accordingly.
func (e *Engine) InvalidateAll(igo bool) {
	for q := 0; q < 4; q++ {
		for i := range e.pd[q] {
			owner := e.pdOwner[q][i]
			if owner != 0 && e.arena.page(owner).global && igo {
				continue
			}

			e.pd[q][i] = 0
			e.pdOwner[q][i] = 0
		}
	}

	e.arena.flushAll(!igo)
	e.clean = true
}

// InvalidateAddr zeros only the shadow PTE slot for va, leaving the PDE and
// every other slot untouched.
func (e *Engine) InvalidateAddr(va uint64) {
	q, pdIdx := quadrantAndIndex(va)

	owner := e.pdOwner[q][pdIdx]
	if owner == 0 {
		return
	}

	e.arena.page(owner).entries[pteIndexOf(va)] = 0
}

// HandleFault services a guest #PF through the shadow engine: it reclassifies
// the guest's paging mode (invalidating the shadow on a mode transition),
// walks the guest's real page tables, and on success installs a shadow PTE
// mapping gva directly to the resolved host-physical frame.
func (e *Engine) HandleFault(vcpu corevm.GuestState, gva uint64, access corevm.Access) corevm.TranslateResult {
	mode := corevm.ModeFromControlRegs(vcpu.CR0(), vcpu.CR4(), vcpu.EFER())
	if mode != e.mode {
		e.InvalidateAll(false)
		e.mode = mode
	}

	res, gpa, order := paging.Walk(vcpu, e.gw, gva, access, true, access.Exec())
	if res.Failed() {
		return res
	}

	hpa := e.gw.GFNToHPA(gpa >> corevm.Order4K)

	e.install(gva, hpa, access, order)
	e.prefetch(vcpu, gva)

	return corevm.ResultOK
}

// install writes a shadow PTE for gva, allocating a PT page for its PDE
// slot if none exists yet.
func (e *Engine) install(gva, hpa uint64, access corevm.Access, order corevm.Order) {
	q, pdIdx := quadrantAndIndex(gva)

	owner := e.pdOwner[q][pdIdx]
	if owner == 0 {
		h, err := e.arena.alloc()
		if err != nil {
			return
		}

		owner = h
		e.pdOwner[q][pdIdx] = h
		e.pd[q][pdIdx] = shadowPresent | shadowWrite | shadowUser
	}

	pte := buildPTE(hpa, access, order)

	page := e.arena.page(owner)
	page.entries[pteIndexOf(gva)] = pte

	if pte&shadowGlobal != 0 && !page.global {
		e.arena.markGlobal(owner)
	}

	e.clean = false
}

// buildPTE constructs a shadow PTE whose permissions come from the faulting
// access alone: write is granted only when the access was a write, user
// only when it was a user access, and XD is set unless it was a fetch. The
// guest entry's own W, D, XD and G bits are not consulted, so the PTE never
// carries the global bit.
func buildPTE(hpa uint64, access corevm.Access, order corevm.Order) uint64 {
	pte := shadowPresent | (hpa << corevm.Order4K)

	if access.Write() {
		pte |= shadowWrite
	}

	if access.User() {
		pte |= shadowUser
	}

	if !access.Exec() {
		pte |= shadowXD
	}

	return pte
}

// prefetchWindow is the size of the 16-aligned PTE window the engine
// opportunistically populates around a freshly installed PTE.
const prefetchWindow = 16

// prefetch populates up to fifteen neighbor slots in the 16-aligned PTE
// window around gva, for guest entries that are already present, accessed,
// dirty, and backed by a resolvable HPA. Failures are silently skipped: a
// miss here only costs a future real fault, never correctness.
func (e *Engine) prefetch(vcpu corevm.GuestState, gva uint64) {
	base := gva &^ (prefetchWindow*corevm.Order4K.Bytes() - 1)

	for i := uint64(0); i < prefetchWindow; i++ {
		neighbor := base + i*corevm.Order4K.Bytes()
		if neighbor == gva {
			continue
		}

		res, gpa, _ := paging.Walk(vcpu, e.gw, neighbor, corevm.AccessWrite, false, false)
		if res.Failed() {
			continue
		}

		hpa := e.gw.GFNToHPA(gpa >> corevm.Order4K)
		if hpa == 0 {
			continue
		}

		e.install(neighbor, hpa, corevm.AccessWrite, corevm.Order4K)
	}
}
