// Package vtlb implements the software-only vTLB shadow engine (§4.3): a
// shadow PAE page table that stands in for EPT on hosts that lack it,
// backed by an arena of PT pages addressed by handle rather than pointer.
package vtlb

import "errors"

// maxPTPages bounds the shadow page-table arena, matching the "up to 256 PT
// pages" budget of the shadow page directory (§3).
const maxPTPages = 256

var errArenaExhausted = errors.New("vtlb: PT page arena exhausted")

// ptPage is one dynamically owned PAE-format page table: 512 eight-byte
// PTEs. The arena is the sole owner of these pages; shadow PDEs reference a
// page by its handle (its arena index), never by address.
type ptPage struct {
	entries [512]uint64
	global  bool
}

// arena owns every PT page in the shadow structure and tracks it through
// exactly one of three intrusive lists: free, used (non-global), or igo
// (global, survives a non-global flush).
type arena struct {
	pages [maxPTPages]ptPage
	free  []uint32
	used  []uint32
	igo   []uint32
}

func newArena() *arena {
	a := &arena{free: make([]uint32, 0, maxPTPages-1)}
	// Handle 0 is reserved to mean "no PT page owns this PDE slot", so the
	// shadow engine can use the zero value of a handle array as "absent".
	for h := uint32(1); h < maxPTPages; h++ {
		a.free = append(a.free, h)
	}

	return a
}

// alloc pops a handle off the free list, recycling all non-global used
// pages into the free list first if it is empty (§4.3 Allocation).
func (a *arena) alloc() (uint32, error) {
	if len(a.free) == 0 {
		a.recycleUsed()
	}

	if len(a.free) == 0 {
		return 0, errArenaExhausted
	}

	h := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	a.used = append(a.used, h)
	a.pages[h] = ptPage{}

	return h, nil
}

// recycleUsed flushes every non-global used page back to the free list.
// Global pages already live in igo and are untouched.
func (a *arena) recycleUsed() {
	a.free = append(a.free, a.used...)
	a.used = a.used[:0]
}

// markGlobal moves a page from the used list to the igo list, where it
// persists across non-global flushes.
func (a *arena) markGlobal(handle uint32) {
	for i, h := range a.used {
		if h == handle {
			a.used = append(a.used[:i], a.used[i+1:]...)
			break
		}
	}

	a.pages[handle].global = true
	a.igo = append(a.igo, handle)
}

// flushAll recycles every used page and, when igo is true, the igo pages
// too; only in that case does the free list return to the full complement.
func (a *arena) flushAll(igo bool) {
	a.recycleUsed()

	if igo {
		for _, h := range a.igo {
			a.pages[h] = ptPage{}
			a.free = append(a.free, h)
		}

		a.igo = a.igo[:0]
	}
}

func (a *arena) page(handle uint32) *ptPage {
	return &a.pages[handle]
}
