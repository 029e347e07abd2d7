// Package linearmem implements the linear memory gateway (§4.4): guest
// virtual-address read/write built on top of the page-table walker and the
// guest memory gateway, plus a cached kernel mapping for the instruction
// fetch fast path.
package linearmem

import (
	"github.com/haxcore/vcore/corevm"
	"github.com/haxcore/vcore/inject"
	"github.com/haxcore/vcore/paging"
)

// Mode selects one of the three read/write policies of §4.4.
type Mode int

const (
	// ModeGuestFacing injects #PF into the guest on a walker failure.
	ModeGuestFacing Mode = iota
	// ModeBestEffort returns the bytes completed and never injects.
	ModeBestEffort
	// ModeInspection behaves like ModeBestEffort but never updates A/D bits.
	ModeInspection
)

// Gateway is the linear memory gateway for one vCPU: a page walker plus a
// guest memory gateway plus the injection engine needed for mode=0 faults.
type Gateway struct {
	GW   corevm.MemoryGateway
	Inj  *inject.Engine
	VMCS inject.VMCSWriter

	fetchCache fetchCache
}

// fetchCache remembers the last kernel mapping used by the instruction
// fetch fast path: a hit requires an identical (GVA page, CR3).
type fetchCache struct {
	valid   bool
	gvaPage uint64
	cr3     uint64
	mapping *corevm.Mapping
}

// pageOf rounds a linear address down to its containing page.
func pageOf(addr uint64) uint64 { return addr &^ corevm.Order4K.PageOffsetMask() }

// ReadGuestVirtual implements read_guest_virtual: it walks addr one page at
// a time, reading through the memory gateway, advancing by the walker's
// validity length each iteration.
func (g *Gateway) ReadGuestVirtual(vcpu corevm.GuestState, ivcpu inject.Vcpu, addr uint64, dst []byte, mode Mode) (int, bool) {
	return g.transfer(vcpu, ivcpu, addr, dst, mode, false)
}

// WriteGuestVirtual implements write_guest_virtual.
func (g *Gateway) WriteGuestVirtual(vcpu corevm.GuestState, ivcpu inject.Vcpu, addr uint64, src []byte, mode Mode) (int, bool) {
	return g.transfer(vcpu, ivcpu, addr, src, mode, true)
}

func (g *Gateway) transfer(vcpu corevm.GuestState, ivcpu inject.Vcpu, addr uint64, buf []byte, mode Mode, write bool) (int, bool) {
	access := corevm.Access(0)
	if write {
		access |= corevm.AccessWrite
	}

	updateAD := mode != ModeInspection

	done := 0
	for done < len(buf) {
		gva := addr + uint64(done)

		res, gpa, _ := paging.Walk(vcpu, g.GW, gva, access, updateAD, false)
		if res.Failed() {
			if mode == ModeGuestFacing && res.IsPageFault() {
				g.injectPageFault(vcpu, ivcpu, gva, res)

				return done, false
			}

			return done, done == len(buf)
		}

		// Never cross a 4 KiB boundary within one walked translation: the
		// next iteration re-walks from the following page.
		remain := len(buf) - done
		toPageEnd := int(corevm.Order4K.Bytes() - (gpa & corevm.Order4K.PageOffsetMask()))

		n := remain
		if n > toPageEnd {
			n = toPageEnd
		}

		var err error
		if write {
			_, err = g.GW.WriteData(gpa, buf[done:done+n])
		} else {
			_, err = g.GW.ReadData(gpa, buf[done:done+n])
		}

		if err != nil {
			return done, false
		}

		done += n
	}

	return done, true
}

func (g *Gateway) injectPageFault(vcpu corevm.GuestState, ivcpu inject.Vcpu, gva uint64, res corevm.TranslateResult) {
	vcpu.SetCR2(gva)

	if g.Inj == nil || g.VMCS == nil {
		return
	}

	entry := g.Inj.InjectException(ivcpu, g.VMCS, inject.VectorPF, res.PFErrorCode())
	entry.Apply(g.VMCS)
}

// Fetch implements the instruction-fetch fast path (§4.4): up to 15 bytes
// that lie in one page use a cached kernel mapping keyed on (GVA page,
// CR3); a cross-page fetch or a cache miss falls back to a walker-driven
// slow path that also refreshes the cache. gva is the guest linear fetch
// address (normally CS.base + RIP).
func (g *Gateway) Fetch(vcpu corevm.GuestState, gva uint64, n int) ([]byte, corevm.TranslateResult) {
	return g.fetch(vcpu, gva, n)
}

func (g *Gateway) fetch(vcpu corevm.GuestState, gva uint64, n int) ([]byte, corevm.TranslateResult) {
	page := pageOf(gva)
	off := gva - page

	if off+uint64(n) > corevm.Order4K.Bytes() {
		// Spans two pages: slow path, byte-by-byte via ordinary read.
		buf := make([]byte, n)

		res, gpa, _ := paging.Walk(vcpu, g.GW, gva, corevm.AccessExec, true, true)
		if res.Failed() {
			return nil, res
		}

		if _, err := g.GW.ReadData(gpa, buf); err != nil {
			return nil, corevm.ResultFailedGP2HP
		}

		return buf, corevm.ResultOK
	}

	cr3 := vcpu.CR3()
	if g.fetchCache.valid && g.fetchCache.gvaPage == page && g.fetchCache.cr3 == cr3 {
		mapping := g.fetchCache.mapping
		buf := make([]byte, n)
		copyFromKernelAddr(mapping, off, buf)

		return buf, corevm.ResultOK
	}

	res, gpa, _ := paging.Walk(vcpu, g.GW, page, corevm.AccessExec, true, true)
	if res.Failed() {
		return nil, res
	}

	mapping, err := g.GW.MapPage(gpa >> corevm.Order4K)
	if err != nil || mapping == nil {
		return nil, corevm.ResultFailedGP2HP
	}

	g.fetchCache = fetchCache{valid: true, gvaPage: page, cr3: cr3, mapping: mapping}

	buf := make([]byte, n)
	copyFromKernelAddr(mapping, off, buf)

	return buf, corevm.ResultOK
}
