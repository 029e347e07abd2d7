package paging_test

import (
	"encoding/binary"
	"testing"

	"github.com/haxcore/vcore/corevm"
	"github.com/haxcore/vcore/memgw"
	"github.com/haxcore/vcore/paging"
)

type fakeState struct {
	cr0, cr3, cr4, efer, cr2 uint64
}

func (s *fakeState) CR0() uint64     { return s.cr0 }
func (s *fakeState) CR3() uint64     { return s.cr3 }
func (s *fakeState) CR4() uint64     { return s.cr4 }
func (s *fakeState) EFER() uint64    { return s.efer }
func (s *fakeState) CR2() uint64     { return s.cr2 }
func (s *fakeState) SetCR2(v uint64) { s.cr2 = v }

func writeU64(t *testing.T, gw *memgw.Gateway, gpa, v uint64) {
	t.Helper()

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)

	if _, err := gw.WriteData(gpa, buf); err != nil {
		t.Fatalf("WriteData(%#x): %v", gpa, err)
	}
}

// TestWalkPAE2MPage matches §8 scenario 5: a PAE walk through a 2 MiB PDE
// with no A-bit pre-set must succeed and leave the PDE's accessed bit set.
func TestWalkPAE2MPage(t *testing.T) {
	t.Parallel()

	gw, err := memgw.New(4 << 20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const pdptBase = 0x2000
	const pdBase = 0x3000

	writeU64(t, gw, pdptBase, pdBase|paging.FlagPresent)

	pdeFlags := paging.FlagPresent | paging.FlagWrite | paging.FlagUser | paging.FlagPS
	writeU64(t, gw, pdBase, 0x100000|pdeFlags)

	state := &fakeState{cr0: corevm.CR0PG, cr4: corevm.CR4PAE, cr3: pdptBase}

	res, gpa, order := paging.Walk(state, gw, 0x1F_FFFF, corevm.AccessUser, true, false)
	if res.Failed() {
		t.Fatalf("Walk failed: %#x", uint32(res))
	}

	if gpa != 0x1F_FFFF {
		t.Fatalf("gpa = %#x, want 0x1fffff", gpa)
	}

	if order != corevm.Order2M {
		t.Fatalf("order = %d, want %d", order, corevm.Order2M)
	}

	buf := make([]byte, 8)
	if _, err := gw.ReadData(pdBase, buf); err != nil {
		t.Fatalf("ReadData: %v", err)
	}

	if binary.LittleEndian.Uint64(buf)&paging.FlagAccess == 0 {
		t.Fatal("PDE accessed bit not set after walk")
	}
}

func TestWalkNotPresent(t *testing.T) {
	t.Parallel()

	gw, err := memgw.New(1 << 20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	state := &fakeState{cr0: corevm.CR0PG, cr3: 0x1000}

	res, _, _ := paging.Walk(state, gw, 0x1000, corevm.Access(0), false, false)
	if !res.Failed() || !res.IsPageFault() {
		t.Fatalf("expected a page fault for a not-present PDE, got %#x", uint32(res))
	}
}

// TestWalkPAEUserWriteFaultsEvenWithWPClear checks that CR0.WP=0 only waives
// the write-protect check for supervisor accesses: a user-mode write to a
// page whose PTE lacks the write bit must still fault.
func TestWalkPAEUserWriteFaultsEvenWithWPClear(t *testing.T) {
	t.Parallel()

	gw, err := memgw.New(4 << 20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const pdptBase = 0x2000
	const pdBase = 0x3000
	const ptBase = 0x4000

	writeU64(t, gw, pdptBase, pdBase|paging.FlagPresent)
	writeU64(t, gw, pdBase, ptBase|paging.FlagPresent|paging.FlagWrite|paging.FlagUser)
	writeU64(t, gw, ptBase, 0x100000|paging.FlagPresent|paging.FlagUser)

	state := &fakeState{cr0: corevm.CR0PG, cr4: corevm.CR4PAE, cr3: pdptBase}

	res, _, _ := paging.Walk(state, gw, 0, corevm.AccessWrite|corevm.AccessUser, false, false)
	if !res.Failed() || !res.IsPageFault() {
		t.Fatalf("expected a page fault for a user write to a read-only PTE with WP clear, got %#x", uint32(res))
	}
}

// TestWalkPML4IntermediateXDBlocksExec checks that an XD bit set on an
// upper-level entry (here the PML4E) denies execute access even when the
// leaf PTE's own XD bit is clear.
func TestWalkPML4IntermediateXDBlocksExec(t *testing.T) {
	t.Parallel()

	gw, err := memgw.New(4 << 20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const pml4Base = 0x1000
	const pdptBase = 0x2000
	const pdBase = 0x3000
	const ptBase = 0x4000

	writeU64(t, gw, pml4Base, pdptBase|paging.FlagPresent|paging.FlagWrite|paging.FlagUser|paging.FlagXD)
	writeU64(t, gw, pdptBase, pdBase|paging.FlagPresent|paging.FlagWrite|paging.FlagUser)
	writeU64(t, gw, pdBase, ptBase|paging.FlagPresent|paging.FlagWrite|paging.FlagUser)
	writeU64(t, gw, ptBase, 0x100000|paging.FlagPresent|paging.FlagWrite|paging.FlagUser)

	state := &fakeState{
		cr0:  corevm.CR0PG,
		cr4:  corevm.CR4PAE,
		cr3:  pml4Base,
		efer: corevm.EFERLMA | corevm.EFERNXE,
	}

	res, _, _ := paging.Walk(state, gw, 0, corevm.Access(0), false, true)
	if !res.Failed() || !res.IsPageFault() {
		t.Fatalf("expected a fetch fault from an upper-level XD bit, got %#x", uint32(res))
	}
}

// TestWalkPAEXDWithoutNXEIsReserved checks that a guest setting the XD bit
// on any entry while EFER.NXE is clear faults as a reserved-bit violation,
// since XD is only a defined bit when NXE enables it.
func TestWalkPAEXDWithoutNXEIsReserved(t *testing.T) {
	t.Parallel()

	gw, err := memgw.New(4 << 20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const pdptBase = 0x2000
	const pdBase = 0x3000

	writeU64(t, gw, pdptBase, pdBase|paging.FlagPresent|paging.FlagXD)

	state := &fakeState{cr0: corevm.CR0PG, cr4: corevm.CR4PAE, cr3: pdptBase}

	res, _, _ := paging.Walk(state, gw, 0, corevm.Access(0), false, false)
	if !res.Failed() {
		t.Fatalf("expected a reserved-bit fault, got OK")
	}

	if uint32(res)&corevm.PFErrRSVD == 0 {
		t.Fatalf("expected RSVD bit set in page-fault error code, got %#x", uint32(res))
	}
}

func TestWalkFlatIsIdentity(t *testing.T) {
	t.Parallel()

	gw, err := memgw.New(1 << 16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	state := &fakeState{}

	res, gpa, _ := paging.Walk(state, gw, 0xABCD, corevm.Access(0), false, false)
	if res.Failed() {
		t.Fatalf("flat-mode walk must never fault: %#x", uint32(res))
	}

	if gpa != 0xABCD {
		t.Fatalf("gpa = %#x, want identity mapping", gpa)
	}
}
