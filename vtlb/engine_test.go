package vtlb_test

import (
	"encoding/binary"
	"testing"

	"github.com/haxcore/vcore/corevm"
	"github.com/haxcore/vcore/memgw"
	"github.com/haxcore/vcore/paging"
	"github.com/haxcore/vcore/vtlb"
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

func setupPAEIdentity(t *testing.T, gw *memgw.Gateway) *fakeState {
	t.Helper()

	const pdptBase, pdBase, ptBase = 0x2000, 0x3000, 0x4000

	writeU64(t, gw, pdptBase, pdBase|paging.FlagPresent)
	writeU64(t, gw, pdBase, ptBase|paging.FlagPresent|paging.FlagWrite|paging.FlagUser)
	writeU64(t, gw, ptBase+(0x100000>>12)*8, 0x100000|paging.FlagPresent|paging.FlagWrite|paging.FlagUser)

	return &fakeState{cr0: corevm.CR0PG, cr4: corevm.CR4PAE, cr3: pdptBase}
}

func TestHandleFaultInstallsShadowPTE(t *testing.T) {
	t.Parallel()

	gw, err := memgw.New(4 << 20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	state := setupPAEIdentity(t, gw)
	eng := vtlb.NewEngine(gw)

	if res := eng.HandleFault(state, 0x100000, corevm.AccessUser); res.Failed() {
		t.Fatalf("HandleFault: %#x", uint32(res))
	}
}

func TestInvalidateAddrClearsOnlyOneSlot(t *testing.T) {
	t.Parallel()

	gw, err := memgw.New(4 << 20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	state := setupPAEIdentity(t, gw)
	eng := vtlb.NewEngine(gw)

	if res := eng.HandleFault(state, 0x100000, corevm.AccessUser); res.Failed() {
		t.Fatalf("HandleFault: %#x", uint32(res))
	}

	eng.InvalidateAddr(0x100000)
	// Re-fault must succeed again (no panic, no stale state assumed).
	if res := eng.HandleFault(state, 0x100000, corevm.AccessUser); res.Failed() {
		t.Fatalf("HandleFault after invalidate: %#x", uint32(res))
	}
}

func TestInvalidateAllResetsEngine(t *testing.T) {
	t.Parallel()

	gw, err := memgw.New(4 << 20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	state := setupPAEIdentity(t, gw)
	eng := vtlb.NewEngine(gw)

	if res := eng.HandleFault(state, 0x100000, corevm.AccessUser); res.Failed() {
		t.Fatalf("HandleFault: %#x", uint32(res))
	}

	eng.InvalidateAll(true)

	if res := eng.HandleFault(state, 0x100000, corevm.AccessUser); res.Failed() {
		t.Fatalf("HandleFault after InvalidateAll: %#x", uint32(res))
	}
}
