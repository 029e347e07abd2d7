package linearmem_test

import (
	"encoding/binary"
	"testing"

	"github.com/haxcore/vcore/corevm"
	"github.com/haxcore/vcore/inject"
	"github.com/haxcore/vcore/linearmem"
	"github.com/haxcore/vcore/memgw"
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

type fakeVcpu struct{ injected bool }

func (f *fakeVcpu) RFLAGSIF() bool                { return true }
func (f *fakeVcpu) GuestInterruptibility() uint32 { return 0 }
func (f *fakeVcpu) EventInjected() bool           { return f.injected }
func (f *fakeVcpu) SetEventInjected(v bool)       { f.injected = v }
func (f *fakeVcpu) EntryInterruptInfoValid() bool { return false }
func (f *fakeVcpu) ExitIDTVectoringInfo() uint32  { return 0 }
func (f *fakeVcpu) ExitInstrLength() uint32       { return 1 }

type fakeVMCS struct {
	intrInfo uint32
}

func (f *fakeVMCS) SetEntryInterruptInfo(v uint32)         { f.intrInfo = v }
func (f *fakeVMCS) SetEntryExceptionErrorCode(uint32)      {}
func (f *fakeVMCS) SetEntryInstructionLength(uint32)       {}
func (f *fakeVMCS) SetInterruptWindowExiting(enabled bool) {}

func TestReadWriteFlatMode(t *testing.T) {
	t.Parallel()

	gw, err := memgw.New(1 << 20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	lm := &linearmem.Gateway{GW: gw}
	state := &fakeState{}

	want := []byte("vcore")
	if n, ok := lm.WriteGuestVirtual(state, nil, 0x1000, want, linearmem.ModeBestEffort); !ok || n != len(want) {
		t.Fatalf("WriteGuestVirtual: n=%d ok=%v", n, ok)
	}

	got := make([]byte, len(want))
	if n, ok := lm.ReadGuestVirtual(state, nil, 0x1000, got, linearmem.ModeBestEffort); !ok || n != len(got) {
		t.Fatalf("ReadGuestVirtual: n=%d ok=%v", n, ok)
	}

	if string(got) != string(want) {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestGuestFacingInjectsPageFault(t *testing.T) {
	t.Parallel()

	gw, err := memgw.New(1 << 20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var eng inject.Engine

	vmcs := &fakeVMCS{}
	lm := &linearmem.Gateway{GW: gw, Inj: &eng, VMCS: vmcs}

	state := &fakeState{cr0: corevm.CR0PG, cr3: 0x4000} // paging on, empty PD: not-present

	buf := make([]byte, 4)
	if _, ok := lm.ReadGuestVirtual(state, &fakeVcpu{}, 0x1000, buf, linearmem.ModeGuestFacing); ok {
		t.Fatal("expected failure on not-present translation")
	}

	if state.cr2 != 0x1000 {
		t.Fatalf("CR2 = %#x, want 0x1000", state.cr2)
	}

	if vmcs.intrInfo&0x80000000 == 0 {
		t.Fatal("expected #PF staged in entry-interrupt-info")
	}

	if uint8(vmcs.intrInfo&0xff) != inject.VectorPF {
		t.Fatalf("expected PF vector, got %#x", vmcs.intrInfo&0xff)
	}
}

func TestFetchSinglePage(t *testing.T) {
	t.Parallel()

	gw, err := memgw.New(1 << 20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf, 0xdeadbeefcafebabe)

	if _, err := gw.WriteData(0x2000, buf); err != nil {
		t.Fatalf("WriteData: %v", err)
	}

	lm := &linearmem.Gateway{GW: gw}
	state := &fakeState{}

	got, res := lm.Fetch(state, 0x2000, 8)
	if res.Failed() {
		t.Fatalf("Fetch failed: %#x", uint32(res))
	}

	if binary.LittleEndian.Uint64(got) != binary.LittleEndian.Uint64(buf) {
		t.Fatalf("fetched bytes mismatch: %x vs %x", got, buf)
	}

	// Second fetch should hit the cache (same page, same CR3).
	got2, res2 := lm.Fetch(state, 0x2000, 8)
	if res2.Failed() || string(got2) != string(got) {
		t.Fatalf("cached fetch mismatch")
	}
}
