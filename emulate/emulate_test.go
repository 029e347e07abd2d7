package emulate_test

import (
	"testing"

	"github.com/haxcore/vcore/corevm"
	"github.com/haxcore/vcore/decode"
	"github.com/haxcore/vcore/emulate"
)

// fakeVCPU is a flat-memory, no-segmentation vcpu_ops double: SegmentBase is
// always 0, and memory accesses go straight to a byte slice keyed by linear
// address, with optional one-shot MMIO suspension at a chosen address.
type fakeVCPU struct {
	gpr    [16]uint64
	rflags uint64
	mem    []byte
	ripAdv int

	mmioAddr    uint64
	mmioPending bool
	mmioValue   uint64
	mmioSize    int
}

func (v *fakeVCPU) ReadGPR(i int) uint64     { return v.gpr[i] }
func (v *fakeVCPU) WriteGPR(i int, x uint64) { v.gpr[i] = x }
func (v *fakeVCPU) ReadRFlags() uint64       { return v.rflags }
func (v *fakeVCPU) WriteRFlags(x uint64)     { v.rflags = x }
func (v *fakeVCPU) SegmentBase(int) uint64   { return 0 }
func (v *fakeVCPU) AdvanceRIP(n int)         { v.ripAdv += n }
func (v *fakeVCPU) CancelRequested() bool    { return false }

func (v *fakeVCPU) ReadMemory(ea uint64, size int, _ emulate.MemFlag) (uint64, decode.Signal) {
	if v.mmioAddr != 0 && ea == v.mmioAddr && !v.mmioPending {
		v.mmioPending = true
		v.mmioSize = size

		return 0, decode.SignalExitMMIO
	}

	return v.load(ea, size), decode.SignalContinue
}

func (v *fakeVCPU) ReadMemoryPost(size int) (uint64, decode.Signal) {
	v.mmioPending = false

	return v.mmioValue & corevm.MaskForSize(size), decode.SignalContinue
}

func (v *fakeVCPU) WriteMemory(ea uint64, value uint64, size int, _ emulate.MemFlag) decode.Signal {
	v.store(ea, value, size)

	return decode.SignalContinue
}

func (v *fakeVCPU) load(ea uint64, size int) uint64 {
	var val uint64
	for i := 0; i < size; i++ {
		val |= uint64(v.mem[int(ea)+i]) << uint(8*i)
	}

	return val
}

func (v *fakeVCPU) store(ea uint64, val uint64, size int) {
	for i := 0; i < size; i++ {
		v.mem[int(ea)+i] = byte(val >> uint(8*i))
	}
}

func runInsn(t *testing.T, mode decode.Mode, raw []byte, vcpu *fakeVCPU) *decode.Decode {
	t.Helper()

	d, err := decode.New(mode, raw, decode.Default)
	if err != nil {
		t.Fatalf("decode.New: %v", err)
	}

	d.SeedGPR(vcpu.ReadGPR)

	for {
		sig, err := emulate.Emulate(d, vcpu)
		if err != nil {
			t.Fatalf("Emulate: %v", err)
		}

		if sig == decode.SignalExitMMIO {
			continue // fakeVCPU.ReadMemoryPost resolves synchronously
		}

		break
	}

	return d
}

// ADD AL, 0x01 with AL=0xFF overflows to zero: scenario 1.
func TestAddOverflowToZero(t *testing.T) {
	t.Parallel()

	vcpu := &fakeVCPU{mem: make([]byte, 16)}
	vcpu.gpr[decode.RegRAX] = 0xFF

	d := runInsn(t, decode.ModeProt64, []byte{0x04, 0x01}, vcpu)

	if got := vcpu.gpr[decode.RegRAX] & 0xFF; got != 0x00 {
		t.Fatalf("AL = %#x, want 0x00", got)
	}

	want := uint64(corevm.FlagCF | corevm.FlagPF | corevm.FlagAF | corevm.FlagZF)
	if got := vcpu.rflags & corevm.FlagsOSZAPC; got != want {
		t.Fatalf("RFLAGS = %#x, want %#x", got, want)
	}

	if !d.Finished || vcpu.ripAdv != d.Len {
		t.Fatalf("instruction did not commit: finished=%v ripAdv=%d len=%d", d.Finished, vcpu.ripAdv, d.Len)
	}
}

// MOVZX EAX, CX truncates then zero-extends: scenario 2.
func TestMovzxTruncatesAndZeroExtends(t *testing.T) {
	t.Parallel()

	vcpu := &fakeVCPU{mem: make([]byte, 16)}
	vcpu.gpr[decode.RegRAX] = 0xFFFFFFFFFFFFFFFF
	vcpu.gpr[decode.RegRCX] = 0xF0F1F2F3F4F5F6F7

	runInsn(t, decode.ModeProt64, []byte{0x0F, 0xB7, 0xC1}, vcpu)

	if got := vcpu.gpr[decode.RegRAX]; got != 0x000000000000F6F7 {
		t.Fatalf("RAX = %#x, want 0x000000000000f6f7", got)
	}
}

// BT [RCX+0x08], RAX with RAX=-15 biases the accessed byte by
// floor(-15/8)=-2 and the in-word index to -15 mod 8 = 1: scenario 3.
func TestBitTestNegativeOffsetBias(t *testing.T) {
	t.Parallel()

	vcpu := &fakeVCPU{mem: make([]byte, 16)}
	vcpu.mem[6] = 0x02 // byte6 of 0x0002000000000000 at address 0
	vcpu.gpr[decode.RegRCX] = 0
	minus15 := int64(-15)
	vcpu.gpr[decode.RegRAX] = uint64(minus15)

	before := append([]byte(nil), vcpu.mem...)

	// REX.W 0F A3 /r: BT Ev, Gv; ModRM=01_000_001 (mod=1,reg=RAX,rm=RCX), disp8=0x08.
	runInsn(t, decode.ModeProt64, []byte{0x48, 0x0F, 0xA3, 0x41, 0x08}, vcpu)

	if vcpu.rflags&corevm.FlagCF == 0 {
		t.Fatalf("CF not set, rflags=%#x", vcpu.rflags)
	}

	for i := range before {
		if vcpu.mem[i] != before[i] {
			t.Fatalf("BT (no write) modified memory at %d: got %#x want %#x", i, vcpu.mem[i], before[i])
		}
	}
}

// REP MOVSW with DF=1 copies three words back-to-front: scenario 4.
func TestRepMovswBackwards(t *testing.T) {
	t.Parallel()

	vcpu := &fakeVCPU{mem: make([]byte, 0x80)}
	vcpu.rflags = corevm.FlagDF
	vcpu.gpr[decode.RegRCX] = 3
	vcpu.gpr[decode.RegRSI] = 0x24
	vcpu.gpr[decode.RegRDI] = 0x64

	vcpu.store(0x24, 0x1122, 2)
	vcpu.store(0x22, 0x3344, 2)
	vcpu.store(0x20, 0x5566, 2)

	runInsn(t, decode.ModeProt64, []byte{0xF3, 0x66, 0xA5}, vcpu)

	if vcpu.gpr[decode.RegRCX] != 0 {
		t.Fatalf("RCX = %#x, want 0", vcpu.gpr[decode.RegRCX])
	}

	if vcpu.gpr[decode.RegRSI] != 0x1E {
		t.Fatalf("RSI = %#x, want 0x1e", vcpu.gpr[decode.RegRSI])
	}

	if vcpu.gpr[decode.RegRDI] != 0x5E {
		t.Fatalf("RDI = %#x, want 0x5e", vcpu.gpr[decode.RegRDI])
	}

	for _, pair := range [][2]uint64{{0x24, 0x64}, {0x22, 0x62}, {0x20, 0x60}} {
		src, dst := pair[0], pair[1]
		if got, want := vcpu.load(dst, 2), vcpu.load(src, 2); got != want {
			t.Fatalf("target word at %#x = %#x, want %#x (source at %#x)", dst, got, want, src)
		}
	}
}

// A REP instruction with RCX==0 on entry retires without touching memory
// or RSI/RDI (the §4.6 step 1 REP gate).
func TestRepGateSkipsZeroCount(t *testing.T) {
	t.Parallel()

	vcpu := &fakeVCPU{mem: make([]byte, 16)}
	vcpu.gpr[decode.RegRCX] = 0
	vcpu.gpr[decode.RegRSI] = 4
	vcpu.gpr[decode.RegRDI] = 8

	d := runInsn(t, decode.ModeProt64, []byte{0xF3, 0x66, 0xA5}, vcpu)

	if vcpu.gpr[decode.RegRSI] != 4 || vcpu.gpr[decode.RegRDI] != 8 {
		t.Fatalf("RSI/RDI moved despite RCX==0: RSI=%#x RDI=%#x", vcpu.gpr[decode.RegRSI], vcpu.gpr[decode.RegRDI])
	}

	if vcpu.ripAdv != d.Len {
		t.Fatalf("RIP not advanced on zero-count REP: ripAdv=%d len=%d", vcpu.ripAdv, d.Len)
	}
}

// NOT carries FlagNoFlags: RFLAGS must be left untouched (§8 flags
// preservation).
func TestNotPreservesFlags(t *testing.T) {
	t.Parallel()

	vcpu := &fakeVCPU{mem: make([]byte, 16)}
	vcpu.rflags = corevm.FlagCF | corevm.FlagZF
	vcpu.gpr[decode.RegRAX] = 0x0F

	// F7 /2: NOT Ev; ModRM=11_010_000 (mod=3, reg=2, rm=RAX).
	runInsn(t, decode.ModeProt64, []byte{0x48, 0xF7, 0xD0}, vcpu)

	if got := vcpu.gpr[decode.RegRAX]; got != ^uint64(0x0F) {
		t.Fatalf("RAX = %#x, want %#x", got, ^uint64(0x0F))
	}

	if vcpu.rflags != corevm.FlagCF|corevm.FlagZF {
		t.Fatalf("RFLAGS changed by NOT: %#x", vcpu.rflags)
	}
}

// A memory source read that first suspends with EXIT_MMIO resumes cleanly
// via read_memory_post once the caller services the access out-of-band.
func TestMMIOSuspendResumeRead(t *testing.T) {
	t.Parallel()

	vcpu := &fakeVCPU{mem: make([]byte, 16), mmioAddr: 0x08, mmioValue: 0x05}
	vcpu.gpr[decode.RegRAX] = 0x10
	vcpu.gpr[decode.RegRBX] = 0x08

	// 03 /r: ADD Gv, Ev; ModRM=00_000_011 (mod=0, reg=RAX, rm=RBX) -> ADD EAX, [RBX].
	d, err := decode.New(decode.ModeProt64, []byte{0x03, 0x03}, decode.Default)
	if err != nil {
		t.Fatalf("decode.New: %v", err)
	}

	d.SeedGPR(vcpu.ReadGPR)

	sig, err := emulate.Emulate(d, vcpu)
	if err != nil {
		t.Fatalf("Emulate (first dispatch): %v", err)
	}

	if sig != decode.SignalExitMMIO {
		t.Fatalf("first dispatch signal = %v, want SignalExitMMIO", sig)
	}

	if d.Finished {
		t.Fatalf("instruction reported finished before MMIO resume")
	}

	sig, err = emulate.Emulate(d, vcpu)
	if err != nil {
		t.Fatalf("Emulate (resume): %v", err)
	}

	if sig != decode.SignalContinue || !d.Finished {
		t.Fatalf("resume did not complete: sig=%v finished=%v", sig, d.Finished)
	}

	if got := vcpu.gpr[decode.RegRAX]; got != 0x15 {
		t.Fatalf("EAX = %#x, want 0x15", got&0xFFFFFFFF)
	}
}

// 32-bit writes always zero-extend the full 64-bit GPR slot (§8).
func TestZeroExtension32(t *testing.T) {
	t.Parallel()

	vcpu := &fakeVCPU{mem: make([]byte, 16)}
	vcpu.gpr[decode.RegRAX] = 0xFFFFFFFFFFFFFFFF
	vcpu.gpr[decode.RegRBX] = 0x00000000DEADBEEF

	// 89 D8: MOV EAX, EBX (no REX: 32-bit operand size in Prot32 mode).
	runInsn(t, decode.ModeProt32, []byte{0x89, 0xD8}, vcpu)

	if got := vcpu.gpr[decode.RegRAX]; got != 0x00000000DEADBEEF {
		t.Fatalf("RAX = %#x, want 0x00000000deadbeef", got)
	}
}
