package emulate

import (
	"github.com/haxcore/vcore/corevm"
	"github.com/haxcore/vcore/decode"
)

// linearAddress folds a memory operand's segment base into its effective
// address and canonicalizes the result (§4.6 operand semantics): FS/GS get
// their base added in PROT64, every other segment adds its base outside
// PROT64, and the sum is then canonicalized per the current mode.
func linearAddress(d *decode.Decode, vcpu VCPU, mem decode.MemRef) uint64 {
	addr := mem.EffectiveAddr

	switch {
	case d.Mode == decode.ModeProt64 && (mem.Segment == decode.SegFS || mem.Segment == decode.SegGS):
		addr += vcpu.SegmentBase(mem.Segment)
	case d.Mode != decode.ModeProt64:
		addr += vcpu.SegmentBase(mem.Segment)
	}

	return corevm.CanonicalizeLinear(addr, d.Mode == decode.ModeProt64, d.Mode == decode.ModeReal)
}

// noTranslation reports whether a memory operand of this instruction may
// bypass the software walker: true unless the instruction touches two
// memory operands or carries a REP prefix, in which case at least one side
// may be ordinary RAM and needs full translation (§4.6 operand semantics).
func noTranslation(d *decode.Decode) bool {
	return d.Entry.Flags&decode.FlagTwoMem == 0 && d.Rep == 0
}

// readRegOperand loads a register operand's value from the GPR cache,
// applying the legacy high-byte shift where applicable.
func readRegOperand(d *decode.Decode, op *decode.Operand) {
	v := d.ReadGPR(op.Reg.Index)
	if op.Reg.Shift == 1 {
		v = (v >> 8) & 0xFF
	}

	op.Value = v & corevm.MaskForSize(op.Size)
}

// writeRegOperand stores a register operand's value into the GPR cache,
// preserving the untouched half of a legacy high-byte register and the
// upper bits of any 8- or 16-bit write, and zero-extending any 32-bit write
// to the full 64-bit slot (§8 32->64 zero-extension).
func writeRegOperand(d *decode.Decode, op *decode.Operand) {
	if op.Reg.Shift == 1 {
		cur := d.ReadGPR(op.Reg.Index)
		v := (cur &^ 0xFF00) | ((op.Value & 0xFF) << 8)
		d.WriteGPR(op.Reg.Index, v)

		return
	}

	if op.Size < 4 {
		mask := corevm.MaskForSize(op.Size)
		cur := d.ReadGPR(op.Reg.Index)
		d.WriteGPR(op.Reg.Index, (cur&^mask)|(op.Value&mask))

		return
	}

	d.WriteGPR(op.Reg.Index, op.Value&corevm.MaskForSize(op.Size))
}

// readMemOperand drives the read half of the MMIO suspend/resume protocol
// for one memory operand, returning SignalExitMMIO when the caller must
// suspend and SignalContinue once op.Value holds the result.
func readMemOperand(d *decode.Decode, vcpu VCPU, op *decode.Operand) decode.Signal {
	if op.Flags&decode.ReadPending != 0 {
		v, sig := vcpu.ReadMemoryPost(op.Size)
		if sig != decode.SignalContinue {
			return sig
		}

		op.Value = v
		op.Flags = op.Flags&^decode.ReadPending | decode.ReadFinished

		return decode.SignalContinue
	}

	var flags MemFlag
	if noTranslation(d) {
		flags = NoTranslation
	}

	ea := linearAddress(d, vcpu, op.Mem)

	v, sig := vcpu.ReadMemory(ea, op.Size, flags)
	if sig == decode.SignalExitMMIO {
		op.Flags |= decode.ReadPending

		return sig
	}

	if sig != decode.SignalContinue {
		return sig
	}

	op.Value = v
	op.Flags |= decode.ReadFinished

	return decode.SignalContinue
}

// writeMemOperand drives the write half of the MMIO protocol: a suspended
// write is simply retried, since the value to write never changes across a
// resume.
func writeMemOperand(d *decode.Decode, vcpu VCPU, op *decode.Operand) decode.Signal {
	var flags MemFlag
	if noTranslation(d) {
		flags = NoTranslation
	}

	ea := linearAddress(d, vcpu, op.Mem)

	return vcpu.WriteMemory(ea, op.Value, op.Size, flags)
}
