package decode

// maskAddr truncates an effective-address computation to the current
// address size, before any segment base is folded in (that folding, and
// the final linear-address canonicalization of §4.6, happen in the
// emulator once it knows the access mode).
func maskAddr(addr uint64, addrSize int) uint64 {
	switch addrSize {
	case 2:
		return addr & 0xFFFF
	case 4:
		return addr & 0xFFFFFFFF
	default:
		return addr
	}
}

// gprValue reads a full 64-bit GPR cache slot without marking it read
// (addressing math is not itself an architectural register read).
func gprValue(d *Decode, index int) uint64 {
	return d.GPR[index&0xF]
}

// modRMEffectiveAddr computes the r/m memory operand's effective address
// from the already-decoded Mod/RM/SIB/Disp fields and the seeded GPR cache,
// following SDM Tables 2-1/2-2/2-3 (§4.5).
func modRMEffectiveAddr(d *Decode) uint64 {
	if d.AddrSize == 2 {
		var base uint64

		switch d.RM {
		case 0:
			base = gprValue(d, RegRBX) + gprValue(d, RegRSI)
		case 1:
			base = gprValue(d, RegRBX) + gprValue(d, RegRDI)
		case 2:
			base = gprValue(d, RegRBP) + gprValue(d, RegRSI)
		case 3:
			base = gprValue(d, RegRBP) + gprValue(d, RegRDI)
		case 4:
			base = gprValue(d, RegRSI)
		case 5:
			base = gprValue(d, RegRDI)
		case 6:
			if d.Mod == 0 {
				base = 0 // disp16 only
			} else {
				base = gprValue(d, RegRBP)
			}
		case 7:
			base = gprValue(d, RegRBX)
		}

		return maskAddr(base+uint64(d.Disp), 2)
	}

	var addr uint64

	if d.HasSIB {
		if d.Base >= 0 {
			addr += gprValue(d, d.Base)
		}

		if d.Index >= 0 {
			addr += gprValue(d, d.Index) * uint64(d.Scale)
		}
	} else if d.Base >= 0 {
		addr += gprValue(d, d.Base)
	}

	addr += uint64(d.Disp)

	return maskAddr(addr, d.AddrSize)
}

// segmentFor resolves the operand's effective segment: an explicit prefix
// override wins, the implicit SS for BP/SP-based forms comes pre-set by
// the ModRM decode, otherwise DS.
func segmentFor(d *Decode, implicit int) int {
	if d.HaveSeg {
		return d.SegOverride
	}

	if d.SegOverride != -1 {
		return d.SegOverride
	}

	return implicit
}

// decModRM decodes the r/m operand: a register when Mod==3, a memory
// reference otherwise. size is the operand's byte width.
func decModRM(size int) Decoder {
	return func(d *Decode, op *Operand) error {
		if d.Mod == 3 {
			op.Type = OpReg
			op.Size = size
			op.Reg = regRefFor(d, d.RM, size)

			return nil
		}

		op.Type = OpMem
		op.Size = size
		op.Mem = MemRef{EffectiveAddr: modRMEffectiveAddr(d), Segment: segmentFor(d, SegDS)}

		return nil
	}
}

// decModRMReg decodes the ModR/M.reg register operand (the "Gv/Gb" operand
// in Intel mnemonics).
func decModRMReg(size int) Decoder {
	return func(d *Decode, op *Operand) error {
		op.Type = OpReg
		op.Size = size
		op.Reg = regRefFor(d, d.RegField, size)

		return nil
	}
}

// decVEXV decodes VEX.vvvv as a register operand (the implicit source
// register index ~vex.v, §4.5).
func decVEXV(size int) Decoder {
	return func(d *Decode, op *Operand) error {
		op.Type = OpReg
		op.Size = size
		op.Reg = regRefFor(d, d.VEXV, size)

		return nil
	}
}

// regRefFor resolves a GPR cache slot plus legacy high-byte shift: at
// size==1 without any REX prefix, indices 4-7 name AH/CH/DH/BH (sharing the
// AX/CX/DX/BX slot at byte-shift 1); with any REX present, all 16 indices
// address low bytes directly (§4.6 operand semantics).
func regRefFor(d *Decode, index, size int) RegRef {
	if size == 1 && !d.REXPresent && index >= 4 && index < 8 {
		return RegRef{Index: index - 4, Shift: 1}
	}

	return RegRef{Index: index, Shift: 0}
}

// decReg decodes a fixed register operand (e.g. the accumulator AL/AX/EAX/
// RAX implicit in opcodes 0x04/0x05-style forms, or a register baked into
// the low 3 opcode bits as with 0x50-series PUSH/POP and 0xB8-series MOV).
func decReg(index int, size int) Decoder {
	return func(d *Decode, op *Operand) error {
		op.Type = OpReg
		op.Size = size
		op.Reg = regRefFor(d, index, size)

		return nil
	}
}

// decOpcodeReg decodes a register baked into the low 3 bits of the opcode
// byte (the 0x50-0x57/0x58-0x5F/0xB0-0xBF families), honoring REX.B.
func decOpcodeReg(size int) Decoder {
	return func(d *Decode, op *Operand) error {
		index := int(d.OpcodeByte) & 0x7
		if d.REXB {
			index |= 0x8
		}

		op.Type = OpReg
		op.Size = size
		op.Reg = regRefFor(d, index, size)

		return nil
	}
}

// decImm decodes the immediate already consumed by decode_insn into the
// operand's value.
func decImm() Decoder {
	return func(d *Decode, op *Operand) error {
		op.Type = OpImm
		op.Size = d.ImmWidth
		op.Value = d.ImmValue

		return nil
	}
}

// decDI decodes the string-destination memory operand ES:[RDI] (always
// ES, never overridable, per the string-instruction architecture).
func decDI(size int) Decoder {
	return func(d *Decode, op *Operand) error {
		op.Type = OpMem
		op.Size = size
		op.Mem = MemRef{EffectiveAddr: maskAddr(gprValue(d, RegRDI), d.AddrSize), Segment: SegES}
		op.String = StringDI

		return nil
	}
}

// decSI decodes the string-source memory operand [RSI], defaulting to DS
// but honoring a segment override.
func decSI(size int) Decoder {
	return func(d *Decode, op *Operand) error {
		op.Type = OpMem
		op.Size = size
		op.Mem = MemRef{EffectiveAddr: maskAddr(gprValue(d, RegRSI), d.AddrSize), Segment: segmentFor(d, SegDS)}
		op.String = StringSI

		return nil
	}
}

// decStackTop decodes the current top-of-stack memory operand [RSP],
// segment SS; used by POP's source operand before the soft handler
// advances RSP.
func decStackTop(size int) Decoder {
	return func(d *Decode, op *Operand) error {
		op.Type = OpMem
		op.Size = size
		op.Mem = MemRef{EffectiveAddr: gprValue(d, RegRSP), Segment: SegSS}

		return nil
	}
}

// decNone leaves the operand absent; used for the PUSH destination, whose
// address depends on RSP *after* the soft handler decrements it, so it
// cannot be resolved ahead of execution.
func decNone() Decoder {
	return func(d *Decode, op *Operand) error {
		op.Type = OpNone

		return nil
	}
}
