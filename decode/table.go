package decode

// Table is the three-map opcode table of §4.5: a 256-entry primary table
// plus the 0F/0F38/0F3A escape maps. Group opcodes carry their own 8-entry
// secondary table referenced by Entry.Group, keeping the "X1..X16" macro
// expansion the source used out of this rewrite entirely (§9 DESIGN NOTES).
type Table struct {
	Primary [256]Entry
	Map0F   [256]Entry
	Map0F38 [256]Entry
	Map0F3A [256]Entry
}

// Default is the opcode table built once at package init from the
// declarative rows below, rather than re-derived per decode call.
var Default = BuildTable() //nolint:gochecknoglobals

// aluFastops maps an ALU block index (0-7, in opcode-byte order) to its
// fastop kind: ADD, OR, ADC, SBB, AND, SUB, XOR, CMP.
var aluFastops = [8]FastOpKind{ //nolint:gochecknoglobals
	FastAdd, FastOr, FastAdc, FastSbb, FastAnd, FastSub, FastXor, FastCmp,
}

// BuildTable constructs the opcode table at startup from a declarative set
// of entries, instead of the macro-expanded fixed-size table the source
// used (§9 DESIGN NOTES "Opcode tables").
func BuildTable() *Table {
	t := &Table{}

	for i := range t.Primary {
		t.Primary[i] = Entry{Flags: FlagNotImpl}
	}

	for i := range t.Map0F {
		t.Map0F[i] = Entry{Flags: FlagNotImpl}
	}

	for i := range t.Map0F38 {
		t.Map0F38[i] = Entry{Flags: FlagNotImpl}
	}

	for i := range t.Map0F3A {
		t.Map0F3A[i] = Entry{Flags: FlagNotImpl}
	}

	buildALUBlocks(t)
	buildGroup1(t)
	buildGroup3(t)
	buildIncDecPushPop(t)
	buildMov(t)
	buildMovZXSX(t)
	buildBitTest(t)
	buildString(t)
	buildVEX(t)

	return t
}

// buildALUBlocks wires the eight classic ALU opcode blocks (0x00-0x3D):
// Eb,Gb / Ev,Gv / Gb,Eb / Gv,Ev / AL,Ib / eAX,Iz for each of
// ADD/OR/ADC/SBB/AND/SUB/XOR/CMP.
func buildALUBlocks(t *Table) {
	for block := 0; block < 8; block++ {
		base := byte(block * 8)
		fop := aluFastops[block]

		t.Primary[base+0x00] = Entry{Fastop: fop, Flags: FlagModRM | FlagByteOp, Decode1: decModRM(1), Decode2: decModRMReg(1)}
		t.Primary[base+0x01] = Entry{Fastop: fop, Flags: FlagModRM, Decode1: modRMDstSize(), Decode2: modRMRegSize()}
		t.Primary[base+0x02] = Entry{Fastop: fop, Flags: FlagModRM | FlagByteOp, Decode1: decModRMReg(1), Decode2: decModRM(1)}
		t.Primary[base+0x03] = Entry{Fastop: fop, Flags: FlagModRM, Decode1: modRMRegSize(), Decode2: modRMDstSize()}
		t.Primary[base+0x04] = Entry{Fastop: fop, Flags: FlagByteOp, ImmSize: 1, Decode1: decReg(RegRAX, 1), Decode2: decImm()}
		t.Primary[base+0x05] = Entry{Fastop: fop, ImmSize: ImmSizeZ, Decode1: accSize(), Decode2: decImm()}
	}

	// CMP and TEST-like instructions never write the destination back.
	for _, op := range []byte{0x38, 0x39, 0x3A, 0x3B, 0x3C, 0x3D} {
		t.Primary[op].Flags |= FlagDstNW
	}
}

// modRMDstSize/modRMRegSize/accSize defer to the context's current operand
// size, resolved only once the emulator is actually decoding (so 0x66 and
// REX.W prefixes are already reflected in d.OpSize).
func modRMDstSize() Decoder {
	return func(d *Decode, op *Operand) error { return decModRM(d.OpSize)(d, op) }
}

func modRMRegSize() Decoder {
	return func(d *Decode, op *Operand) error { return decModRMReg(d.OpSize)(d, op) }
}

func accSize() Decoder {
	return func(d *Decode, op *Operand) error { return decReg(RegRAX, d.OpSize)(d, op) }
}

func opcodeRegSize() Decoder {
	return func(d *Decode, op *Operand) error { return decOpcodeReg(d.OpSize)(d, op) }
}

func stackTopSize() Decoder {
	return func(d *Decode, op *Operand) error { return decStackTop(d.OpSize)(d, op) }
}

// buildGroup1 wires opcodes 0x80/0x81/0x83 (Group 1: Eb,Ib / Ev,Iz / Ev,Ib),
// dispatching the actual ALU op via ModR/M.reg.
func buildGroup1(t *Table) {
	group := func(immSize int, byteOp bool) *[8]Entry {
		var g [8]Entry

		for i := 0; i < 8; i++ {
			fop := aluFastops[i]
			flags := FlagModRM

			if byteOp {
				flags |= FlagByteOp
			}

			if i == 7 { // CMP never writes back
				flags |= FlagDstNW
			}

			g[i] = Entry{
				Fastop: fop, Flags: flags, ImmSize: immSize,
				Decode1: groupRMDecoder(byteOp), Decode2: decImm(),
			}
		}

		return &g
	}

	t.Primary[0x80] = Entry{Flags: FlagGroup | FlagModRM | FlagByteOp, Group: group(1, true)}
	t.Primary[0x81] = Entry{Flags: FlagGroup | FlagModRM, Group: group(ImmSizeZ, false)}
	t.Primary[0x83] = Entry{Flags: FlagGroup | FlagModRM, Group: group(1, false)}
}

func groupRMDecoder(byteOp bool) Decoder {
	return func(d *Decode, op *Operand) error {
		if byteOp {
			return decModRM(1)(d, op)
		}

		return decModRM(d.OpSize)(d, op)
	}
}

// buildGroup3 wires opcodes 0xF6/0xF7 (Group 3): TEST Eb/Ev,Ib/Iz; NOT;
// NEG. MUL/IMUL/DIV/IDIV (reg fields 4-7) are left NotImpl: they are not
// named among the fastops the spec requires (§4.6) and hardware never
// routes them through the MMIO decode path in practice.
func buildGroup3(t *Table) {
	byteGroup := func() *[8]Entry {
		var g [8]Entry

		g[0] = Entry{Fastop: FastTest, Flags: FlagModRM | FlagByteOp | FlagDstNW, ImmSize: 1, Decode1: decModRM(1), Decode2: decImm()}
		g[1] = g[0]
		g[2] = Entry{Fastop: FastNot, Flags: FlagModRM | FlagByteOp | FlagNoFlags, Decode1: decModRM(1)}
		g[3] = Entry{Fastop: FastNeg, Flags: FlagModRM | FlagByteOp, Decode1: decModRM(1)}

		for i := 4; i < 8; i++ {
			g[i] = Entry{Flags: FlagNotImpl}
		}

		return &g
	}

	wordGroup := func() *[8]Entry {
		var g [8]Entry

		g[0] = Entry{Fastop: FastTest, Flags: FlagModRM | FlagDstNW, ImmSize: ImmSizeZ, Decode1: modRMDstSize(), Decode2: decImm()}
		g[1] = g[0]
		g[2] = Entry{Fastop: FastNot, Flags: FlagModRM | FlagNoFlags, Decode1: modRMDstSize()}
		g[3] = Entry{Fastop: FastNeg, Flags: FlagModRM, Decode1: modRMDstSize()}

		for i := 4; i < 8; i++ {
			g[i] = Entry{Flags: FlagNotImpl}
		}

		return &g
	}

	t.Primary[0xF6] = Entry{Flags: FlagGroup | FlagModRM | FlagByteOp, Group: byteGroup()}
	t.Primary[0xF7] = Entry{Flags: FlagGroup | FlagModRM, Group: wordGroup()}
}

// buildIncDecPushPop wires 0xFE/0xFF (Group 4/5: INC/DEC/PUSH) and the
// 0x50-series/0x58-series register PUSH/POP forms.
func buildIncDecPushPop(t *Table) {
	g4 := &[8]Entry{
		0: {Fastop: FastInc, Flags: FlagModRM | FlagByteOp, Decode1: decModRM(1)},
		1: {Fastop: FastDec, Flags: FlagModRM | FlagByteOp, Decode1: decModRM(1)},
	}
	for i := 2; i < 8; i++ {
		g4[i] = Entry{Flags: FlagNotImpl}
	}

	g5 := &[8]Entry{
		0: {Fastop: FastInc, Flags: FlagModRM | FlagStack, Decode1: modRMDstSize()},
		1: {Fastop: FastDec, Flags: FlagModRM | FlagStack, Decode1: modRMDstSize()},
		6: {Soft: softPush, Flags: FlagModRM | FlagStack | FlagDstNR, Decode1: decNone(), Decode2: modRMDstSize()},
	}
	for _, i := range []int{2, 3, 4, 5, 7} {
		g5[i] = Entry{Flags: FlagNotImpl}
	}

	t.Primary[0xFE] = Entry{Flags: FlagGroup | FlagModRM | FlagByteOp, Group: g4}
	t.Primary[0xFF] = Entry{Flags: FlagGroup | FlagModRM, Group: g5}

	g8F := &[8]Entry{
		0: {Soft: softPop, Flags: FlagModRM | FlagStack | FlagDstNR, Decode1: modRMDstSize(), Decode2: stackTopSize()},
	}
	for i := 1; i < 8; i++ {
		g8F[i] = Entry{Flags: FlagNotImpl}
	}

	t.Primary[0x8F] = Entry{Flags: FlagGroup | FlagModRM, Group: g8F}

	for r := 0; r < 8; r++ {
		t.Primary[0x50+byte(r)] = Entry{Soft: softPush, Flags: FlagStack | FlagDstNR, Decode1: decNone(), Decode2: opcodeRegSize()}
		t.Primary[0x58+byte(r)] = Entry{Soft: softPop, Flags: FlagStack | FlagDstNR, Decode1: opcodeRegSize(), Decode2: stackTopSize()}
	}

	t.Primary[0x68] = Entry{Soft: softPush, Flags: FlagStack | FlagDstNR, ImmSize: ImmSizeZ, Decode1: decNone(), Decode2: decImm()}
	t.Primary[0x6A] = Entry{Soft: softPush, Flags: FlagStack | FlagDstNR, ImmSize: 1, Decode1: decNone(), Decode2: decImm()}
}

// buildMov wires the MOV family: 88/89/8A/8B (r/m<->reg), B0-BF (reg,imm),
// C6/C7 (r/m,imm).
func buildMov(t *Table) {
	t.Primary[0x88] = Entry{Soft: softMov, Flags: FlagModRM | FlagByteOp | FlagDstNR | FlagNoFlags, Decode1: decModRM(1), Decode2: decModRMReg(1)}
	t.Primary[0x89] = Entry{Soft: softMov, Flags: FlagModRM | FlagDstNR | FlagNoFlags, Decode1: modRMDstSize(), Decode2: modRMRegSize()}
	t.Primary[0x8A] = Entry{Soft: softMov, Flags: FlagModRM | FlagByteOp | FlagDstNR | FlagNoFlags, Decode1: decModRMReg(1), Decode2: decModRM(1)}
	t.Primary[0x8B] = Entry{Soft: softMov, Flags: FlagModRM | FlagDstNR | FlagNoFlags, Decode1: modRMRegSize(), Decode2: modRMDstSize()}

	for r := 0; r < 8; r++ {
		t.Primary[0xB0+byte(r)] = Entry{Soft: softMov, Flags: FlagByteOp | FlagDstNR | FlagNoFlags, ImmSize: 1, Decode1: decOpcodeReg(1), Decode2: decImm()}
		t.Primary[0xB8+byte(r)] = Entry{Soft: softMov, Flags: FlagDstNR | FlagNoFlags, ImmSize: ImmSizeZ, Decode1: opcodeRegSize(), Decode2: decImm()}
	}

	g0xC6 := &[8]Entry{0: {Soft: softMov, Flags: FlagModRM | FlagByteOp | FlagDstNR | FlagNoFlags, ImmSize: 1, Decode1: decModRM(1), Decode2: decImm()}}
	g0xC7 := &[8]Entry{0: {Soft: softMov, Flags: FlagModRM | FlagDstNR | FlagNoFlags, ImmSize: ImmSizeZ, Decode1: modRMDstSize(), Decode2: decImm()}}

	for i := 1; i < 8; i++ {
		g0xC6[i] = Entry{Flags: FlagNotImpl}
		g0xC7[i] = Entry{Flags: FlagNotImpl}
	}

	t.Primary[0xC6] = Entry{Flags: FlagGroup | FlagModRM | FlagByteOp, Group: g0xC6}
	t.Primary[0xC7] = Entry{Flags: FlagGroup | FlagModRM, Group: g0xC7}
}

// buildMovZXSX wires 0F B6/B7 (MOVZX) and 0F BE/BF (MOVSX).
func buildMovZXSX(t *Table) {
	t.Map0F[0xB6] = Entry{Soft: softMovzx, Flags: FlagModRM | FlagDstNR | FlagNoFlags, Decode1: modRMRegSize(), Decode2: decModRM(1)}
	t.Map0F[0xB7] = Entry{Soft: softMovzx, Flags: FlagModRM | FlagDstNR | FlagNoFlags, Decode1: modRMRegSize(), Decode2: decModRM(2)}
	t.Map0F[0xBE] = Entry{Soft: softMovsx, Flags: FlagModRM | FlagDstNR | FlagNoFlags, Decode1: modRMRegSize(), Decode2: decModRM(1)}
	t.Map0F[0xBF] = Entry{Soft: softMovsx, Flags: FlagModRM | FlagDstNR | FlagNoFlags, Decode1: modRMRegSize(), Decode2: decModRM(2)}
}

// buildBitTest wires the BT/BTS/BTR/BTC family: the register forms 0F
// A3/AB/B3/BB (Ev,Gv) and the Group 8 immediate form 0F BA /4-/7 (Ev,Ib).
func buildBitTest(t *Table) {
	entry := func(fop FastOpKind, writes bool) Entry {
		flags := FlagModRM | FlagBitOp
		if !writes {
			flags |= FlagDstNW
		}

		return Entry{Fastop: fop, Flags: flags, Decode1: modRMDstSize(), Decode2: modRMRegSize()}
	}

	t.Map0F[0xA3] = entry(FastBt, false)
	t.Map0F[0xAB] = entry(FastBts, true)
	t.Map0F[0xB3] = entry(FastBtr, true)
	t.Map0F[0xBB] = entry(FastBtc, true)

	g := &[8]Entry{}
	for i := 0; i < 8; i++ {
		g[i] = Entry{Flags: FlagNotImpl}
	}

	bitOpImm := func(fop FastOpKind, writes bool) Entry {
		flags := FlagModRM | FlagBitOp
		if !writes {
			flags |= FlagDstNW
		}

		return Entry{Fastop: fop, Flags: flags, ImmSize: 1, Decode1: modRMDstSize(), Decode2: decImm()}
	}

	g[4] = bitOpImm(FastBt, false)
	g[5] = bitOpImm(FastBts, true)
	g[6] = bitOpImm(FastBtr, true)
	g[7] = bitOpImm(FastBtc, true)

	t.Map0F[0xBA] = Entry{Flags: FlagGroup | FlagModRM, Group: g}
}

// buildString wires the MOVS family (0xA4/0xA5), the only string primitive
// the spec requires a REP loop exercise for.
func buildString(t *Table) {
	t.Primary[0xA4] = Entry{Soft: softMov, Flags: FlagRep | FlagDstNR | FlagNoFlags | FlagTwoMem, Decode1: decDI(1), Decode2: decSI(1)}
	t.Primary[0xA5] = Entry{Soft: softMov, Flags: FlagRep | FlagDstNR | FlagNoFlags | FlagTwoMem, Decode1: decDISize(), Decode2: decSISize()}
}

func decDISize() Decoder {
	return func(d *Decode, op *Operand) error { return decDI(d.OpSize)(d, op) }
}

func decSISize() Decoder {
	return func(d *Decode, op *Operand) error { return decSI(d.OpSize)(d, op) }
}

// buildVEX wires ANDN (0F38 F2) and BEXTR (0F38 F7), the two VEX-encoded
// BMI1 soft handlers named in §4.6.
func buildVEX(t *Table) {
	t.Map0F38[0xF2] = Entry{Soft: softAndn, Flags: FlagModRM, Decode1: modRMRegSize(), Decode2: decVEXV2(), Decode3: modRMDstSize3()}
	t.Map0F38[0xF7] = Entry{Soft: softBextr, Flags: FlagModRM, Decode1: modRMRegSize(), Decode2: modRMDstSize3(), Decode3: decVEXV2()}
}

func decVEXV2() Decoder {
	return func(d *Decode, op *Operand) error { return decVEXV(d.OpSize)(d, op) }
}

func modRMDstSize3() Decoder {
	return func(d *Decode, op *Operand) error { return decModRM(d.OpSize)(d, op) }
}
