// Package decode implements the instruction decoder (§4.5): a declarative
// opcode table over REX/VEX-prefixed Intel 64 instructions, producing a
// three-operand decoded context the emulator dispatches on.
package decode

// OperandType is the kind of operand a decoder produced.
type OperandType int

const (
	OpNone OperandType = iota
	OpReg
	OpMem
	OpImm
)

// OpFlag tracks the MMIO read/write suspension handshake on one operand.
type OpFlag uint8

const (
	ReadPending OpFlag = 1 << iota
	ReadFinished
	WritePending
	WriteFinished
)

// Operand is one of the decoded context's three operand slots.
type Operand struct {
	Type  OperandType
	Size  int // 1, 2, 4, or 8
	Reg   RegRef
	Mem   MemRef
	Value uint64
	Flags OpFlag

	String StringKind
}

// RegRef names a GPR slot plus a byte shift, so AH/CH/DH/BH can share the
// GPR cache slot of AX/CX/DX/BX at byte shift 1.
type RegRef struct {
	Index int // 0-15, GPR cache slot
	Shift int // 0 or 1 (legacy high-byte encoding)
}

// MemRef is an effective address plus the segment it is relative to.
type MemRef struct {
	EffectiveAddr uint64
	Segment       int // Seg* constant
}

// StringKind marks an operand produced by the op_di/op_si decoders, so the
// emulator's string-postlude step (§4.6 step 5) knows which register to
// advance by ±opsize once the instruction commits.
type StringKind int

const (
	StringNone StringKind = iota
	StringDI
	StringSI
)

// Segment indices, used both by MemRef.Segment and prefix overrides.
const (
	SegES = iota
	SegCS
	SegSS
	SegDS
	SegFS
	SegGS
)
