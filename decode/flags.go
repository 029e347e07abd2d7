package decode

// Flag is the per-opcode-entry flags word (§4.5).
type Flag uint32

const (
	FlagDstNR    Flag = 1 << iota // do not pre-read destination
	FlagDstNW                     // do not write destination
	FlagModRM                     // fetch ModR/M byte
	FlagByteOp                    // operand size forced to 1
	FlagGroup                     // final opcode chosen via ModR/M.reg
	FlagRep                       // F3 prefix allowed
	FlagRepX                      // F2/F3 both allowed, zero-flag termination
	FlagNoFlags                   // do not read or write RFLAGS
	FlagTwoMem                    // two memory operands
	FlagBitOp                     // destination EA biased by bit-offset
	FlagStack                     // operand size promoted to 64 under PROT64
	FlagFastOp                    // handler is a sized-dispatch native stub
	FlagNotImpl                   // entry is invalid
)

// Decoder is an operand decoder: given the in-progress decode state, it
// fills in one Operand slot.
type Decoder func(d *Decode, op *Operand) error

// FastOpKind names an ALU-class fastop by mnemonic; the emulator dispatches
// on this plus operand size rather than a function pointer, per the
// sized-dispatch redesign (§9 DESIGN NOTES).
type FastOpKind int

const (
	FastNone FastOpKind = iota
	FastAdd
	FastOr
	FastAdc
	FastSbb
	FastAnd
	FastSub
	FastXor
	FastCmp
	FastTest
	FastNot
	FastNeg
	FastInc
	FastDec
	FastBt
	FastBts
	FastBtr
	FastBtc
)

// SoftHandler is a non-fastop soft handler, called with the decode context;
// it mutates the context's operands in place and returns a suspension
// signal other than EM_CONTINUE to pause emulation.
type SoftHandler func(ctx *Decode) Signal

// Signal is the soft-handler/emulator continuation signal.
type Signal int

const (
	SignalContinue Signal = iota
	SignalError
	SignalExitMMIO
)

// ImmSize constants for Entry.ImmSize. A positive value is a fixed
// immediate width in bytes; ImmSizeZ means "operand size, clamped to 4"
// (the Iz encoding used by e.g. ADD eAX, Iz).
const (
	ImmSizeNone = 0
	ImmSizeZ    = -1
)

// Entry is one declarative opcode-table row.
type Entry struct {
	Fastop  FastOpKind
	Soft    SoftHandler
	Decode1 Decoder
	Decode2 Decoder
	Decode3 Decoder
	Flags   Flag

	// ImmSize tells decode_insn how many immediate bytes this opcode
	// consumes (0, a fixed width, or ImmSizeZ); consuming them here, not in
	// the operand decoders, is what makes ctxt.len exact at decode-then-
	// emulate boundary (§8 "decode-then-emulate length equality") without
	// needing register state the operand decoders depend on.
	ImmSize int

	// Group is the 8-entry secondary table for FlagGroup opcodes, indexed
	// by ModR/M.reg.
	Group *[8]Entry
}

func (e Entry) implemented() bool {
	return e.Flags&FlagNotImpl == 0 && (e.Fastop != FastNone || e.Soft != nil || e.Flags&FlagGroup != 0)
}
