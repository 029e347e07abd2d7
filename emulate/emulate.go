package emulate

import (
	"errors"

	"github.com/haxcore/vcore/corevm"
	"github.com/haxcore/vcore/decode"
)

var (
	ErrMemoryAccess = errors.New("emulate: memory operand access failed")
	ErrSoftHandler  = errors.New("emulate: soft handler failed")
)

// Emulation stage, driving the resumable state machine of §4.6: DecodeDone
// (folded into the REP gate, since a non-REP instruction passes through it
// once and for free) -> ReadDst -> ReadSrc1 -> ReadSrc2 -> Execute ->
// WriteDst -> (string postlude, REP reentry) -> Committed.
const (
	stageRepGate = iota
	stageReadDst
	stageReadSrc1
	stageReadSrc2
	stageExecute
	stageWriteDst
	stagePostlude
	stageRepReentry
	stageCommitted
)

// Emulate runs (or resumes) one decoded instruction to completion against
// vcpu, returning CONTINUE once committed, EXIT_MMIO if it suspends on a
// memory access, or ERROR on a hard failure. On EXIT_MMIO, d.Cursor records
// exactly where to resume: calling Emulate again after the caller services
// the access continues from that point. On CONTINUE with d.Finished still
// false, the instruction's REP loop yielded to a cancellation request
// without advancing RIP; architectural state already reflects every
// completed iteration, so the instruction may simply be re-decoded and
// re-emulated from scratch on the next VM-entry.
func Emulate(d *decode.Decode, vcpu VCPU) (decode.Signal, error) {
	for {
		switch d.Cursor {
		case stageRepGate:
			if isRep(d) {
				if vcpu.CancelRequested() {
					return decode.SignalContinue, nil
				}

				if d.ReadGPR(decode.RegRCX) == 0 {
					d.Cursor = stageCommitted

					continue
				}
			}

			// RFLAGS is always fetched here, even for NOFLAGS entries: DF
			// drives the string postlude's address stepping regardless of
			// whether the instruction itself reads OSZAPC as a fastop
			// input. NOFLAGS only gates the step-4 write-back below.
			d.RFlags = vcpu.ReadRFlags()

			if err := decodeOperands(d); err != nil {
				return decode.SignalError, err
			}

			d.Cursor = stageReadDst

		case stageReadDst:
			if d.Entry.Flags&decode.FlagDstNR != 0 || d.Dst.Type == decode.OpNone {
				d.Cursor = stageReadSrc1

				continue
			}

			sig, err := readOperandValue(d, vcpu, &d.Dst)
			if sig != decode.SignalContinue {
				return sig, err
			}

			d.Cursor = stageReadSrc1

		case stageReadSrc1:
			if d.Src1.Type == decode.OpNone || d.Src1.Flags&decode.ReadFinished != 0 {
				d.Cursor = stageReadSrc2

				continue
			}

			sig, err := readOperandValue(d, vcpu, &d.Src1)
			if sig != decode.SignalContinue {
				return sig, err
			}

			d.Cursor = stageReadSrc2

		case stageReadSrc2:
			if d.Src2.Type == decode.OpNone || d.Src2.Flags&decode.ReadFinished != 0 {
				d.Cursor = stageExecute

				continue
			}

			sig, err := readOperandValue(d, vcpu, &d.Src2)
			if sig != decode.SignalContinue {
				return sig, err
			}

			d.Cursor = stageExecute

		case stageExecute:
			if sig := execute(d); sig != decode.SignalContinue {
				return sig, ErrSoftHandler
			}

			d.Cursor = stageWriteDst

		case stageWriteDst:
			if d.Entry.Flags&decode.FlagDstNW == 0 && d.Dst.Type != decode.OpNone {
				sig, err := writeOperandValue(d, vcpu, &d.Dst)
				if sig != decode.SignalContinue {
					return sig, err
				}
			}

			if d.Entry.Flags&decode.FlagNoFlags == 0 {
				vcpu.WriteRFlags(d.RFlags)
			}

			d.Cursor = stagePostlude

		case stagePostlude:
			stringPostlude(d)

			if isRep(d) {
				d.Cursor = stageRepReentry
			} else {
				d.Cursor = stageCommitted
			}

		case stageRepReentry:
			terminate := repReentry(d)

			d.CommitGPR(vcpu.WriteGPR)

			if terminate {
				d.Cursor = stageCommitted
			} else {
				d.Cursor = stageRepGate
			}

		case stageCommitted:
			d.CommitGPR(vcpu.WriteGPR)
			vcpu.AdvanceRIP(d.Len)
			d.Finished = true

			return decode.SignalContinue, nil

		default:
			return decode.SignalError, ErrSoftHandler
		}
	}
}

func isRep(d *decode.Decode) bool {
	return d.Entry.Flags&(decode.FlagRep|decode.FlagRepX) != 0
}

// decodeOperands resolves the Dst/Src1/Src2 operand slots from scratch
// (address, register reference, or immediate value), applying the BITOP EA
// bias; called once per REP iteration since the EAs depend on RSI/RDI (§4.6
// step 6).
func decodeOperands(d *decode.Decode) error {
	d.Dst, d.Src1, d.Src2 = decode.Operand{}, decode.Operand{}, decode.Operand{}

	if d.Entry.Decode1 != nil {
		if err := d.Entry.Decode1(d, &d.Dst); err != nil {
			return err
		}
	}

	if d.Entry.Decode2 != nil {
		if err := d.Entry.Decode2(d, &d.Src1); err != nil {
			return err
		}
	}

	if d.Entry.Decode3 != nil {
		if err := d.Entry.Decode3(d, &d.Src2); err != nil {
			return err
		}
	}

	applyBitOpBias(d)

	return nil
}

// readOperandValue materializes one already-addressed operand's value,
// dispatching on its kind; a memory operand may suspend with EXIT_MMIO.
func readOperandValue(d *decode.Decode, vcpu VCPU, op *decode.Operand) (decode.Signal, error) {
	switch op.Type {
	case decode.OpReg:
		readRegOperand(d, op)

		return decode.SignalContinue, nil
	case decode.OpImm:
		return decode.SignalContinue, nil
	case decode.OpMem:
		sig := readMemOperand(d, vcpu, op)
		if sig == decode.SignalExitMMIO {
			return sig, nil
		}

		if sig != decode.SignalContinue {
			return sig, ErrMemoryAccess
		}

		return decode.SignalContinue, nil
	default:
		return decode.SignalContinue, nil
	}
}

// writeOperandValue writes an already-computed operand value back, either
// to the GPR cache or through the memory-suspension protocol.
func writeOperandValue(d *decode.Decode, vcpu VCPU, op *decode.Operand) (decode.Signal, error) {
	switch op.Type {
	case decode.OpReg:
		writeRegOperand(d, op)

		return decode.SignalContinue, nil
	case decode.OpMem:
		sig := writeMemOperand(d, vcpu, op)
		if sig == decode.SignalExitMMIO {
			return sig, nil
		}

		if sig != decode.SignalContinue {
			return sig, ErrMemoryAccess
		}

		return decode.SignalContinue, nil
	default:
		return decode.SignalContinue, nil
	}
}

// execute dispatches to the fastop evaluator or the entry's soft handler
// (§4.6 step 3).
func execute(d *decode.Decode) decode.Signal {
	if d.Entry.Soft != nil {
		return d.Entry.Soft(d)
	}

	result, flags := evalFastop(d.Entry.Fastop, d.Dst.Size, d.Dst.Value, d.Src1.Value, d.RFlags)
	d.Dst.Value = result

	if d.Entry.Flags&decode.FlagNoFlags == 0 {
		d.RFlags = (d.RFlags &^ corevm.FlagsOSZAPC) | (flags & corevm.FlagsOSZAPC)
	}

	return decode.SignalContinue
}

// stringPostlude advances RDI/RSI by ±the operand size, sign from
// RFLAGS.DF, for whichever operand was produced by op_di/op_si (§4.6
// step 5).
func stringPostlude(d *decode.Decode) {
	if d.Dst.String != decode.StringDI && d.Src1.String != decode.StringSI {
		return
	}

	delta := int64(d.OpSize)
	if d.RFlags&corevm.FlagDF != 0 {
		delta = -delta
	}

	if d.Dst.String == decode.StringDI {
		d.WriteGPR(decode.RegRDI, uint64(int64(d.ReadGPR(decode.RegRDI))+delta))
	}

	if d.Src1.String == decode.StringSI {
		d.WriteGPR(decode.RegRSI, uint64(int64(d.ReadGPR(decode.RegRSI))+delta))
	}
}

// repReentry decrements RCX and applies the REPE/REPNE termination rule
// (§4.6 step 6), reporting whether the loop should stop.
func repReentry(d *decode.Decode) bool {
	rcx := d.ReadGPR(decode.RegRCX) - 1
	d.WriteGPR(decode.RegRCX, rcx)

	if d.Entry.Flags&decode.FlagRepX == 0 {
		return false
	}

	zf := d.RFlags&corevm.FlagZF != 0

	switch d.Rep {
	case 0xF2: // REPNE/REPNZ: stop once ZF=1
		return zf
	case 0xF3: // REPE/REPZ: stop once ZF=0
		return !zf
	default:
		return false
	}
}
