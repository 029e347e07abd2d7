package emulate

import (
	"math/bits"

	"github.com/haxcore/vcore/corevm"
	"github.com/haxcore/vcore/decode"
)

// floorDivMod computes floor division and the matching non-negative-or-
// same-sign-as-divisor remainder, the "mod" variant Python and the bit-test
// EA bias (§8) both expect, as opposed to Go's truncating / and %.
func floorDivMod(a, b int64) (q, r int64) {
	q = a / b
	r = a % b

	if r != 0 && (r < 0) != (b < 0) {
		q--
		r += b
	}

	return q, r
}

// applyBitOpBias implements the BITOP EA pre-adjustment (§4.6 step 2): when
// the bit-index operand is a register and the destination is memory, the
// destination byte moves by floor(signed(index)/8) and the in-word index
// reduces to index mod 8 (always 0..7, a single accessed byte); when the
// destination is itself a register, the index reduces modulo the
// destination's full bit width instead, with no address change.
func applyBitOpBias(d *decode.Decode) {
	if d.Entry.Flags&decode.FlagBitOp == 0 || d.Src1.Type != decode.OpReg {
		return
	}

	readRegOperand(d, &d.Src1)
	signed := corevm.SignExtend(d.Src1.Value, d.Src1.Size)

	if d.Dst.Type == decode.OpMem {
		byteOff, bitOff := floorDivMod(signed, 8)
		d.Dst.Mem.EffectiveAddr = uint64(int64(d.Dst.Mem.EffectiveAddr) + byteOff)
		d.Dst.Size = 1
		d.Src1.Value = uint64(bitOff)
	} else {
		width := int64(d.Dst.Size * 8)
		_, bitOff := floorDivMod(signed, width)
		d.Src1.Value = uint64(bitOff)
	}

	d.Src1.Flags |= decode.ReadFinished
}

// evalFastop computes a fastop's result and output RFLAGS from its already
// materialized operand values, parameterized purely by byte width (§9
// "Fastop dispatch without assembly").
func evalFastop(kind decode.FastOpKind, size int, dstVal, src1Val uint64, rflagsIn uint64) (result, rflagsOut uint64) {
	mask := corevm.MaskForSize(size)

	switch kind {
	case decode.FastAdd:
		return addSub(size, dstVal&mask, src1Val&mask, false)
	case decode.FastAdc:
		carry := uint64(0)
		if rflagsIn&corevm.FlagCF != 0 {
			carry = 1
		}

		return addFlagsWithCarry(size, dstVal&mask, src1Val&mask, carry)
	case decode.FastSub:
		return addSub(size, dstVal&mask, src1Val&mask, true)
	case decode.FastSbb:
		borrow := uint64(0)
		if rflagsIn&corevm.FlagCF != 0 {
			borrow = 1
		}

		return subFlagsWithBorrow(size, dstVal&mask, src1Val&mask, borrow)
	case decode.FastCmp:
		_, flags := addSub(size, dstVal&mask, src1Val&mask, true)

		return dstVal & mask, flags
	case decode.FastAnd:
		return logicOp(size, dstVal&mask&(src1Val&mask))
	case decode.FastOr:
		return logicOp(size, (dstVal&mask)|(src1Val&mask))
	case decode.FastXor:
		return logicOp(size, (dstVal&mask)^(src1Val&mask))
	case decode.FastTest:
		_, flags := logicOp(size, dstVal&mask&(src1Val&mask))

		return dstVal & mask, flags
	case decode.FastNot:
		return (^dstVal) & mask, rflagsIn
	case decode.FastNeg:
		return negFlags(size, dstVal&mask, rflagsIn)
	case decode.FastInc:
		return incDecFlags(size, dstVal&mask, 1, rflagsIn)
	case decode.FastDec:
		return incDecFlags(size, dstVal&mask, ^uint64(0), rflagsIn)
	case decode.FastBt, decode.FastBts, decode.FastBtr, decode.FastBtc:
		return bitOp(kind, dstVal&mask, src1Val, rflagsIn)
	default:
		return dstVal, rflagsIn
	}
}

// addSub computes dst+src1 (sub=false) or dst-src1 (sub=true) and the full
// OSZAPC flag set, via addFlagsWithCarry/subFlagsWithBorrow with a zero
// incoming carry/borrow.
func addSub(size int, a, b uint64, sub bool) (uint64, uint64) {
	if sub {
		return subFlagsWithBorrow(size, a, b, 0)
	}

	return addFlagsWithCarry(size, a, b, 0)
}

// addFlagsWithCarry computes a+b+carryIn (ADD when carryIn=0, ADC
// otherwise) and the full OSZAPC flag set, carrying out of the true
// 64-bit-wide addition (via bits.Add64) so the size==8 case cannot silently
// wrap under Go's signed-integer arithmetic.
func addFlagsWithCarry(size int, a, b, carryIn uint64) (uint64, uint64) {
	mask := corevm.MaskForSize(size)
	bitsN := uint(size * 8)
	signBit := uint64(1) << (bitsN - 1)

	wide, carryOut := bits.Add64(a, b, carryIn)
	sum := wide & mask

	var cf bool
	if size == 8 {
		cf = carryOut != 0
	} else {
		cf = wide > mask
	}

	signA := a & signBit
	signB := b & signBit
	signR := sum & signBit
	of := (signA == signB) && (signR != signA)
	af := ((a & 0xF) + (b & 0xF) + carryIn) & 0x10 != 0

	return sum, packFlags(sum, size, cf, of, af)
}

// subFlagsWithBorrow computes a-b-borrow (SUB/CMP when borrow=0, SBB
// otherwise) and the full OSZAPC flag set, via bits.Sub64 so CF/AF reflect
// a genuine 64-bit-wide borrow regardless of size.
func subFlagsWithBorrow(size int, a, b, borrow uint64) (uint64, uint64) {
	mask := corevm.MaskForSize(size)
	bitsN := uint(size * 8)
	signBit := uint64(1) << (bitsN - 1)

	wide, borrowOut := bits.Sub64(a, b, borrow)
	sum := wide & mask

	cf := borrowOut != 0
	_, nibbleBorrow := bits.Sub64(a&0xF, b&0xF, borrow)
	af := nibbleBorrow != 0

	signA := a & signBit
	signB := b & signBit
	signR := sum & signBit
	of := (signA != signB) && (signR != signA)

	return sum, packFlags(sum, size, cf, of, af)
}

// logicOp computes the OSZAPC flags common to AND/OR/XOR: CF and OF are
// always cleared, AF is left clear (architecturally undefined).
func logicOp(size int, result uint64) (uint64, uint64) {
	mask := corevm.MaskForSize(size)
	r := result & mask

	return r, packFlags(r, size, false, false, false)
}

// negFlags computes NEG's result and flags: CF is set unless the operand
// was zero, OF is set only for the single value whose negation overflows
// (the minimum representable value at this width).
func negFlags(size int, a uint64, _ uint64) (uint64, uint64) {
	mask := corevm.MaskForSize(size)
	bitsN := uint(size * 8)
	signBit := uint64(1) << (bitsN - 1)

	r := ((^a) + 1) & mask
	cf := a != 0
	of := a == signBit
	af := (a & 0xF) != 0

	return r, packFlags(r, size, cf, of, af)
}

// incDecFlags computes INC/DEC's OSZAPC flags: unlike ADD/SUB by 1, CF is
// never touched (preserved from rflagsIn).
func incDecFlags(size int, a uint64, delta uint64, rflagsIn uint64) (uint64, uint64) {
	mask := corevm.MaskForSize(size)
	sub := delta == ^uint64(0)

	var sum uint64
	var af, of bool

	bitsN := uint(size * 8)
	signBit := uint64(1) << (bitsN - 1)

	if sub {
		sum = (a - 1) & mask
		af = (a & 0xF) == 0
		of = a == signBit
	} else {
		sum = (a + 1) & mask
		af = (a & 0xF) == 0xF
		of = a == (mask>>1)
	}

	flags := packFlags(sum, size, rflagsIn&corevm.FlagCF != 0, of, af)

	return sum, (flags &^ corevm.FlagCF) | (rflagsIn & corevm.FlagCF)
}

// bitOp computes BT/BTS/BTR/BTC: only CF changes (the tested/previous bit
// value); the other OSZAPC bits are left exactly as they were, matching
// the architecture's "undefined" license by simply not touching them.
func bitOp(kind decode.FastOpKind, dstVal, bitIndexVal, rflagsIn uint64) (uint64, uint64) {
	bit := bitIndexVal & 0x3F
	mask := uint64(1) << bit
	set := dstVal&mask != 0

	result := dstVal

	switch kind {
	case decode.FastBts:
		result |= mask
	case decode.FastBtr:
		result &^= mask
	case decode.FastBtc:
		result ^= mask
	}

	flags := rflagsIn &^ corevm.FlagCF
	if set {
		flags |= corevm.FlagCF
	}

	return result, flags
}

// packFlags assembles CF/OF plus the SF/ZF/PF bits any fastop computes the
// same way, from the already-masked result.
func packFlags(result uint64, size int, cf, of, af bool) uint64 {
	bitsN := uint(size * 8)
	signBit := uint64(1) << (bitsN - 1)

	var flags uint64
	if cf {
		flags |= corevm.FlagCF
	}

	if of {
		flags |= corevm.FlagOF
	}

	if af {
		flags |= corevm.FlagAF
	}

	if result&signBit != 0 {
		flags |= corevm.FlagSF
	}

	if result == 0 {
		flags |= corevm.FlagZF
	}

	if bits.OnesCount8(uint8(result))%2 == 0 {
		flags |= corevm.FlagPF
	}

	return flags
}
