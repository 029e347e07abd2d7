package decode

import "github.com/haxcore/vcore/corevm"

// softMov implements the MOV soft handler (§4.6): a plain copy from Src1
// into Dst, masked to Dst's width (so a 32-bit destination register write
// keeps the zero-extension invariant once the emulator commits it).
func softMov(ctx *Decode) Signal {
	ctx.Dst.Value = ctx.Src1.Value & corevm.MaskForSize(ctx.Dst.Size)

	return SignalContinue
}

// softMovzx implements MOVZX: Src1's value is masked to Src1's own width
// and stored zero-extended in Dst; Dst is always wider than Src1, so no
// further masking is needed.
func softMovzx(ctx *Decode) Signal {
	ctx.Dst.Value = ctx.Src1.Value & corevm.MaskForSize(ctx.Src1.Size)

	return SignalContinue
}

// softMovsx implements MOVSX: Src1 is sign-extended from its own width to
// 64 bits before truncating to Dst's width (relevant only when Dst is
// narrower than 64, e.g. MOVSX does not exist below 16-bit destinations in
// practice, but this keeps the arithmetic honest regardless).
func softMovsx(ctx *Decode) Signal {
	ctx.Dst.Value = uint64(corevm.SignExtend(ctx.Src1.Value, ctx.Src1.Size)) & corevm.MaskForSize(ctx.Dst.Size)

	return SignalContinue
}

// softPush implements PUSH: it decrements RSP by the operand size and
// builds the Dst memory operand in place (its address was not resolvable
// until now, since it depends on the post-decrement RSP), leaving the
// generic write-destination step of §4.6 to perform the actual memory
// write.
func softPush(ctx *Decode) Signal {
	size := ctx.Src1.Size
	newSP := ctx.ReadGPR(RegRSP) - uint64(size)
	ctx.WriteGPR(RegRSP, newSP)

	ctx.Dst = Operand{
		Type:  OpMem,
		Size:  size,
		Value: ctx.Src1.Value,
		Mem:   MemRef{EffectiveAddr: newSP, Segment: SegSS},
	}

	return SignalContinue
}

// softPop implements POP: Src1 (already read from [RSP] by the generic
// read-inputs step) becomes Dst's value, and RSP is incremented by Dst's
// width.
func softPop(ctx *Decode) Signal {
	ctx.Dst.Value = ctx.Src1.Value & corevm.MaskForSize(ctx.Dst.Size)
	ctx.WriteGPR(RegRSP, ctx.ReadGPR(RegRSP)+uint64(ctx.Dst.Size))

	return SignalContinue
}

// softAndn implements the VEX BMI1 ANDN: DEST = (NOT SRC1) AND SRC2. OF and
// CF are cleared, SF/ZF reflect the result, AF/PF are left undefined (the
// prior RFLAGS bits are kept, matching hardware's "undefined" license).
func softAndn(ctx *Decode) Signal {
	mask := corevm.MaskForSize(ctx.Dst.Size)
	result := (^ctx.Src1.Value) & ctx.Src2.Value & mask
	ctx.Dst.Value = result

	ctx.RFlags &^= corevm.FlagOF | corevm.FlagCF | corevm.FlagSF | corevm.FlagZF

	if corevm.SignBit(result, ctx.Dst.Size) {
		ctx.RFlags |= corevm.FlagSF
	}

	if result == 0 {
		ctx.RFlags |= corevm.FlagZF
	}

	return SignalContinue
}

// softBextr implements the VEX BMI1 BEXTR: DEST = bit field of SRC1
// starting at SRC2[7:0] with length SRC2[15:8]. ZF reflects the result; CF
// and OF are cleared.
func softBextr(ctx *Decode) Signal {
	start := uint(ctx.Src2.Value & 0xFF)
	length := uint(ctx.Src2.Value>>8) & 0xFF

	var result uint64
	if start < 64 && length > 0 {
		result = (ctx.Src1.Value >> start) & maskBits(length)
	}

	result &= corevm.MaskForSize(ctx.Dst.Size)
	ctx.Dst.Value = result

	ctx.RFlags &^= corevm.FlagOF | corevm.FlagCF | corevm.FlagZF

	if result == 0 {
		ctx.RFlags |= corevm.FlagZF
	}

	return SignalContinue
}

func maskBits(n uint) uint64 {
	if n >= 64 {
		return ^uint64(0)
	}

	return (uint64(1) << n) - 1
}
