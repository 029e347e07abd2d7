package decode

import "errors"

var (
	ErrTooShort  = errors.New("decode: instruction buffer too short")
	ErrBadVEX    = errors.New("decode: VEX composed with LOCK/REP/OSZ/REX, or malformed")
	ErrNotImpl   = errors.New("decode: opcode not implemented")
)

// New builds a decode context from the mode and raw bytes fetched from RIP
// (at most 15), and runs prefix/opcode/ModRM/SIB decode, leaving Entry and
// the undecoded operand slots ready for the emulator to fill in.
func New(mode Mode, raw []byte, table *Table) (*Decode, error) {
	d := &Decode{Bytes: raw, Mode: mode, SegOverride: -1}

	switch mode {
	case ModeReal, ModeProt16:
		d.OpSize, d.AddrSize = 2, 2
	case ModeProt32:
		d.OpSize, d.AddrSize = 4, 4
	case ModeProt64:
		d.OpSize, d.AddrSize = 4, 8
	}

	if err := d.decodePrefixes(); err != nil {
		return nil, err
	}

	entry, err := d.decodeOpcode(table)
	if err != nil {
		return nil, err
	}

	d.Entry = entry

	if entry.Flags&FlagByteOp != 0 {
		d.OpSize = 1
	}

	if entry.Flags&FlagStack != 0 && mode == ModeProt64 {
		d.OpSize = 8
	}

	if entry.Flags&FlagModRM != 0 {
		if err := d.decodeModRM(); err != nil {
			return nil, err
		}
	}

	if entry.Flags&FlagGroup != 0 {
		if entry.Group == nil {
			return nil, ErrNotImpl
		}

		sub := entry.Group[d.RegField]
		d.Entry = sub
		entry = sub
	}

	if entry.Flags&FlagNotImpl != 0 || (entry.Fastop == FastNone && entry.Soft == nil) {
		return nil, ErrNotImpl
	}

	if entry.Flags&FlagRep == 0 && entry.Flags&FlagRepX == 0 && d.Rep != 0 {
		return nil, ErrNotImpl
	}

	// Immediate bytes are consumed here, not by the operand decoders: their
	// width never depends on register contents, and consuming them now is
	// what lets ctxt.len be exact as soon as decode_insn returns, before
	// the emulator ever runs (§8 decode-then-emulate length equality).
	if entry.ImmSize != ImmSizeNone {
		width := entry.ImmSize
		if width == ImmSizeZ {
			width = d.OpSize
			if width > 4 {
				width = 4
			}
		}

		v, err := d.ReadImmediate(width)
		if err != nil {
			return nil, err
		}

		d.ImmValue = v
		d.ImmWidth = width
	}

	// Operand addressing (which register, which effective address) is
	// deferred to the emulator: register-operand effective addresses
	// depend on the GPR cache, which only the emulator populates from live
	// vCPU state (decode_insn itself never touches vcpu_ops).
	return d, nil
}

func (d *Decode) byte() (byte, error) {
	if d.Len >= len(d.Bytes) {
		return 0, ErrTooShort
	}

	b := d.Bytes[d.Len]
	d.Len++

	return b, nil
}

func (d *Decode) decodePrefixes() error {
	for {
		if d.Len >= len(d.Bytes) {
			return ErrTooShort
		}

		b := d.Bytes[d.Len]

		switch b {
		case 0x66: // operand-size override
			d.OpSize ^= 2 | 4
			if d.Mode == ModeProt64 {
				d.OpSize = 2
			}

			d.Len++
		case 0x67: // address-size override
			if d.Mode == ModeProt64 {
				d.AddrSize ^= 4 | 8
			} else {
				d.AddrSize ^= 2 | 4
			}

			d.Len++
		case 0xF0:
			d.Lock = true
			d.Len++
		case 0xF2, 0xF3:
			d.Rep = b
			d.Len++
		case 0x26, 0x2E, 0x36, 0x3E: // ES/CS/SS/DS overrides: bits 4:3 are the segment number
			d.SegOverride, d.HaveSeg = int(b>>3)&0x3, true
			d.Len++
		case 0x64:
			d.SegOverride, d.HaveSeg = SegFS, true
			d.Len++
		case 0x65:
			d.SegOverride, d.HaveSeg = SegGS, true
			d.Len++
		default:
			return d.decodeREXOrVEX()
		}
	}
}

func (d *Decode) decodeREXOrVEX() error {
	b := d.Bytes[d.Len]

	switch {
	case b == 0xC4 || b == 0xC5:
		return d.decodeVEX()
	case b&0xF0 == 0x40 && d.Mode == ModeProt64:
		d.REXPresent = true
		d.REXW = b&0x8 != 0
		d.REXR = b&0x4 != 0
		d.REXX = b&0x2 != 0
		d.REXB = b&0x1 != 0
		d.Len++

		if d.REXW {
			d.OpSize = 8
		}

		return nil
	default:
		return nil
	}
}

func (d *Decode) decodeVEX() error {
	if d.Lock || d.Rep != 0 || d.REXPresent {
		return ErrBadVEX
	}

	for _, p := range d.Bytes[:d.Len] {
		if p == 0x66 {
			return ErrBadVEX
		}
	}

	b0 := d.Bytes[d.Len]
	d.Len++

	if b0 == 0xC5 {
		if d.Len >= len(d.Bytes) {
			return ErrTooShort
		}

		b1 := d.Bytes[d.Len]
		d.Len++
		d.REXR = b1&0x80 == 0
		d.VEXV = int(^(b1 >> 3) & 0xF)
		d.VEXL = b1&0x4 != 0
		d.VEXPresent = true

		return nil
	}

	// C4: three-byte form.
	if d.Len+1 >= len(d.Bytes) {
		return ErrTooShort
	}

	b1 := d.Bytes[d.Len]
	d.Len++
	b2 := d.Bytes[d.Len]
	d.Len++

	d.REXR = b1&0x80 == 0
	d.REXX = b1&0x40 == 0
	d.REXB = b1&0x20 == 0
	d.VEXV = int(^(b2 >> 3) & 0xF)
	d.VEXL = b2&0x4 != 0
	d.VEXPresent = true

	if b2&0x80 != 0 {
		d.OpSize = 8
	}

	return nil
}

// decodeOpcode walks the primary/0F/0F38/0F3A table to a leaf Entry.
func (d *Decode) decodeOpcode(table *Table) (Entry, error) {
	b, err := d.byte()
	if err != nil {
		return Entry{}, err
	}

	if b != 0x0F {
		d.OpcodeByte = b

		return table.Primary[b], nil
	}

	b2, err := d.byte()
	if err != nil {
		return Entry{}, err
	}

	switch b2 {
	case 0x38:
		b3, err := d.byte()
		if err != nil {
			return Entry{}, err
		}

		d.OpcodeByte = b3

		return table.Map0F38[b3], nil
	case 0x3A:
		b3, err := d.byte()
		if err != nil {
			return Entry{}, err
		}

		d.OpcodeByte = b3

		return table.Map0F3A[b3], nil
	default:
		d.OpcodeByte = b2

		return table.Map0F[b2], nil
	}
}

// decodeModRM parses ModR/M and, if present, SIB, following SDM Tables
// 2-1/2-2/2-3, with REX-extended index/base/reg and no masking of a 4-bit
// index to 3 bits (R12 remains a valid index register).
func (d *Decode) decodeModRM() error {
	b, err := d.byte()
	if err != nil {
		return err
	}

	d.HasModRM = true
	d.ModRM = b
	d.Mod = int(b>>6) & 0x3
	d.RegField = int(b>>3)&0x7
	d.RM = int(b) & 0x7

	if d.REXR {
		d.RegField |= 0x8
	}

	if d.Mod == 3 {
		if d.REXB {
			d.RM |= 0x8
		}

		return nil
	}

	addr16 := d.AddrSize == 2

	if addr16 {
		return d.decodeModRM16()
	}

	return d.decodeModRM32or64()
}

// decodeModRM16 implements the legacy 16-bit ModR/M addressing forms
// (SDM Table 2-1), including the implicit SS segment for BP-based forms.
func (d *Decode) decodeModRM16() error {
	switch {
	case d.RM == 2, d.RM == 3, d.RM == 6 && d.Mod != 0:
		if d.SegOverride == -1 {
			d.SegOverride = SegSS
		}
	}

	if d.Mod == 0 && d.RM == 6 {
		lo, err := d.byte()
		if err != nil {
			return err
		}

		hi, err := d.byte()
		if err != nil {
			return err
		}

		d.Disp = int64(int16(uint16(hi)<<8 | uint16(lo)))

		return nil
	}

	if d.Mod == 1 {
		b, err := d.byte()
		if err != nil {
			return err
		}

		d.Disp = int64(int8(b))
	} else if d.Mod == 2 {
		lo, err := d.byte()
		if err != nil {
			return err
		}

		hi, err := d.byte()
		if err != nil {
			return err
		}

		d.Disp = int64(int16(uint16(hi)<<8 | uint16(lo)))
	}

	return nil
}

// decodeModRM32or64 implements 32/64-bit ModR/M forms, including SIB and
// the base==5/mod==0 absolute (or RIP-relative in 64-bit mode) displacement
// special case.
func (d *Decode) decodeModRM32or64() error {
	rm := d.RM
	if d.REXB {
		rm |= 0x8
	}

	if d.RM == 4 {
		sib, err := d.byte()
		if err != nil {
			return err
		}

		d.HasSIB = true
		d.SIB = sib
		d.Scale = 1 << uint(sib>>6)
		d.Index = int(sib>>3) & 0x7
		d.Base = int(sib) & 0x7

		if d.REXX {
			d.Index |= 0x8
		}

		if d.REXB {
			d.Base |= 0x8
		}

		if d.Index == 4 && !d.REXX {
			d.Index = -1 // no index register (SIB.index==100b, REX.X=0)
		}

		if d.Base&0x7 == 5 && d.Mod == 0 {
			d.Base = -1

			return d.readDisp32()
		}
	} else {
		d.Base = rm
		d.Index = -1
	}

	if d.Mod == 0 && d.RM == 5 {
		// 32-bit: disp32 absolute; 64-bit: RIP-relative disp32.
		d.Base = -1

		return d.readDisp32()
	}

	if (d.Base == RegRSP || d.Base == RegRBP) && d.SegOverride == -1 {
		d.SegOverride = SegSS
	}

	switch d.Mod {
	case 1:
		b, err := d.byte()
		if err != nil {
			return err
		}

		d.Disp = int64(int8(b))
	case 2:
		return d.readDisp32()
	}

	return nil
}

func (d *Decode) readDisp32() error {
	if d.Len+4 > len(d.Bytes) {
		return ErrTooShort
	}

	v := uint32(d.Bytes[d.Len]) | uint32(d.Bytes[d.Len+1])<<8 |
		uint32(d.Bytes[d.Len+2])<<16 | uint32(d.Bytes[d.Len+3])<<24
	d.Len += 4
	d.Disp = int64(int32(v))

	return nil
}

// ReadImmediate consumes size bytes as a little-endian immediate
// (sign-extending 1/2/4-byte immediates the way Iz/Ib operands require).
func (d *Decode) ReadImmediate(size int) (uint64, error) {
	if d.Len+size > len(d.Bytes) {
		return 0, ErrTooShort
	}

	var v uint64
	for i := 0; i < size; i++ {
		v |= uint64(d.Bytes[d.Len+i]) << uint(8*i)
	}

	d.Len += size

	switch size {
	case 1:
		return uint64(int64(int8(v))), nil
	case 2:
		return uint64(int64(int16(v))), nil
	case 4:
		return uint64(int64(int32(v))), nil
	default:
		return v, nil
	}
}
