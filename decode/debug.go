package decode

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// modeToBits maps a Mode to the bitness x86asm.Decode expects; x86asm has no
// notion of real/virtual-8086 mode, so ModeReal is rendered as 16-bit.
func modeToBits(mode Mode) int {
	switch mode {
	case ModeReal, ModeProt16:
		return 16
	case ModeProt32:
		return 32
	default:
		return 64
	}
}

// Disassemble renders raw bytes as a GNU-syntax string via x86asm, purely
// for logging and the CLI's side-by-side debug view: x86asm decodes for
// display, but has no fastop/REP/MMIO-suspend model and cannot drive
// emulation itself, so it never touches the Table/Decode path above.
func Disassemble(mode Mode, raw []byte, pc uint64) (string, error) {
	inst, err := x86asm.Decode(raw, modeToBits(mode))
	if err != nil {
		return "", fmt.Errorf("decode: x86asm disassembly failed: %w", err)
	}

	return x86asm.GNUSyntax(inst, pc, nil), nil
}
