// Command vcore exercises the core engine directly: CPUID capability probe
// and instruction decode, without any VM lifecycle or driver ioctls.
package main

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"

	"github.com/alecthomas/kong"
	"github.com/felixge/fgprof"

	"github.com/haxcore/vcore/cpuid"
	"github.com/haxcore/vcore/decode"
)

// CLI is the top-level command set, parsed by kong exactly as the teacher's
// CLI entry point parses its boot/probe subcommands.
type CLI struct {
	Profile string   `help:"Write an fgprof wall-clock profile to this path before exiting." optional:""`
	Probe   ProbeCmd `cmd:"" help:"Print CPUID-derived hypervisor capability fields."`
	Decode  DecodeCmd `cmd:"" help:"Decode a hex instruction and print it next to the x86asm rendering."`
}

// ProbeCmd reports the in-scope CPUID probe fields: vendor, VMX, NX, long
// mode, and hypervisor-present, replacing the teacher's driver-backed
// probe.KVMCapabilities with the pure CPUID-only subset this core owns.
type ProbeCmd struct{}

func (*ProbeCmd) Run() error {
	fmt.Printf("vendor:             %s\n", cpuid.Vendor())
	fmt.Printf("vmx:                %t\n", cpuid.SupportsVMX())
	fmt.Printf("nx:                 %t\n", cpuid.SupportsNX())
	fmt.Printf("long mode:          %t\n", cpuid.SupportsLongMode())
	fmt.Printf("hypervisor present: %t\n", cpuid.HypervisorPresent())

	f1, f7 := cpuid.Features()
	for _, f := range f1 {
		fmt.Printf("feature:            %s\n", f)
	}

	for _, f := range f7 {
		fmt.Printf("feature:            %s\n", f)
	}

	return nil
}

// DecodeCmd decodes a hex byte string against the internal table and prints
// it side by side with the x86asm disassembly, exercising both decode
// paths described in the domain stack.
type DecodeCmd struct {
	Mode string `help:"Processor mode: real, prot16, prot32, prot64." default:"prot64"`
	Hex  string `arg:"" help:"Instruction bytes as a hex string, e.g. 4801d8."`
	PC   uint64 `help:"Program counter used to render the x86asm syntax." default:"0"`
}

func parseMode(s string) (decode.Mode, error) {
	switch s {
	case "real":
		return decode.ModeReal, nil
	case "prot16":
		return decode.ModeProt16, nil
	case "prot32":
		return decode.ModeProt32, nil
	case "prot64":
		return decode.ModeProt64, nil
	default:
		return 0, fmt.Errorf("decode: unknown mode %q", s)
	}
}

func (c *DecodeCmd) Run() error {
	mode, err := parseMode(c.Mode)
	if err != nil {
		return err
	}

	raw, err := hex.DecodeString(c.Hex)
	if err != nil {
		return fmt.Errorf("decode: bad hex string: %w", err)
	}

	d, err := decode.New(mode, raw, decode.Default)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}

	fmt.Printf("length:   %d\n", d.Len)
	fmt.Printf("op size:  %d\n", d.OpSize)
	fmt.Printf("rep:      0x%02x\n", d.Rep)

	asm, err := decode.Disassemble(mode, raw, c.PC)
	if err != nil {
		log.Printf("x86asm: %v", err)
	} else {
		fmt.Printf("x86asm:   %s\n", asm)
	}

	return nil
}

func main() {
	c := CLI{}

	ctx := kong.Parse(&c,
		kong.Name("vcore"),
		kong.Description("vcore exercises the VT-x core engine directly: CPUID probe and instruction decode."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	if c.Profile != "" {
		f, err := os.Create(c.Profile)
		if err != nil {
			ctx.FatalIfErrorf(err)
		}
		defer f.Close()

		stop := fgprof.Start(f, fgprof.FormatPprof)
		defer stop()
	}

	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}
