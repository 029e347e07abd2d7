//go:build amd64

package cpuid_test

import (
	"testing"

	"github.com/haxcore/vcore/cpuid"
)

func TestVendor(t *testing.T) {
	t.Parallel()

	v := cpuid.Vendor()

	t.Logf("vendor: %s", v)

	if v != "GenuineIntel" && v != "AuthenticAMD" {
		t.Fatalf("unknown CPU vendor string: %q", v)
	}
}

func TestFeaturesStringersDontPanic(t *testing.T) {
	t.Parallel()

	f1, f7 := cpuid.Features()

	for _, f := range f1 {
		if f.String() == "" {
			t.Fatalf("empty F1Edx name for bit %d", f)
		}
	}

	for _, f := range f7 {
		if f.String() == "" {
			t.Fatalf("empty F7_0Edx name for bit %d", f)
		}
	}
}

func TestHypervisorSignatureEntries(t *testing.T) {
	t.Parallel()

	entries := cpuid.HypervisorSignatureEntries("VCoreVCoreVCore")
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}

	if entries[0].Function != 0x40000000 || entries[0].Eax != 0x40000001 {
		t.Fatalf("leaf 0x40000000 malformed: %+v", entries[0])
	}

	if entries[1].Function != 0x40000001 {
		t.Fatalf("leaf 0x40000001 malformed: %+v", entries[1])
	}
}

func TestApplyPatchesRejectsMultiBit(t *testing.T) {
	t.Parallel()

	entries := []*cpuid.Entry{{Function: 1}}
	patches := []*cpuid.Patch{{Function: 1, ECXBit: 31, EDXBit: 1}}

	if err := cpuid.ApplyPatches(entries, patches); err == nil {
		t.Fatal("expected error for multi-bit patch")
	}
}

func TestApplyPatchesSetsHypervisorBit(t *testing.T) {
	t.Parallel()

	entries := []*cpuid.Entry{{Function: 1}}
	patches := []*cpuid.Patch{{Function: 1, ECXBit: 31}}

	if err := cpuid.ApplyPatches(entries, patches); err != nil {
		t.Fatalf("ApplyPatches: %v", err)
	}

	if entries[0].Ecx&(1<<31) == 0 {
		t.Fatal("hypervisor-present bit not set")
	}
}
