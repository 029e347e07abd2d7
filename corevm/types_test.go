package corevm_test

import (
	"testing"

	"github.com/haxcore/vcore/corevm"
)

func TestModeFromControlRegs(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name           string
		cr0, cr4, efer uint64
		want           corevm.PagingMode
	}{
		{"flat", 0, 0, 0, corevm.ModeFlat},
		{"two-level", corevm.CR0PG, 0, 0, corevm.ModeTwoLevel},
		{"pae", corevm.CR0PG, corevm.CR4PAE, 0, corevm.ModePAE},
		{"pml4", corevm.CR0PG, corevm.CR4PAE, corevm.EFERLMA, corevm.ModePML4},
	}

	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			if got := corevm.ModeFromControlRegs(c.cr0, c.cr4, c.efer); got != c.want {
				t.Errorf("ModeFromControlRegs(%#x,%#x,%#x) = %v, want %v", c.cr0, c.cr4, c.efer, got, c.want)
			}
		})
	}
}

func TestWithAccess(t *testing.T) {
	t.Parallel()

	r := corevm.WithAccess(corevm.ResultFailedNotPresent, corevm.AccessWrite|corevm.AccessUser)
	if code := r.PFErrorCode(); code != (corevm.PFErrW | corevm.PFErrU) {
		t.Fatalf("PFErrorCode() = %#x, want %#x", code, corevm.PFErrW|corevm.PFErrU)
	}

	if !r.IsPageFault() {
		t.Fatalf("expected NOT_PRESENT result to be a page fault")
	}

	gp2hp := corevm.ResultFailedGP2HP
	if gp2hp.IsPageFault() {
		t.Fatalf("GP2HP must not be reported as a page fault")
	}
}

func TestCanonicalizeLinear(t *testing.T) {
	t.Parallel()

	// Real mode wraps to 20 bits.
	if got := corevm.CanonicalizeLinear(0x12_3456, false, true); got != 0x2_3456 {
		t.Fatalf("real mode truncation = %#x, want 0x23456", got)
	}

	// Protected mode truncates to 32 bits.
	if got := corevm.CanonicalizeLinear(0x1_0000_0001, false, false); got != 1 {
		t.Fatalf("32-bit truncation = %#x, want 1", got)
	}

	// 64-bit mode sign-extends bit 47.
	addr := uint64(1) << 47
	got := corevm.CanonicalizeLinear(addr, true, false)
	want := addr | 0xFFFF000000000000

	if got != want {
		t.Fatalf("canonicalize48(%#x) = %#x, want %#x", addr, got, want)
	}
}

func TestOrderBytes(t *testing.T) {
	t.Parallel()

	if corevm.Order4K.Bytes() != 1<<12 {
		t.Fatal("Order4K.Bytes() mismatch")
	}

	if corevm.Order1G.Bytes() != 1<<30 {
		t.Fatal("Order1G.Bytes() mismatch")
	}
}
