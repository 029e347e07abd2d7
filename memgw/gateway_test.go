package memgw_test

import (
	"bytes"
	"testing"

	"github.com/haxcore/vcore/memgw"
)

func TestReadWriteRoundTrip(t *testing.T) {
	t.Parallel()

	gw, err := memgw.New(1 << 20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	want := []byte("shadow-pte-test")
	if n, err := gw.WriteData(0x1000, want); err != nil || n != len(want) {
		t.Fatalf("WriteData: n=%d err=%v", n, err)
	}

	got := make([]byte, len(want))
	if n, err := gw.ReadData(0x1000, got); err != nil || n != len(want) {
		t.Fatalf("ReadData: n=%d err=%v", n, err)
	}

	if !bytes.Equal(got, want) {
		t.Fatalf("round trip mismatch: got %q want %q", got, want)
	}
}

func TestReadUnmapped(t *testing.T) {
	t.Parallel()

	gw, err := memgw.New(1 << 16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	buf := make([]byte, 8)
	if _, err := gw.ReadData(1<<30, buf); err == nil {
		t.Fatal("expected error reading unmapped GPA")
	}
}

func TestMapPage(t *testing.T) {
	t.Parallel()

	gw, err := memgw.New(1 << 20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	m, err := gw.MapPage(1)
	if err != nil {
		t.Fatalf("MapPage: %v", err)
	}

	if m.KernelAddr == 0 {
		t.Fatal("expected non-zero kernel address")
	}

	if hpa := gw.GFNToHPA(1); hpa == 0 {
		t.Fatal("expected non-zero HPA for mapped frame")
	}

	gw.UnmapPage(m)
}

func TestAddSlotRejectsOverlap(t *testing.T) {
	t.Parallel()

	gw, err := memgw.New(1 << 16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := gw.AddSlot("mmio-shadow", 0x4000, 1<<12); err == nil {
		t.Fatal("expected overlap rejection")
	}
}
