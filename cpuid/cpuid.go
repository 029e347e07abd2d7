//go:build amd64

// Package cpuid implements the CPUID probe (§4.1): pure functions over the
// host CPUID instruction, plus the hypervisor-signature patch mechanism used
// to make a guest observe a synthetic vendor string on the hypervisor CPUID
// range.
package cpuid

import (
	"errors"
)

func cpuidLow(arg1, arg2 uint32) (eax, ebx, ecx, edx uint32) // implemented in cpuid_amd64.s

// Raw returns the four output registers of CPUID.(leaf, subleaf).
func Raw(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	return cpuidLow(leaf, subleaf)
}

// Vendor returns the 12-byte vendor string from CPUID leaf 0 (EBX:EDX:ECX
// order, per the architectural layout).
func Vendor() string {
	_, ebx, ecx, edx := cpuidLow(0, 0)

	buf := make([]byte, 0, 12)
	for _, reg := range []uint32{ebx, edx, ecx} {
		buf = append(buf, byte(reg), byte(reg>>8), byte(reg>>16), byte(reg>>24))
	}

	return string(buf)
}

func maxBasicLeaf() uint32 {
	eax, _, _, _ := cpuidLow(0, 0)
	return eax
}

func maxExtendedLeaf() uint32 {
	eax, _, _, _ := cpuidLow(0x80000000, 0)
	return eax
}

// SupportsVMX reports CPUID.1:ECX[5], clamped to the max basic leaf.
func SupportsVMX() bool {
	if maxBasicLeaf() < 1 {
		return false
	}

	_, _, ecx, _ := cpuidLow(1, 0)

	return ecx&(1<<5) != 0
}

// HypervisorPresent reports CPUID.1:ECX[31], clamped to the max basic leaf.
func HypervisorPresent() bool {
	if maxBasicLeaf() < 1 {
		return false
	}

	_, _, ecx, _ := cpuidLow(1, 0)

	return ecx&(1<<31) != 0
}

// SupportsNX reports CPUID.80000001h:EDX[20], clamped to the max extended leaf.
func SupportsNX() bool {
	if maxExtendedLeaf() < 0x80000001 {
		return false
	}

	_, _, _, edx := cpuidLow(0x80000001, 0)

	return edx&(1<<20) != 0
}

// SupportsLongMode reports CPUID.80000001h:EDX[29], clamped to the max
// extended leaf.
func SupportsLongMode() bool {
	if maxExtendedLeaf() < 0x80000001 {
		return false
	}

	_, _, _, edx := cpuidLow(0x80000001, 0)

	return edx&(1<<29) != 0
}

// Features returns the CPUID.1:EDX and CPUID.7,0:EDX feature bits the host
// reports, each filtered against AllF1Edx/AllF7_0Edx so the probe CLI can
// list only the ones actually set.
func Features() (f1 []F1Edx, f7 []F7_0Edx) {
	if maxBasicLeaf() >= 1 {
		_, _, _, edx := cpuidLow(1, 0)

		for _, bit := range AllF1Edx {
			if edx&(1<<uint(bit)) != 0 {
				f1 = append(f1, bit)
			}
		}
	}

	if maxBasicLeaf() >= 7 {
		_, _, _, edx := cpuidLow(7, 0)

		for _, bit := range AllF7_0Edx {
			if edx&(1<<uint(bit)) != 0 {
				f7 = append(f7, bit)
			}
		}
	}

	return f1, f7
}

// Entry mirrors one CPUID leaf/subleaf result as reported to a guest. The
// core patches these in place rather than talking to a real CPUID table, so
// the field names match the register layout, not any particular ioctl ABI.
type Entry struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
}

// Patch describes one single-bit edit to a CPUID leaf: each of
// EAXBit/EBXBit/ECXBit/EDXBit/Flags is a bit index, and exactly one of them
// must be non-zero (so bit 0 cannot be patched), matching the teacher's
// single-bit patch invariant.
type Patch struct {
	Function uint32
	Index    uint32
	Flags    uint32
	EAXBit   uint8
	EBXBit   uint8
	ECXBit   uint8
	EDXBit   uint8
}

var errInvalidPatchset = errors.New("cpuid: patch must touch exactly one bit")

// ApplyPatches patches a guest-visible CPUID leaf table in place, one bit
// per patch (for example the hypervisor-present bit), without involving any
// underlying driver. It does not write multi-bit values such as the vendor
// signature; HypervisorSignatureEntries builds those leaves.
func ApplyPatches(entries []*Entry, patches []*Patch) error {
	for _, entry := range entries {
		for _, patch := range patches {
			if min(1, patch.EAXBit)+
				min(1, patch.EBXBit)+
				min(1, patch.ECXBit)+
				min(1, patch.EDXBit)+
				uint8(min(1, patch.Flags)) != 1 {
				return errInvalidPatchset
			}

			if entry.Function == patch.Function && entry.Index == patch.Index {
				entry.Flags |= min(1, patch.Flags) << patch.Flags
				entry.Eax |= uint32(min(1, patch.EAXBit)) << patch.EAXBit
				entry.Ebx |= uint32(min(1, patch.EBXBit)) << patch.EBXBit
				entry.Ecx |= uint32(min(1, patch.ECXBit)) << patch.ECXBit
				entry.Edx |= uint32(min(1, patch.EDXBit)) << patch.EDXBit
			}
		}
	}

	return nil
}

// HypervisorSignatureEntries builds the synthetic CPUID.40000000h and
// 40000001h leaves a guest sees when hypervisor_present() is patched on:
// leaf 0x40000000 reports the max hypervisor leaf (0x40000001) and a 12-byte
// vendor signature in EBX:ECX:EDX, matching the layout real hypervisors
// (KVM, Hyper-V) use; leaf 0x40000001 is returned all-zero.
func HypervisorSignatureEntries(signature string) []*Entry {
	sig := []byte(signature + "\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00")[:12]

	return []*Entry{
		{
			Function: 0x40000000,
			Eax:      0x40000001,
			Ebx:      uint32(sig[0]) | uint32(sig[1])<<8 | uint32(sig[2])<<16 | uint32(sig[3])<<24,
			Ecx:      uint32(sig[4]) | uint32(sig[5])<<8 | uint32(sig[6])<<16 | uint32(sig[7])<<24,
			Edx:      uint32(sig[8]) | uint32(sig[9])<<8 | uint32(sig[10])<<16 | uint32(sig[11])<<24,
		},
		{Function: 0x40000001},
	}
}
