// Package emulate implements the MMIO instruction emulator (§4.6): a
// resumable state machine that drives a decoded instruction's operand I/O,
// dispatches to fastop or soft handlers, and advances RIP on commit.
package emulate

import "github.com/haxcore/vcore/decode"

// MemFlag tags a memory access request to VCPU.ReadMemory/WriteMemory.
type MemFlag uint8

const (
	// NoTranslation tells the caller to bypass the software walker: the
	// access is the MMIO address that originally faulted, already resolved
	// by the VM-exit, and does not need a fresh guest-virtual translation.
	NoTranslation MemFlag = 1 << iota
)

// VCPU is the narrow vcpu_ops surface the emulator is parameterized over
// (§6): register/flag access, segment bases, RIP advancement, and the
// two-phase memory access protocol that lets an MMIO access suspend and
// resume emulation.
type VCPU interface {
	ReadGPR(index int) uint64
	WriteGPR(index int, v uint64)

	ReadRFlags() uint64
	WriteRFlags(v uint64)

	// SegmentBase returns the base of a decode.Seg* segment.
	SegmentBase(segment int) uint64

	// AdvanceRIP moves RIP forward by the committed instruction length.
	AdvanceRIP(length int)

	// ReadMemory attempts a synchronous read of size bytes at linear
	// address ea. A CONTINUE result carries the value; an EXIT_MMIO result
	// means the caller must suspend and complete the read out-of-band,
	// later resumed via ReadMemoryPost.
	ReadMemory(ea uint64, size int, flags MemFlag) (uint64, decode.Signal)

	// ReadMemoryPost completes a read suspended by ReadMemory once the
	// caller has serviced the MMIO access out-of-band.
	ReadMemoryPost(size int) (uint64, decode.Signal)

	// WriteMemory writes size bytes of value to linear address ea. A
	// suspended write is retried by calling WriteMemory again on resume;
	// the value being written never changes across a retry.
	WriteMemory(ea uint64, value uint64, size int, flags MemFlag) decode.Signal

	// CancelRequested reports whether the REP loop's cancellation point
	// should stop early, leaving the instruction to be re-entered later
	// (§5 cancellation, §8 REP idempotence).
	CancelRequested() bool
}
