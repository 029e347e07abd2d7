package inject

// Vector numbers the double-fault matrix and IDT-vectoring logic care about.
const (
	VectorDF = 8
	VectorPF = 14
)

// EntryType is the VMX_ENTRY_INTERRUPT_INFO interruption-type field.
const (
	EntryTypeExternal  = 0
	EntryTypeException = 3
)

const (
	intrInfoValid    = 1 << 31
	intrInfoErrValid = 1 << 11
	intrInfoTypeMask = 0x700
	intrInfoTypeSh   = 8
	intrInfoVecMask  = 0xff
)

// contingentFirst and contingentSecond are the two SDM double-fault
// contingency bitmaps: #PF as a first exception promotes to #DF when the
// second is a member of contingentFirst (DE, TS, NP, SS, GP, PF: the
// contributory class plus #PF), and any two exceptions both in
// contingentSecond (the "contributory" class: DE, TS, NP, SS, GP) also
// promote.
const (
	contingentFirst  = 0x7c01
	contingentSecond = 0x3c01
)

// VMCSWriter is the narrow surface the injection engine needs to stage a
// VM-entry event: write the interruption-info field, the error code, and
// the instruction length, mirroring the three VMCS guest-entry fields of
// §4.7. A real integration backs this with actual VMWRITEs; it is a plain
// struct-setter here.
type VMCSWriter interface {
	SetEntryInterruptInfo(v uint32)
	SetEntryExceptionErrorCode(v uint32)
	SetEntryInstructionLength(v uint32)
	SetInterruptWindowExiting(enabled bool)
}

// Vcpu is the slice of per-vCPU state the injection engine reads: current
// RFLAGS.IF, the guest-interruptibility shadow state, whether an event is
// already injected this entry, and the previous exit's IDT-vectoring info.
type Vcpu interface {
	RFLAGSIF() bool
	GuestInterruptibility() uint32
	EventInjected() bool
	SetEventInjected(bool)
	EntryInterruptInfoValid() bool
	ExitIDTVectoringInfo() uint32
	ExitInstrLength() uint32
}

// Engine is the per-vCPU injection engine: one pending bitmap plus the
// staging logic that runs before every VM entry.
type Engine struct {
	Pending PendingBitmap
}

// Blocked reports whether event injection is currently blocked: IF=0, or an
// STI/MOV-SS interrupt shadow is active (§4.7).
func Blocked(vcpu Vcpu) bool {
	return !vcpu.RFLAGSIF() || vcpu.GuestInterruptibility()&0x3 != 0
}

// InjectIntr runs the external-interrupt injection cycle once per VM entry:
// if no event is already staged and the vCPU isn't blocked, the
// highest-pending vector is written into entry-interrupt-info and acked.
// The interrupt window is armed whenever a vector remains pending (or the
// caller explicitly requested one) so the next open window re-triggers.
func (e *Engine) InjectIntr(vcpu Vcpu, vmcs VMCSWriter, requestWindow bool) {
	vector := e.Pending.HighestPending()

	if vector != InvalidVector && !vcpu.EventInjected() && !Blocked(vcpu) &&
		!vcpu.EntryInterruptInfoValid() {
		vmcs.SetEntryInterruptInfo(intrInfoValid | (EntryTypeExternal << intrInfoTypeSh) | vector)
		e.Pending.ClearPending(uint8(vector))
		vcpu.SetEventInjected(true)
	}

	vector = e.Pending.HighestPending()
	if vector != InvalidVector || requestWindow {
		vmcs.SetInterruptWindowExiting(true)
	}
}

// isExternInterrupt reports whether the IDT-vectoring type field denotes an
// external interrupt rather than an exception, matching the original
// is_extern_interrupt check embedded in the double-fault matrix.
func isExternInterrupt(idtVectoringInfo uint32) bool {
	return (idtVectoringInfo&intrInfoTypeMask)>>intrInfoTypeSh == EntryTypeExternal
}

// isDoubleFault applies the SDM contingent-exception matrix: PF as the
// first exception promotes when the second is in contingentFirst; any pair
// both drawn from contingentSecond also promotes. An external interrupt as
// the first event never promotes.
func isDoubleFault(firstVec uint8, secondVec uint8, firstIsExternal bool) bool {
	if firstIsExternal {
		return false
	}

	if firstVec == VectorPF && contingentFirst&(1<<secondVec) != 0 {
		return true
	}

	return contingentSecond&(1<<firstVec) != 0 && contingentSecond&(1<<secondVec) != 0
}

// NoErrorCode marks an exception injection that carries no error code.
const NoErrorCode = ^uint32(0)

// InjectException stages injection of (vector, errorCode), applying
// double-fault promotion against the previous exit's IDT-vectoring info.
// #PF carries its fields through the vmcsPending deferral described in
// §4.7 so the caller can refine CR2 ordering before the real VMWRITE;
// PendingEntry reports whether that deferral happened.
func (e *Engine) InjectException(vcpu Vcpu, vmcs VMCSWriter, vector uint8, errorCode uint32) PendingEntry {
	vectInfo := vcpu.ExitIDTVectoringInfo()

	var intrInfo uint32

	if vectInfo&intrInfoValid != 0 {
		firstVec := uint8(vectInfo & intrInfoVecMask)

		if isDoubleFault(firstVec, vector, isExternInterrupt(vectInfo)) {
			intrInfo = intrInfoValid | intrInfoErrValid | (EntryTypeException << intrInfoTypeSh) | VectorDF
			errorCode = 0
		} else {
			intrInfo = intrInfoValid | (EntryTypeException << intrInfoTypeSh) | uint32(vector)

			if errorCode != NoErrorCode {
				intrInfo |= intrInfoErrValid
			}
		}
	} else {
		intrInfo = intrInfoValid | (EntryTypeException << intrInfoTypeSh) | uint32(vector)

		if errorCode != NoErrorCode {
			intrInfo |= intrInfoErrValid
		}
	}

	vcpu.SetEventInjected(true)

	// Deferral is keyed on the requested vector, not on whatever the
	// double-fault matrix may have promoted it to: the VM-exit handler
	// still needs to see this as a #PF injection to refine CR2 ordering.
	if vector == VectorPF {
		return PendingEntry{
			Deferred:       true,
			InterruptInfo:  intrInfo,
			ErrorCode:      errorCode,
			InstructionLen: vcpu.ExitInstrLength(),
			HasErrorCode:   errorCode != NoErrorCode,
		}
	}

	vmcs.SetEntryInstructionLength(vcpu.ExitInstrLength())

	if errorCode != NoErrorCode {
		vmcs.SetEntryExceptionErrorCode(errorCode)
	}

	vmcs.SetEntryInterruptInfo(intrInfo)

	return PendingEntry{}
}

// PendingEntry mirrors the three vmcs_pending_entry_* deferral flags used
// only for #PF injection: the VM-exit handler applies these fields itself
// once it has finished refining CR2 ordering, instead of the engine
// VMWRITE-ing them immediately.
type PendingEntry struct {
	Deferred       bool
	InterruptInfo  uint32
	ErrorCode      uint32
	HasErrorCode   bool
	InstructionLen uint32
}

// Apply performs the deferred VMWRITEs a #PF injection staged.
func (p PendingEntry) Apply(vmcs VMCSWriter) {
	if !p.Deferred {
		return
	}

	vmcs.SetEntryInstructionLength(p.InstructionLen)

	if p.HasErrorCode {
		vmcs.SetEntryExceptionErrorCode(p.ErrorCode)
	}

	vmcs.SetEntryInterruptInfo(p.InterruptInfo)
}

// HandleIDTVectoring re-queues an externally interrupted interrupt: if the
// previous exit's IDT-vectoring info is valid and denotes an external
// interrupt (type field == 0), its vector is pushed back onto the pending
// bitmap so the next injection cycle redelivers it.
func (e *Engine) HandleIDTVectoring(vcpu Vcpu) {
	info := vcpu.ExitIDTVectoringInfo()
	if info&intrInfoValid == 0 {
		return
	}

	if !isExternInterrupt(info) {
		return
	}

	e.Pending.SetPending(uint8(info & intrInfoVecMask))
}
