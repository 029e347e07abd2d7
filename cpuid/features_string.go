//go:build amd64

package cpuid

import "strconv"

// String renders an F1Edx feature bit by its conventional short name
// (matching the comments in the const block above), falling back to a bare
// numeric form for anything outside the known range.
func (f F1Edx) String() string {
	if s, ok := f1EdxNames[f]; ok {
		return s
	}

	return "F1Edx(" + strconv.Itoa(int(f)) + ")"
}

// String renders an F7_0Edx feature bit the same way.
func (f F7_0Edx) String() string {
	if s, ok := f7_0EdxNames[f]; ok {
		return s
	}

	return "F7_0Edx(" + strconv.Itoa(int(f)) + ")"
}

var f1EdxNames = map[F1Edx]string{
	FPU: "fpu", VME: "vme", DE: "de", PSE: "pse", TSC: "tsc", MSR: "msr",
	PAE: "pae", MCE: "mce", CX8: "cx8", APIC: "apic", SEP: "sep",
	MTRR: "mtrr", PGE: "pge", MCA: "mca", CMOV: "cmov", PAT: "pat",
	PSE36: "pse36", PN: "pn", CLFLUSH: "clflush", DS: "ds", ACPI: "acpi",
	MMX: "mmx", FXSR: "fxsr", XMM: "sse", XMM2: "sse2",
	SELFSNOOP: "ss", HT: "ht", ACC: "tm", IA64: "ia64", PBE: "pbe",
}

var f7_0EdxNames = map[F7_0Edx]string{
	AVX512_4VNNIW: "avx512_4vnniw", AVX512_4FMAPS: "avx512_4fmaps",
	FSRM: "fsrm", AVX512_VP2INTERSECT: "avx512_vp2intersect",
	SRBDS_CTRL: "srbds_ctrl", MD_CLEAR: "md_clear",
	RTM_ALWAYS_ABORT: "rtm_always_abort", TSX_FORCE_ABORT: "tsx_force_abort",
	SERIALIZE: "serialize", HYBRID_CPU: "hybrid_cpu", TSXLDTRK: "tsxldtrk",
	PCONFIG: "pconfig", ARCH_LBR: "arch_lbr", IBT: "ibt",
	AMX_BF16: "amx_bf16", AVX512_FP16: "avx512_fp16", AMX_TILE: "amx_tile",
	AMX_INT8: "amx_int8", SPEC_CTRL: "spec_ctrl", INTEL_STIBP: "intel_stibp",
	FLUSH_L1D: "flush_l1d", ARCH_CAPABILITIES: "arch_capabilities",
	CORE_CAPABILITIES: "core_capabilities", SPEC_CTRL_SSBD: "spec_ctrl_ssbd",
}
