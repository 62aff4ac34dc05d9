// Package traits implements the read-only CPU/FPU feature registry.
// A Traits record is selected once, at construction time, and gates
// which instructions, registers, and faults are active for the rest
// of a process's life; nothing in this package is mutated afterwards.
package traits

// CPUType enumerates the family of processors this engine can model.
// The NEC parts are contiguous so the V60-through-V55 range check in
// IsNEC reads directly.
type CPUType int

const (
	CPU8086 CPUType = iota
	CPU186
	CPUV60
	CPUV20
	CPUUPD9002
	CPUV33
	CPUV25
	CPUV55
	CPU286
	CPU386
	CPU486
	CPUIntel // 586 and later Intel-architecture parts
	CPUAMD
	CPUCyrix
	CPUVIA
	CPUExtended // experimental emulator extensions (MD polarity inverted)
)

func (t CPUType) IsNEC() bool { return t >= CPUV60 && t <= CPUV55 }

// Level places a model on the 8086..P5+ instruction-set ladder the
// dispatch tables gate groups of opcodes by: 0 = 8086/8088, 1 = 186
// class (including every NEC part, which carries the 186 extensions),
// 2 = 286, 3 = 386, 4 = 486, 5 = P5 and later.
func (t CPUType) Level() int {
	switch t {
	case CPU8086:
		return 0
	case CPU186, CPUV60, CPUV20, CPUUPD9002, CPUV33, CPUV25, CPUV55:
		return 1
	case CPU286:
		return 2
	case CPU386:
		return 3
	case CPU486:
		return 4
	default:
		return 5
	}
}

// FPUType enumerates the coprocessor family, independent of CPUType
// (a given CPU model has a default FPU and a supported-set bitmask).
type FPUType int

const (
	FPUNone FPUType = iota
	FPU8087
	FPU287
	FPU387
	FPUEMC87 // Cyrix EMC87
	FPUIIT   // IIT 3C87, the only type with four physical register banks
	FPUIntegrated
)

// FPUMask is a bitmask over FPUType, used for a trait's "supported set".
type FPUMask uint32

func FPUBit(t FPUType) FPUMask { return FPUMask(1) << uint(t) }

func (m FPUMask) Has(t FPUType) bool { return m&FPUBit(t) != 0 }

// SMMFormat selects the vendor-specific SMM save-state layout.
type SMMFormat int

const (
	SMMNone SMMFormat = iota
	SMM80386SL
	SMMP5
	SMMP6
	SMMP4
	SMMIntel64
	SMMK5
	SMMK6
	SMMAMD64
	SMMCX486SLCE
	SMMM1
	SMMM2
	SMMMediaGX
	SMMGX2 // layout unconfirmed on real hardware; mapped onto the M2 table
)

// CPUIDLeaf is one raw leaf's worth of EAX/EBX/ECX/EDX as CPUID would
// report it for this model.
type CPUIDLeaf struct {
	EAX, EBX, ECX, EDX uint32
}

// Capability bits: per-vendor feature checks gathered into one flag
// word.
type Capability uint32

const (
	CapAMDSMMICEBPRepurpose Capability = 1 << iota // AMD: ICEBP opcode repurposed under SMM
	CapCPUID
	CapRDPMC
	CapMultiByteNOP
	CapSSENonSIMD // SSE state exists but non-SIMD (scalar-only) variant
	CapSSESIMD
	CapL1OM
	CapMVEX
	CapDREX
	CapCyrixRDSHR
	CapCyrixMediaGX
	CapCyrixEMMI
	CapCyrixDMM
	Cap3DNowGX
	CapVIAAltInst
)

// Traits is the immutable per-model feature record.
type Traits struct {
	CPU         CPUType
	CPUSubtype  int
	Description string

	FPUDefault   FPUType
	FPUSupported FPUMask

	// PrefetchQueueSize is the prefetch FIFO byte budget. Zero means the
	// model fetches every instruction byte at decode time (so
	// self-modifying code is always observed immediately).
	PrefetchQueueSize int

	SMMFormat SMMFormat

	CPUID [6]CPUIDLeaf // basic-0, basic-1, 7.0, 7.1, ext-0, ext-1

	Caps Capability

	// SilentIgnoreUndefined is true only for 8086/8088, V20 and µPD9002
	// original silicon: an unrecognised opcode is silently treated as a no-op
	// (result tag `undefined`) instead of raising #UD.
	SilentIgnoreUndefined bool

	// MDPolarityInverted is true only for CPUExtended: MD=1
	// selects native execution and MD=0 selects emulation, the
	// opposite of every real V20/µPD9002 part.
	MDPolarityInverted bool
}

func (t Traits) HasCap(c Capability) bool { return t.Caps&c != 0 }

// HasFPU reports whether fpu is among this model's supported set.
func (t Traits) HasFPU(fpu FPUType) bool { return t.FPUSupported.Has(fpu) }

// registry is the read-only (cpu_version) -> Traits mapping.
var registry = map[CPUType]Traits{
	CPU8086: {
		CPU:                    CPU8086,
		Description:            "Intel 8086/8088 and compatibles",
		FPUDefault:             FPU8087,
		FPUSupported:           FPUBit(FPUNone) | FPUBit(FPU8087),
		PrefetchQueueSize:      6,
		SMMFormat:              SMMNone,
		SilentIgnoreUndefined:  true,
	},
	CPU186: {
		CPU:                   CPU186,
		Description:           "Intel 80186/80188 and compatibles",
		FPUDefault:             FPU8087,
		FPUSupported:           FPUBit(FPUNone) | FPUBit(FPU8087),
		PrefetchQueueSize:      6,
		SMMFormat:              SMMNone,
		SilentIgnoreUndefined: false,
		Caps:                  CapMultiByteNOP,
	},
	CPUV20: {
		CPU:                   CPUV20,
		Description:           "NEC V20/V30/V40/V50",
		FPUDefault:             FPU8087,
		FPUSupported:           FPUBit(FPUNone) | FPUBit(FPU8087),
		PrefetchQueueSize:      6,
		SMMFormat:              SMMNone,
		SilentIgnoreUndefined: true,
	},
	CPUUPD9002: {
		CPU:                   CPUUPD9002,
		Description:           "NEC µPD9002",
		FPUDefault:             FPU8087,
		FPUSupported:           FPUBit(FPUNone) | FPUBit(FPU8087),
		PrefetchQueueSize:      6,
		SMMFormat:              SMMNone,
		SilentIgnoreUndefined: true,
	},
	CPUV33: {
		CPU:               CPUV33,
		Description:       "NEC V33/V53",
		FPUDefault:        FPU8087,
		FPUSupported:      FPUBit(FPUNone) | FPUBit(FPU8087),
		PrefetchQueueSize: 6,
		SMMFormat:         SMMNone,
	},
	CPUV25: {
		CPU:               CPUV25,
		Description:       "NEC V25",
		FPUDefault:        FPUNone,
		FPUSupported:      FPUBit(FPUNone),
		PrefetchQueueSize: 6,
		SMMFormat:         SMMNone,
	},
	CPUV55: {
		CPU:               CPUV55,
		Description:       "NEC V55",
		FPUDefault:        FPUNone,
		FPUSupported:      FPUBit(FPUNone),
		PrefetchQueueSize: 6,
		SMMFormat:         SMMNone,
	},
	CPUV60: {
		CPU:               CPUV60,
		Description:       "NEC V60 (x86 compatibility emulation only)",
		FPUDefault:        FPUNone,
		FPUSupported:      FPUBit(FPUNone),
		PrefetchQueueSize: 0,
		SMMFormat:         SMMNone,
	},
	CPU286: {
		CPU:               CPU286,
		Description:       "Intel 80286 and compatibles",
		FPUDefault:        FPU287,
		FPUSupported:      FPUBit(FPUNone) | FPUBit(FPU287),
		PrefetchQueueSize: 6,
		SMMFormat:         SMMNone,
		Caps:              CapMultiByteNOP,
	},
	CPU386: {
		CPU:               CPU386,
		Description:       "Intel 80386 and compatibles",
		FPUDefault:        FPU387,
		FPUSupported:      FPUBit(FPUNone) | FPUBit(FPU287) | FPUBit(FPU387),
		PrefetchQueueSize: 16,
		SMMFormat:         SMMNone,
		Caps:              CapMultiByteNOP,
	},
	CPU486: {
		CPU:               CPU486,
		Description:       "Intel 80486 and compatibles",
		FPUDefault:        FPUIntegrated,
		FPUSupported:      FPUBit(FPUNone) | FPUBit(FPU387) | FPUBit(FPUIntegrated),
		PrefetchQueueSize: 32,
		SMMFormat:         SMM80386SL,
		Caps:              CapMultiByteNOP | CapCPUID,
	},
	CPUIntel: {
		CPU:               CPUIntel,
		Description:       "Intel P5 and later",
		FPUDefault:        FPUIntegrated,
		FPUSupported:      FPUBit(FPUIntegrated),
		PrefetchQueueSize: 32,
		SMMFormat:         SMMP5,
		Caps:              CapMultiByteNOP | CapCPUID | CapRDPMC | CapSSESIMD,
	},
	CPUAMD: {
		CPU:               CPUAMD,
		Description:       "AMD K5 and later",
		FPUDefault:        FPUIntegrated,
		FPUSupported:      FPUBit(FPUIntegrated),
		PrefetchQueueSize: 32,
		SMMFormat:         SMMK5,
		Caps:              CapMultiByteNOP | CapCPUID | CapRDPMC | CapSSESIMD | CapAMDSMMICEBPRepurpose,
	},
	CPUCyrix: {
		CPU:               CPUCyrix,
		Description:       "Cyrix and Geode derivatives",
		FPUDefault:        FPUEMC87,
		FPUSupported:      FPUBit(FPUNone) | FPUBit(FPUEMC87) | FPUBit(FPUIntegrated),
		PrefetchQueueSize: 32,
		SMMFormat:         SMMCX486SLCE,
		Caps:              CapMultiByteNOP | CapCPUID | CapCyrixRDSHR | CapCyrixMediaGX | CapCyrixEMMI | CapCyrixDMM | Cap3DNowGX,
	},
	CPUVIA: {
		CPU:               CPUVIA,
		Description:       "Centaur/VIA/Zhaoxin",
		FPUDefault:        FPUIntegrated,
		FPUSupported:      FPUBit(FPUIntegrated),
		PrefetchQueueSize: 32,
		SMMFormat:         SMMM2,
		Caps:              CapMultiByteNOP | CapCPUID | CapRDPMC | CapSSESIMD | CapVIAAltInst,
	},
	CPUExtended: {
		CPU:                CPUExtended,
		Description:        "experimental emulator extensions",
		FPUDefault:         FPUIntegrated,
		FPUSupported:       FPUBit(FPUNone) | FPUBit(FPUIntegrated),
		PrefetchQueueSize:  0,
		SMMFormat:          SMMNone,
		MDPolarityInverted: true,
	},
}

// Lookup returns the trait record for cpu. The second return is false
// for an unregistered CPUType; callers should treat that as a
// construction-time configuration error, not an architectural fault.
func Lookup(cpu CPUType) (Traits, bool) {
	t, ok := registry[cpu]
	return t, ok
}

// MustLookup panics on an unregistered CPUType; it exists for call
// sites (tests, the cmd/x86step harness) that construct an engine with
// a CPUType literal they know is registered.
func MustLookup(cpu CPUType) Traits {
	t, ok := Lookup(cpu)
	if !ok {
		panic("traits: unregistered CPUType")
	}
	return t
}
