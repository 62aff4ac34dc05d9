package state

import "sync/atomic"

// RunState names the three-way run/halt/stop machine every CPU model
// shares: HLT parks the core in Halted until an unmasked interrupt
// arrives, while Stopped is the deeper V60/V-series STOP state that
// only a hardware reset or specific wake event clears.
type RunState int32

const (
	Running RunState = iota
	Halted
	Stopped
)

// CPULevel selects which privilege/mode overlay current accesses run
// under, on top of the ordinary ring (CPL): SMM and ICE both have
// their own address-space overlay (SMRAM, ICE debug RAM) that normal
// ring checks don't gate, and DMM is Cyrix's equivalent SMM-like mode.
type CPULevel int32

const (
	LevelUser CPULevel = iota
	LevelSMM
	LevelICE
	LevelDMM
)

// ExceptionClass is the benign/contributory/page-fault/double-fault
// ladder the exception engine climbs when back-to-back faults occur
// servicing the same instruction.
type ExceptionClass int

const (
	ClassNone ExceptionClass = iota
	ClassBenign
	ClassContributory
	ClassPageFault
	ClassDoubleFault
)

// FetchMode distinguishes a normal fetch from a prefetch-queue refill;
// each carries its own saved continuation so a fault discovered while
// topping up the queue resumes differently from one discovered while
// executing.
type FetchMode int

const (
	FetchNormal FetchMode = iota
	FetchPrefetch
)

// RestartDescriptor carries what a REP-prefixed string op, a WAIT, or
// a partially-consumed instruction needs to resume correctly after an
// interrupt or fault reorders it back to the top of the fetch loop.
type RestartDescriptor struct {
	Valid    bool
	IP       uint64 // address of the instruction to re-fetch
	Restate  bool   // true if a string op must re-check CX/RCX == 0 first
	AuxCount uint64 // saved iteration count for micro-coded restarts
}

// PrefetchQueue models the byte-oriented instruction prefetch buffer
// used by the pre-386 chips, where a store into the not-yet-executed
// fetch window is visible only if it lands outside the already-queued
// bytes (the "prefetch queue staleness" anomaly).
type PrefetchQueue struct {
	Bytes    []byte
	BaseAddr uint64 // linear address the first queued byte was fetched from
}

func (q *PrefetchQueue) Reset() { q.Bytes = q.Bytes[:0]; q.BaseAddr = 0 }

// State is the complete architectural and microarchitectural state of
// one emulated core: every register file in state.go's sibling files,
// plus the execution-control scalars the engine's Step function reads
// and writes on every instruction. It owns no bus or decoder; those
// are supplied per call so the same State can be driven by different
// front ends (the live engine, a disassembling harness, a snapshot
// differ).
type State struct {
	GPR  GPRBank
	Flags Flags
	Segs  Segments
	Ctrl  Control
	X87   X87State
	SIMD  SIMDRegs
	Mask  OpmaskRegs
	Tile  TileRegs
	MPX   MPXBounds

	V25    V25Banks
	V33    V33PagingAux
	PCB    PCB186
	V25RAM V25IRAM

	Z80 Z80State
	X89 X89State

	// xIP is the instruction pointer at mode-determined width (16/32/64
	// significant bits); OldXIP is the value Step saved before decoding
	// the current instruction, used to re-point RestartDescriptor and
	// to report the faulting address on an exception.
	XIP    uint64
	OldXIP uint64

	run   atomic.Int32 // RunState, lock-free so a host IRQ thread can wake a halted core
	Level CPULevel
	CPL   uint8

	// PendingResult carries the previous Step call's result tag forward
	// so a caller that wants "keep going until something interesting
	// happens" doesn't need its own loop variable.
	PendingResult int

	// FaultContinuation holds, per FetchMode, the restart point a fault
	// discovered during that fetch phase should resume at once the
	// fault handler returns.
	FaultContinuation [2]RestartDescriptor

	CurrentClass ExceptionClass

	Prefetch PrefetchQueue

	Restart RestartDescriptor
}

// Reset restores power-on state. A soft reset (hard=false) preserves
// the fields real hardware keeps across INIT (the V25 register banks'
// contents, SMM save state already in SMRAM), mirroring the
// traits-gated reset behavior the exception engine's INIT handling
// needs; a hard reset clears everything.
func (s *State) Reset(hard bool) {
	s.GPR.Reset()
	s.Flags.Reset()
	s.Segs.Reset(true)
	s.Ctrl.Reset()
	s.X87.Reset()
	s.SIMD.Reset()
	s.Mask = OpmaskRegs{}
	s.Tile = TileRegs{}
	s.MPX = MPXBounds{}

	if hard {
		s.V25.Reset()
		s.V33 = V33PagingAux{}
		s.PCB = PCB186{}
		s.V25RAM = V25IRAM{}
		s.X89.Reset()
	}

	s.Z80.Reset()

	s.XIP = 0xFFF0
	s.OldXIP = 0
	s.run.Store(int32(Running))
	s.Level = LevelUser
	s.CPL = 0
	s.PendingResult = 0
	s.FaultContinuation = [2]RestartDescriptor{}
	s.CurrentClass = ClassNone
	s.Prefetch.Reset()
	s.Restart = RestartDescriptor{}
}

func (s *State) RunState() RunState    { return RunState(s.run.Load()) }
func (s *State) SetRunState(r RunState) { s.run.Store(int32(r)) }
