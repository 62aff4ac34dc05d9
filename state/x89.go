package state

// 8089 register indices within a channel's tagged register file:
// each of GA, GB, GC, BC, TP, IX, CC, MC is a 20-bit pointer/counter
// plus a one-bit
// tag recording whether it currently addresses I/O space or memory
// space.
const (
	X89RegGA = iota
	X89RegGB
	X89RegGC
	X89RegBC
	X89RegTP
	X89RegIX
	X89RegCC
	X89RegMC
	NumX89Reg
)

// 8089 channel PSW bits.
const (
	X89PSWD  = 0x01 // channel busy doing a DMA transfer
	X89PSWS  = 0x02 // single-step/trap pending
	X89PSWTB = 0x04 // terminate-on-byte-count condition met
	X89PSWIC = 0x08 // interrupt control: 1 selects the alternate vector
	X89PSWIS = 0x10 // interrupt still set (not yet acknowledged by host)
	X89PSWB  = 0x20 // channel busy (program in progress)
	X89PSWXF = 0x40 // external terminate flag latched
	X89PSWP  = 0x80 // channel in "program requested" state (between SEL and start)
)

// CC (channel control word) bit layout: transfer size/count,
// synchronization mode, translate/lock
// flags used by the TSL and the channel's own micro-sequencer.
const (
	X89CCTSHMask  = 0x0007
	X89CCTSHShift = 0
	X89CCTBCMask  = 0x0018
	X89CCTBCShift = 3
	X89CCTXMask   = 0x0060
	X89CCTXShift  = 5
	X89CCTS       = 0x0080
	X89CCC        = 0x0100
	X89CCL        = 0x0200
	X89CCS        = 0x0400
	X89CCSYNMask  = 0x1800
	X89CCSYNShift = 11
	X89CCTR       = 0x2000
	X89CCF0       = 0x4000
	X89CCF1       = 0x8000
)

// Tagged20 is one 20-bit addressable register: a pointer/counter value
// plus the 8089's per-register I/O-vs-memory space tag (the "T-bit"
// attached to GA/GB/GC/PP by the architecture).
type Tagged20 struct {
	Value uint32 // low 20 bits significant
	IOTag bool
}

// X89Channel is one of the two independent 8089 channels: its register
// file, program counter, status word, and the busy/running flags the
// channel step logic consults each time it is given a slice of host
// cycles.
type X89Channel struct {
	R   [NumX89Reg]Tagged20
	PP  Tagged20 // parameter pointer, the channel's base for PSW/CP prefix
	PSW byte
	MC  byte // mask/completion byte as loaded from the task block

	Running bool
	// StartDelay counts down the one host-instruction latency between a
	// channel attention signal and the channel actually fetching its
	// first instruction, per the 8089's documented SEL/program startup.
	StartDelay int
}

func (c *X89Channel) Reset() { *c = X89Channel{} }

// X89State is the coprocessor-wide 8089 state: whether the part is
// present at all (gated by traits, since only certain 8086/V-series
// host configurations carry it), the two channels, and the
// system-configuration and SOC words the host BIU exposes to both
// channels alike.
type X89State struct {
	Present bool

	SYSBUS uint16 // system bus width/wait-state configuration word
	SOC    uint16 // system operation command word, written by the host

	// CP is the channel-common pointer: the 20-bit base address the
	// host writes before issuing a channel attention, from which both
	// channels' task and parameter blocks are located.
	CP Tagged20

	Channels [2]X89Channel
}

func (x *X89State) Reset() {
	*x = X89State{}
	x.Channels[0].Reset()
	x.Channels[1].Reset()
}
