package state

// Segment/table register indices: the six user segment registers
// plus LDTR/TR, which share the same cache shape.
const (
	SegES = iota
	SegCS
	SegSS
	SegDS
	SegFS
	SegGS
	SegLDTR
	SegTR
	NumSeg
)

// Access carries the subset of a descriptor's access byte/flags this
// engine needs for protection checks: present, DPL, S (code/data vs.
// system), type (executable/conforming/readable/writable), and the
// long-mode/size bits used for code segments.
type Access struct {
	Present  bool
	DPL      uint8
	System   bool // true: code/data (S=1); false: system descriptor (S=0)
	Type     uint8 // 4-bit descriptor type field
	Granular bool  // G bit: limit is in 4K pages
	Big      bool  // D/B bit: 32-bit default operand/stack size
	Long     bool  // L bit: 64-bit code segment
	Avail    bool  // AVL bit
}

// Descriptor is the hidden descriptor cache shadowing a GDT/LDT
// entry. Authoritative for address translation once loaded;
// translation consults this, never memory (a walk of the GDT/LDT only
// happens at selector-load time).
type Descriptor struct {
	Base  uint64
	Limit uint32
	Access
}

// SegReg is one (selector, descriptor cache) pair; every legal
// selector load refills the cache.
type SegReg struct {
	Selector uint16
	Descriptor
}

// Table is a GDTR/IDTR-style (base, limit) pair.
type Table struct {
	Base  uint64
	Limit uint32
}

// Segments holds all six segment registers plus LDTR/TR as SegReg (so
// they share the same descriptor-cache shape), and GDTR/IDTR as bare
// tables.
type Segments struct {
	Regs [NumSeg]SegReg
	GDTR Table
	IDTR Table
}

func (s *Segments) Reset(flat bool) {
	*s = Segments{}
	// Power-on IDTR: base 0, limit 0x3FF -- the full 256-entry real-mode
	// vector table.
	s.IDTR = Table{Base: 0, Limit: 0x3FF}
	if flat {
		// Real-mode power-on default: every segment's cache base is
		// selector<<4, limit 0xFFFF, fully accessible. The "flat model,
		// segment base is 0" simplification is only
		// valid for selector 0; this engine computes the real-mode
		// base/limit rule explicitly so segment arithmetic is correct
		// the moment a non-zero selector is loaded without a protected
		// mode descriptor available.
		for i := range s.Regs {
			s.Regs[i] = SegReg{Selector: 0, Descriptor: Descriptor{Base: 0, Limit: 0xFFFF, Access: Access{Present: true, System: true, Type: 0x3}}}
		}
		// CS resets to the reset vector's segment, base 0xFFFF0000 with
		// a 64KB limit in real mode (F000:FFF0 reset vector).
		s.Regs[SegCS] = SegReg{Selector: 0xF000, Descriptor: Descriptor{Base: 0xFFFF0000, Limit: 0xFFFF, Access: Access{Present: true, System: true, Type: 0xB}}}
	}
}

// LoadReal computes the real-mode (and virtual-8086-mode) descriptor
// cache for a freshly loaded selector: base = selector<<4, limit
// 0xFFFF, fully present/accessible.
func LoadReal(selector uint16) Descriptor {
	return Descriptor{
		Base:   uint64(selector) << 4,
		Limit:  0xFFFF,
		Access: Access{Present: true, System: true, Type: 0x3},
	}
}

// ForceLongModeDSESSS applies the long-mode rule: "Long mode
// forces base=0 and limit=∞ for DS/ES/SS while preserving FS/GS bases
// from MSRs."
func (s *Segments) ForceLongModeDSESSS() {
	for _, seg := range []int{SegDS, SegES, SegSS} {
		s.Regs[seg].Descriptor.Base = 0
		s.Regs[seg].Descriptor.Limit = 0xFFFFFFFF
	}
}
