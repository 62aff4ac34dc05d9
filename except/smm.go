package except

import (
	"github.com/BinaryMelodies/x86-emulator-core/bus"
	"github.com/BinaryMelodies/x86-emulator-core/state"
	"github.com/BinaryMelodies/x86-emulator-core/traits"
)

// IORestart carries the I/O-restart block (last I/O type, width,
// data, XDI/XSI/XCX) so RSM can replay a suspended IN/OUT.
type IORestart struct {
	Active bool
	IsIn   bool
	Width  int
	Port   uint16
	Data   uint32
	DI, SI, CX uint32
}

// smmLayout is one vendor's field-offset table within its save area:
// one fixed offset table per SMM format, since the per-format offsets
// are the compatibility surface RSM depends on. Offsets are relative
// to smbase+0x8000 for the Intel-style formats (the documented P5/P6
// SMRAM header location); the AMD/Cyrix formats reuse the same
// relative layout here since only their revision-identifier bits are
// reliably documented, and GX2's real layout is unconfirmed -- it
// falls back to the M2 table rather than guessing at a distinct one.
type smmLayout struct {
	Size            int
	CR0, CR3, CR4   int
	EFlags, EIP     int
	GPRBase         int // 8 x 4-byte GPRs, EAX first
	SegBase         int // 6 x 4-byte selectors, ES first
	IDTRBase, IDTRLimit int
	GDTRBase, GDTRLimit int
	SMBase          int
	RevisionID      int
	IORestartFlag   int
	IORestartPort   int
	IORestartData   int
	HasLong         bool // Intel64/AMD64: widen GPR/IP/flags fields to 8 bytes
}

var smmLayouts = map[traits.SMMFormat]smmLayout{
	traits.SMM80386SL: {
		Size: 0x200, CR0: 0x1FC, EFlags: 0x1F4, EIP: 0x1F0,
		GPRBase: 0x1D0, SegBase: 0x1B8, SMBase: 0x1A8, RevisionID: 0x1FC,
	},
	traits.SMMP5: {
		Size: 0x200, CR0: 0x1FC, CR3: 0x1F8, EFlags: 0x1F4, EIP: 0x1F0,
		GPRBase: 0x1D0, SegBase: 0x1B8, IDTRBase: 0x19C, IDTRLimit: 0x198,
		GDTRBase: 0x194, GDTRLimit: 0x190, SMBase: 0x1A8, RevisionID: 0x1EC,
		IORestartFlag: 0x1E8, IORestartPort: 0x1E6, IORestartData: 0x1E0,
	},
	traits.SMMP6: {
		Size: 0x400, CR0: 0x3FC, CR3: 0x3F8, CR4: 0x3F4, EFlags: 0x3F0, EIP: 0x3EC,
		GPRBase: 0x3CC, SegBase: 0x3B4, IDTRBase: 0x398, IDTRLimit: 0x394,
		GDTRBase: 0x38C, GDTRLimit: 0x388, SMBase: 0x3A8, RevisionID: 0x3E8,
		IORestartFlag: 0x3E4, IORestartPort: 0x3E2, IORestartData: 0x3DC,
	},
	traits.SMMP4: {
		Size: 0x400, CR0: 0x3FC, CR3: 0x3F8, CR4: 0x3F4, EFlags: 0x3F0, EIP: 0x3EC,
		GPRBase: 0x3CC, SegBase: 0x3B4, IDTRBase: 0x398, IDTRLimit: 0x394,
		GDTRBase: 0x38C, GDTRLimit: 0x388, SMBase: 0x3A8, RevisionID: 0x3E8,
		IORestartFlag: 0x3E4, IORestartPort: 0x3E2, IORestartData: 0x3DC,
	},
	traits.SMMIntel64: {
		Size: 0x400, CR0: 0x3D0, CR3: 0x3C8, CR4: 0x3C0, EFlags: 0x3B8, EIP: 0x3B0,
		GPRBase: 0x358, SegBase: 0x320, IDTRBase: 0x300, IDTRLimit: 0x2F8,
		GDTRBase: 0x310, GDTRLimit: 0x308, SMBase: 0x3F8, RevisionID: 0x3EC,
		IORestartFlag: 0x3E8, IORestartPort: 0x3E6, IORestartData: 0x3E0,
		HasLong: true,
	},
	traits.SMMK5: {
		Size: 0x200, CR0: 0x1FC, EFlags: 0x1F4, EIP: 0x1F0,
		GPRBase: 0x1D0, SegBase: 0x1B8, SMBase: 0x1A8, RevisionID: 0x1FC,
	},
	traits.SMMK6: {
		Size: 0x200, CR0: 0x1FC, CR3: 0x1F8, EFlags: 0x1F4, EIP: 0x1F0,
		GPRBase: 0x1D0, SegBase: 0x1B8, IDTRBase: 0x19C, IDTRLimit: 0x198,
		GDTRBase: 0x194, GDTRLimit: 0x190, SMBase: 0x1A8, RevisionID: 0x1EC,
		IORestartFlag: 0x1E8, IORestartPort: 0x1E6, IORestartData: 0x1E0,
	},
	traits.SMMAMD64: {
		Size: 0x400, CR0: 0x3D0, CR3: 0x3C8, CR4: 0x3C0, EFlags: 0x3B8, EIP: 0x3B0,
		GPRBase: 0x358, SegBase: 0x320, IDTRBase: 0x300, IDTRLimit: 0x2F8,
		GDTRBase: 0x310, GDTRLimit: 0x308, SMBase: 0x3F8, RevisionID: 0x3EC,
		IORestartFlag: 0x3E8, IORestartPort: 0x3E6, IORestartData: 0x3E0,
		HasLong: true,
	},
	traits.SMMCX486SLCE: {
		Size: 0x200, CR0: 0x1FC, EFlags: 0x1F4, EIP: 0x1F0,
		GPRBase: 0x1D0, SegBase: 0x1B8, SMBase: 0x1A8, RevisionID: 0x1FC,
	},
	traits.SMMM1: {
		Size: 0x200, CR0: 0x1FC, CR3: 0x1F8, EFlags: 0x1F4, EIP: 0x1F0,
		GPRBase: 0x1D0, SegBase: 0x1B8, IDTRBase: 0x19C, IDTRLimit: 0x198,
		GDTRBase: 0x194, GDTRLimit: 0x190, SMBase: 0x1A8, RevisionID: 0x1EC,
	},
	traits.SMMM2: {
		Size: 0x400, CR0: 0x3FC, CR3: 0x3F8, CR4: 0x3F4, EFlags: 0x3F0, EIP: 0x3EC,
		GPRBase: 0x3CC, SegBase: 0x3B4, IDTRBase: 0x398, IDTRLimit: 0x394,
		GDTRBase: 0x38C, GDTRLimit: 0x388, SMBase: 0x3A8, RevisionID: 0x3E8,
	},
	traits.SMMMediaGX: {
		Size: 0x200, CR0: 0x1FC, CR3: 0x1F8, EFlags: 0x1F4, EIP: 0x1F0,
		GPRBase: 0x1D0, SegBase: 0x1B8, SMBase: 0x1A8, RevisionID: 0x1EC,
	},
	// GX2's real layout is unconfirmed on hardware; it reuses the M2
	// table, the only other Cyrix-family entry with the wider 0x400
	// save area.
	traits.SMMGX2: {
		Size: 0x400, CR0: 0x3FC, CR3: 0x3F8, CR4: 0x3F4, EFlags: 0x3F0, EIP: 0x3EC,
		GPRBase: 0x3CC, SegBase: 0x3B4, IDTRBase: 0x398, IDTRLimit: 0x394,
		GDTRBase: 0x38C, GDTRLimit: 0x388, SMBase: 0x3A8, RevisionID: 0x3E8,
	},
}

const smiHeaderOffset = 0x8000

// The revision identifier encodes the IO_RESTART and SMBASE_RELOC
// capability bits.
const (
	revIDIORestart    = 0x00010000
	revIDSMBaseReloc  = 0x00020000
)

var gprOrder = []int{state.RegAX, state.RegCX, state.RegDX, state.RegBX, state.RegSP, state.RegBP, state.RegSI, state.RegDI}
var segOrder = []int{state.SegES, state.SegCS, state.SegSS, state.SegDS, state.SegFS, state.SegGS}

func wordSize(l smmLayout) int {
	if l.HasLong {
		return 8
	}
	return 4
}

// EnterSMI switches the CPU level to SMM, re-homes CS to smbase, and
// saves architectural state at smbase+0x8000 in the trait-selected
// layout.
func EnterSMI(st *state.State, mem *bus.Memory, smbase uint64, format traits.SMMFormat, io IORestart) {
	layout, ok := smmLayouts[format]
	if !ok {
		layout = smmLayouts[traits.SMMP5]
	}
	base := smbase + smiHeaderOffset
	sz := wordSize(layout)

	bus.WriteN(mem.Bus, base+uint64(layout.CR0), sz, st.Ctrl.CR[0])
	if layout.CR3 != 0 {
		bus.WriteN(mem.Bus, base+uint64(layout.CR3), sz, st.Ctrl.CR[3])
	}
	if layout.CR4 != 0 {
		bus.WriteN(mem.Bus, base+uint64(layout.CR4), sz, st.Ctrl.CR[4])
	}
	bus.WriteN(mem.Bus, base+uint64(layout.EFlags), sz, uint64(st.Flags.Pack()))
	bus.WriteN(mem.Bus, base+uint64(layout.EIP), sz, st.OldXIP)

	for i, reg := range gprOrder {
		bus.WriteN(mem.Bus, base+uint64(layout.GPRBase+i*sz), sz, st.GPR.Read64(reg))
	}
	for i, seg := range segOrder {
		bus.WriteN(mem.Bus, base+uint64(layout.SegBase+i*4), 4, uint64(st.Segs.Regs[seg].Selector))
	}
	if layout.IDTRBase != 0 {
		bus.WriteN(mem.Bus, base+uint64(layout.IDTRBase), sz, st.Segs.IDTR.Base)
		bus.WriteN(mem.Bus, base+uint64(layout.IDTRLimit), 4, uint64(st.Segs.IDTR.Limit))
	}
	if layout.GDTRBase != 0 {
		bus.WriteN(mem.Bus, base+uint64(layout.GDTRBase), sz, st.Segs.GDTR.Base)
		bus.WriteN(mem.Bus, base+uint64(layout.GDTRLimit), 4, uint64(st.Segs.GDTR.Limit))
	}
	bus.WriteN(mem.Bus, base+uint64(layout.SMBase), 4, smbase)

	revID := uint64(revIDSMBaseReloc)
	if io.Active {
		revID |= revIDIORestart
	}
	bus.WriteN(mem.Bus, base+uint64(layout.RevisionID), 4, revID)

	if io.Active && layout.IORestartFlag != 0 {
		bus.WriteN(mem.Bus, base+uint64(layout.IORestartFlag), 1, 1)
		bus.WriteN(mem.Bus, base+uint64(layout.IORestartPort), 2, uint64(io.Port))
		bus.WriteN(mem.Bus, base+uint64(layout.IORestartData), 4, uint64(io.Data))
		// XDI/XSI/XCX follow the data word so RSM can replay a suspended
		// string I/O mid-iteration.
		bus.WriteN(mem.Bus, base+uint64(layout.IORestartData)+4, 4, uint64(io.DI))
		bus.WriteN(mem.Bus, base+uint64(layout.IORestartData)+8, 4, uint64(io.SI))
		bus.WriteN(mem.Bus, base+uint64(layout.IORestartData)+12, 4, uint64(io.CX))
	}

	st.Level = state.LevelSMM
	st.Segs.Regs[state.SegCS] = state.SegReg{Selector: uint16(smbase >> 4), Descriptor: state.Descriptor{Base: smbase, Limit: 0xFFFFFFFF, Access: state.Access{Present: true, System: true, Type: 0xB}}}
	st.XIP = 0x8000
}

// ExitSMI performs RSM: restores every architectural register per the
// active save-format table and returns the I/O-restart block so the
// caller's bus layer can replay a suspended IN/OUT before resuming
// normal execution.
func ExitSMI(st *state.State, mem *bus.Memory, smbase uint64, format traits.SMMFormat) IORestart {
	layout, ok := smmLayouts[format]
	if !ok {
		layout = smmLayouts[traits.SMMP5]
	}
	base := smbase + smiHeaderOffset
	sz := wordSize(layout)

	st.Ctrl.CR[0] = bus.ReadN(mem.Bus, base+uint64(layout.CR0), sz)
	if layout.CR3 != 0 {
		st.Ctrl.CR[3] = bus.ReadN(mem.Bus, base+uint64(layout.CR3), sz)
	}
	if layout.CR4 != 0 {
		st.Ctrl.CR[4] = bus.ReadN(mem.Bus, base+uint64(layout.CR4), sz)
	}
	st.Flags.Unpack(uint32(bus.ReadN(mem.Bus, base+uint64(layout.EFlags), sz)))
	st.XIP = bus.ReadN(mem.Bus, base+uint64(layout.EIP), sz)

	for i, reg := range gprOrder {
		st.GPR.Write64(reg, bus.ReadN(mem.Bus, base+uint64(layout.GPRBase+i*sz), sz))
	}
	for i, seg := range segOrder {
		sel := uint16(bus.ReadN(mem.Bus, base+uint64(layout.SegBase+i*4), 4))
		st.Segs.Regs[seg] = state.SegReg{Selector: sel, Descriptor: state.LoadReal(sel)}
	}
	if layout.IDTRBase != 0 {
		st.Segs.IDTR.Base = bus.ReadN(mem.Bus, base+uint64(layout.IDTRBase), sz)
		st.Segs.IDTR.Limit = uint32(bus.ReadN(mem.Bus, base+uint64(layout.IDTRLimit), 4))
	}
	if layout.GDTRBase != 0 {
		st.Segs.GDTR.Base = bus.ReadN(mem.Bus, base+uint64(layout.GDTRBase), sz)
		st.Segs.GDTR.Limit = uint32(bus.ReadN(mem.Bus, base+uint64(layout.GDTRLimit), 4))
	}

	var io IORestart
	if layout.IORestartFlag != 0 && bus.ReadN(mem.Bus, base+uint64(layout.IORestartFlag), 1) != 0 {
		io.Active = true
		io.Port = uint16(bus.ReadN(mem.Bus, base+uint64(layout.IORestartPort), 2))
		io.Data = uint32(bus.ReadN(mem.Bus, base+uint64(layout.IORestartData), 4))
		io.DI = uint32(bus.ReadN(mem.Bus, base+uint64(layout.IORestartData)+4, 4))
		io.SI = uint32(bus.ReadN(mem.Bus, base+uint64(layout.IORestartData)+8, 4))
		io.CX = uint32(bus.ReadN(mem.Bus, base+uint64(layout.IORestartData)+12, 4))
	}

	st.Level = state.LevelUser
	return io
}
