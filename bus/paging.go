package bus

import "github.com/BinaryMelodies/x86-emulator-core/state"

// PageWalker resolves a linear address to a physical address by
// walking the active paging structure, parameterized by the paging
// mode in effect (CR0.PG plus CR4.PAE/LA57 plus EFER.LMA decide which
// of the four table shapes below applies). It mirrors the bus field
// a real MMU would own: page tables live in ordinary memory, so a
// walk reads through the same Bus the rest of this package uses.
type PageWalker struct {
	Bus Bus
}

// PagingMode names the table shape a walk must use.
type PagingMode int

const (
	Paging32 PagingMode = iota
	PagingPAE
	PagingLong4
	PagingLong5
)

// CurrentPagingMode derives which walk shape is active from CR0/CR4/EFER.
func CurrentPagingMode(ctrl *state.Control) PagingMode {
	if ctrl.EFER&state.EFERLMA != 0 {
		if ctrl.CR[4]&state.CR4LA57 != 0 {
			return PagingLong5
		}
		return PagingLong4
	}
	if ctrl.CR[4]&state.CR4PAE != 0 {
		return PagingPAE
	}
	return Paging32
}

const (
	ptePresent  = 1 << 0
	pteWrite    = 1 << 1
	pteUser     = 1 << 2
	pteAccessed = 1 << 5
	pteDirty    = 1 << 6
	pteHuge     = 1 << 7
	pteNX       = 1 << 63
)

// entry32/entry64 read one 32-bit (legacy) or 64-bit (PAE/long)
// page-table entry at tableBase+index*width.
func (w *PageWalker) entry32(tableBase uint64, index int) uint32 {
	return uint32(ReadN(w.Bus, tableBase+uint64(index)*4, 4))
}

func (w *PageWalker) entry64(tableBase uint64, index int) uint64 {
	return ReadN(w.Bus, tableBase+uint64(index)*8, 8)
}

func (w *PageWalker) writeEntry32(tableBase uint64, index int, v uint32) {
	WriteN(w.Bus, tableBase+uint64(index)*4, 4, uint64(v))
}

func (w *PageWalker) writeEntry64(tableBase uint64, index int, v uint64) {
	WriteN(w.Bus, tableBase+uint64(index)*8, 8, v)
}

// Translate walks the page tables rooted at cr3 for linear address
// addr, checking present/write/user against the requested access, and
// setting the accessed/dirty bits the way hardware does on every
// successful walk (so a software TLB emulator never needs to special
// case them). write and user describe the requesting access. The
// walk returns only the physical address or a page fault; an entry's
// NX bit is not examined.
func (w *PageWalker) Translate(ctrl *state.Control, addr uint64, write, user bool) (uint64, *Fault) {
	mode := CurrentPagingMode(ctrl)
	switch mode {
	case Paging32:
		return w.translate32(ctrl.CR[3], addr, write, user)
	case PagingPAE:
		return w.translatePAE(ctrl.CR[3], addr, write, user, 3)
	case PagingLong4:
		return w.translatePAE(ctrl.CR[3], addr, write, user, 4)
	default: // PagingLong5
		return w.translatePAE(ctrl.CR[3], addr, write, user, 5)
	}
}

func pageFault(addr uint64, present, write, user bool) *Fault {
	var code uint32
	if present {
		code |= 1
	}
	if write {
		code |= 2
	}
	if user {
		code |= 4
	}
	return &Fault{Vector: 14, HasCode: true, ErrorCode: code, Addr: addr, Msg: "page fault"}
}

func (w *PageWalker) translate32(cr3 uint64, addr uint64, write, user bool) (uint64, *Fault) {
	dirIndex := int((addr >> 22) & 0x3FF)
	pdeAddr := cr3 &^ 0xFFF
	pde := w.entry32(pdeAddr, dirIndex)
	if pde&ptePresent == 0 {
		return 0, pageFault(addr, false, write, user)
	}
	if pde&pteHuge != 0 {
		if write && pde&pteWrite == 0 {
			return 0, pageFault(addr, true, write, user)
		}
		if user && pde&pteUser == 0 {
			return 0, pageFault(addr, true, write, user)
		}
		pde |= pteAccessed
		if write {
			pde |= pteDirty
		}
		w.writeEntry32(pdeAddr, dirIndex, pde)
		base := uint64(pde) &^ 0x3FFFFF
		return base | (addr & 0x3FFFFF), nil
	}

	tblIndex := int((addr >> 12) & 0x3FF)
	tblAddr := uint64(pde) &^ 0xFFF
	pte := w.entry32(tblAddr, tblIndex)
	if pte&ptePresent == 0 {
		return 0, pageFault(addr, false, write, user)
	}
	if write && pte&pteWrite == 0 {
		return 0, pageFault(addr, true, write, user)
	}
	if user && pte&pteUser == 0 {
		return 0, pageFault(addr, true, write, user)
	}
	pde |= pteAccessed
	w.writeEntry32(pdeAddr, dirIndex, pde)
	pte |= pteAccessed
	if write {
		pte |= pteDirty
	}
	w.writeEntry32(tblAddr, tblIndex, pte)
	base := uint64(pte) &^ 0xFFF
	return base | (addr & 0xFFF), nil
}

// translatePAE walks the 64-bit-entry hierarchy shared by PAE (3
// levels: PDPT/PD/PT) and long mode (4 or 5 levels, an extra PML4/PML5
// above the same PDPT/PD/PT shape).
func (w *PageWalker) translatePAE(cr3 uint64, addr uint64, write, user bool, levels int) (uint64, *Fault) {
	indices := make([]int, 0, 5)
	switch levels {
	case 5:
		indices = append(indices, int((addr>>48)&0x1FF))
		fallthrough
	case 4:
		indices = append(indices, int((addr>>39)&0x1FF))
		fallthrough
	default:
		indices = append(indices, int((addr>>30)&0x1FF))
		indices = append(indices, int((addr>>21)&0x1FF))
		indices = append(indices, int((addr>>12)&0x1FF))
	}

	tableBase := cr3 &^ 0xFFF
	var entry uint64
	for depth, idx := range indices {
		last := depth == len(indices)-1
		entry = w.entry64(tableBase, idx)
		if entry&ptePresent == 0 {
			return 0, pageFault(addr, false, write, user)
		}
		if !last && entry&pteHuge != 0 {
			// 2MB (PD-level) or 1GB (PDPT-level) large page.
			if write && entry&pteWrite == 0 {
				return 0, pageFault(addr, true, write, user)
			}
			if user && entry&pteUser == 0 {
				return 0, pageFault(addr, true, write, user)
			}
			entry |= pteAccessed
			if write {
				entry |= pteDirty
			}
			w.writeEntry64(tableBase, idx, entry)
			shift := uint(12 + 9*(len(indices)-depth-1))
			mask := (uint64(1) << shift) - 1
			alignedBase := entry &^ 0xFFF &^ mask
			return alignedBase | (addr & mask), nil
		}
		if last {
			if write && entry&pteWrite == 0 {
				return 0, pageFault(addr, true, write, user)
			}
			if user && entry&pteUser == 0 {
				return 0, pageFault(addr, true, write, user)
			}
		}
		entry |= pteAccessed
		if last && write {
			entry |= pteDirty
		}
		w.writeEntry64(tableBase, idx, entry)
		tableBase = entry &^ 0xFFF
	}
	return tableBase | (addr & 0xFFF), nil
}
