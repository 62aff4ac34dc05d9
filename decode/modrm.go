package decode

// ModRM is the decoded form of one ModR/M (+ SIB, if present) byte
// pair: a data-first shape decode can hand to exec without exec
// re-parsing bytes itself.
type ModRM struct {
	Mod byte // 0-3
	Reg byte // 3-bit reg field, widened by REX.R/EVEX.R' by the caller
	RM  byte // 3-bit r/m field, widened by REX.B by the caller

	IsRegister bool // mod == 3: RM names a register, not memory
	HasSIB     bool
	Scale      byte
	Index      byte // 4 means "no index"
	Base       byte // 5 (with mod==0) means "no base, disp32 only"

	Disp      int64
	HasDisp   bool
	DispBytes int
}

// DecodeModRM reads the ModR/M byte (and SIB/displacement, if the
// addressing form calls for them) from r, reporting whether a SIB
// and/or displacement were consumed so the caller can size the
// instruction without re-deriving the addressing-form rules itself.
func DecodeModRM(r ByteReader, addrSize int) (ModRM, error) {
	b, err := r.Fetch8()
	if err != nil {
		return ModRM{}, err
	}
	m := ModRM{
		Mod: (b >> 6) & 3,
		Reg: (b >> 3) & 7,
		RM:  b & 7,
	}
	m.IsRegister = m.Mod == 3
	if m.IsRegister {
		return m, nil
	}

	if addrSize == 16 {
		return decodeModRM16(r, m)
	}
	return decodeModRM32or64(r, m)
}

func decodeModRM16(r ByteReader, m ModRM) (ModRM, error) {
	if m.RM == 6 && m.Mod == 0 {
		disp, err := r.Fetch16()
		if err != nil {
			return m, err
		}
		m.Disp = int64(int16(disp))
		m.HasDisp = true
		m.DispBytes = 2
		return m, nil
	}
	switch m.Mod {
	case 1:
		d, err := r.Fetch8()
		if err != nil {
			return m, err
		}
		m.Disp = int64(int8(d))
		m.HasDisp = true
		m.DispBytes = 1
	case 2:
		d, err := r.Fetch16()
		if err != nil {
			return m, err
		}
		m.Disp = int64(int16(d))
		m.HasDisp = true
		m.DispBytes = 2
	}
	return m, nil
}

func decodeModRM32or64(r ByteReader, m ModRM) (ModRM, error) {
	if m.RM == 4 {
		sib, err := r.Fetch8()
		if err != nil {
			return m, err
		}
		m.HasSIB = true
		m.Scale = (sib >> 6) & 3
		m.Index = (sib >> 3) & 7
		m.Base = sib & 7
		if m.Base == 5 && m.Mod == 0 {
			d, err := r.Fetch32()
			if err != nil {
				return m, err
			}
			m.Disp = int64(int32(d))
			m.HasDisp = true
			m.DispBytes = 4
		}
	} else if m.RM == 5 && m.Mod == 0 {
		d, err := r.Fetch32()
		if err != nil {
			return m, err
		}
		m.Disp = int64(int32(d))
		m.HasDisp = true
		m.DispBytes = 4
	}

	switch m.Mod {
	case 1:
		d, err := r.Fetch8()
		if err != nil {
			return m, err
		}
		m.Disp = int64(int8(d))
		m.HasDisp = true
		m.DispBytes = 1
	case 2:
		d, err := r.Fetch32()
		if err != nil {
			return m, err
		}
		m.Disp = int64(int32(d))
		m.HasDisp = true
		m.DispBytes = 4
	}
	return m, nil
}
