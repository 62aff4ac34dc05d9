package decode

// V25Translator implements the V25/V55 "secure mode" opcode
// substitution table: a host-supplied byte->byte remap applied to the
// primary one-byte opcode before map/ModR/M resolution, letting a
// system designer relocate sensitive instructions (typically I/O and
// segment-override forms) to different encodings so code compiled for
// a standard 8086 cannot accidentally reach them. The table itself is
// not a built-in constant (real V25 systems load it from on-chip
// configuration registers at reset), so it is supplied by the host
// rather than hardcoded here.
type V25Translator struct {
	// Table[opcode] is the substituted opcode, consulted only while
	// Enabled is set. A zero-value table maps every opcode to 0; use
	// NewIdentityV25Translator for an identity table.
	Table [256]byte
	Enabled bool
}

// NewIdentityV25Translator returns a translator equivalent to secure
// mode being off: every opcode maps to itself.
func NewIdentityV25Translator() *V25Translator {
	t := &V25Translator{}
	for i := range t.Table {
		t.Table[i] = byte(i)
	}
	return t
}

// Translate applies the table when enabled, or passes opcode through
// unchanged otherwise.
func (v *V25Translator) Translate(opcode byte) byte {
	if v == nil || !v.Enabled {
		return opcode
	}
	return v.Table[opcode]
}
