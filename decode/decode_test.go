package decode

import "testing"

type sliceReader struct {
	data []byte
	pos  int
}

func (s *sliceReader) Fetch8() (byte, error) {
	if s.pos >= len(s.data) {
		return 0, errEOF
	}
	b := s.data[s.pos]
	s.pos++
	return b, nil
}

func (s *sliceReader) Fetch16() (uint16, error) {
	lo, err := s.Fetch8()
	if err != nil {
		return 0, err
	}
	hi, err := s.Fetch8()
	if err != nil {
		return 0, err
	}
	return uint16(lo) | uint16(hi)<<8, nil
}

func (s *sliceReader) Fetch32() (uint32, error) {
	lo, err := s.Fetch16()
	if err != nil {
		return 0, err
	}
	hi, err := s.Fetch16()
	if err != nil {
		return 0, err
	}
	return uint32(lo) | uint32(hi)<<16, nil
}

func (s *sliceReader) Fetch64() (uint64, error) {
	lo, err := s.Fetch32()
	if err != nil {
		return 0, err
	}
	hi, err := s.Fetch32()
	if err != nil {
		return 0, err
	}
	return uint64(lo) | uint64(hi)<<32, nil
}

func (s *sliceReader) Peek(n int) []byte {
	end := s.pos + n
	if end > len(s.data) {
		end = len(s.data)
	}
	return s.data[s.pos:end]
}

func (s *sliceReader) Consumed() int { return s.pos }

type eofError struct{}

func (eofError) Error() string { return "sliceReader: out of bytes" }

var errEOF = eofError{}

func TestDecodeSegmentOverridePrefix(t *testing.T) {
	// 2E 00 C0: CS override, ADD AL, AL (no ModR/M memory operand since mod==3)
	r := &sliceReader{data: []byte{0x2E, 0x00, 0xC0}}
	inst, err := Decode(r, Code16, nil, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inst.Prefixes.SegOverride != 1 { // state.SegCS == 1
		t.Fatalf("expected CS override, got %d", inst.Prefixes.SegOverride)
	}
	if inst.Opcode != 0x00 {
		t.Fatalf("expected opcode 0x00, got %#x", inst.Opcode)
	}
	if !inst.HasModRM || !inst.ModRM.IsRegister {
		t.Fatalf("expected register-form ModR/M")
	}
}

func TestDecodeTwoByteOpcode(t *testing.T) {
	// 0F 1F C0: NOP r/m32 (two-byte opcode map).
	r := &sliceReader{data: []byte{0x0F, 0x1F, 0xC0}}
	inst, err := Decode(r, Code32, nil, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inst.Map != Map0F {
		t.Fatalf("expected Map0F, got %v", inst.Map)
	}
	if inst.Opcode != 0x1F {
		t.Fatalf("expected opcode 0x1F, got %#x", inst.Opcode)
	}
}

func TestDecodeTooLongFaults(t *testing.T) {
	data := make([]byte, 20)
	for i := range data[:16] {
		data[i] = 0x2E // pile up redundant segment-override prefixes
	}
	r := &sliceReader{data: data}
	_, err := Decode(r, Code16, nil, false)
	if err != ErrTooLong {
		t.Fatalf("expected ErrTooLong, got %v", err)
	}
}

func TestDecode16BitModRMForms(t *testing.T) {
	cases := []struct {
		name     string
		data     []byte
		wantRM   byte
		wantDisp int64
	}{
		{"bx+si no disp", []byte{0x8B, 0x00}, 0, 0},
		{"bp+di disp8", []byte{0x8B, 0x43, 0x12}, 3, 0x12},
		{"direct disp16", []byte{0x8B, 0x06, 0x34, 0x12}, 6, 0x1234},
		{"bx disp16", []byte{0x8B, 0x87, 0xCD, 0xAB}, 7, -21555}, // 0xABCD sign-extended
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := &sliceReader{data: tc.data}
			inst, err := Decode(r, Code16, nil, false)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if inst.ModRM.RM != tc.wantRM {
				t.Fatalf("rm: got %d want %d", inst.ModRM.RM, tc.wantRM)
			}
			if inst.ModRM.HasDisp && inst.ModRM.Disp != tc.wantDisp {
				t.Fatalf("disp: got %#x want %#x", inst.ModRM.Disp, tc.wantDisp)
			}
			if inst.Length != len(tc.data) {
				t.Fatalf("length: got %d want %d", inst.Length, len(tc.data))
			}
		})
	}
}

func TestDecodeStringOpHasNoModRM(t *testing.T) {
	// F3 A4: REP MOVSB; no ModR/M byte follows A4.
	r := &sliceReader{data: []byte{0xF3, 0xA4}}
	inst, err := Decode(r, Code16, nil, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !inst.Prefixes.Rep {
		t.Fatalf("expected REP prefix")
	}
	if inst.HasModRM {
		t.Fatalf("MOVSB must not consume a ModR/M byte")
	}
	if inst.Length != 2 {
		t.Fatalf("length: got %d want 2", inst.Length)
	}
}

func TestDecodeNECMapSkipsSETccModRM(t *testing.T) {
	// 0F 92 on a V25 is FINT, not SETB r/m8: no ModR/M is consumed.
	r := &sliceReader{data: []byte{0x0F, 0x92, 0x05}}
	inst, err := Decode(r, Code16, nil, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inst.HasModRM {
		t.Fatalf("NEC 0F-map system opcode must not consume ModR/M")
	}
	if inst.Length != 2 {
		t.Fatalf("length: got %d want 2", inst.Length)
	}
}

func TestV25TranslatorIdentityByDefault(t *testing.T) {
	var v V25Translator
	if v.Translate(0x42) != 0x42 {
		t.Fatalf("disabled translator must pass opcodes through unchanged")
	}
}

func TestV25TranslatorSubstitutes(t *testing.T) {
	v := NewIdentityV25Translator()
	v.Enabled = true
	v.Table[0xE4] = 0x90 // relocate IN AL,imm8 to a NOP encoding
	if v.Translate(0xE4) != 0x90 {
		t.Fatalf("expected substitution")
	}
	if v.Translate(0x00) != 0x00 {
		t.Fatalf("untouched entries stay identity")
	}
}
