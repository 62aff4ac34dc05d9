package decode

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// Disassemble renders the textual form of an instruction window using
// golang.org/x/arch/x86/x86asm, for trace and fault diagnostics only;
// execution never depends on it. window must contain the instruction's
// full byte span.
func Disassemble(window []byte, mode int, pc uint64) (string, error) {
	d, err := x86asm.Decode(window, mode)
	if err != nil {
		return "", fmt.Errorf("decode: disassembly failed: %w", err)
	}
	return x86asm.GNUSyntax(d, pc, nil), nil
}
