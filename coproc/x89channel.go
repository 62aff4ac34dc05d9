package coproc

import (
	"github.com/BinaryMelodies/x86-emulator-core/bus"
	"github.com/BinaryMelodies/x86-emulator-core/state"
)

// X89Result names what a channel step accomplished.
type X89Result int

const (
	X89Continue X89Result = iota // channel advanced one instruction, still running
	X89Idle                      // channel not running, nothing to do
	X89Halted                    // channel executed HLT or an undecodable opcode
	X89Interrupt                 // channel raised PSW.IS for the host to observe
)

// 8089 channel-program opcode bytes, a representative subset of the
// architecture's task-block instruction set: transfers, arithmetic on
// the tagged pointer registers, conditional/unconditional jumps, and
// channel control (WID/XFER/SINTR/HLT). A channel step decodes one
// 8089 instruction with its own parser, separate from the x86 one,
// and mutates the channel's registers, without reproducing the full
// micro-coded instruction set real silicon has.
const (
	x89OpNOP   = 0x00
	x89OpLPDI  = 0x01 // load pointer, double-word immediate -> R[reg]
	x89OpMOVBI = 0x02 // move byte immediate through GB-addressed memory
	x89OpADDI  = 0x03 // add immediate to R[reg]
	x89OpINC   = 0x04 // increment R[reg]
	x89OpJMP   = 0x05 // unconditional relative jump (8-bit signed displacement)
	x89OpJNZ   = 0x06 // decrement R[reg], jump if nonzero (loop primitive, "LPDI+JNZ" idiom)
	x89OpSETB  = 0x07 // set a PSW bit (operand names the bit)
	x89OpCLR   = 0x08 // clear a PSW bit
	x89OpWID   = 0x09 // set transfer width (byte/word) in CC
	x89OpXFER  = 0x0A // start a DMA transfer using GA(source)/GB(dest)/BC(count)
	x89OpSINTR = 0x0B // signal interrupt to host: set PSW.IS
	x89OpHLT   = 0x0C // channel program halt
)

// x89Fetcher adapts the channel's own tagged TP register to a simple
// byte stream; unlike the x86 parser's ByteReader, this has no
// prefetch queue or fault-continuation slots, since the 8089's program
// space access failures simply stop the channel (no architectural
// fault delivery path back to the x86 core for a malformed channel
// program).
type x89Fetcher struct {
	mem *bus.Memory
	bus bus.Bus
	tp  *state.Tagged20
}

func (f *x89Fetcher) fetch8() byte {
	var v byte
	if f.tp.IOTag {
		v = byte(f.bus.In(uint16(f.tp.Value), 1))
	} else {
		v = f.bus.Read(uint64(f.tp.Value))
	}
	f.tp.Value = (f.tp.Value + 1) & 0xFFFFF
	return v
}

func (f *x89Fetcher) fetch16() uint16 {
	lo := f.fetch8()
	hi := f.fetch8()
	return uint16(lo) | uint16(hi)<<8
}

func (f *x89Fetcher) fetch32() uint32 {
	lo := f.fetch16()
	hi := f.fetch16()
	return uint32(lo) | uint32(hi)<<16
}

// StepChannel decodes and executes exactly one 8089 instruction for
// ch, advancing TP as the program counter (its tag discriminating
// memory vs I/O space). It honors the one-instruction StartDelay
// between a channel attention signal and the first fetch.
func StepChannel(ch *state.X89Channel, mem *bus.Memory) X89Result {
	if !ch.Running {
		return X89Idle
	}
	if ch.StartDelay > 0 {
		ch.StartDelay--
		return X89Continue
	}

	f := &x89Fetcher{mem: mem, bus: mem.Bus, tp: &ch.R[state.X89RegTP]}
	op := f.fetch8()

	switch op {
	case x89OpNOP:
	case x89OpLPDI:
		reg := int(f.fetch8())
		val := f.fetch32()
		if reg >= 0 && reg < state.NumX89Reg {
			ch.R[reg].Value = val & 0xFFFFF
		}
	case x89OpMOVBI:
		v := f.fetch8()
		mem.Bus.Write(uint64(ch.R[state.X89RegGB].Value), v)
	case x89OpADDI:
		reg := int(f.fetch8())
		delta := f.fetch16()
		if reg >= 0 && reg < state.NumX89Reg {
			ch.R[reg].Value = (ch.R[reg].Value + uint32(delta)) & 0xFFFFF
		}
	case x89OpINC:
		reg := int(f.fetch8())
		if reg >= 0 && reg < state.NumX89Reg {
			ch.R[reg].Value = (ch.R[reg].Value + 1) & 0xFFFFF
		}
	case x89OpJMP:
		disp := int8(f.fetch8())
		ch.R[state.X89RegTP].Value = uint32(int64(ch.R[state.X89RegTP].Value) + int64(disp))
	case x89OpJNZ:
		reg := int(f.fetch8())
		disp := int8(f.fetch8())
		if reg >= 0 && reg < state.NumX89Reg {
			ch.R[reg].Value = (ch.R[reg].Value - 1) & 0xFFFFF
			if ch.R[reg].Value != 0 {
				ch.R[state.X89RegTP].Value = uint32(int64(ch.R[state.X89RegTP].Value) + int64(disp))
			}
		}
	case x89OpSETB:
		bit := f.fetch8()
		ch.PSW |= bit
	case x89OpCLR:
		bit := f.fetch8()
		ch.PSW &^= bit
	case x89OpWID:
		width := f.fetch8()
		cc := ch.R[state.X89RegCC].Value
		cc &^= state.X89CCTSHMask
		cc |= uint32(width) & state.X89CCTSHMask
		ch.R[state.X89RegCC].Value = cc
	case x89OpXFER:
		runTransfer(ch, mem)
	case x89OpSINTR:
		ch.PSW |= state.X89PSWIS
		return X89Interrupt
	case x89OpHLT:
		ch.Running = false
		ch.PSW &^= state.X89PSWB
		return X89Halted
	default:
		// An undecodable channel opcode halts the channel rather than
		// signalling the host core; the 8089 has no analogue of #UD that
		// crosses back into x86 exception delivery.
		ch.Running = false
		return X89Halted
	}
	return X89Continue
}

// runTransfer moves one byte (or word, per CC's width field) from the
// GA-addressed source to the GB-addressed destination and decrements
// BC, setting PSW.TB once the byte count reaches zero -- the minimal
// slice of the 8089's DMA engine this engine models explicitly rather
// than the full synchronized/locked transfer state machine real
// hardware implements.
func runTransfer(ch *state.X89Channel, mem *bus.Memory) {
	width := 1
	if ch.R[state.X89RegCC].Value&state.X89CCTSHMask != 0 {
		width = 2
	}
	src := uint64(ch.R[state.X89RegGA].Value)
	dst := uint64(ch.R[state.X89RegGB].Value)

	// Each pointer's tag selects memory vs I/O space; an I/O-tagged
	// pointer addresses a fixed port and does not advance.
	var v uint64
	if ch.R[state.X89RegGA].IOTag {
		v = uint64(mem.Bus.In(uint16(src), width))
	} else {
		v = bus.ReadN(mem.Bus, src, width)
		ch.R[state.X89RegGA].Value = (ch.R[state.X89RegGA].Value + uint32(width)) & 0xFFFFF
	}
	if ch.R[state.X89RegGB].IOTag {
		mem.Bus.Out(uint16(dst), width, uint32(v))
	} else {
		bus.WriteN(mem.Bus, dst, width, v)
		ch.R[state.X89RegGB].Value = (ch.R[state.X89RegGB].Value + uint32(width)) & 0xFFFFF
	}

	bc := ch.R[state.X89RegBC].Value
	if bc > 0 {
		bc--
		ch.R[state.X89RegBC].Value = bc
	}
	if bc == 0 {
		ch.PSW |= state.X89PSWTB
	}
}
