// x86step is a minimal host-driven smoke harness for the engine
// package: it loads a flat binary image into a byte-array bus, seeds
// CS:IP and the general registers, and drives Step in a loop, printing
// the result tag, xIP and AX, and a disassembly line after each
// architectural instruction.
package main

import (
	"flag"
	"fmt"
	"os"

	x86core "github.com/BinaryMelodies/x86-emulator-core"
	"github.com/BinaryMelodies/x86-emulator-core/decode"
	"github.com/BinaryMelodies/x86-emulator-core/state"
	"github.com/BinaryMelodies/x86-emulator-core/traits"
)

// flatBus is the simplest possible Bus: a single contiguous byte
// array addressed linearly, with I/O reads returning all-ones (an
// unconnected port) and writes discarded.
type flatBus struct {
	mem [1 << 20]byte
}

func (b *flatBus) Read(addr uint64) byte    { return b.mem[addr&0xFFFFF] }
func (b *flatBus) Write(addr uint64, v byte) { b.mem[addr&0xFFFFF] = v }
func (b *flatBus) In(port uint16, width int) uint32 {
	return uint32(1)<<(8*uint(width)) - 1
}
func (b *flatBus) Out(port uint16, width int, v uint32) {}

var cpuNames = map[string]traits.CPUType{
	"8086":     traits.CPU8086,
	"186":      traits.CPU186,
	"v60":      traits.CPUV60,
	"v20":      traits.CPUV20,
	"upd9002":  traits.CPUUPD9002,
	"v33":      traits.CPUV33,
	"v25":      traits.CPUV25,
	"v55":      traits.CPUV55,
	"286":      traits.CPU286,
	"386":      traits.CPU386,
	"486":      traits.CPU486,
	"intel":    traits.CPUIntel,
	"amd":      traits.CPUAMD,
	"cyrix":    traits.CPUCyrix,
	"via":      traits.CPUVIA,
	"extended": traits.CPUExtended,
}

func main() {
	cpuName := flag.String("cpu", "386", "CPU model to emulate (see -list-cpus)")
	loadAddr := flag.Uint64("load", 0x100, "linear address to load the image at")
	startIP := flag.Uint64("ip", 0x100, "initial XIP, relative to CS base 0")
	maxSteps := flag.Int("max-steps", 10000, "stop after this many Step calls")
	listCPUs := flag.Bool("list-cpus", false, "print known -cpu names and exit")
	flag.Parse()

	if *listCPUs {
		for name := range cpuNames {
			fmt.Println(name)
		}
		return
	}

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: x86step [options] image.bin\n")
		flag.PrintDefaults()
		os.Exit(1)
	}

	cpu, ok := cpuNames[*cpuName]
	if !ok {
		fmt.Fprintf(os.Stderr, "error: unknown -cpu %q\n", *cpuName)
		os.Exit(1)
	}

	image, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	b := &flatBus{}
	for i, v := range image {
		b.mem[(*loadAddr+uint64(i))&0xFFFFF] = v
	}

	eng := x86core.NewEngine(cpu, b, nil, false)
	eng.State.Segs.Regs[state.SegCS] = state.SegReg{Selector: 0, Descriptor: state.LoadReal(0)}
	eng.State.Segs.Regs[state.SegSS] = state.SegReg{Selector: 0, Descriptor: state.LoadReal(0)}
	eng.State.GPR.Write64(state.RegSP, 0xFFFE)
	eng.State.XIP = *startIP

	for i := 0; i < *maxSteps; i++ {
		text := disasmAt(b, &eng.State)
		res := eng.Step()
		fmt.Printf("step %5d  xip=%#06x  ax=%#06x  result=%-18s %s\n",
			i, eng.State.XIP, eng.State.GPR.Read64(state.RegAX), resultName(res), text)
		if res == x86core.ResultHalt || res == x86core.ResultTripleFault {
			break
		}
	}
}

// disasmAt renders the instruction about to execute, best effort: the
// engine's own decoder drives execution; x86asm only supplies the
// human-readable text for the trace line.
func disasmAt(b *flatBus, st *state.State) string {
	base := st.Segs.Regs[state.SegCS].Descriptor.Base
	window := make([]byte, 15)
	for i := range window {
		window[i] = b.Read(base + st.XIP + uint64(i))
	}
	text, err := decode.Disassemble(window, 16, st.XIP)
	if err != nil {
		return "(unrecognized)"
	}
	return text
}

func resultName(r x86core.Result) string {
	switch r {
	case x86core.ResultSuccess:
		return "success"
	case x86core.ResultString:
		return "string"
	case x86core.ResultHalt:
		return "halt"
	case x86core.ResultCPUInterrupt:
		return "cpu-interrupt"
	case x86core.ResultICEInterrupt:
		return "ice-interrupt"
	case x86core.ResultIRQ:
		return "irq"
	case x86core.ResultTripleFault:
		return "triple-fault"
	case x86core.ResultInhibitInterrupts:
		return "inhibit-interrupts"
	case x86core.ResultUndefined:
		return "undefined"
	default:
		return "unknown"
	}
}
