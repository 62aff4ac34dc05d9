package traits

// cpuNames and fpuNames are human-readable labels independent of the
// behavioural Traits record.
var cpuNames = map[CPUType]string{
	CPU8086:     "8086/8088",
	CPU186:      "80186/80188",
	CPUV60:      "V60",
	CPUV20:      "V20/V30/V40/V50",
	CPUUPD9002:  "uPD9002",
	CPUV33:      "V33/V53",
	CPUV25:      "V25",
	CPUV55:      "V55",
	CPU286:      "80286",
	CPU386:      "80386",
	CPU486:      "80486",
	CPUIntel:    "Intel P5+",
	CPUAMD:      "AMD K5+",
	CPUCyrix:    "Cyrix/Geode",
	CPUVIA:      "Centaur/VIA",
	CPUExtended: "extended (experimental)",
}

var fpuNames = map[FPUType]string{
	FPUNone:       "none",
	FPU8087:       "8087",
	FPU287:        "287",
	FPU387:        "387",
	FPUEMC87:      "Cyrix EMC87",
	FPUIIT:        "IIT 3C87",
	FPUIntegrated: "integrated",
}

func CPUName(t CPUType) string {
	if n, ok := cpuNames[t]; ok {
		return n
	}
	return "unknown"
}

func FPUName(t FPUType) string {
	if n, ok := fpuNames[t]; ok {
		return n
	}
	return "unknown"
}
