package kernel

import (
	"runtime"

	xcpu "golang.org/x/sys/cpu"
)

// CPUFeatures holds detected CPU capabilities, checked once at init.
type CPUFeatures struct {
	Arch           string
	HasAVX2        bool
	HasFMA         bool
	HasAVX512      bool
	HasASIMD       bool
	HasWideVectors bool
}

var cpu CPUFeatures

func init() {
	cpu = CPUFeatures{
		Arch:      runtime.GOARCH,
		HasAVX2:   xcpu.X86.HasAVX2,
		HasFMA:    xcpu.X86.HasFMA,
		HasAVX512: xcpu.X86.HasAVX512F,
		HasASIMD:  xcpu.ARM64.HasASIMD,
	}
	cpu.HasWideVectors = cpu.HasAVX2 || cpu.HasASIMD
}

// Features returns the capabilities detected at startup.
func Features() CPUFeatures {
	return cpu
}
