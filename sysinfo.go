package main

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"github.com/rs/zerolog"
)

// SysInfo describes the hardware a run executes on. It is logged at run
// start so results in the run history can be compared across machines.
type SysInfo struct {
	CPUName       string
	PhysicalCores int
	LogicalCores  int
	CacheLine     int
	L2Bytes       int
	VectorBits    int
	GOOS          string
	GOARCH        string
}

// DetectSysInfo queries CPU identification for the current machine.
// Fields that cannot be detected (common under VMs and on some ARM parts)
// fall back to runtime values or zero.
func DetectSysInfo() SysInfo {
	info := SysInfo{
		CPUName:       strings.TrimSpace(cpuid.CPU.BrandName),
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
		CacheLine:     cpuid.CPU.CacheLine,
		L2Bytes:       cpuid.CPU.Cache.L2,
		VectorBits:    vectorWidthBits(),
		GOOS:          runtime.GOOS,
		GOARCH:        runtime.GOARCH,
	}

	if info.CPUName == "" {
		info.CPUName = "unknown " + runtime.GOARCH
	}
	if info.LogicalCores <= 0 {
		info.LogicalCores = runtime.NumCPU()
	}
	if info.PhysicalCores <= 0 {
		info.PhysicalCores = info.LogicalCores
	}

	return info
}

// vectorWidthBits reports the widest SIMD register the CPU offers. The
// tensor kernels are scalar float64, so this is reporting only: it records
// how much headroom a vectorized backend would have on this machine.
func vectorWidthBits() int {
	switch {
	case cpuid.CPU.Supports(cpuid.AVX512F):
		return 512
	case cpuid.CPU.Supports(cpuid.AVX2):
		return 256
	case cpuid.CPU.Supports(cpuid.SSE2), cpuid.CPU.Supports(cpuid.ASIMD):
		return 128
	}
	return 64
}

// ComputeWorkers returns the worker count for the tensor compute pool.
//
// Physical cores, not logical: the blocked matmul kernel saturates memory
// bandwidth well before it saturates the ALUs, and two hyperthreads sharing
// a cache just evict each other's tiles.
func (si SysInfo) ComputeWorkers() int {
	if si.PhysicalCores > 0 {
		return si.PhysicalCores
	}
	return runtime.NumCPU()
}

func (si SysInfo) String() string {
	return fmt.Sprintf("%s (%d cores, %d threads, simd %d-bit, %s/%s)",
		si.CPUName, si.PhysicalCores, si.LogicalCores, si.VectorBits, si.GOOS, si.GOARCH)
}

// ConfigureCompute sizes the global compute pool for the host and logs
// what it found. Every phase calls this once at startup.
func ConfigureCompute(logger zerolog.Logger) SysInfo {
	si := DetectSysInfo()
	cc := DefaultComputeConfig()
	cc.NumWorkers = si.ComputeWorkers()
	SetGlobalComputeConfig(cc)
	logger.Info().Str("cpu", si.CPUName).Int("workers", cc.NumWorkers).
		Int("vector_bits", si.VectorBits).Str("os", si.GOOS).Str("arch", si.GOARCH).
		Msg("compute pool configured")
	return si
}
