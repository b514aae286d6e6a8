// device_info.go
// Dieses Modul enthaelt die DeviceInfo-Struktur und zugehoerige Funktionen
// fuer Geraete-Beschreibung, Feature-Erkennung und Log-Ausgabe.

package ml

import (
	"log/slog"
	"runtime"
	"strings"

	"golang.org/x/sys/cpu"

	"github.com/ollama/sfast/format"
)

type DeviceInfo struct {
	// ID is the device ordinal
	ID int `json:"id"`

	// Library identifies the backend that exposes the device, e.g. "cpu"
	Library string `json:"library"`

	// Name is the name of the device as labeled by the backend
	Name string `json:"name"`

	// Description is the longer user-friendly identification of the device
	Description string `json:"description"`

	// TotalMemory is the memory the device may hand out, 0 if unlimited
	TotalMemory uint64 `json:"total_memory"`

	// FreeMemory is the amount of memory currently available on the device
	FreeMemory uint64 `json:"free_memory,omitempty"`

	// ThreadCount is the number of threads kernels may use
	ThreadCount int `json:"threads,omitempty"`

	// Features are the instruction set extensions reported by the host
	Features []string `json:"features,omitempty"`

	// CaptureSupported reports whether streams can record and replay graphs
	CaptureSupported bool `json:"capture_supported"`
}

// LogValue implements slog.LogValuer.
func (d DeviceInfo) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Int("id", d.ID),
		slog.String("library", d.Library),
		slog.String("name", d.Name),
		slog.Int("threads", d.ThreadCount),
		slog.Bool("capture", d.CaptureSupported),
	}
	if d.TotalMemory > 0 {
		attrs = append(attrs,
			slog.String("total", format.HumanBytes2(d.TotalMemory)),
			slog.String("free", format.HumanBytes2(d.FreeMemory)))
	}
	if len(d.Features) > 0 {
		attrs = append(attrs, slog.String("features", strings.Join(d.Features, ",")))
	}
	return slog.GroupValue(attrs...)
}

// CPUFeatures returns the SIMD extensions of the host CPU that matter for
// GEMM and convolution kernels.
func CPUFeatures() []string {
	var features []string
	add := func(ok bool, name string) {
		if ok {
			features = append(features, name)
		}
	}

	switch runtime.GOARCH {
	case "amd64", "386":
		add(cpu.X86.HasSSE41, "sse4.1")
		add(cpu.X86.HasAVX, "avx")
		add(cpu.X86.HasAVX2, "avx2")
		add(cpu.X86.HasFMA, "fma")
		add(cpu.X86.HasAVX512F, "avx512f")
		add(cpu.X86.HasAVX512VNNI, "avx512vnni")
		add(cpu.X86.HasAVX512BF16, "avx512bf16")
	case "arm64":
		add(cpu.ARM64.HasASIMD, "neon")
		add(cpu.ARM64.HasFPHP, "fp16")
		add(cpu.ARM64.HasASIMDDP, "dotprod")
		add(cpu.ARM64.HasSVE, "sve")
	}
	return features
}
