// config_features.go - Compiler-Schalter und Ressourcen-Limits
//
// Dieses Modul enthaelt:
// - Compiler-Schalter (JIT, Fusion, quantisiertes Linear, Graph-Replay)
// - Verifikation und Fallback
// - Ressourcen-Limits (Plans, Threads, Geraetespeicher)
package envconfig

import "runtime"

// =============================================================================
// Compiler-Schalter
// =============================================================================

var (
	// JIT aktiviert Trace-Capture und Rewrite (Default: an)
	JIT = BoolWithDefault("SFAST_JIT")

	// Fusion aktiviert die Fusion von Conv/Linear/GEMM-Ketten (Default: an)
	Fusion = BoolWithDefault("SFAST_FUSION")

	// QuantizedLinear aktiviert die Fusion quantisierter Linear-Schichten (Default: an)
	QuantizedLinear = BoolWithDefault("SFAST_QUANTIZED_LINEAR")

	// GraphReplay aktiviert Capture/Replay-Handles des Geraets (Default: an)
	GraphReplay = BoolWithDefault("SFAST_GRAPH_REPLAY")

	// Verify vergleicht fusionierte und unfusionierte Ausfuehrung nach dem Build
	Verify = Bool("SFAST_VERIFY")

	// Fallback baut Knoten unfusioniert, wenn ein fusionierter Kernel die
	// Konfiguration nicht unterstuetzt
	Fallback = BoolWithDefault("SFAST_FALLBACK")
)

// =============================================================================
// Ressourcen-Limits
// =============================================================================

var (
	// MaxPlans begrenzt die Anzahl gecachter Execution-Plans pro Modell
	MaxPlans = Uint("SFAST_MAX_PLANS", 8)

	// DeviceMemory begrenzt den Geraetespeicher in Bytes (0 = unbegrenzt)
	DeviceMemory = Uint64("SFAST_DEVICE_MEMORY", 0)
)

// NumThreads gibt die Anzahl der Worker fuer CPU-Kernel zurueck
// Konfigurierbar via SFAST_NUM_THREADS
// Default: runtime.NumCPU()
func NumThreads() int {
	return int(Uint("SFAST_NUM_THREADS", uint(runtime.NumCPU()))())
}
