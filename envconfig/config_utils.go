// config_utils.go - Utility-Funktionen und Export fuer Konfiguration
//
// Dieses Modul enthaelt:
// - BoolWithDefault/Bool: Boolean-Getter mit Default-Wert
// - String: String-Getter
// - Uint/Uint64: Integer-Getter mit Default-Wert
// - EnvVar: Struktur fuer Environment-Variablen-Info
// - AsMap: Gibt alle Konfigurationen als Map zurueck
// - Values: Gibt alle Konfigurationswerte als String-Map zurueck
package envconfig

import (
	"fmt"
	"log/slog"
	"strconv"
)

// =============================================================================
// Boolean-Getter
// =============================================================================

// BoolWithDefault gibt eine Funktion zurueck, die einen Bool mit Default-Wert liest
func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return defaultValue
	}
}

// Bool gibt eine Funktion zurueck, die einen Bool liest (Default: false)
func Bool(k string) func() bool {
	withDefault := BoolWithDefault(k)
	return func() bool {
		return withDefault(false)
	}
}

// =============================================================================
// String-Getter
// =============================================================================

// String gibt eine Funktion zurueck, die einen String liest
func String(s string) func() string {
	return func() string {
		return Var(s)
	}
}

// =============================================================================
// Integer-Getter
// =============================================================================

// Uint gibt eine Funktion zurueck, die einen uint mit Default-Wert liest
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

// Uint64 gibt eine Funktion zurueck, die einen uint64 mit Default-Wert liest
func Uint64(key string, defaultValue uint64) func() uint64 {
	return func() uint64 {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return n
			}
		}
		return defaultValue
	}
}

// =============================================================================
// Export-Strukturen und -Funktionen
// =============================================================================

// EnvVar repraesentiert eine Environment-Variable mit Metadaten
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap gibt alle Konfigurationen als Map zurueck
// Enthaelt Namen, aktuelle Werte und Beschreibungen
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"SFAST_DEBUG":            {"SFAST_DEBUG", LogLevel(), "Show additional debug information (e.g. SFAST_DEBUG=1)"},
		"SFAST_HOST":             {"SFAST_HOST", Host(), "IP Address for the sfast server (default 127.0.0.1:11435)"},
		"SFAST_ORIGINS":          {"SFAST_ORIGINS", AllowedOrigins(), "A comma separated list of allowed origins"},
		"SFAST_CACHE_DIR":        {"SFAST_CACHE_DIR", CacheDir(), "Directory of the optimized graph cache"},
		"SFAST_JIT":              {"SFAST_JIT", JIT(true), "Capture and rewrite model traces (default true)"},
		"SFAST_FUSION":           {"SFAST_FUSION", Fusion(true), "Fuse convolution, linear and GEMM chains (default true)"},
		"SFAST_QUANTIZED_LINEAR": {"SFAST_QUANTIZED_LINEAR", QuantizedLinear(true), "Fuse quantized linear layers (default true)"},
		"SFAST_GRAPH_REPLAY":     {"SFAST_GRAPH_REPLAY", GraphReplay(true), "Record and replay device command sequences (default true)"},
		"SFAST_VERIFY":           {"SFAST_VERIFY", Verify(), "Compare fused and unfused outputs after building a plan"},
		"SFAST_FALLBACK":         {"SFAST_FALLBACK", Fallback(true), "Build unsupported fused nodes unfused instead of failing (default true)"},
		"SFAST_MAX_PLANS":        {"SFAST_MAX_PLANS", MaxPlans(), "Maximum number of cached execution plans per model (default 8)"},
		"SFAST_NUM_THREADS":      {"SFAST_NUM_THREADS", NumThreads(), "Worker threads for CPU kernels"},
		"SFAST_DEVICE_MEMORY":    {"SFAST_DEVICE_MEMORY", DeviceMemory(), "Device memory limit in bytes (default unlimited)"},
	}
}

// Values gibt alle Konfigurationswerte als String-Map zurueck
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}
