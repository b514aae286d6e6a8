// config.go - Compiler-Konfiguration
package compiler

import (
	"slices"
	"strings"

	"github.com/ollama/sfast/envconfig"
	"github.com/ollama/sfast/fusion"
)

// Config steuert, welche Stufen Compile anwendet
type Config struct {
	// JIT zeichnet den Graphen auf und schreibt ihn um. Ohne JIT laeuft
	// der aufgezeichnete Graph unveraendert und ohne Geraete-Graphen.
	JIT bool

	// Fusion fasst Conv/Linear/GEMM-Ketten zusammen
	Fusion bool

	// QuantizedLinear fasst int8-Linear-Schichten zusammen
	QuantizedLinear bool

	// GraphReplay zeichnet pro Plan einen Geraete-Graphen auf
	GraphReplay bool

	// Verify vergleicht beim ersten Lauf jeder Signatur mit dem
	// unoptimierten Graphen
	Verify bool

	// Fallback baut nicht unterstuetzte fusionierte Knoten unfusioniert
	Fallback bool

	// MaxPlans begrenzt die gecachten Plans, 0 ist unbegrenzt
	MaxPlans int
}

// DefaultConfig liest die Konfiguration aus der Umgebung
func DefaultConfig() Config {
	return Config{
		JIT:             envconfig.JIT(true),
		Fusion:          envconfig.Fusion(true),
		QuantizedLinear: envconfig.QuantizedLinear(true),
		GraphReplay:     envconfig.GraphReplay(true),
		Verify:          envconfig.Verify(),
		Fallback:        envconfig.Fallback(true),
		MaxPlans:        int(envconfig.MaxPlans()),
	}
}

// families gibt die aktiven Muster-Familien zurueck
func (c Config) families() []fusion.Family {
	if !c.JIT {
		return nil
	}

	var families []fusion.Family
	for _, f := range fusion.Families() {
		quantized := slices.Contains(fusion.QuantizedFamilies, f)
		if (quantized && c.QuantizedLinear) || (!quantized && c.Fusion) {
			families = append(families, f)
		}
	}
	return families
}

// key beschreibt die Optionen, die das Ergebnis des Rewrites bestimmen
func (c Config) key() string {
	names := make([]string, 0, len(fusion.Families()))
	for _, f := range c.families() {
		names = append(names, f.String())
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}
