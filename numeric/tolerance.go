// Package numeric - Toleranzen fuer den Vergleich fusionierter und
// unfusionierter Ergebnisse
//
// Dieses Modul enthaelt:
// - Tolerance: elementweise Schranke |a-b| <= Abs + Rel*|b|
// - Vorgaben je DType (F32, F16/BF16) und fuer quantisierte Pfade
// - Compare/CompareQuantized mit Fehlerbericht
package numeric

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/ollama/sfast/ml"
)

// Tolerance bounds the elementwise error |got - want| <= Abs + Rel*|want|.
type Tolerance struct {
	Abs float64
	Rel float64
}

var (
	// F32 is used for fused vs unfused F32 execution.
	F32 = Tolerance{Abs: 1e-6, Rel: 1e-5}

	// Half is used for F16 and BF16 execution.
	Half = Tolerance{Abs: 1e-3, Rel: 1e-2}
)

// QuantizedRelL2 bounds ||got - want||_2 / ||want||_2 for quantized
// paths against their dequantized float reference.
const QuantizedRelL2 = 1e-2

// ForDType returns the elementwise tolerance for results of dtype d.
func ForDType(d ml.DType) Tolerance {
	if d.IsHalf() {
		return Half
	}
	return F32
}

// Within reports whether got is acceptable for want.
func (t Tolerance) Within(got, want float32) bool {
	g, w := float64(got), float64(want)
	if math.IsNaN(g) || math.IsNaN(w) {
		return math.IsNaN(g) && math.IsNaN(w)
	}
	if math.IsInf(w, 0) {
		return g == w
	}
	return math.Abs(g-w) <= t.Abs+t.Rel*math.Abs(w)
}

// MismatchError describes the first element outside the tolerance.
type MismatchError struct {
	Index    int
	Got      float32
	Want     float32
	Count    int
	Total    int
	MaxAbs   float64
	RelL2    float64
	Boundary string
}

func (e *MismatchError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("numeric mismatch: relative L2 error %.3g exceeds %s", e.RelL2, e.Boundary)
	}
	return fmt.Sprintf("numeric mismatch: %d/%d elements outside %s, first at %d: got %v, want %v (max abs %.3g)",
		e.Count, e.Total, e.Boundary, e.Index, e.Got, e.Want, e.MaxAbs)
}

// Compare checks got against want elementwise.
func Compare(got, want []float32, tol Tolerance) error {
	if len(got) != len(want) {
		return fmt.Errorf("numeric mismatch: %d elements, want %d", len(got), len(want))
	}

	var e *MismatchError
	for i := range want {
		if tol.Within(got[i], want[i]) {
			continue
		}
		diff := math.Abs(float64(got[i]) - float64(want[i]))
		if e == nil {
			e = &MismatchError{
				Index:    i,
				Got:      got[i],
				Want:     want[i],
				Total:    len(want),
				Boundary: fmt.Sprintf("abs %g + rel %g", tol.Abs, tol.Rel),
			}
		}
		e.Count++
		e.MaxAbs = max(e.MaxAbs, diff)
	}
	if e != nil {
		return e
	}
	return nil
}

// RelativeL2 returns ||got - want||_2 / ||want||_2, or the absolute norm
// of the difference when want is all zeros.
func RelativeL2(got, want []float32) float64 {
	g, w := toFloat64(got), toFloat64(want)
	diff := floats.Distance(g, w, 2)
	if norm := floats.Norm(w, 2); norm > 0 {
		return diff / norm
	}
	return diff
}

// CompareQuantized checks the relative L2 error against QuantizedRelL2.
func CompareQuantized(got, want []float32) error {
	if len(got) != len(want) {
		return fmt.Errorf("numeric mismatch: %d elements, want %d", len(got), len(want))
	}
	if rel := RelativeL2(got, want); rel > QuantizedRelL2 || math.IsNaN(rel) {
		return &MismatchError{Index: -1, RelL2: rel, Total: len(want), Boundary: fmt.Sprintf("%g", QuantizedRelL2)}
	}
	return nil
}

// CompareTensors compares two tensors with the tolerance of their dtype.
func CompareTensors(got, want *ml.Tensor) error {
	if !got.SameShape(want) {
		return fmt.Errorf("numeric mismatch: got %v, want %v", got, want)
	}
	return Compare(got.Floats(), want.Floats(), ForDType(want.DType()))
}

func toFloat64(s []float32) []float64 {
	out := make([]float64, len(s))
	for i, v := range s {
		out[i] = float64(v)
	}
	return out
}
