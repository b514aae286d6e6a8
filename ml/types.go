// types.go - Datentypen und Konstanten fuer ML-Operationen
// Dieses Modul definiert grundlegende Typen wie DType, Activation, Layout
// sowie die Parameter-Strukturen der fusionierbaren Operatoren.
package ml

import (
	"fmt"
	"math"
	"strings"
)

// DType represents the data type of tensor elements.
type DType int

const (
	DTypeOther DType = iota
	DTypeF32
	DTypeF16
	DTypeBF16
	DTypeI8
	DTypeI32
)

var dtypeNames = [...]string{
	DTypeOther: "other",
	DTypeF32:   "f32",
	DTypeF16:   "f16",
	DTypeBF16:  "bf16",
	DTypeI8:    "i8",
	DTypeI32:   "i32",
}

func (d DType) String() string {
	if d < 0 || int(d) >= len(dtypeNames) {
		return fmt.Sprintf("dtype(%d)", int(d))
	}
	return dtypeNames[d]
}

// Size returns the number of bytes per element.
func (d DType) Size() int {
	switch d {
	case DTypeF32, DTypeI32:
		return 4
	case DTypeF16, DTypeBF16:
		return 2
	case DTypeI8:
		return 1
	default:
		return 0
	}
}

// IsFloat reports whether d is a floating point type.
func (d DType) IsFloat() bool {
	return d == DTypeF32 || d == DTypeF16 || d == DTypeBF16
}

// IsHalf reports whether d is a 16 bit floating point type.
func (d DType) IsHalf() bool {
	return d == DTypeF16 || d == DTypeBF16
}

// ParseDType parses names like "f32", "float16" or "bf16".
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(s) {
	case "f32", "float32", "fp32":
		return DTypeF32, nil
	case "f16", "float16", "fp16", "half":
		return DTypeF16, nil
	case "bf16", "bfloat16":
		return DTypeBF16, nil
	case "i8", "int8":
		return DTypeI8, nil
	case "i32", "int32":
		return DTypeI32, nil
	}
	return DTypeOther, fmt.Errorf("unknown dtype %q", s)
}

// =============================================================================
// Aktivierungen
// =============================================================================

// Activation selects the pointwise function applied in a fused epilogue.
type Activation int

const (
	ActNone Activation = iota
	ActReLU
	ActGELU
	ActSiLU
	ActSigmoid
	ActTanh
)

var activationNames = [...]string{
	ActNone:    "none",
	ActReLU:    "relu",
	ActGELU:    "gelu",
	ActSiLU:    "silu",
	ActSigmoid: "sigmoid",
	ActTanh:    "tanh",
}

func (a Activation) String() string {
	if a < 0 || int(a) >= len(activationNames) {
		return fmt.Sprintf("activation(%d)", int(a))
	}
	return activationNames[a]
}

// ParseActivation parses a lower case activation name.
func ParseActivation(s string) (Activation, error) {
	for i, name := range activationNames {
		if strings.EqualFold(s, name) {
			return Activation(i), nil
		}
	}
	if s == "" {
		return ActNone, nil
	}
	return ActNone, fmt.Errorf("unknown activation %q", s)
}

// Apply evaluates the activation in float64 and rounds to float32.
// GELU is the exact erf form.
func (a Activation) Apply(x float32) float32 {
	v := float64(x)
	switch a {
	case ActReLU:
		if v < 0 {
			return 0
		}
		return x
	case ActGELU:
		return float32(0.5 * v * (1 + math.Erf(v/math.Sqrt2)))
	case ActSiLU:
		return float32(v / (1 + math.Exp(-v)))
	case ActSigmoid:
		return float32(1 / (1 + math.Exp(-v)))
	case ActTanh:
		return float32(math.Tanh(v))
	default:
		return x
	}
}

// ActivationSet is a bit set of activations.
type ActivationSet uint32

// Activations builds a set from the given activations.
func Activations(acts ...Activation) ActivationSet {
	var s ActivationSet
	for _, a := range acts {
		s |= 1 << uint(a)
	}
	return s
}

func (s ActivationSet) Has(a Activation) bool {
	return a >= 0 && s&(1<<uint(a)) != 0
}

// Names returns the names of the activations in s in enum order.
func (s ActivationSet) Names() []string {
	var names []string
	for i := range activationNames {
		if s.Has(Activation(i)) {
			names = append(names, Activation(i).String())
		}
	}
	return names
}

func (s ActivationSet) String() string {
	return "{" + strings.Join(s.Names(), ",") + "}"
}

// =============================================================================
// Layouts und Operator-Parameter
// =============================================================================

// Layout describes the memory order of a 4D convolution weight.
type Layout int

const (
	// LayoutOIHW is [out, in, kh, kw], the order models are traced in.
	LayoutOIHW Layout = iota
	// LayoutOHWI is [out, kh, kw, in].
	LayoutOHWI
)

func (l Layout) String() string {
	switch l {
	case LayoutOIHW:
		return "OIHW"
	case LayoutOHWI:
		return "OHWI"
	}
	return fmt.Sprintf("layout(%d)", int(l))
}

// Conv2DParams holds the geometry of a 2D convolution. Zero values for
// stride, dilation and groups mean 1.
type Conv2DParams struct {
	StrideH, StrideW     int
	PadH, PadW           int
	DilationH, DilationW int
	Groups               int
}

// Normalize replaces zero values with their defaults.
func (p Conv2DParams) Normalize() Conv2DParams {
	if p.StrideH == 0 {
		p.StrideH = 1
	}
	if p.StrideW == 0 {
		p.StrideW = 1
	}
	if p.DilationH == 0 {
		p.DilationH = 1
	}
	if p.DilationW == 0 {
		p.DilationW = 1
	}
	if p.Groups == 0 {
		p.Groups = 1
	}
	return p
}

// Validate checks that the normalized parameters are usable.
func (p Conv2DParams) Validate() error {
	p = p.Normalize()
	switch {
	case p.StrideH < 1 || p.StrideW < 1:
		return fmt.Errorf("stride must be positive, got %dx%d", p.StrideH, p.StrideW)
	case p.PadH < 0 || p.PadW < 0:
		return fmt.Errorf("padding must be non-negative, got %dx%d", p.PadH, p.PadW)
	case p.DilationH < 1 || p.DilationW < 1:
		return fmt.Errorf("dilation must be positive, got %dx%d", p.DilationH, p.DilationW)
	case p.Groups < 1:
		return fmt.Errorf("groups must be positive, got %d", p.Groups)
	}
	return nil
}

// OutputSize returns the spatial output size for an h x w input and a
// kh x kw kernel.
func (p Conv2DParams) OutputSize(h, w, kh, kw int) (int, int) {
	p = p.Normalize()
	oh := (h+2*p.PadH-p.DilationH*(kh-1)-1)/p.StrideH + 1
	ow := (w+2*p.PadW-p.DilationW*(kw-1)-1)/p.StrideW + 1
	return oh, ow
}

// GemmParams configures a (batched) matrix multiply C = op(A) * op(B).
type GemmParams struct {
	TransA bool
	TransB bool
}

// QuantParams describes symmetric or asymmetric int8 quantization:
// q = clamp(round(x/scale) + zero, -128, 127), x = (q - zero) * scale.
// A single scale means per-tensor, otherwise one scale per index of Axis.
type QuantParams struct {
	Scales     []float32
	ZeroPoints []int32
	Axis       int
}

// PerTensor reports whether a single scale covers the whole tensor.
func (q QuantParams) PerTensor() bool {
	return len(q.Scales) == 1
}

// Scale returns the scale for channel c.
func (q QuantParams) Scale(c int) float32 {
	if len(q.Scales) == 1 {
		return q.Scales[0]
	}
	return q.Scales[c]
}

// Zero returns the zero point for channel c.
func (q QuantParams) Zero(c int) int32 {
	switch len(q.ZeroPoints) {
	case 0:
		return 0
	case 1:
		return q.ZeroPoints[0]
	}
	return q.ZeroPoints[c]
}

// Validate checks the parameters against a tensor of the given shape.
func (q QuantParams) Validate(shape []int) error {
	if len(q.Scales) == 0 {
		return fmt.Errorf("quantization requires at least one scale")
	}
	for i, s := range q.Scales {
		if !(s > 0) || math.IsInf(float64(s), 0) {
			return fmt.Errorf("scale %d must be positive and finite, got %v", i, s)
		}
	}
	if len(q.ZeroPoints) > 1 && len(q.ZeroPoints) != len(q.Scales) {
		return fmt.Errorf("%d zero points for %d scales", len(q.ZeroPoints), len(q.Scales))
	}
	for i, z := range q.ZeroPoints {
		if z < -128 || z > 127 {
			return fmt.Errorf("zero point %d out of int8 range: %d", i, z)
		}
	}
	if q.PerTensor() {
		return nil
	}
	if q.Axis < 0 || q.Axis >= len(shape) {
		return fmt.Errorf("quantization axis %d out of range for rank %d", q.Axis, len(shape))
	}
	if shape[q.Axis] >= 0 && shape[q.Axis] != len(q.Scales) {
		return fmt.Errorf("%d scales for %d channels along axis %d", len(q.Scales), shape[q.Axis], q.Axis)
	}
	return nil
}

// QuantizeValue maps x to int8 with round-half-to-even.
func QuantizeValue(x, scale float32, zero int32) int8 {
	v := math.RoundToEven(float64(x)/float64(scale)) + float64(zero)
	return int8(max(-128, min(127, v)))
}

// DequantizeValue maps q back to float32.
func DequantizeValue(q int8, scale float32, zero int32) float32 {
	return float32(int32(q)-zero) * scale
}
