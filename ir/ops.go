// ops.go - Operator-Arten und Attribute der Trace-IR
//
// Dieses Modul enthaelt:
// - OpKind: geschlossene Menge der aufgezeichneten und fusionierten Operatoren
// - Attrs: Attribute eines Knotens (Faltung, GEMM, Aktivierung, Quantisierung, ...)
// - FusedParams: Parameterbuendel eines fusionierten Knotens
package ir

import (
	"fmt"
	"slices"

	"github.com/ollama/sfast/ml"
)

// OpKind identifies the operation of a node.
type OpKind int

const (
	OpInvalid OpKind = iota
	OpConv2D
	OpBiasAdd
	OpActivation
	OpLinear
	OpMatmul
	OpQuantize
	OpDequantize
	OpAdd
	OpReshape
	OpOpaque
	OpFusedConv2D
	OpFusedGEMM
	OpFusedQLinear

	numOpKinds
)

var opNames = [numOpKinds]string{
	OpInvalid:      "invalid",
	OpConv2D:       "conv2d",
	OpBiasAdd:      "bias_add",
	OpActivation:   "activation",
	OpLinear:       "linear",
	OpMatmul:       "matmul",
	OpQuantize:     "quantize",
	OpDequantize:   "dequantize",
	OpAdd:          "add",
	OpReshape:      "reshape",
	OpOpaque:       "opaque",
	OpFusedConv2D:  "fused_conv2d",
	OpFusedGEMM:    "fused_gemm",
	OpFusedQLinear: "fused_qlinear",
}

func (k OpKind) String() string {
	if k < 0 || k >= numOpKinds {
		return fmt.Sprintf("op(%d)", int(k))
	}
	return opNames[k]
}

// ParseOpKind parses the name of an op kind.
func ParseOpKind(s string) (OpKind, error) {
	for i, name := range opNames {
		if name == s && OpKind(i) != OpInvalid {
			return OpKind(i), nil
		}
	}
	return OpInvalid, fmt.Errorf("unknown op kind %q", s)
}

// IsFused reports whether k is produced by the rewriter.
func (k OpKind) IsFused() bool {
	return k == OpFusedConv2D || k == OpFusedGEMM || k == OpFusedQLinear
}

// Attrs holds the attributes of a node. Only the fields of its kind are set.
type Attrs struct {
	Conv ml.Conv2DParams
	Gemm ml.GemmParams
	Act  ml.Activation

	// Axis is the channel axis of a bias add; negative counts from the end.
	Axis int

	Quant *ml.QuantParams

	// Shape is the reshape target or the declared output of an opaque op.
	Shape []int

	// DType is the output dtype of dequantize and opaque ops.
	DType ml.DType

	Opaque string

	Fused *FusedParams
}

// Clone returns a deep copy.
func (a Attrs) Clone() Attrs {
	a.Quant = cloneQuant(a.Quant)
	a.Shape = slices.Clone(a.Shape)
	if a.Fused != nil {
		f := *a.Fused
		f.WeightQuant = cloneQuant(f.WeightQuant)
		f.InputQuant = cloneQuant(f.InputQuant)
		f.Replaced = slices.Clone(f.Replaced)
		a.Fused = &f
	}
	return a
}

func cloneQuant(q *ml.QuantParams) *ml.QuantParams {
	if q == nil {
		return nil
	}
	c := ml.QuantParams{
		Scales:     slices.Clone(q.Scales),
		ZeroPoints: slices.Clone(q.ZeroPoints),
		Axis:       q.Axis,
	}
	return &c
}

// FusedParams describes the work of a fused node.
//
// Input conventions:
//
//	fused_conv2d:  [x NCHW, w OIHW, bias?]
//	fused_gemm:    [a, b, bias?]
//	fused_qlinear: [x, w int8 [N,K], bias?]
type FusedParams struct {
	Pattern    string
	Activation ml.Activation
	HasBias    bool
	Conv       ml.Conv2DParams
	Gemm       ml.GemmParams

	// WeightQuant is the int8 weight quantization of fused_qlinear.
	WeightQuant *ml.QuantParams

	// InputQuant, when set, quantizes activations on the fly.
	InputQuant *ml.QuantParams

	// Replaced lists the kinds of the matched nodes in order.
	Replaced []OpKind
}
