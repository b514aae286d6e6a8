// gemm.go - Fusionierte (gebatchte) GEMM und quantisiertes Linear
package fused

import (
	"github.com/ollama/sfast/kernels"
	"github.com/ollama/sfast/ml"
)

// GEMM computes act(op(a) op(b) + bias) into out. A 2D b is shared across
// the batch dimensions of a.
func (l *Layer) GEMM(stream ml.Stream, a, b, bias *ml.Tensor, p ml.GemmParams, act ml.Activation, out *ml.Tensor) (*ml.Tensor, error) {
	attrs, native := l.gemmAttrs(bias != nil, p, act)

	inputs := []*ml.Tensor{a, b}
	if bias != nil {
		inputs = append(inputs, bias)
	}
	return l.run(stream, "gemm", kernels.PrimitiveGEMM, inputs, attrs, act, native, out)
}

// QLinearParams configures a quantized linear layer.
type QLinearParams struct {
	// Weight is the int8 weight quantization, per-tensor or per output channel.
	Weight ml.QuantParams

	// Input, when set, quantizes activations to int8 before the product.
	Input *ml.QuantParams

	Act ml.Activation
}

// QLinear computes act(x * dequant(wq)^T + bias) into out. wq is int8
// [out_features, in_features].
func (l *Layer) QLinear(stream ml.Stream, x, wq, bias *ml.Tensor, p QLinearParams, out *ml.Tensor) (*ml.Tensor, error) {
	attrs, native := l.qlinearAttrs(bias != nil, p)

	inputs := []*ml.Tensor{x, wq}
	if bias != nil {
		inputs = append(inputs, bias)
	}
	return l.run(stream, "qlinear", kernels.PrimitiveQLinear, inputs, attrs, p.Act, native, out)
}
