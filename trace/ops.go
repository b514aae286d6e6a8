package trace

import (
	"slices"

	"github.com/ollama/sfast/ir"
	"github.com/ollama/sfast/ml"
)

// Conv2D records conv(v, w) with w in OIHW layout.
func (v Value) Conv2D(s *Session, w Value, p ml.Conv2DParams) Value {
	return s.record(ir.OpConv2D, ir.Attrs{Conv: p}, v, w)
}

// AddBias adds a per-channel bias: along axis 1 for NCHW tensors, along
// the last axis otherwise.
func (v Value) AddBias(s *Session, b Value) Value {
	axis := -1
	if len(s.Shape(v)) == 4 {
		axis = 1
	}
	return s.record(ir.OpBiasAdd, ir.Attrs{Axis: axis}, v, b)
}

// Activation applies act. ActNone records nothing.
func (v Value) Activation(s *Session, act ml.Activation) Value {
	if act == ml.ActNone {
		return v
	}
	return s.record(ir.OpActivation, ir.Attrs{Act: act}, v)
}

// Linear computes v * w^T with w [out, in].
func (v Value) Linear(s *Session, w Value) Value {
	return s.record(ir.OpLinear, ir.Attrs{}, v, w)
}

// Matmul computes op(v) * op(b).
func (v Value) Matmul(s *Session, b Value, transA, transB bool) Value {
	return s.record(ir.OpMatmul, ir.Attrs{Gemm: ml.GemmParams{TransA: transA, TransB: transB}}, v, b)
}

func (v Value) Quantize(s *Session, q ml.QuantParams) Value {
	return s.record(ir.OpQuantize, ir.Attrs{Quant: &q}, v)
}

// Dequantize maps int8 values back to F32.
func (v Value) Dequantize(s *Session, q ml.QuantParams) Value {
	return s.record(ir.OpDequantize, ir.Attrs{Quant: &q, DType: ml.DTypeF32}, v)
}

// DequantizeTo maps int8 values back to dtype.
func (v Value) DequantizeTo(s *Session, q ml.QuantParams, dtype ml.DType) Value {
	return s.record(ir.OpDequantize, ir.Attrs{Quant: &q, DType: dtype}, v)
}

func (v Value) Add(s *Session, o Value) Value {
	return s.record(ir.OpAdd, ir.Attrs{}, v, o)
}

// Reshape records a view with a new shape. One dimension may be -1.
func (v Value) Reshape(s *Session, shape ...int) Value {
	return s.record(ir.OpReshape, ir.Attrs{Shape: slices.Clone(shape)}, v)
}
