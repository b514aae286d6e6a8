// qlinear.go - Adapter fuer quantisierte Linear-Schichten (int8-Gewichte)
package kernels

import (
	"slices"

	"github.com/ollama/sfast/ml"
	"github.com/ollama/sfast/types/errtypes"
)

func qgemmDesc(x, w Spec, a QLinearAttrs) QGemmDesc {
	k := x.Shape[len(x.Shape)-1]
	d := QGemmDesc{
		M:            x.elems() / max(k, 1),
		N:            w.Shape[0],
		K:            k,
		WeightScales: expand(a.Weight.Scales, w.Shape[0]),
		WeightZeros:  expandZeros(a.Weight, w.Shape[0]),
		Bias:         a.HasBias,
		Act:          a.Act,
	}
	if a.Input != nil {
		d.Int8Input = true
		d.InputScale = a.Input.Scale(0)
		d.InputZero = a.Input.Zero(0)
	}
	return d
}

func checkQLinear(caps Capabilities, in []Spec, attrs Attrs) (Spec, error) {
	const name = "qlinear"
	a := attrs.(QLinearAttrs)

	want := 2
	if a.HasBias {
		want = 3
	}
	if len(in) != want {
		return Spec{}, errtypes.Unsupported(name, "expected %d inputs, got %d", want, len(in))
	}

	x, w := in[0], in[1]
	if err := checkFloat(name, x); err != nil {
		return Spec{}, err
	}
	if w.DType != ml.DTypeI8 || len(w.Shape) != 2 || !w.Contiguous {
		return Spec{}, errtypes.Unsupported(name, "weight %v must be contiguous int8 [N,K]", w)
	}
	if len(x.Shape) < 1 || x.Shape[len(x.Shape)-1] != w.Shape[1] {
		return Spec{}, errtypes.Unsupported(name, "input %v does not match weight %v", x, w)
	}
	if err := a.Weight.Validate(w.Shape); err != nil {
		return Spec{}, errtypes.Unsupported(name, "weight quantization: %v", err)
	}
	if !a.Weight.PerTensor() && a.Weight.Axis != 0 {
		return Spec{}, errtypes.Unsupported(name, "per-channel weight scales must be along the output axis, got axis %d", a.Weight.Axis)
	}
	if a.HasBias {
		if err := checkFloat(name, x, in[2]); err != nil {
			return Spec{}, err
		}
		if len(in[2].Shape) != 1 || in[2].Shape[0] != w.Shape[0] {
			return Spec{}, errtypes.Unsupported(name, "bias %v does not match N=%d", in[2], w.Shape[0])
		}
	}

	if a.Input != nil {
		if !caps.QGemmInt8Activations {
			return Spec{}, errtypes.Unsupported(name, "int8 activations")
		}
		if err := a.Input.Validate(x.Shape); err != nil || !a.Input.PerTensor() {
			return Spec{}, errtypes.Unsupported(name, "activation quantization must be per-tensor int8")
		}
		if !caps.QGemmAsymmetricWeights && slices.ContainsFunc(a.Weight.ZeroPoints, func(z int32) bool { return z != 0 }) {
			return Spec{}, errtypes.Unsupported(name, "asymmetric weights with int8 activations")
		}
	}
	if a.Act != ml.ActNone && !caps.QGemmEpilogue.Has(a.Act) {
		return Spec{}, errtypes.Unsupported(name, "activation %v not available as epilogue", a.Act)
	}

	shape := append(slices.Clone(x.Shape[:len(x.Shape)-1]), w.Shape[0])
	return Spec{DType: x.DType, Shape: shape, Contiguous: true}, nil
}

func runQLinear(s *Set, in []*ml.Tensor, attrs Attrs, out *ml.Tensor) error {
	a := attrs.(QLinearAttrs)
	ws := &s.workspaces[PrimitiveQLinear]

	d := qgemmDesc(SpecOf(in[0]), SpecOf(in[1]), a)
	x := ws.stage(slotX, in[0])
	var bias []float32
	if a.HasBias {
		bias = ws.stage(slotBias, in[2])
	}
	y := ws.output(out)

	n8, n32 := s.lib.QGemmWorkspace(d)
	xq, acc := ws.Int8s(n8), ws.Int32s(n32)
	if err := statusError(PrimitiveQLinear, s.lib.QGemm(d, x, in[1].Int8s(), bias, y, xq, acc)); err != nil {
		return err
	}
	return ws.commit(y, out)
}

func expand(scales []float32, n int) []float32 {
	if len(scales) == n {
		return scales
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = scales[0]
	}
	return out
}

func expandZeros(q ml.QuantParams, n int) []int32 {
	out := make([]int32, n)
	for i := range out {
		out[i] = q.Zero(i % max(len(q.Scales), 1))
	}
	return out
}
