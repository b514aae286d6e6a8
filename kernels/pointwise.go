// pointwise.go - Adapter fuer elementweise Operationen
//
// Bias, Aktivierung, Addition sowie (De-)Quantisierung. Wird fuer nicht
// fusionierte Knoten und fuer Epiloge genutzt, die die Bibliothek nicht
// nativ anbietet.
package kernels

import (
	"slices"

	"github.com/ollama/sfast/ml"
	"github.com/ollama/sfast/types/errtypes"
)

// normAxis resolves a negative axis against rank.
func normAxis(axis, rank int) int {
	if axis < 0 {
		return axis + rank
	}
	return axis
}

func pointwiseDesc(x Spec, a PointwiseAttrs) PointwiseDesc {
	d := PointwiseDesc{Op: a.Op, Act: a.Act, Outer: 1, Channels: 1, Inner: x.elems()}

	channelwise := a.Op == PointwiseBias ||
		((a.Op == PointwiseQuantize || a.Op == PointwiseDequantize) && !a.Quant.PerTensor())
	if channelwise && len(x.Shape) > 0 {
		axis := normAxis(a.Axis, len(x.Shape))
		if a.Op != PointwiseBias {
			axis = a.Quant.Axis
		}
		d.Outer, d.Inner = 1, 1
		for _, n := range x.Shape[:axis] {
			d.Outer *= n
		}
		d.Channels = x.Shape[axis]
		for _, n := range x.Shape[axis+1:] {
			d.Inner *= n
		}
	}

	if a.Op == PointwiseQuantize || a.Op == PointwiseDequantize {
		d.Scales = expand(a.Quant.Scales, d.Channels)
		d.Zeros = expandZeros(a.Quant, d.Channels)
	}
	return d
}

func checkPointwise(caps Capabilities, in []Spec, attrs Attrs) (Spec, error) {
	const name = "pointwise"
	a := attrs.(PointwiseAttrs)

	if len(in) == 0 {
		return Spec{}, errtypes.Unsupported(name, "no inputs")
	}
	x := in[0]
	if !x.Contiguous {
		return Spec{}, errtypes.Unsupported(name, "input %v is not contiguous", x)
	}

	out := Spec{DType: x.DType, Shape: slices.Clone(x.Shape), Contiguous: true}
	switch a.Op {
	case PointwiseActivation:
		if len(in) != 1 {
			return Spec{}, errtypes.Unsupported(name, "activation takes one input")
		}
		if err := checkFloat(name, x); err != nil {
			return Spec{}, err
		}
	case PointwiseBias:
		if len(in) != 2 {
			return Spec{}, errtypes.Unsupported(name, "bias takes two inputs")
		}
		if err := checkFloat(name, in...); err != nil {
			return Spec{}, err
		}
		axis := normAxis(a.Axis, len(x.Shape))
		if axis < 0 || axis >= len(x.Shape) {
			return Spec{}, errtypes.Unsupported(name, "bias axis %d out of range for %v", a.Axis, x)
		}
		if len(in[1].Shape) != 1 || in[1].Shape[0] != x.Shape[axis] {
			return Spec{}, errtypes.Unsupported(name, "bias %v does not match axis %d of %v", in[1], axis, x)
		}
	case PointwiseAdd:
		if len(in) != 2 {
			return Spec{}, errtypes.Unsupported(name, "add takes two inputs")
		}
		if err := checkFloat(name, in...); err != nil {
			return Spec{}, err
		}
		if !slices.Equal(x.Shape, in[1].Shape) {
			return Spec{}, errtypes.Unsupported(name, "add shapes differ: %v and %v", x, in[1])
		}
	case PointwiseQuantize:
		if err := checkFloat(name, x); err != nil {
			return Spec{}, err
		}
		if err := a.Quant.Validate(x.Shape); err != nil {
			return Spec{}, errtypes.Unsupported(name, "quantize: %v", err)
		}
		out.DType = ml.DTypeI8
	case PointwiseDequantize:
		if x.DType != ml.DTypeI8 {
			return Spec{}, errtypes.Unsupported(name, "dequantize input %v must be int8", x)
		}
		if err := a.Quant.Validate(x.Shape); err != nil {
			return Spec{}, errtypes.Unsupported(name, "dequantize: %v", err)
		}
		out.DType = a.OutDType
		if out.DType == ml.DTypeOther {
			out.DType = ml.DTypeF32
		}
		if !out.DType.IsFloat() {
			return Spec{}, errtypes.Unsupported(name, "dequantize to %v", out.DType)
		}
	default:
		return Spec{}, errtypes.Unsupported(name, "unknown op %v", a.Op)
	}
	return out, nil
}

func runPointwise(s *Set, in []*ml.Tensor, attrs Attrs, out *ml.Tensor) error {
	a := attrs.(PointwiseAttrs)
	ws := &s.workspaces[PrimitivePointwise]
	d := pointwiseDesc(SpecOf(in[0]), a)

	switch a.Op {
	case PointwiseQuantize:
		x := ws.stage(slotX, in[0])
		return statusError(PrimitivePointwise, s.lib.Quantize(d, x, out.Int8s()))
	case PointwiseDequantize:
		y := ws.output(out)
		if err := statusError(PrimitivePointwise, s.lib.Dequantize(d, in[0].Int8s(), y)); err != nil {
			return err
		}
		return ws.commit(y, out)
	}

	x := ws.stage(slotX, in[0])
	var operand []float32
	if len(in) > 1 {
		operand = ws.stage(slotOperand, in[1])
	}
	y := ws.output(out)
	if err := statusError(PrimitivePointwise, s.lib.Pointwise(d, x, operand, y)); err != nil {
		return err
	}
	return ws.commit(y, out)
}
