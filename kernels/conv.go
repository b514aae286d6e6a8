// conv.go - Adapter fuer 2D-Faltungen
package kernels

import (
	"github.com/ollama/sfast/ml"
	"github.com/ollama/sfast/types/errtypes"
)

// WeightDims returns out channels, in channels per group and kernel size
// of a 4D convolution weight in the given layout.
func WeightDims(shape []int, layout ml.Layout) (k, c, r, s int) {
	if layout == ml.LayoutOHWI {
		return shape[0], shape[3], shape[1], shape[2]
	}
	return shape[0], shape[1], shape[2], shape[3]
}

func convDesc(x, w Spec, a ConvAttrs) ConvDesc {
	p := a.Params.Normalize()
	k, _, r, s := WeightDims(w.Shape, a.Layout)
	d := ConvDesc{
		N: x.Shape[0], C: x.Shape[1], H: x.Shape[2], W: x.Shape[3],
		K: k, R: r, S: s,
		Params: p,
		Bias:   a.HasBias,
		Act:    a.Act,
	}
	d.P, d.Q = p.OutputSize(d.H, d.W, r, s)
	return d
}

func checkConv(caps Capabilities, in []Spec, attrs Attrs) (Spec, error) {
	const name = "conv2d"
	a := attrs.(ConvAttrs)

	want := 2
	if a.HasBias {
		want = 3
	}
	if len(in) != want {
		return Spec{}, errtypes.Unsupported(name, "expected %d inputs, got %d", want, len(in))
	}

	x, w := in[0], in[1]
	if err := checkFloat(name, in...); err != nil {
		return Spec{}, err
	}
	if len(x.Shape) != 4 || len(w.Shape) != 4 {
		return Spec{}, errtypes.Unsupported(name, "input %v and weight %v must be 4D", x, w)
	}
	if a.Layout != caps.ConvWeightLayout {
		return Spec{}, errtypes.Unsupported(name, "weight layout %v, library requires %v", a.Layout, caps.ConvWeightLayout)
	}
	if err := a.Params.Validate(); err != nil {
		return Spec{}, errtypes.Unsupported(name, "%v", err)
	}

	p := a.Params.Normalize()
	if p.Groups > 1 && !caps.ConvGroups {
		return Spec{}, errtypes.Unsupported(name, "grouped convolution (groups=%d)", p.Groups)
	}

	k, c, _, _ := WeightDims(w.Shape, a.Layout)
	if c*p.Groups != x.Shape[1] {
		return Spec{}, errtypes.Unsupported(name, "weight %v (%v) expects %d input channels, got %d", w, a.Layout, c*p.Groups, x.Shape[1])
	}
	if k%p.Groups != 0 {
		return Spec{}, errtypes.Unsupported(name, "%d output channels not divisible by %d groups", k, p.Groups)
	}
	if a.HasBias && (len(in[2].Shape) != 1 || in[2].Shape[0] != k) {
		return Spec{}, errtypes.Unsupported(name, "bias %v does not match %d output channels", in[2], k)
	}
	if align := caps.HalfAlignment; x.DType.IsHalf() && align > 1 && (x.Shape[1]%align != 0 || k%align != 0) {
		return Spec{}, errtypes.Unsupported(name, "%v channels %d->%d not a multiple of %d", x.DType, x.Shape[1], k, align)
	}
	if a.Act != ml.ActNone && !caps.ConvEpilogue.Has(a.Act) {
		return Spec{}, errtypes.Unsupported(name, "activation %v not available as epilogue", a.Act)
	}

	d := convDesc(x, w, a)
	if d.P <= 0 || d.Q <= 0 {
		return Spec{}, errtypes.Unsupported(name, "empty output %dx%d for input %v", d.P, d.Q, x)
	}
	return Spec{DType: x.DType, Shape: []int{d.N, d.K, d.P, d.Q}, Contiguous: true}, nil
}

func runConv(s *Set, in []*ml.Tensor, attrs Attrs, out *ml.Tensor) error {
	a := attrs.(ConvAttrs)
	ws := &s.workspaces[PrimitiveConv2D]

	d := convDesc(SpecOf(in[0]), SpecOf(in[1]), a)
	x := ws.stage(slotX, in[0])
	w := ws.stage(slotW, in[1])
	var bias []float32
	if a.HasBias {
		bias = ws.stage(slotBias, in[2])
	}
	y := ws.output(out)
	scratch := ws.Floats(slotScratch, s.lib.ConvWorkspace(d))

	if err := statusError(PrimitiveConv2D, s.lib.ConvForward(d, x, w, bias, y, scratch)); err != nil {
		return err
	}
	return ws.commit(y, out)
}

// checkFloat requires floating, contiguous inputs of one dtype.
func checkFloat(name string, in ...Spec) error {
	for i, t := range in {
		if !t.DType.IsFloat() {
			return errtypes.Unsupported(name, "input %d has dtype %v", i, t.DType)
		}
		if t.DType != in[0].DType {
			return errtypes.Unsupported(name, "mixed dtypes %v and %v", in[0].DType, t.DType)
		}
		if !t.Contiguous {
			return errtypes.Unsupported(name, "input %d %v is not contiguous", i, t)
		}
	}
	return nil
}
