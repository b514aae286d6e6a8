package fused

import (
	"slices"

	"github.com/ollama/sfast/kernels"
	"github.com/ollama/sfast/ml"
)

// The Check functions validate a fused call from specs alone, without
// issuing work or repacking weights. They return the output spec.

// CheckConv2D validates Conv2D for an OIHW weight spec.
func (l *Layer) CheckConv2D(x, w kernels.Spec, bias *kernels.Spec, act ml.Activation, p ml.Conv2DParams) (kernels.Spec, error) {
	attrs, native := l.convAttrs(bias != nil, act, p)
	return l.check(kernels.PrimitiveConv2D, withBias([]kernels.Spec{x, l.packedSpec(w)}, bias), attrs, act, native)
}

// CheckGEMM validates GEMM.
func (l *Layer) CheckGEMM(a, b kernels.Spec, bias *kernels.Spec, p ml.GemmParams, act ml.Activation) (kernels.Spec, error) {
	attrs, native := l.gemmAttrs(bias != nil, p, act)
	return l.check(kernels.PrimitiveGEMM, withBias([]kernels.Spec{a, b}, bias), attrs, act, native)
}

// CheckQLinear validates QLinear.
func (l *Layer) CheckQLinear(x, wq kernels.Spec, bias *kernels.Spec, p QLinearParams) (kernels.Spec, error) {
	attrs, native := l.qlinearAttrs(bias != nil, p)
	return l.check(kernels.PrimitiveQLinear, withBias([]kernels.Spec{x, wq}, bias), attrs, p.Act, native)
}

func (l *Layer) check(kind kernels.Primitive, in []kernels.Spec, attrs kernels.Attrs, act ml.Activation, native bool) (kernels.Spec, error) {
	out, err := l.set.Check(kind, in, attrs)
	if err != nil {
		return kernels.Spec{}, err
	}
	if act != ml.ActNone && !native {
		pw := kernels.PointwiseAttrs{Op: kernels.PointwiseActivation, Act: act}
		if _, err := l.set.Check(kernels.PrimitivePointwise, []kernels.Spec{out}, pw); err != nil {
			return kernels.Spec{}, err
		}
	}
	return out, nil
}

func (l *Layer) convAttrs(hasBias bool, act ml.Activation, p ml.Conv2DParams) (kernels.ConvAttrs, bool) {
	kernelAct, native := epilogue(l.caps.ConvEpilogue, act)
	return kernels.ConvAttrs{Params: p, Layout: l.caps.ConvWeightLayout, HasBias: hasBias, Act: kernelAct}, native
}

func (l *Layer) gemmAttrs(hasBias bool, p ml.GemmParams, act ml.Activation) (kernels.GemmAttrs, bool) {
	kernelAct, native := epilogue(l.caps.GemmEpilogue, act)
	return kernels.GemmAttrs{Params: p, HasBias: hasBias, Act: kernelAct}, native
}

func (l *Layer) qlinearAttrs(hasBias bool, p QLinearParams) (kernels.QLinearAttrs, bool) {
	kernelAct, native := epilogue(l.caps.QGemmEpilogue, p.Act)
	return kernels.QLinearAttrs{Weight: p.Weight, Input: p.Input, HasBias: hasBias, Act: kernelAct}, native
}

// packedSpec is the spec of w after Prepack.
func (l *Layer) packedSpec(w kernels.Spec) kernels.Spec {
	if l.caps.ConvWeightLayout != ml.LayoutOHWI || len(w.Shape) != 4 {
		return w
	}
	s := w.Shape
	return kernels.Spec{DType: w.DType, Shape: []int{s[0], s[2], s[3], s[1]}, Contiguous: true}
}

func withBias(in []kernels.Spec, bias *kernels.Spec) []kernels.Spec {
	if bias != nil {
		return append(slices.Clip(in), *bias)
	}
	return in
}
