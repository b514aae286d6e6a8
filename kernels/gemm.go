// gemm.go - Adapter fuer (gebatchte) Matrixmultiplikation
package kernels

import (
	"slices"

	"github.com/ollama/sfast/ml"
	"github.com/ollama/sfast/types/errtypes"
)

func gemmDesc(a, b Spec, attrs GemmAttrs) GemmDesc {
	ra, rb := len(a.Shape), len(b.Shape)
	d := GemmDesc{
		Batch:      1,
		TransA:     attrs.Params.TransA,
		TransB:     attrs.Params.TransB,
		BroadcastB: rb == 2,
		Bias:       attrs.HasBias,
		Act:        attrs.Act,
	}
	for _, n := range a.Shape[:ra-2] {
		d.Batch *= n
	}

	d.M, d.K = a.Shape[ra-2], a.Shape[ra-1]
	if d.TransA {
		d.M, d.K = d.K, d.M
	}
	d.N = b.Shape[rb-1]
	if d.TransB {
		d.N = b.Shape[rb-2]
	}
	return d
}

func checkGemm(caps Capabilities, in []Spec, attrs Attrs) (Spec, error) {
	const name = "gemm"
	g := attrs.(GemmAttrs)

	want := 2
	if g.HasBias {
		want = 3
	}
	if len(in) != want {
		return Spec{}, errtypes.Unsupported(name, "expected %d inputs, got %d", want, len(in))
	}
	if err := checkFloat(name, in...); err != nil {
		return Spec{}, err
	}

	a, b := in[0], in[1]
	ra, rb := len(a.Shape), len(b.Shape)
	if ra < 2 || rb < 2 {
		return Spec{}, errtypes.Unsupported(name, "operands %v and %v must be at least 2D", a, b)
	}
	if rb > 2 && !slices.Equal(a.Shape[:ra-2], b.Shape[:rb-2]) {
		return Spec{}, errtypes.Unsupported(name, "batch dimensions of %v and %v differ", a, b)
	}

	d := gemmDesc(a, b, g)
	kb := b.Shape[rb-2]
	if d.TransB {
		kb = b.Shape[rb-1]
	}
	if kb != d.K {
		return Spec{}, errtypes.Unsupported(name, "inner dimensions differ: %v x %v", a, b)
	}
	if g.HasBias && (len(in[2].Shape) != 1 || in[2].Shape[0] != d.N) {
		return Spec{}, errtypes.Unsupported(name, "bias %v does not match N=%d", in[2], d.N)
	}
	if align := caps.HalfAlignment; a.DType.IsHalf() && align > 1 && (d.K%align != 0 || d.N%align != 0) {
		return Spec{}, errtypes.Unsupported(name, "%v K=%d N=%d not a multiple of %d", a.DType, d.K, d.N, align)
	}
	if g.Act != ml.ActNone && !caps.GemmEpilogue.Has(g.Act) {
		return Spec{}, errtypes.Unsupported(name, "activation %v not available as epilogue", g.Act)
	}

	shape := append(slices.Clone(a.Shape[:ra-2]), d.M, d.N)
	return Spec{DType: a.DType, Shape: shape, Contiguous: true}, nil
}

func runGemm(s *Set, in []*ml.Tensor, attrs Attrs, out *ml.Tensor) error {
	g := attrs.(GemmAttrs)
	ws := &s.workspaces[PrimitiveGEMM]

	d := gemmDesc(SpecOf(in[0]), SpecOf(in[1]), g)
	a := ws.stage(slotX, in[0])
	b := ws.stage(slotW, in[1])
	var bias []float32
	if g.HasBias {
		bias = ws.stage(slotBias, in[2])
	}
	c := ws.output(out)

	if err := statusError(PrimitiveGEMM, s.lib.Gemm(d, a, b, bias, c)); err != nil {
		return err
	}
	return ws.commit(c, out)
}
