// library.go - Mathe-Bibliothek des CPU-Geraets
//
// GEMM laeuft ueber gonum blas32, Faltungen als im2col + GEMM mit
// Gewichten im OHWI-Layout, int8-GEMM mit int32-Akkumulation.
package cpu

import (
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/ollama/sfast/kernels"
	"github.com/ollama/sfast/ml"
)

var (
	convEpilogue  = ml.Activations(ml.ActNone, ml.ActReLU)
	gemmEpilogue  = ml.Activations(ml.ActNone, ml.ActReLU, ml.ActGELU)
	qgemmEpilogue = ml.Activations(ml.ActNone, ml.ActReLU)
)

// Library implements kernels.Library on the host.
type Library struct {
	threads int
}

// NewLibrary returns a library that parallelizes across at most threads
// goroutines.
func NewLibrary(threads int) *Library {
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	return &Library{threads: threads}
}

func (l *Library) Capabilities() kernels.Capabilities {
	return kernels.Capabilities{
		Name:                   "cpu-gonum",
		ConvWeightLayout:       ml.LayoutOHWI,
		ConvGroups:             true,
		ConvEpilogue:           convEpilogue,
		GemmEpilogue:           gemmEpilogue,
		QGemmEpilogue:          qgemmEpilogue,
		QGemmInt8Activations:   true,
		QGemmAsymmetricWeights: false,
		HalfAlignment:          8,
	}
}

// epilogue adds bias per column of each row of width n and applies act.
func epilogue(y, bias []float32, n int, act ml.Activation) {
	if bias == nil && act == ml.ActNone {
		return
	}
	for i := range y {
		v := y[i]
		if bias != nil {
			v += bias[i%n]
		}
		y[i] = act.Apply(v)
	}
}

func transpose(t bool) blas.Transpose {
	if t {
		return blas.Trans
	}
	return blas.NoTrans
}

// general describes a stored rows x cols row major matrix.
func general(data []float32, rows, cols int) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: max(cols, 1), Data: data}
}

// =============================================================================
// GEMM
// =============================================================================

func (l *Library) Gemm(d kernels.GemmDesc, a, b, bias, c []float32) kernels.Status {
	if !gemmEpilogue.Has(d.Act) {
		return kernels.StatusNotSupported
	}

	mk, kn, mn := d.M*d.K, d.K*d.N, d.M*d.N
	nb := d.Batch
	if d.BroadcastB {
		nb = 1
	}
	if len(a) < d.Batch*mk || len(b) < nb*kn || len(c) < d.Batch*mn || (d.Bias && len(bias) < d.N) {
		return kernels.StatusBadParam
	}
	if d.Batch == 0 || mn == 0 {
		return kernels.StatusSuccess
	}

	for i := range d.Batch {
		ci := c[i*mn : (i+1)*mn]
		if d.K == 0 {
			clear(ci)
		} else {
			ai, bi := a[i*mk:(i+1)*mk], b[:kn]
			if !d.BroadcastB {
				bi = b[i*kn : (i+1)*kn]
			}

			am := general(ai, d.M, d.K)
			if d.TransA {
				am = general(ai, d.K, d.M)
			}
			bm := general(bi, d.K, d.N)
			if d.TransB {
				bm = general(bi, d.N, d.K)
			}
			blas32.Gemm(transpose(d.TransA), transpose(d.TransB), 1, am, bm, 0, general(ci, d.M, d.N))
		}

		if d.Bias {
			epilogue(ci, bias, d.N, d.Act)
		} else {
			epilogue(ci, nil, d.N, d.Act)
		}
	}
	return kernels.StatusSuccess
}

// =============================================================================
// Faltung
// =============================================================================

func (l *Library) ConvWorkspace(d kernels.ConvDesc) int {
	groups := max(d.Params.Groups, 1)
	return d.N * (d.C / groups) * d.R * d.S * d.P * d.Q
}

func (l *Library) ConvForward(d kernels.ConvDesc, x, w, bias, y, workspace []float32) kernels.Status {
	if !convEpilogue.Has(d.Act) {
		return kernels.StatusNotSupported
	}

	p := d.Params.Normalize()
	groups := p.Groups
	cg, kg := d.C/groups, d.K/groups
	rsc := d.R * d.S * cg
	pq := d.P * d.Q
	chw := d.C * d.H * d.W

	if len(x) < d.N*chw || len(w) < d.K*rsc || len(y) < d.N*d.K*pq ||
		len(workspace) < l.ConvWorkspace(d) || (d.Bias && len(bias) < d.K) {
		return kernels.StatusBadParam
	}

	var g errgroup.Group
	g.SetLimit(l.threads)
	for n := range d.N {
		g.Go(func() error {
			col := workspace[n*rsc*pq : (n+1)*rsc*pq]
			for grp := range groups {
				im2col(d, p, x[n*chw:(n+1)*chw], grp*cg, cg, col)
				out := y[(n*d.K+grp*kg)*pq : (n*d.K+(grp+1)*kg)*pq]
				blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
					general(w[grp*kg*rsc:(grp+1)*kg*rsc], kg, rsc),
					general(col, rsc, pq),
					0, general(out, kg, pq))
			}

			if d.Bias || d.Act != ml.ActNone {
				yn := y[n*d.K*pq : (n+1)*d.K*pq]
				for k := range d.K {
					var b float32
					if d.Bias {
						b = bias[k]
					}
					row := yn[k*pq : (k+1)*pq]
					for i, v := range row {
						row[i] = d.Act.Apply(v + b)
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return kernels.StatusExecutionFailed
	}
	return kernels.StatusSuccess
}

// im2col unfolds channels [c0, c0+cg) of one CHW image into col, a
// [R*S*cg, P*Q] matrix whose rows follow the OHWI weight order (r, s, c).
func im2col(d kernels.ConvDesc, p ml.Conv2DParams, x []float32, c0, cg int, col []float32) {
	pq := d.P * d.Q
	for r := range d.R {
		for s := range d.S {
			for c := range cg {
				row := col[((r*d.S+s)*cg+c)*pq:][:pq]
				plane := x[(c0+c)*d.H*d.W:][:d.H*d.W]
				for oh := range d.P {
					ih := oh*p.StrideH - p.PadH + r*p.DilationH
					for ow := range d.Q {
						iw := ow*p.StrideW - p.PadW + s*p.DilationW
						var v float32
						if ih >= 0 && ih < d.H && iw >= 0 && iw < d.W {
							v = plane[ih*d.W+iw]
						}
						row[oh*d.Q+ow] = v
					}
				}
			}
		}
	}
}

// =============================================================================
// Quantisierte GEMM
// =============================================================================

func (l *Library) QGemmWorkspace(d kernels.QGemmDesc) (int, int) {
	if d.Int8Input {
		return d.M * d.K, d.M * d.N
	}
	return 0, 0
}

func (l *Library) QGemm(d kernels.QGemmDesc, x []float32, w []int8, bias, y []float32, xq []int8, acc []int32) kernels.Status {
	if !qgemmEpilogue.Has(d.Act) {
		return kernels.StatusNotSupported
	}
	if len(x) < d.M*d.K || len(w) < d.N*d.K || len(y) < d.M*d.N ||
		len(d.WeightScales) < d.N || len(d.WeightZeros) < d.N || (d.Bias && len(bias) < d.N) {
		return kernels.StatusBadParam
	}

	if d.Int8Input {
		for _, z := range d.WeightZeros[:d.N] {
			if z != 0 {
				return kernels.StatusNotSupported
			}
		}
		n8, n32 := l.QGemmWorkspace(d)
		if len(xq) < n8 || len(acc) < n32 {
			return kernels.StatusBadParam
		}
		for i, v := range x[:d.M*d.K] {
			xq[i] = ml.QuantizeValue(v, d.InputScale, d.InputZero)
		}
	}

	var g errgroup.Group
	g.SetLimit(l.threads)
	for m := range d.M {
		g.Go(func() error {
			out := y[m*d.N : (m+1)*d.N]
			if d.Int8Input {
				row := xq[m*d.K : (m+1)*d.K]
				a := acc[m*d.N : (m+1)*d.N]
				for n := range d.N {
					var sum int32
					for k, wv := range w[n*d.K : (n+1)*d.K] {
						sum += (int32(row[k]) - d.InputZero) * int32(wv)
					}
					a[n] = sum
					out[n] = float32(sum) * d.InputScale * d.WeightScales[n]
				}
			} else {
				row := x[m*d.K : (m+1)*d.K]
				for n := range d.N {
					zero := float32(d.WeightZeros[n])
					var sum float32
					for k, wv := range w[n*d.K : (n+1)*d.K] {
						sum += row[k] * (float32(wv) - zero)
					}
					out[n] = sum * d.WeightScales[n]
				}
			}

			var b []float32
			if d.Bias {
				b = bias
			}
			epilogue(out, b, d.N, d.Act)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return kernels.StatusExecutionFailed
	}
	return kernels.StatusSuccess
}

// =============================================================================
// Elementweise Operationen
// =============================================================================

func (l *Library) Pointwise(d kernels.PointwiseDesc, x, operand, y []float32) kernels.Status {
	n := d.Elems()
	if len(x) < n || len(y) < n {
		return kernels.StatusBadParam
	}

	switch d.Op {
	case kernels.PointwiseActivation:
		for i, v := range x[:n] {
			y[i] = d.Act.Apply(v)
		}
	case kernels.PointwiseBias:
		if len(operand) < d.Channels {
			return kernels.StatusBadParam
		}
		for i, v := range x[:n] {
			y[i] = v + operand[(i/d.Inner)%d.Channels]
		}
	case kernels.PointwiseAdd:
		if len(operand) < n {
			return kernels.StatusBadParam
		}
		for i, v := range x[:n] {
			y[i] = v + operand[i]
		}
	default:
		return kernels.StatusNotSupported
	}
	return kernels.StatusSuccess
}

func (l *Library) Quantize(d kernels.PointwiseDesc, x []float32, q []int8) kernels.Status {
	n := d.Elems()
	if len(x) < n || len(q) < n || len(d.Scales) < d.Channels || len(d.Zeros) < d.Channels {
		return kernels.StatusBadParam
	}
	for i, v := range x[:n] {
		c := (i / d.Inner) % d.Channels
		q[i] = ml.QuantizeValue(v, d.Scales[c], d.Zeros[c])
	}
	return kernels.StatusSuccess
}

func (l *Library) Dequantize(d kernels.PointwiseDesc, q []int8, y []float32) kernels.Status {
	n := d.Elems()
	if len(q) < n || len(y) < n || len(d.Scales) < d.Channels || len(d.Zeros) < d.Channels {
		return kernels.StatusBadParam
	}
	for i, v := range q[:n] {
		c := (i / d.Inner) % d.Channels
		y[i] = ml.DequantizeValue(v, d.Scales[c], d.Zeros[c])
	}
	return kernels.StatusSuccess
}
