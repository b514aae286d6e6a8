// Package convnet - Kleiner Diffusions-Block aus Faltungen und Projektionen
//
// Dieses Modul enthaelt:
// - Model: conv_in -> Residual-Block -> conv_out auf den Latents und eine
//   zweistufige Kontext-Projektion mit Softmax
// - RandomWeights: deterministische Gewichte fuer Benchmarks und Tests
//
// Die Linear-Gewichte koennen als int8 mit Skalierung pro Ausgabekanal
// vorliegen; optional werden die Aktivierungen zur Laufzeit quantisiert.
package convnet

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/ollama/sfast/ir"
	"github.com/ollama/sfast/ml"
	"github.com/ollama/sfast/model"
	"github.com/ollama/sfast/trace"
)

const (
	Name = "convnet"

	LatentChannels = 4
	ContextLen     = 8
	ContextDim     = 32

	// activationScale quantisiert Aktivierungen im Bereich [-2, 2]
	activationScale = 2.0 / 127
)

func init() {
	model.Register(Name, New)
	model.RegisterRandom(Name, func(opts model.Options, seed uint64) model.Weights {
		return RandomWeights(opts, seed)
	})
}

// Conv ist eine 3x3-Faltung mit optionalem Bias
type Conv struct {
	Weight *ml.Tensor `sfast:"weight"`
	Bias   *ml.Tensor `sfast:"bias,opt"`
}

func (c *Conv) Forward(s *trace.Session, name string, x trace.Value) trace.Value {
	y := x.Conv2D(s, s.Param(name+".weight", c.Weight), ml.Conv2DParams{PadH: 1, PadW: 1})
	if c.Bias != nil {
		y = y.AddBias(s, s.Param(name+".bias", c.Bias))
	}
	return y
}

// Linear ist eine Projektion; ein int8-Gewicht braucht weight_scale
type Linear struct {
	Weight *ml.Tensor `sfast:"weight"`
	Scale  *ml.Tensor `sfast:"weight_scale,opt"`
	Bias   *ml.Tensor `sfast:"bias,opt"`
}

func (l *Linear) quantized() bool {
	return l.Weight.DType() == ml.DTypeI8
}

func (l *Linear) Forward(s *trace.Session, name string, x trace.Value, act ml.Activation, dynamic bool) trace.Value {
	w := s.Param(name+".weight", l.Weight)
	if l.quantized() {
		w = w.Dequantize(s, ml.QuantParams{Scales: l.Scale.Floats(), Axis: 0})
		if dynamic {
			q := ml.QuantParams{Scales: []float32{activationScale}}
			x = x.Quantize(s, q).Dequantize(s, q)
		}
	}

	y := x.Linear(s, w)
	if l.Bias != nil {
		y = y.AddBias(s, s.Param(name+".bias", l.Bias))
	}
	return y.Activation(s, act)
}

// Model ist ein diffusionsartiger Block
type Model struct {
	opts model.Options

	ConvIn *Conv `sfast:"conv_in"`
	Res    struct {
		Conv1 *Conv `sfast:"conv1"`
		Conv2 *Conv `sfast:"conv2"`
	} `sfast:"res"`
	ConvOut *Conv      `sfast:"conv_out"`
	Proj    [2]*Linear `sfast:"proj"`
}

// New baut das Modell aus w
func New(opts model.Options, w model.Weights) (model.Model, error) {
	opts = defaults(opts)
	m := &Model{opts: opts}
	if err := model.Populate(m, w); err != nil {
		return nil, fmt.Errorf("%s: %w", Name, err)
	}
	return m, nil
}

func defaults(opts model.Options) model.Options {
	if opts.Height <= 0 {
		opts.Height = 16
	}
	if opts.Width <= 0 {
		opts.Width = 16
	}
	if opts.Channels <= 0 {
		opts.Channels = 32
	}
	return opts
}

func (m *Model) Name() string { return Name }

func (m *Model) Inputs() []model.Input {
	return []model.Input{
		{Name: "latents", DType: ml.DTypeF32, Shape: []int{-1, LatentChannels, m.opts.Height, m.opts.Width}},
		{Name: "context", DType: ml.DTypeF32, Shape: []int{-1, ContextLen, ContextDim}},
	}
}

// Validate prueft die Gewichts-Shapes
func (m *Model) Validate() error {
	c := m.opts.Channels
	convs := []struct {
		name string
		conv *Conv
		out  int
		in   int
	}{
		{"conv_in", m.ConvIn, c, LatentChannels},
		{"res.conv1", m.Res.Conv1, c, c},
		{"res.conv2", m.Res.Conv2, c, c},
		{"conv_out", m.ConvOut, LatentChannels, c},
	}
	for _, cv := range convs {
		if got, want := cv.conv.Weight.Shape(), []int{cv.out, cv.in, 3, 3}; !slices.Equal(got, want) {
			return fmt.Errorf("%s: %s.weight has shape %v, want %v", Name, cv.name, got, want)
		}
	}

	for i, l := range m.Proj {
		if l.Weight.Rank() != 2 {
			return fmt.Errorf("%s: proj.%d.weight has shape %v", Name, i, l.Weight.Shape())
		}
		if l.quantized() && (l.Scale == nil || l.Scale.Elems() != l.Weight.Dim(0)) {
			return fmt.Errorf("%s: proj.%d is int8 without per-channel weight_scale", Name, i)
		}
	}
	if m.Proj[0].Weight.Dim(1) != ContextDim || m.Proj[1].Weight.Dim(0) != ContextDim ||
		m.Proj[1].Weight.Dim(1) != m.Proj[0].Weight.Dim(0) {
		return fmt.Errorf("%s: projection shapes %v and %v do not chain", Name, m.Proj[0].Weight.Shape(), m.Proj[1].Weight.Shape())
	}
	return nil
}

// Forward zeichnet den Block auf: [latents, context] -> [noise, attention]
func (m *Model) Forward(s *trace.Session, inputs []trace.Value) ([]trace.Value, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("%s: expected 2 inputs, got %d", Name, len(inputs))
	}
	x, ctx := inputs[0], inputs[1]

	h := m.ConvIn.Forward(s, "conv_in", x).Activation(s, ml.ActSiLU)
	r := m.Res.Conv1.Forward(s, "res.conv1", h).Activation(s, ml.ActSiLU)
	r = m.Res.Conv2.Forward(s, "res.conv2", r)
	h = h.Add(s, r).Activation(s, ml.ActSiLU)
	noise := m.ConvOut.Forward(s, "conv_out", h)

	dynamic := m.opts.DynamicQuant
	c := m.Proj[0].Forward(s, "proj.0", ctx, ml.ActGELU, dynamic)
	c = m.Proj[1].Forward(s, "proj.1", c, ml.ActNone, dynamic)
	attn := s.Opaque("softmax", ir.Binding{DType: ml.DTypeF32}, c)

	return []trace.Value{noise, attn}, s.Err()
}

// RandomWeights erzeugt deterministische Gewichte fuer opts
func RandomWeights(opts model.Options, seed uint64) model.TensorMap {
	opts = defaults(opts)
	r := rand.New(rand.NewPCG(seed, seed^0x5f))
	w := make(model.TensorMap)

	uniform := func(name string, bound float64, shape ...int) {
		t := ml.NewTensor(ml.DTypeF32, shape...)
		for i := range t.F32() {
			t.F32()[i] = float32((r.Float64()*2 - 1) * bound)
		}
		w[name] = t
	}
	conv := func(name string, out, in int) {
		bound := 1 / math.Sqrt(float64(in*9))
		uniform(name+".weight", bound, out, in, 3, 3)
		uniform(name+".bias", bound, out)
	}
	linear := func(name string, out, in int) {
		bound := 1 / math.Sqrt(float64(in))
		uniform(name+".weight", bound, out, in)
		uniform(name+".bias", bound, out)
		if opts.Quantize {
			w[name+".weight"], w[name+".weight_scale"] = quantize(w[name+".weight"])
		}
	}

	c := opts.Channels
	conv("conv_in", c, LatentChannels)
	conv("res.conv1", c, c)
	conv("res.conv2", c, c)
	conv("conv_out", LatentChannels, c)
	linear("proj.0", 2*ContextDim, ContextDim)
	linear("proj.1", ContextDim, 2*ContextDim)
	return w
}

// quantize quantisiert ein [N,K]-Gewicht symmetrisch pro Ausgabekanal
func quantize(w *ml.Tensor) (q, scale *ml.Tensor) {
	n, k := w.Dim(0), w.Dim(1)
	vals := w.F32()
	scales := make([]float32, n)
	data := make([]int8, n*k)
	for i := range n {
		var amax float32
		for _, v := range vals[i*k : (i+1)*k] {
			amax = max(amax, float32(math.Abs(float64(v))))
		}
		scales[i] = max(amax/127, 1e-8)
		for j, v := range vals[i*k : (i+1)*k] {
			data[i*k+j] = ml.QuantizeValue(v, scales[i], 0)
		}
	}

	q, _ = ml.FromInt8s(data, n, k)
	scale, _ = ml.FromFloats(ml.DTypeF32, scales, n)
	return q, scale
}
