// conv.go - Fusionierte Faltung mit Bias und Aktivierung
package fused

import (
	"fmt"

	"github.com/ollama/sfast/kernels"
	"github.com/ollama/sfast/logutil"
	"github.com/ollama/sfast/ml"
)

// Conv2D computes act(conv(x, w) + bias) into out. w is in OIHW layout as
// traced; bias may be nil. When out is nil it is allocated on the device.
func (l *Layer) Conv2D(stream ml.Stream, x, w, bias *ml.Tensor, act ml.Activation, p ml.Conv2DParams, out *ml.Tensor) (*ml.Tensor, error) {
	const op = "conv2d"

	packed, err := l.Prepack(w)
	if err != nil {
		return nil, fail(op, err)
	}

	attrs, native := l.convAttrs(bias != nil, act, p)

	inputs := []*ml.Tensor{x, packed}
	if bias != nil {
		inputs = append(inputs, bias)
	}
	return l.run(stream, op, kernels.PrimitiveConv2D, inputs, attrs, act, native, out)
}

// Prepack returns w in the weight layout the library requires. The
// repacked copy is made once per weight and reused.
func (l *Layer) Prepack(w *ml.Tensor) (*ml.Tensor, error) {
	if w.Rank() != 4 {
		return nil, fmt.Errorf("convolution weight %v must be 4D", w)
	}
	if l.caps.ConvWeightLayout == ml.LayoutOIHW {
		return w, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if p, ok := l.packed[w]; ok {
		return p, nil
	}

	k, c, r, s := w.Dim(0), w.Dim(1), w.Dim(2), w.Dim(3)
	packed, err := l.dev.Alloc(w.DType(), k, r, s, c)
	if err != nil {
		return nil, err
	}
	if err := repackOHWI(w, packed); err != nil {
		l.dev.Free(packed)
		return nil, err
	}

	l.packed[w] = packed
	logutil.Trace("fused: repacked weight", "from", w, "to", packed, "layout", l.caps.ConvWeightLayout)
	return packed, nil
}

// repackOHWI copies an OIHW weight into an OHWI tensor.
func repackOHWI(w, dst *ml.Tensor) error {
	k, c, r, s := w.Dim(0), w.Dim(1), w.Dim(2), w.Dim(3)
	src := w.Floats()
	vals := make([]float32, len(src))
	for o := range k {
		for i := range c {
			for y := range r {
				for x := range s {
					vals[((o*r+y)*s+x)*c+i] = src[((o*c+i)*r+y)*s+x]
				}
			}
		}
	}
	return dst.SetFloats(vals)
}
