// Package fused - Fusionierte Operatoren ueber den Kernel-Adaptern
//
// Dieses Modul enthaelt:
// - Layer: fusionierte Faltung, quantisiertes Linear und GEMM
// - Gewichts-Repacking mit Cache (OIHW -> Layout der Bibliothek)
// - Epilog-Auswahl: nativ in einem Launch oder nachgelagert auf demselben Stream
//
// Jeder Fehler eines Adapters, synchron oder spaeter auf dem Stream, wird
// als FusionExecutionError gemeldet. Es gibt keinen stillen Fallback.
package fused

import (
	"errors"
	"sync"

	"github.com/ollama/sfast/kernels"
	"github.com/ollama/sfast/ml"
	"github.com/ollama/sfast/types/errtypes"
)

// Layer runs fused operators through one adapter set. Repacked weights are
// cached per weight tensor until Close.
type Layer struct {
	dev  ml.Device
	set  *kernels.Set
	caps kernels.Capabilities

	mu     sync.Mutex
	packed map[*ml.Tensor]*ml.Tensor
}

// New creates a fused layer that issues work through set.
func New(dev ml.Device, set *kernels.Set) *Layer {
	return &Layer{
		dev:    dev,
		set:    set,
		caps:   set.Capabilities(),
		packed: make(map[*ml.Tensor]*ml.Tensor),
	}
}

// Close frees all repacked weights.
func (l *Layer) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, t := range l.packed {
		l.dev.Free(t)
	}
	clear(l.packed)
}

// Packed returns the number of cached repacked weights.
func (l *Layer) Packed() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.packed)
}

// opStream tags errors of every submitted op with the fused operator.
type opStream struct {
	ml.Stream
	op string
}

func (s opStream) Submit(name string, fn func() error) {
	s.Stream.Submit(name, func() error {
		if err := fn(); err != nil {
			return &errtypes.FusionExecutionError{Op: s.op, Cause: err}
		}
		return nil
	})
}

func fail(op string, err error) error {
	return &errtypes.FusionExecutionError{Op: op, Cause: err}
}

// run issues the main kernel and, when the library cannot apply act in
// its epilogue, a pointwise activation over the result.
func (l *Layer) run(stream ml.Stream, op string, kind kernels.Primitive, inputs []*ml.Tensor, attrs kernels.Attrs, act ml.Activation, native bool, out *ml.Tensor) (*ml.Tensor, error) {
	s := opStream{Stream: stream, op: op}

	allocated := false
	if out == nil {
		spec, err := l.set.Check(kind, specs(inputs), attrs)
		if err != nil {
			return nil, fail(op, err)
		}
		if out, err = l.dev.Alloc(spec.DType, spec.Shape...); err != nil {
			return nil, fail(op, err)
		}
		allocated = true
	}

	if err := l.set.RunInto(s, kind, inputs, attrs, out); err != nil {
		return nil, l.abort(stream, op, out, allocated, false, err)
	}

	if act != ml.ActNone && !native {
		pw := kernels.PointwiseAttrs{Op: kernels.PointwiseActivation, Act: act}
		if err := l.set.RunInto(s, kernels.PrimitivePointwise, []*ml.Tensor{out}, pw, out); err != nil {
			return nil, l.abort(stream, op, out, allocated, true, err)
		}
	}
	return out, nil
}

// abort frees an output allocated by run. When work writing to out is
// already queued, the stream is drained first and its error joined to err.
func (l *Layer) abort(stream ml.Stream, op string, out *ml.Tensor, allocated, queued bool, err error) error {
	if queued {
		if serr := stream.Synchronize(); serr != nil {
			err = errors.Join(err, serr)
		}
	}
	if allocated {
		l.dev.Free(out)
	}
	return fail(op, err)
}

func specs(ts []*ml.Tensor) []kernels.Spec {
	out := make([]kernels.Spec, len(ts))
	for i, t := range ts {
		out[i] = kernels.SpecOf(t)
	}
	return out
}

// epilogue splits act into the part the library applies natively and the
// part issued afterwards.
func epilogue(supported ml.ActivationSet, act ml.Activation) (kernelAct ml.Activation, native bool) {
	if supported.Has(act) {
		return act, true
	}
	return ml.ActNone, false
}
