// Package kernels - Adapter zwischen fusionierten Operatoren und der Mathe-Bibliothek
//
// Dieses Modul enthaelt:
// - Primitive: geschlossene Menge der Kernel-Arten mit Dispatch-Tabelle
// - Attrs: Attribut-Strukturen je Primitive
// - Spec: Shape/DType-Beschreibung fuer Vorabpruefungen ohne Daten
// - Set: Adapter-Satz mit eigenem Workspace je Primitive
package kernels

import (
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/ollama/sfast/ml"
)

// Primitive is the kind of kernel an adapter runs.
type Primitive int

const (
	PrimitiveConv2D Primitive = iota
	PrimitiveGEMM
	PrimitiveQLinear
	PrimitivePointwise

	numPrimitives
)

func (p Primitive) String() string {
	switch p {
	case PrimitiveConv2D:
		return "conv2d"
	case PrimitiveGEMM:
		return "gemm"
	case PrimitiveQLinear:
		return "qlinear"
	case PrimitivePointwise:
		return "pointwise"
	}
	return fmt.Sprintf("primitive(%d)", int(p))
}

// Attrs are the per-primitive attributes of a kernel call.
type Attrs interface {
	Primitive() Primitive
}

// ConvAttrs: inputs are [x NCHW, w, bias?].
type ConvAttrs struct {
	Params  ml.Conv2DParams
	Layout  ml.Layout
	HasBias bool
	Act     ml.Activation
}

// GemmAttrs: inputs are [a, b, bias?]. A rank 2 b is shared across
// the batch dimensions of a.
type GemmAttrs struct {
	Params  ml.GemmParams
	HasBias bool
	Act     ml.Activation
}

// QLinearAttrs: inputs are [x, w int8 [N,K], bias?]. Input, when set,
// quantizes x to int8 before the product.
type QLinearAttrs struct {
	Weight  ml.QuantParams
	Input   *ml.QuantParams
	HasBias bool
	Act     ml.Activation
}

// PointwiseAttrs: inputs are [x] or [x, operand] for bias and add.
type PointwiseAttrs struct {
	Op    PointwiseOp
	Act   ml.Activation
	Axis  int
	Quant ml.QuantParams

	// OutDType is the result type of PointwiseDequantize, F32 if unset.
	OutDType ml.DType
}

func (ConvAttrs) Primitive() Primitive      { return PrimitiveConv2D }
func (GemmAttrs) Primitive() Primitive      { return PrimitiveGEMM }
func (QLinearAttrs) Primitive() Primitive   { return PrimitiveQLinear }
func (PointwiseAttrs) Primitive() Primitive { return PrimitivePointwise }

// Spec describes a tensor without its data.
type Spec struct {
	DType      ml.DType
	Shape      []int
	Contiguous bool
}

// SpecOf returns the spec of t.
func SpecOf(t *ml.Tensor) Spec {
	return Spec{DType: t.DType(), Shape: t.Shape(), Contiguous: t.IsContiguous()}
}

func (s Spec) String() string {
	return fmt.Sprintf("%v%v", s.DType, s.Shape)
}

func (s Spec) elems() int {
	n := 1
	for _, d := range s.Shape {
		n *= d
	}
	return n
}

// =============================================================================
// Dispatch-Tabelle
// =============================================================================

type primitive struct {
	check func(caps Capabilities, in []Spec, attrs Attrs) (Spec, error)
	run   func(s *Set, in []*ml.Tensor, attrs Attrs, out *ml.Tensor) error
}

var primitives = [numPrimitives]primitive{
	PrimitiveConv2D:    {check: checkConv, run: runConv},
	PrimitiveGEMM:      {check: checkGemm, run: runGemm},
	PrimitiveQLinear:   {check: checkQLinear, run: runQLinear},
	PrimitivePointwise: {check: checkPointwise, run: runPointwise},
}

func lookup(kind Primitive, attrs Attrs) (primitive, error) {
	if kind < 0 || kind >= numPrimitives {
		return primitive{}, fmt.Errorf("unknown primitive %v", kind)
	}
	if attrs == nil || attrs.Primitive() != kind {
		return primitive{}, fmt.Errorf("%v: attributes %T do not match", kind, attrs)
	}
	return primitives[kind], nil
}

// =============================================================================
// Set
// =============================================================================

// Set is a group of adapters sharing one library. Each primitive owns a
// workspace that grows on demand and is reused by later calls. A Set must
// only issue work to one stream at a time.
type Set struct {
	dev  ml.Device
	lib  Library
	caps Capabilities

	workspaces [numPrimitives]Workspace
	launches   atomic.Int64
}

// NewSet creates an adapter set. dev is used for outputs allocated by Run.
func NewSet(dev ml.Device, lib Library) *Set {
	s := &Set{dev: dev, lib: lib, caps: lib.Capabilities()}
	for i := range s.workspaces {
		s.workspaces[i].primitive = Primitive(i)
	}
	return s
}

// Capabilities returns the capabilities of the underlying library.
func (s *Set) Capabilities() Capabilities {
	return s.caps
}

// Check validates a call and returns the output spec. Configurations the
// library cannot run yield UnsupportedConfiguration.
func (s *Set) Check(kind Primitive, in []Spec, attrs Attrs) (Spec, error) {
	p, err := lookup(kind, attrs)
	if err != nil {
		return Spec{}, err
	}
	return p.check(s.caps, in, attrs)
}

// Run allocates the output on the device and enqueues the kernel on
// stream. The output is written when the stream reaches the call.
func (s *Set) Run(stream ml.Stream, kind Primitive, inputs []*ml.Tensor, attrs Attrs) (*ml.Tensor, error) {
	spec, err := s.Check(kind, specs(inputs), attrs)
	if err != nil {
		return nil, err
	}

	out, err := s.dev.Alloc(spec.DType, spec.Shape...)
	if err != nil {
		return nil, err
	}

	if err := s.enqueue(stream, kind, inputs, attrs, out); err != nil {
		s.dev.Free(out)
		return nil, err
	}
	return out, nil
}

// RunInto enqueues the kernel writing into a preallocated output.
func (s *Set) RunInto(stream ml.Stream, kind Primitive, inputs []*ml.Tensor, attrs Attrs, out *ml.Tensor) error {
	spec, err := s.Check(kind, specs(inputs), attrs)
	if err != nil {
		return err
	}
	if out.DType() != spec.DType || !slices.Equal(out.Shape(), spec.Shape) || !out.IsContiguous() {
		return fmt.Errorf("%v: output %v does not match expected %v", kind, out, spec)
	}
	return s.enqueue(stream, kind, inputs, attrs, out)
}

func (s *Set) enqueue(stream ml.Stream, kind Primitive, inputs []*ml.Tensor, attrs Attrs, out *ml.Tensor) error {
	p := primitives[kind]
	inputs = slices.Clone(inputs)
	stream.Submit(kind.String(), func() error {
		return p.run(s, inputs, attrs, out)
	})
	s.launches.Add(1)
	return nil
}

// Launches returns the number of kernels enqueued so far.
func (s *Set) Launches() int64 {
	return s.launches.Load()
}

// WorkspaceBytes returns the current workspace size of each primitive.
func (s *Set) WorkspaceBytes() map[Primitive]int {
	m := make(map[Primitive]int, numPrimitives)
	for i := range s.workspaces {
		m[Primitive(i)] = s.workspaces[i].Size()
	}
	return m
}

func specs(ts []*ml.Tensor) []Spec {
	out := make([]Spec, len(ts))
	for i, t := range ts {
		if t != nil {
			out[i] = SpecOf(t)
		}
	}
	return out
}
