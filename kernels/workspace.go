// workspace.go - Wiederverwendbarer Scratch-Speicher je Primitive
package kernels

import (
	"sync/atomic"

	"github.com/ollama/sfast/format"
	"github.com/ollama/sfast/logutil"
	"github.com/ollama/sfast/ml"
)

// staging slots of a workspace
const (
	slotScratch = iota
	slotX
	slotW
	slotBias
	slotY
	slotOperand

	numSlots
)

// Workspace holds scratch buffers of one primitive. Buffers only grow.
// It is touched by the stream worker only; Size may be read concurrently.
type Workspace struct {
	primitive Primitive

	f32  [numSlots][]float32
	i8   []int8
	i32  []int32
	size atomic.Int64
}

// Size returns the capacity in bytes.
func (w *Workspace) Size() int {
	return int(w.size.Load())
}

func (w *Workspace) grown() {
	n := 0
	for _, b := range w.f32 {
		n += 4 * cap(b)
	}
	n += cap(w.i8) + 4*cap(w.i32)
	w.size.Store(int64(n))
	logutil.Trace("kernels: workspace grown", "primitive", w.primitive, "size", format.HumanBytes2(uint64(n)))
}

// Floats returns a float32 buffer of length n for slot.
func (w *Workspace) Floats(slot, n int) []float32 {
	if cap(w.f32[slot]) < n {
		w.f32[slot] = make([]float32, n)
		w.grown()
	}
	return w.f32[slot][:n]
}

// Int8s returns an int8 buffer of length n.
func (w *Workspace) Int8s(n int) []int8 {
	if cap(w.i8) < n {
		w.i8 = make([]int8, n)
		w.grown()
	}
	return w.i8[:n]
}

// Int32s returns an int32 buffer of length n.
func (w *Workspace) Int32s(n int) []int32 {
	if cap(w.i32) < n {
		w.i32 = make([]int32, n)
		w.grown()
	}
	return w.i32[:n]
}

// stage returns the elements of t as float32. F32 contiguous tensors are
// used in place, everything else is converted into slot.
func (w *Workspace) stage(slot int, t *ml.Tensor) []float32 {
	if t == nil {
		return nil
	}
	if t.DType() == ml.DTypeF32 && t.IsContiguous() {
		return t.F32()
	}
	buf := w.Floats(slot, t.Elems())
	t.ReadFloats(buf)
	return buf
}

// output returns the float32 buffer the library writes for out.
func (w *Workspace) output(out *ml.Tensor) []float32 {
	if out.DType() == ml.DTypeF32 {
		return out.F32()
	}
	return w.Floats(slotY, out.Elems())
}

// commit rounds a staged result into out.
func (w *Workspace) commit(y []float32, out *ml.Tensor) error {
	if out.DType() == ml.DTypeF32 {
		return nil
	}
	return out.SetFloats(y)
}
