// tensor.go - Host-Tensor fuer Trace, Kernel und Replay
//
// Dieses Modul enthaelt:
// - Tensor: Shape, Strides, DType, Geraete-ID und Speicher
// - Konstruktoren (NewTensor, FromFloats, FromInt8s, FromBytes)
// - Lese-/Schreibzugriffe mit Konvertierung fuer F16/BF16
// - Views (Reshape, Transpose) ohne Kopie
package ml

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// HostDevice is the device id of tensors not owned by a device.
const HostDevice = -1

// Tensor is a dense n-dimensional array. F32, I8 and I32 tensors keep
// typed storage; F16 and BF16 keep their 16 bit encoding in raw.
type Tensor struct {
	shape  []int
	stride []int
	dtype  DType
	device int

	f32 []float32
	raw []byte
	i8  []int8
	i32 []int32
}

func contiguousStrides(shape []int) []int {
	stride := make([]int, len(shape))
	n := 1
	for i := len(shape) - 1; i >= 0; i-- {
		stride[i] = n
		n *= shape[i]
	}
	return stride
}

// NewTensor allocates a zeroed host tensor.
func NewTensor(dtype DType, shape ...int) *Tensor {
	n := mul(shape...)
	if n < 0 {
		panic(fmt.Sprintf("ml: negative dimension in shape %v", shape))
	}

	t := &Tensor{
		shape:  slices.Clone(shape),
		stride: contiguousStrides(shape),
		dtype:  dtype,
		device: HostDevice,
	}

	switch dtype {
	case DTypeF32:
		t.f32 = make([]float32, n)
	case DTypeF16, DTypeBF16:
		t.raw = make([]byte, 2*n)
	case DTypeI8:
		t.i8 = make([]int8, n)
	case DTypeI32:
		t.i32 = make([]int32, n)
	default:
		panic(fmt.Sprintf("ml: cannot allocate tensor of dtype %v", dtype))
	}
	return t
}

// FromFloats creates a tensor of the given dtype from float32 values.
func FromFloats(dtype DType, values []float32, shape ...int) (*Tensor, error) {
	if mul(shape...) != len(values) {
		return nil, fmt.Errorf("shape %v needs %d values, got %d", shape, mul(shape...), len(values))
	}
	t := NewTensor(dtype, shape...)
	if err := t.SetFloats(values); err != nil {
		return nil, err
	}
	return t, nil
}

// FromInt8s wraps int8 values without copying.
func FromInt8s(values []int8, shape ...int) (*Tensor, error) {
	if mul(shape...) != len(values) {
		return nil, fmt.Errorf("shape %v needs %d values, got %d", shape, mul(shape...), len(values))
	}
	return &Tensor{
		shape:  slices.Clone(shape),
		stride: contiguousStrides(shape),
		dtype:  DTypeI8,
		device: HostDevice,
		i8:     values,
	}, nil
}

// FromBytes decodes little endian element data produced by Bytes.
func FromBytes(dtype DType, data []byte, shape ...int) (*Tensor, error) {
	n := mul(shape...)
	if dtype.Size() == 0 || n*dtype.Size() != len(data) {
		return nil, fmt.Errorf("%v%v needs %d bytes, got %d", dtype, shape, n*dtype.Size(), len(data))
	}

	t := NewTensor(dtype, shape...)
	switch dtype {
	case DTypeF32:
		for i := range t.f32 {
			t.f32[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
		}
	case DTypeF16, DTypeBF16:
		copy(t.raw, data)
	case DTypeI8:
		for i := range t.i8 {
			t.i8[i] = int8(data[i])
		}
	case DTypeI32:
		for i := range t.i32 {
			t.i32[i] = int32(binary.LittleEndian.Uint32(data[4*i:]))
		}
	}
	return t, nil
}

func (t *Tensor) Shape() []int { return slices.Clone(t.shape) }

func (t *Tensor) Stride() []int { return slices.Clone(t.stride) }

func (t *Tensor) Dim(n int) int { return t.shape[n] }

func (t *Tensor) Rank() int { return len(t.shape) }

func (t *Tensor) DType() DType { return t.dtype }

func (t *Tensor) Device() int { return t.device }

// Elems returns the number of elements.
func (t *Tensor) Elems() int { return mul(t.shape...) }

// Size returns the storage size in bytes.
func (t *Tensor) Size() int { return t.Elems() * t.dtype.Size() }

// Place returns t tagged with the given device id. Storage is shared.
func (t *Tensor) Place(device int) *Tensor {
	t.device = device
	return t
}

// IsContiguous reports whether the strides are row major without gaps.
func (t *Tensor) IsContiguous() bool {
	return slices.Equal(t.stride, contiguousStrides(t.shape))
}

// SameShape reports whether shape and dtype match o.
func (t *Tensor) SameShape(o *Tensor) bool {
	return t.dtype == o.dtype && slices.Equal(t.shape, o.shape)
}

func (t *Tensor) String() string {
	return fmt.Sprintf("%v%v", t.dtype, t.shape)
}

// F32 returns the float32 storage of a F32 tensor, nil otherwise.
func (t *Tensor) F32() []float32 { return t.f32 }

// Int8s returns the int8 storage of an I8 tensor, nil otherwise.
func (t *Tensor) Int8s() []int8 { return t.i8 }

// Int32s returns the int32 storage of an I32 tensor, nil otherwise.
func (t *Tensor) Int32s() []int32 { return t.i32 }

// offset maps a logical row major index of a strided view to a storage
// index.
func (t *Tensor) offset(i int) int {
	off := 0
	for d := len(t.shape) - 1; d >= 0; d-- {
		off += (i % t.shape[d]) * t.stride[d]
		i /= t.shape[d]
	}
	return off
}

func (t *Tensor) at(j int) float32 {
	switch t.dtype {
	case DTypeF32:
		return t.f32[j]
	case DTypeF16:
		return float16.Frombits(binary.LittleEndian.Uint16(t.raw[2*j:])).Float32()
	case DTypeBF16:
		return bfloat16.DecodeFloat32(t.raw[2*j : 2*j+2])[0]
	case DTypeI8:
		return float32(t.i8[j])
	case DTypeI32:
		return float32(t.i32[j])
	}
	return 0
}

// Floats returns a new slice with the elements in row major order,
// converted to float32.
func (t *Tensor) Floats() []float32 {
	n := t.Elems()
	out := make([]float32, n)
	if t.dtype == DTypeF32 && t.IsContiguous() {
		copy(out, t.f32)
		return out
	}
	if t.dtype == DTypeBF16 && t.IsContiguous() {
		return bfloat16.DecodeFloat32(t.raw)
	}
	t.ReadFloats(out)
	return out
}

// ReadFloats writes the elements in row major order into dst, which must
// hold Elems values.
func (t *Tensor) ReadFloats(dst []float32) {
	dst = dst[:t.Elems()]
	switch {
	case !t.IsContiguous():
		for i := range dst {
			dst[i] = t.at(t.offset(i))
		}
	case t.dtype == DTypeF32:
		copy(dst, t.f32)
	default:
		for i := range dst {
			dst[i] = t.at(i)
		}
	}
}

// SetFloats writes values into a contiguous float tensor, rounding to its
// dtype. Integer tensors truncate.
func (t *Tensor) SetFloats(values []float32) error {
	if len(values) != t.Elems() {
		return fmt.Errorf("%v: expected %d values, got %d", t, t.Elems(), len(values))
	}
	if !t.IsContiguous() {
		return fmt.Errorf("%v: cannot write into a non-contiguous view", t)
	}

	switch t.dtype {
	case DTypeF32:
		copy(t.f32, values)
	case DTypeF16:
		for i, v := range values {
			binary.LittleEndian.PutUint16(t.raw[2*i:], float16.Fromfloat32(v).Bits())
		}
	case DTypeBF16:
		copy(t.raw, bfloat16.EncodeFloat32(values))
	case DTypeI8:
		for i, v := range values {
			t.i8[i] = int8(v)
		}
	case DTypeI32:
		for i, v := range values {
			t.i32[i] = int32(v)
		}
	default:
		return fmt.Errorf("%v: unsupported dtype", t)
	}
	return nil
}

// Bytes returns the elements as little endian bytes in row major order.
func (t *Tensor) Bytes() []byte {
	src := t
	if !t.IsContiguous() {
		src = t.Contiguous()
	}

	switch src.dtype {
	case DTypeF32:
		b := make([]byte, 4*len(src.f32))
		for i, v := range src.f32 {
			binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(v))
		}
		return b
	case DTypeF16, DTypeBF16:
		return slices.Clone(src.raw)
	case DTypeI8:
		b := make([]byte, len(src.i8))
		for i, v := range src.i8 {
			b[i] = byte(v)
		}
		return b
	case DTypeI32:
		b := make([]byte, 4*len(src.i32))
		for i, v := range src.i32 {
			binary.LittleEndian.PutUint32(b[4*i:], uint32(v))
		}
		return b
	}
	return nil
}

// Contiguous returns t if it is contiguous, otherwise a packed copy.
func (t *Tensor) Contiguous() *Tensor {
	if t.IsContiguous() {
		return t
	}

	c := NewTensor(t.dtype, t.shape...)
	c.device = t.device
	for i := range t.Elems() {
		j := t.offset(i)
		switch t.dtype {
		case DTypeF32:
			c.f32[i] = t.f32[j]
		case DTypeF16, DTypeBF16:
			copy(c.raw[2*i:2*i+2], t.raw[2*j:2*j+2])
		case DTypeI8:
			c.i8[i] = t.i8[j]
		case DTypeI32:
			c.i32[i] = t.i32[j]
		}
	}
	return c
}

// CopyFrom copies the elements of src into t. Shapes and dtypes must match.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if !t.SameShape(src) {
		return fmt.Errorf("copy %v into %v: shape mismatch", src, t)
	}
	if !t.IsContiguous() {
		return fmt.Errorf("copy into non-contiguous %v", t)
	}

	src = src.Contiguous()
	switch t.dtype {
	case DTypeF32:
		copy(t.f32, src.f32)
	case DTypeF16, DTypeBF16:
		copy(t.raw, src.raw)
	case DTypeI8:
		copy(t.i8, src.i8)
	case DTypeI32:
		copy(t.i32, src.i32)
	}
	return nil
}

// Reshape returns a view with a new shape. One dimension may be -1.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	if !t.IsContiguous() {
		return nil, fmt.Errorf("reshape of non-contiguous %v", t)
	}

	shape, err := ResolveShape(t.Elems(), shape)
	if err != nil {
		return nil, fmt.Errorf("reshape %v: %w", t, err)
	}

	v := *t
	v.shape = shape
	v.stride = contiguousStrides(shape)
	return &v, nil
}

// Transpose returns a view with dimensions a and b swapped.
func (t *Tensor) Transpose(a, b int) *Tensor {
	v := *t
	v.shape = slices.Clone(t.shape)
	v.stride = slices.Clone(t.stride)
	v.shape[a], v.shape[b] = v.shape[b], v.shape[a]
	v.stride[a], v.stride[b] = v.stride[b], v.stride[a]
	return &v
}

// ResolveShape fills a single -1 dimension so the shape holds n elements.
func ResolveShape(n int, shape []int) ([]int, error) {
	shape = slices.Clone(shape)
	infer := -1
	known := 1
	for i, d := range shape {
		switch {
		case d == -1 && infer < 0:
			infer = i
		case d < 0:
			return nil, fmt.Errorf("invalid target shape %v", shape)
		default:
			known *= d
		}
	}

	if infer >= 0 {
		if known == 0 || n%known != 0 {
			return nil, fmt.Errorf("cannot infer dimension of %v for %d elements", shape, n)
		}
		shape[infer] = n / known
	} else if known != n {
		return nil, fmt.Errorf("target shape %v holds %d elements, have %d", shape, known, n)
	}
	return shape, nil
}
