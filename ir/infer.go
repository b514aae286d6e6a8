// infer.go - Shape- und DType-Inferenz fuer alle Operator-Arten
//
// Wird beim Aufzeichnen (trace), beim Umschreiben (fusion) und beim Binden
// dynamischer Dimensionen (replay) gleichermassen genutzt. Eine Dimension
// von -1 ist dynamisch und wird nur gegen bekannte Dimensionen geprueft.
package ir

import (
	"errors"
	"fmt"
	"slices"

	"github.com/ollama/sfast/ml"
)

// Infer returns the output dtype and shape of kind applied to inputs.
func Infer(kind OpKind, attrs Attrs, inputs []Value) (ml.DType, []int, error) {
	switch kind {
	case OpConv2D:
		if err := arity(inputs, 2, 2); err != nil {
			return 0, nil, err
		}
		return inferConv(attrs.Conv, inputs[0], inputs[1], nil)
	case OpFusedConv2D:
		f, err := fused(attrs, inputs, 2)
		if err != nil {
			return 0, nil, err
		}
		var bias *Value
		if f.HasBias {
			bias = &inputs[2]
		}
		return inferConv(f.Conv, inputs[0], inputs[1], bias)

	case OpBiasAdd:
		if err := arity(inputs, 2, 2); err != nil {
			return 0, nil, err
		}
		x, b := inputs[0], inputs[1]
		if err := floats(x, b); err != nil {
			return 0, nil, err
		}
		axis := attrs.Axis
		if axis < 0 {
			axis += len(x.Shape)
		}
		if axis < 0 || axis >= len(x.Shape) {
			return 0, nil, fmt.Errorf("bias axis %d out of range for %v", attrs.Axis, x)
		}
		if len(b.Shape) != 1 || !dimsMatch(b.Shape[0], x.Shape[axis]) {
			return 0, nil, fmt.Errorf("bias %v does not match axis %d of %v", b, axis, x)
		}
		return x.DType, slices.Clone(x.Shape), nil

	case OpActivation:
		if err := arity(inputs, 1, 1); err != nil {
			return 0, nil, err
		}
		if err := floats(inputs[0]); err != nil {
			return 0, nil, err
		}
		return inputs[0].DType, slices.Clone(inputs[0].Shape), nil

	case OpLinear:
		if err := arity(inputs, 2, 2); err != nil {
			return 0, nil, err
		}
		if err := floats(inputs...); err != nil {
			return 0, nil, err
		}
		return inferLinear(inputs[0], inputs[1], nil)
	case OpFusedQLinear:
		f, err := fused(attrs, inputs, 2)
		if err != nil {
			return 0, nil, err
		}
		x, w := inputs[0], inputs[1]
		if err := floats(x); err != nil {
			return 0, nil, err
		}
		if w.DType != ml.DTypeI8 {
			return 0, nil, fmt.Errorf("quantized weight %v must be int8", w)
		}
		if f.WeightQuant == nil {
			return 0, nil, errors.New("missing weight quantization")
		}
		if err := f.WeightQuant.Validate(w.Shape); err != nil {
			return 0, nil, fmt.Errorf("weight quantization: %w", err)
		}
		var bias *Value
		if f.HasBias {
			if err := floats(x, inputs[2]); err != nil {
				return 0, nil, err
			}
			bias = &inputs[2]
		}
		return inferLinear(x, w, bias)

	case OpMatmul:
		if err := arity(inputs, 2, 2); err != nil {
			return 0, nil, err
		}
		if err := floats(inputs...); err != nil {
			return 0, nil, err
		}
		return inferMatmul(attrs.Gemm, inputs[0], inputs[1], nil)
	case OpFusedGEMM:
		f, err := fused(attrs, inputs, 2)
		if err != nil {
			return 0, nil, err
		}
		if err := floats(inputs...); err != nil {
			return 0, nil, err
		}
		var bias *Value
		if f.HasBias {
			bias = &inputs[2]
		}
		return inferMatmul(f.Gemm, inputs[0], inputs[1], bias)

	case OpQuantize:
		if err := arity(inputs, 1, 1); err != nil {
			return 0, nil, err
		}
		x := inputs[0]
		if err := floats(x); err != nil {
			return 0, nil, err
		}
		if err := quant(attrs.Quant, x.Shape); err != nil {
			return 0, nil, err
		}
		return ml.DTypeI8, slices.Clone(x.Shape), nil

	case OpDequantize:
		if err := arity(inputs, 1, 1); err != nil {
			return 0, nil, err
		}
		x := inputs[0]
		if x.DType != ml.DTypeI8 {
			return 0, nil, fmt.Errorf("dequantize input %v must be int8", x)
		}
		if err := quant(attrs.Quant, x.Shape); err != nil {
			return 0, nil, err
		}
		dtype := attrs.DType
		if dtype == ml.DTypeOther {
			dtype = ml.DTypeF32
		}
		if !dtype.IsFloat() {
			return 0, nil, fmt.Errorf("dequantize to %v", dtype)
		}
		return dtype, slices.Clone(x.Shape), nil

	case OpAdd:
		if err := arity(inputs, 2, 2); err != nil {
			return 0, nil, err
		}
		x, y := inputs[0], inputs[1]
		if err := floats(x, y); err != nil {
			return 0, nil, err
		}
		if len(x.Shape) != len(y.Shape) {
			return 0, nil, fmt.Errorf("add shapes differ: %v and %v", x, y)
		}
		shape := slices.Clone(x.Shape)
		for i := range shape {
			if !dimsMatch(x.Shape[i], y.Shape[i]) {
				return 0, nil, fmt.Errorf("add shapes differ: %v and %v", x, y)
			}
			shape[i] = max(x.Shape[i], y.Shape[i])
		}
		return x.DType, shape, nil

	case OpReshape:
		if err := arity(inputs, 1, 1); err != nil {
			return 0, nil, err
		}
		x := inputs[0]
		if len(attrs.Shape) == 0 {
			return 0, nil, errors.New("reshape without target shape")
		}
		if !x.Concrete() {
			return x.DType, slices.Clone(attrs.Shape), nil
		}
		shape, err := ml.ResolveShape(elems(x.Shape), attrs.Shape)
		if err != nil {
			return 0, nil, err
		}
		return x.DType, shape, nil

	case OpOpaque:
		if attrs.Opaque == "" {
			return 0, nil, errors.New("opaque op without name")
		}
		if attrs.DType == ml.DTypeOther {
			return 0, nil, fmt.Errorf("opaque op %q without output dtype", attrs.Opaque)
		}
		return attrs.DType, opaqueShape(attrs.Shape, inputs), nil
	}
	return 0, nil, fmt.Errorf("no shape rule for %v", kind)
}

// opaqueShape resolves the declared output shape of an opaque op. No
// declaration means the shape of the first input; dynamic dimensions of a
// declaration of the same rank follow the first input.
func opaqueShape(decl []int, inputs []Value) []int {
	if len(inputs) == 0 {
		return slices.Clone(decl)
	}
	x := inputs[0].Shape
	if decl == nil {
		return slices.Clone(x)
	}
	shape := slices.Clone(decl)
	if len(shape) == len(x) {
		for i, d := range shape {
			if d == -1 {
				shape[i] = x[i]
			}
		}
	}
	return shape
}

func inferConv(p ml.Conv2DParams, x, w Value, bias *Value) (ml.DType, []int, error) {
	if err := p.Validate(); err != nil {
		return 0, nil, err
	}
	p = p.Normalize()
	if len(x.Shape) != 4 || len(w.Shape) != 4 {
		return 0, nil, fmt.Errorf("convolution needs NCHW input and OIHW weight, got %v and %v", x, w)
	}
	if err := floats(x, w); err != nil {
		return 0, nil, err
	}
	if !dimsMatch(x.Shape[1], w.Shape[1]*p.Groups) {
		return 0, nil, fmt.Errorf("input channels of %v do not match weight %v with %d groups", x, w, p.Groups)
	}
	if w.Shape[0] >= 0 && w.Shape[0]%p.Groups != 0 {
		return 0, nil, fmt.Errorf("output channels %d not divisible by %d groups", w.Shape[0], p.Groups)
	}
	if bias != nil {
		if len(bias.Shape) != 1 || !dimsMatch(bias.Shape[0], w.Shape[0]) {
			return 0, nil, fmt.Errorf("bias %v does not match weight %v", bias, w)
		}
	}

	oh, ow := -1, -1
	if x.Shape[2] >= 0 && w.Shape[2] >= 0 {
		oh, _ = p.OutputSize(x.Shape[2], 1, w.Shape[2], 1)
	}
	if x.Shape[3] >= 0 && w.Shape[3] >= 0 {
		_, ow = p.OutputSize(1, x.Shape[3], 1, w.Shape[3])
	}
	if (x.Shape[2] >= 0 && oh <= 0) || (x.Shape[3] >= 0 && ow <= 0) {
		return 0, nil, fmt.Errorf("kernel %v does not fit input %v", w, x)
	}
	return x.DType, []int{x.Shape[0], w.Shape[0], oh, ow}, nil
}

func inferLinear(x, w Value, bias *Value) (ml.DType, []int, error) {
	if len(x.Shape) < 2 {
		return 0, nil, fmt.Errorf("linear input %v must be at least 2D", x)
	}
	if len(w.Shape) != 2 {
		return 0, nil, fmt.Errorf("linear weight %v must be [out, in]", w)
	}
	if !dimsMatch(x.Shape[len(x.Shape)-1], w.Shape[1]) {
		return 0, nil, fmt.Errorf("linear input %v does not match weight %v", x, w)
	}
	if bias != nil {
		if len(bias.Shape) != 1 || !dimsMatch(bias.Shape[0], w.Shape[0]) {
			return 0, nil, fmt.Errorf("bias %v does not match weight %v", bias, w)
		}
	}
	shape := append(slices.Clone(x.Shape[:len(x.Shape)-1]), w.Shape[0])
	return x.DType, shape, nil
}

func inferMatmul(p ml.GemmParams, a, b Value, bias *Value) (ml.DType, []int, error) {
	ra, rb := len(a.Shape), len(b.Shape)
	if ra < 2 || rb < 2 {
		return 0, nil, fmt.Errorf("matmul operands %v and %v must be at least 2D", a, b)
	}
	if a.DType != b.DType {
		return 0, nil, fmt.Errorf("matmul dtypes differ: %v and %v", a, b)
	}
	if rb > 2 {
		if ra != rb {
			return 0, nil, fmt.Errorf("batch dimensions of %v and %v differ", a, b)
		}
		for i := range ra - 2 {
			if !dimsMatch(a.Shape[i], b.Shape[i]) {
				return 0, nil, fmt.Errorf("batch dimensions of %v and %v differ", a, b)
			}
		}
	}

	m, ka := a.Shape[ra-2], a.Shape[ra-1]
	if p.TransA {
		m, ka = ka, m
	}
	kb, n := b.Shape[rb-2], b.Shape[rb-1]
	if p.TransB {
		kb, n = n, kb
	}
	if !dimsMatch(ka, kb) {
		return 0, nil, fmt.Errorf("inner dimensions differ: %v x %v", a, b)
	}
	if bias != nil {
		if len(bias.Shape) != 1 || !dimsMatch(bias.Shape[0], n) {
			return 0, nil, fmt.Errorf("bias %v does not match N=%d", bias, n)
		}
	}
	shape := append(slices.Clone(a.Shape[:ra-2]), m, n)
	return a.DType, shape, nil
}

func fused(attrs Attrs, inputs []Value, base int) (*FusedParams, error) {
	f := attrs.Fused
	if f == nil {
		return nil, errors.New("fused node without parameters")
	}
	want := base
	if f.HasBias {
		want++
	}
	if err := arity(inputs, want, want); err != nil {
		return nil, err
	}
	return f, nil
}

func arity(inputs []Value, lo, hi int) error {
	if len(inputs) < lo || len(inputs) > hi {
		if lo == hi {
			return fmt.Errorf("expected %d inputs, got %d", lo, len(inputs))
		}
		return fmt.Errorf("expected %d to %d inputs, got %d", lo, hi, len(inputs))
	}
	return nil
}

func floats(vs ...Value) error {
	for _, v := range vs {
		if !v.DType.IsFloat() {
			return fmt.Errorf("%v must be floating point", v)
		}
		if v.DType != vs[0].DType {
			return fmt.Errorf("dtypes differ: %v and %v", vs[0], v)
		}
	}
	return nil
}

func quant(q *ml.QuantParams, shape []int) error {
	if q == nil {
		return errors.New("missing quantization parameters")
	}
	return q.Validate(shape)
}

// dimsMatch compares two dimensions where -1 matches anything.
func dimsMatch(a, b int) bool {
	return a < 0 || b < 0 || a == b
}

func elems(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
