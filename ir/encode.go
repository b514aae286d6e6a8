// encode.go - Versioniertes Binaerformat fuer (optimierte) Graphen
//
// Das Format ist Protobuf-Wire-kompatibel (protowire), ohne generierten
// Code. Jede Kodierung traegt eine semver-Version und eine strukturelle
// Pruefsumme. Ein Graph mit anderer Major-Version oder abweichender
// Pruefsumme wird mit ErrStaleGraph abgelehnt.
package ir

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"maps"
	"math"
	"slices"

	"golang.org/x/mod/semver"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ollama/sfast/ml"
)

// FormatVersion is written into every encoded graph.
const FormatVersion = "v1.1.0"

// ErrStaleGraph is returned by Decode for graphs of an incompatible format
// version or with a checksum that does not match their content.
var ErrStaleGraph = errors.New("stale graph encoding")

// Feldnummern
const (
	fieldGraphName      protowire.Number = 1
	fieldGraphVersion   protowire.Number = 2
	fieldGraphValue     protowire.Number = 3
	fieldGraphNode      protowire.Number = 4
	fieldGraphInput     protowire.Number = 5
	fieldGraphOutput    protowire.Number = 6
	fieldGraphParam     protowire.Number = 7
	fieldGraphOptimized protowire.Number = 8
	fieldGraphChecksum  protowire.Number = 9

	fieldValueID    protowire.Number = 1
	fieldValueName  protowire.Number = 2
	fieldValueDType protowire.Number = 3
	fieldValueDim   protowire.Number = 4

	fieldNodeKind   protowire.Number = 1
	fieldNodeInput  protowire.Number = 2
	fieldNodeOutput protowire.Number = 3
	fieldNodeAttrs  protowire.Number = 4

	fieldParamValue protowire.Number = 1
	fieldParamDType protowire.Number = 2
	fieldParamDim   protowire.Number = 3
	fieldParamData  protowire.Number = 4

	fieldAttrsConv   protowire.Number = 1
	fieldAttrsTransA protowire.Number = 2
	fieldAttrsTransB protowire.Number = 3
	fieldAttrsAct    protowire.Number = 4
	fieldAttrsAxis   protowire.Number = 5
	fieldAttrsQuant  protowire.Number = 6
	fieldAttrsShape  protowire.Number = 7
	fieldAttrsDType  protowire.Number = 8
	fieldAttrsOpaque protowire.Number = 9
	fieldAttrsFused  protowire.Number = 10

	fieldFusedPattern  protowire.Number = 1
	fieldFusedAct      protowire.Number = 2
	fieldFusedBias     protowire.Number = 3
	fieldFusedConv     protowire.Number = 4
	fieldFusedTransA   protowire.Number = 5
	fieldFusedTransB   protowire.Number = 6
	fieldFusedWeightQ  protowire.Number = 7
	fieldFusedInputQ   protowire.Number = 8
	fieldFusedReplaced protowire.Number = 9

	fieldQuantScale protowire.Number = 1
	fieldQuantZero  protowire.Number = 2
	fieldQuantAxis  protowire.Number = 3
)

// =============================================================================
// Kodierung
// =============================================================================

// Encode serializes g including its parameter tensors.
func Encode(g *Graph) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldGraphName, protowire.BytesType)
	b = protowire.AppendString(b, g.Name)
	b = protowire.AppendTag(b, fieldGraphVersion, protowire.BytesType)
	b = protowire.AppendString(b, FormatVersion)

	b = appendStructure(b, g, true)

	for _, id := range slices.Sorted(maps.Keys(g.Params)) {
		t := g.Params[id]
		var p []byte
		p = appendVarint(p, fieldParamValue, uint64(id))
		p = appendVarint(p, fieldParamDType, uint64(t.DType()))
		for _, d := range t.Shape() {
			p = appendVarint(p, fieldParamDim, uint64(d))
		}
		p = protowire.AppendTag(p, fieldParamData, protowire.BytesType)
		p = protowire.AppendBytes(p, t.Bytes())
		b = appendMessage(b, fieldGraphParam, p)
	}

	b = appendBool(b, fieldGraphOptimized, g.Optimized)
	b = protowire.AppendTag(b, fieldGraphChecksum, protowire.BytesType)
	b = protowire.AppendString(b, Checksum(g))
	return b
}

// Checksum returns the structural checksum of g: values, nodes with their
// attributes, inputs, outputs and the dtype and shape of each parameter.
// Names and parameter data do not contribute.
func Checksum(g *Graph) string {
	h := sha256.New()
	h.Write(appendStructure(nil, g, false))
	for _, id := range slices.Sorted(maps.Keys(g.Params)) {
		t := g.Params[id]
		fmt.Fprintf(h, "param %d %v%v;", id, t.DType(), t.Shape())
	}
	return digest(h)
}

func digest(h hash.Hash) string {
	return fmt.Sprintf("sha256:%x", h.Sum(nil))
}

// appendStructure writes values, nodes, inputs and outputs.
func appendStructure(b []byte, g *Graph, names bool) []byte {
	for _, v := range g.Values {
		var m []byte
		m = appendVarint(m, fieldValueID, uint64(v.ID))
		if names && v.Name != "" {
			m = protowire.AppendTag(m, fieldValueName, protowire.BytesType)
			m = protowire.AppendString(m, v.Name)
		}
		m = appendVarint(m, fieldValueDType, uint64(v.DType))
		for _, d := range v.Shape {
			m = appendSigned(m, fieldValueDim, d)
		}
		b = appendMessage(b, fieldGraphValue, m)
	}
	for _, n := range g.Nodes {
		var m []byte
		m = appendVarint(m, fieldNodeKind, uint64(n.Kind))
		for _, in := range n.Inputs {
			m = appendVarint(m, fieldNodeInput, uint64(in))
		}
		m = appendVarint(m, fieldNodeOutput, uint64(n.Output))
		m = appendMessage(m, fieldNodeAttrs, appendAttrs(nil, n.Attrs))
		b = appendMessage(b, fieldGraphNode, m)
	}
	for _, id := range g.Inputs {
		b = appendVarint(b, fieldGraphInput, uint64(id))
	}
	for _, id := range g.Outputs {
		b = appendVarint(b, fieldGraphOutput, uint64(id))
	}
	return b
}

func appendAttrs(b []byte, a Attrs) []byte {
	if a.Conv != (ml.Conv2DParams{}) {
		b = appendMessage(b, fieldAttrsConv, appendConv(nil, a.Conv))
	}
	b = appendBool(b, fieldAttrsTransA, a.Gemm.TransA)
	b = appendBool(b, fieldAttrsTransB, a.Gemm.TransB)
	if a.Act != ml.ActNone {
		b = appendVarint(b, fieldAttrsAct, uint64(a.Act))
	}
	if a.Axis != 0 {
		b = appendSigned(b, fieldAttrsAxis, a.Axis)
	}
	if a.Quant != nil {
		b = appendMessage(b, fieldAttrsQuant, appendQuant(nil, a.Quant))
	}
	for _, d := range a.Shape {
		b = appendSigned(b, fieldAttrsShape, d)
	}
	if a.DType != ml.DTypeOther {
		b = appendVarint(b, fieldAttrsDType, uint64(a.DType))
	}
	if a.Opaque != "" {
		b = protowire.AppendTag(b, fieldAttrsOpaque, protowire.BytesType)
		b = protowire.AppendString(b, a.Opaque)
	}
	if f := a.Fused; f != nil {
		var m []byte
		m = protowire.AppendTag(m, fieldFusedPattern, protowire.BytesType)
		m = protowire.AppendString(m, f.Pattern)
		m = appendVarint(m, fieldFusedAct, uint64(f.Activation))
		m = appendBool(m, fieldFusedBias, f.HasBias)
		if f.Conv != (ml.Conv2DParams{}) {
			m = appendMessage(m, fieldFusedConv, appendConv(nil, f.Conv))
		}
		m = appendBool(m, fieldFusedTransA, f.Gemm.TransA)
		m = appendBool(m, fieldFusedTransB, f.Gemm.TransB)
		if f.WeightQuant != nil {
			m = appendMessage(m, fieldFusedWeightQ, appendQuant(nil, f.WeightQuant))
		}
		if f.InputQuant != nil {
			m = appendMessage(m, fieldFusedInputQ, appendQuant(nil, f.InputQuant))
		}
		for _, k := range f.Replaced {
			m = appendVarint(m, fieldFusedReplaced, uint64(k))
		}
		b = appendMessage(b, fieldAttrsFused, m)
	}
	return b
}

func appendConv(b []byte, p ml.Conv2DParams) []byte {
	for i, v := range []int{p.StrideH, p.StrideW, p.PadH, p.PadW, p.DilationH, p.DilationW, p.Groups} {
		b = appendVarint(b, protowire.Number(i+1), uint64(v))
	}
	return b
}

func appendQuant(b []byte, q *ml.QuantParams) []byte {
	for _, s := range q.Scales {
		b = protowire.AppendTag(b, fieldQuantScale, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(s))
	}
	for _, z := range q.ZeroPoints {
		b = appendSigned(b, fieldQuantZero, int(z))
	}
	return appendVarint(b, fieldQuantAxis, uint64(q.Axis))
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendSigned(b []byte, num protowire.Number, v int) []byte {
	return appendVarint(b, num, protowire.EncodeZigZag(int64(v)))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarint(b, num, 1)
}

func appendMessage(b []byte, num protowire.Number, m []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m)
}

// =============================================================================
// Dekodierung
// =============================================================================

// field is one decoded tag with either a varint, a fixed32 or a bytes payload.
type field struct {
	num   protowire.Number
	typ   protowire.Type
	v     uint64
	bytes []byte
}

func (f field) int() int { return int(protowire.DecodeZigZag(f.v)) }

// fields splits a message into its fields.
func fields(b []byte) ([]field, error) {
	var out []field
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.v, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.v = uint64(v)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		out = append(out, f)
	}
	return out, nil
}

// Decode parses a graph written by Encode.
func Decode(data []byte) (*Graph, error) {
	fs, err := fields(data)
	if err != nil {
		return nil, fmt.Errorf("decode graph: %w", err)
	}

	g := New("")
	var version, checksum string
	for _, f := range fs {
		switch f.num {
		case fieldGraphName:
			g.Name = string(f.bytes)
		case fieldGraphVersion:
			version = string(f.bytes)
		case fieldGraphValue:
			v, err := decodeValue(f.bytes)
			if err != nil {
				return nil, err
			}
			if int(v.ID) != len(g.Values) {
				return nil, fmt.Errorf("decode graph: value %d out of order", v.ID)
			}
			g.Values = append(g.Values, v)
		case fieldGraphNode:
			n, err := decodeNode(f.bytes)
			if err != nil {
				return nil, err
			}
			g.Nodes = append(g.Nodes, n)
		case fieldGraphInput:
			g.Inputs = append(g.Inputs, ValueID(f.v))
		case fieldGraphOutput:
			g.Outputs = append(g.Outputs, ValueID(f.v))
		case fieldGraphParam:
			id, t, err := decodeParam(f.bytes)
			if err != nil {
				return nil, err
			}
			g.Params[id] = t
		case fieldGraphOptimized:
			g.Optimized = f.v != 0
		case fieldGraphChecksum:
			checksum = string(f.bytes)
		}
	}

	if !semver.IsValid(version) || semver.Major(version) != semver.Major(FormatVersion) {
		return nil, fmt.Errorf("%w: format %q, want %s", ErrStaleGraph, version, semver.Major(FormatVersion))
	}
	if got := Checksum(g); got != checksum {
		return nil, fmt.Errorf("%w: checksum %s, content has %s", ErrStaleGraph, checksum, got)
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("decode graph: %w", err)
	}
	return g, nil
}

func decodeValue(b []byte) (Value, error) {
	fs, err := fields(b)
	if err != nil {
		return Value{}, fmt.Errorf("decode value: %w", err)
	}
	var v Value
	for _, f := range fs {
		switch f.num {
		case fieldValueID:
			v.ID = ValueID(f.v)
		case fieldValueName:
			v.Name = string(f.bytes)
		case fieldValueDType:
			v.DType = ml.DType(f.v)
		case fieldValueDim:
			v.Shape = append(v.Shape, f.int())
		}
	}
	return v, nil
}

func decodeNode(b []byte) (*Node, error) {
	fs, err := fields(b)
	if err != nil {
		return nil, fmt.Errorf("decode node: %w", err)
	}
	n := &Node{}
	for _, f := range fs {
		switch f.num {
		case fieldNodeKind:
			n.Kind = OpKind(f.v)
		case fieldNodeInput:
			n.Inputs = append(n.Inputs, ValueID(f.v))
		case fieldNodeOutput:
			n.Output = ValueID(f.v)
		case fieldNodeAttrs:
			if n.Attrs, err = decodeAttrs(f.bytes); err != nil {
				return nil, err
			}
		}
	}
	return n, nil
}

func decodeAttrs(b []byte) (Attrs, error) {
	fs, err := fields(b)
	if err != nil {
		return Attrs{}, fmt.Errorf("decode attributes: %w", err)
	}
	var a Attrs
	for _, f := range fs {
		switch f.num {
		case fieldAttrsConv:
			if a.Conv, err = decodeConv(f.bytes); err != nil {
				return Attrs{}, err
			}
		case fieldAttrsTransA:
			a.Gemm.TransA = f.v != 0
		case fieldAttrsTransB:
			a.Gemm.TransB = f.v != 0
		case fieldAttrsAct:
			a.Act = ml.Activation(f.v)
		case fieldAttrsAxis:
			a.Axis = f.int()
		case fieldAttrsQuant:
			if a.Quant, err = decodeQuant(f.bytes); err != nil {
				return Attrs{}, err
			}
		case fieldAttrsShape:
			a.Shape = append(a.Shape, f.int())
		case fieldAttrsDType:
			a.DType = ml.DType(f.v)
		case fieldAttrsOpaque:
			a.Opaque = string(f.bytes)
		case fieldAttrsFused:
			if a.Fused, err = decodeFused(f.bytes); err != nil {
				return Attrs{}, err
			}
		}
	}
	return a, nil
}

func decodeFused(b []byte) (*FusedParams, error) {
	fs, err := fields(b)
	if err != nil {
		return nil, fmt.Errorf("decode fused parameters: %w", err)
	}
	p := &FusedParams{}
	for _, f := range fs {
		switch f.num {
		case fieldFusedPattern:
			p.Pattern = string(f.bytes)
		case fieldFusedAct:
			p.Activation = ml.Activation(f.v)
		case fieldFusedBias:
			p.HasBias = f.v != 0
		case fieldFusedConv:
			if p.Conv, err = decodeConv(f.bytes); err != nil {
				return nil, err
			}
		case fieldFusedTransA:
			p.Gemm.TransA = f.v != 0
		case fieldFusedTransB:
			p.Gemm.TransB = f.v != 0
		case fieldFusedWeightQ:
			if p.WeightQuant, err = decodeQuant(f.bytes); err != nil {
				return nil, err
			}
		case fieldFusedInputQ:
			if p.InputQuant, err = decodeQuant(f.bytes); err != nil {
				return nil, err
			}
		case fieldFusedReplaced:
			p.Replaced = append(p.Replaced, OpKind(f.v))
		}
	}
	return p, nil
}

func decodeConv(b []byte) (ml.Conv2DParams, error) {
	fs, err := fields(b)
	if err != nil {
		return ml.Conv2DParams{}, fmt.Errorf("decode conv parameters: %w", err)
	}
	var v [7]int
	for _, f := range fs {
		if f.num >= 1 && int(f.num) <= len(v) {
			v[f.num-1] = int(f.v)
		}
	}
	return ml.Conv2DParams{
		StrideH: v[0], StrideW: v[1],
		PadH: v[2], PadW: v[3],
		DilationH: v[4], DilationW: v[5],
		Groups: v[6],
	}, nil
}

func decodeQuant(b []byte) (*ml.QuantParams, error) {
	fs, err := fields(b)
	if err != nil {
		return nil, fmt.Errorf("decode quantization: %w", err)
	}
	q := &ml.QuantParams{}
	for _, f := range fs {
		switch f.num {
		case fieldQuantScale:
			q.Scales = append(q.Scales, math.Float32frombits(uint32(f.v)))
		case fieldQuantZero:
			q.ZeroPoints = append(q.ZeroPoints, int32(f.int()))
		case fieldQuantAxis:
			q.Axis = int(f.v)
		}
	}
	return q, nil
}

func decodeParam(b []byte) (ValueID, *ml.Tensor, error) {
	fs, err := fields(b)
	if err != nil {
		return 0, nil, fmt.Errorf("decode parameter: %w", err)
	}
	var (
		id    ValueID
		dtype ml.DType
		shape []int
		data  []byte
	)
	for _, f := range fs {
		switch f.num {
		case fieldParamValue:
			id = ValueID(f.v)
		case fieldParamDType:
			dtype = ml.DType(f.v)
		case fieldParamDim:
			shape = append(shape, int(f.v))
		case fieldParamData:
			data = f.bytes
		}
	}
	t, err := ml.FromBytes(dtype, data, shape...)
	if err != nil {
		return 0, nil, fmt.Errorf("decode parameter %%%d: %w", id, err)
	}
	return id, t, nil
}
