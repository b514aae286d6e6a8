// library.go - Schnittstelle zur Mathe-Bibliothek des Geraets
//
// Dieses Modul enthaelt:
// - Library: Deskriptor-basierte Einstiegspunkte (Conv, GEMM, QGemm, Pointwise)
// - Capabilities: Layouts, native Epiloge und Ausrichtungen der Bibliothek
// - Status: Rueckgabecodes der Bibliothek und deren Fehlerabbildung
//
// Die Bibliothek arbeitet ausschliesslich auf F32/I8/I32-Puffern. Halbe
// Genauigkeit wird vom Adapter im Workspace nach F32 umgesetzt.
package kernels

import (
	"fmt"

	"github.com/ollama/sfast/ml"
	"github.com/ollama/sfast/types/errtypes"
)

// Status is the result code of a library call.
type Status int

const (
	StatusSuccess Status = iota
	StatusNotSupported
	StatusBadParam
	StatusAllocFailed
	StatusExecutionFailed
	StatusInternalError
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusNotSupported:
		return "not supported"
	case StatusBadParam:
		return "bad parameter"
	case StatusAllocFailed:
		return "allocation failed"
	case StatusExecutionFailed:
		return "execution failed"
	case StatusInternalError:
		return "internal error"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// statusError translates a library status. StatusNotSupported becomes
// UnsupportedConfiguration, everything else a DeviceError.
func statusError(p Primitive, s Status) error {
	switch s {
	case StatusSuccess:
		return nil
	case StatusNotSupported:
		return errtypes.Unsupported(p.String(), "library reported %s", s)
	default:
		return &errtypes.DeviceError{Op: p.String(), Err: fmt.Errorf("library status %d (%s)", int(s), s)}
	}
}

// Capabilities describes what a library can do without help from the
// adapter layer.
type Capabilities struct {
	Name string

	// ConvWeightLayout is the weight layout ConvForward expects.
	ConvWeightLayout ml.Layout

	// ConvGroups reports support for grouped convolution.
	ConvGroups bool

	// Activations applied natively after bias in a single launch.
	ConvEpilogue  ml.ActivationSet
	GemmEpilogue  ml.ActivationSet
	QGemmEpilogue ml.ActivationSet

	// QGemmInt8Activations reports support for int8 x int8 -> int32.
	QGemmInt8Activations bool

	// QGemmAsymmetricWeights reports support for non-zero weight zero
	// points in the int8 x int8 path.
	QGemmAsymmetricWeights bool

	// HalfAlignment is the channel multiple required for F16/BF16 inputs.
	HalfAlignment int
}

// ConvDesc describes an NCHW convolution with K output channels and an
// R x S kernel producing a P x Q output.
type ConvDesc struct {
	N, C, H, W int
	K, R, S    int
	P, Q       int
	Params     ml.Conv2DParams
	Bias       bool
	Act        ml.Activation
}

// GemmDesc describes Batch independent products C = op(A) op(B) with
// C of size M x N. BroadcastB means B is shared by every batch.
type GemmDesc struct {
	Batch      int
	M, N, K    int
	TransA     bool
	TransB     bool
	BroadcastB bool
	Bias       bool
	Act        ml.Activation
}

// QGemmDesc describes Y[M,N] = X[M,K] * dequant(W[N,K])^T. With
// Int8Input the activations are quantized first.
type QGemmDesc struct {
	M, N, K      int
	WeightScales []float32
	WeightZeros  []int32
	Int8Input    bool
	InputScale   float32
	InputZero    int32
	Bias         bool
	Act          ml.Activation
}

// PointwiseOp selects an elementwise operation.
type PointwiseOp int

const (
	PointwiseActivation PointwiseOp = iota
	PointwiseBias
	PointwiseAdd
	PointwiseQuantize
	PointwiseDequantize
)

func (op PointwiseOp) String() string {
	switch op {
	case PointwiseActivation:
		return "activation"
	case PointwiseBias:
		return "bias"
	case PointwiseAdd:
		return "add"
	case PointwiseQuantize:
		return "quantize"
	case PointwiseDequantize:
		return "dequantize"
	}
	return fmt.Sprintf("pointwise(%d)", int(op))
}

// PointwiseDesc views the data as [Outer, Channels, Inner]. Bias and
// per-channel quantization index the middle dimension.
type PointwiseDesc struct {
	Op                     PointwiseOp
	Act                    ml.Activation
	Outer, Channels, Inner int
	Scales                 []float32
	Zeros                  []int32
}

// Elems returns the element count.
func (d PointwiseDesc) Elems() int {
	return d.Outer * d.Channels * d.Inner
}

// Library is a vendor math library. Calls run synchronously on the
// stream worker that issues them.
type Library interface {
	Capabilities() Capabilities

	// ConvWorkspace returns the float32 scratch size ConvForward needs.
	ConvWorkspace(d ConvDesc) int
	ConvForward(d ConvDesc, x, w, bias, y, workspace []float32) Status

	Gemm(d GemmDesc, a, b, bias, c []float32) Status

	// QGemmWorkspace returns the int8 and int32 scratch sizes of QGemm.
	QGemmWorkspace(d QGemmDesc) (int, int)
	QGemm(d QGemmDesc, x []float32, w []int8, bias, y []float32, xq []int8, acc []int32) Status

	// Pointwise handles float in and float out ops; operand is the bias
	// or the second addend.
	Pointwise(d PointwiseDesc, x, operand, y []float32) Status
	Quantize(d PointwiseDesc, x []float32, q []int8) Status
	Dequantize(d PointwiseDesc, q []int8, y []float32) Status
}
