// types.go - Wire-Typen der sfast API
// Enthaelt: StatusError, Tensor, Quant, Anfragen und Antworten der Routen
package api

import (
	"fmt"
	"slices"
	"time"

	"github.com/ollama/sfast/ml"
)

// StatusError is an error with an HTTP status code and message.
type StatusError struct {
	StatusCode   int
	Status       string
	ErrorMessage string `json:"error"`
}

func (e StatusError) Error() string {
	switch {
	case e.Status != "" && e.ErrorMessage != "":
		return fmt.Sprintf("%s: %s", e.Status, e.ErrorMessage)
	case e.Status != "":
		return e.Status
	case e.ErrorMessage != "":
		return e.ErrorMessage
	default:
		// this should not happen
		return "something went wrong, please see the sfast server logs for details"
	}
}

// =============================================================================
// Tensoren
// =============================================================================

// Tensor is a dense row-major tensor on the wire. Float tensors carry
// Data, int8 tensors carry Int8.
type Tensor struct {
	DType string    `json:"dtype,omitempty"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data,omitempty"`
	Int8  []int8    `json:"int8,omitempty"`
}

// NewTensor converts t for the wire.
func NewTensor(t *ml.Tensor) Tensor {
	w := Tensor{DType: t.DType().String(), Shape: t.Shape()}
	if t.DType() == ml.DTypeI8 {
		w.Int8 = slices.Clone(t.Contiguous().Int8s())
	} else {
		w.Data = t.Floats()
	}
	return w
}

// Tensor converts t into a host tensor. An empty dtype means f32.
func (t Tensor) Tensor() (*ml.Tensor, error) {
	dtype := ml.DTypeF32
	if t.DType != "" {
		var err error
		if dtype, err = ml.ParseDType(t.DType); err != nil {
			return nil, err
		}
	}

	if dtype == ml.DTypeI8 {
		return ml.FromInt8s(t.Int8, t.Shape...)
	}
	if !dtype.IsFloat() {
		return nil, fmt.Errorf("unsupported tensor dtype %s", dtype)
	}
	return ml.FromFloats(dtype, t.Data, t.Shape...)
}

// Quant describes int8 quantization: one scale per tensor or one per
// index of Axis.
type Quant struct {
	Scales     []float32 `json:"scales"`
	ZeroPoints []int32   `json:"zero_points,omitempty"`
	Axis       int       `json:"axis,omitempty"`
}

// Params converts q into quantization parameters.
func (q Quant) Params() ml.QuantParams {
	return ml.QuantParams{Scales: q.Scales, ZeroPoints: q.ZeroPoints, Axis: q.Axis}
}

// =============================================================================
// Fusionierte Operatoren
// =============================================================================

// Conv2DRequest computes activation(conv2d(input, weight) + bias). The
// weight is OIHW. Stride, Padding and Dilation are [height, width].
type Conv2DRequest struct {
	Input      Tensor  `json:"input"`
	Weight     Tensor  `json:"weight"`
	Bias       *Tensor `json:"bias,omitempty"`
	Activation string  `json:"activation,omitempty"`
	Stride     [2]int  `json:"stride,omitempty"`
	Padding    [2]int  `json:"padding,omitempty"`
	Dilation   [2]int  `json:"dilation,omitempty"`
	Groups     int     `json:"groups,omitempty"`
}

// Params returns the convolution geometry of r.
func (r *Conv2DRequest) Params() ml.Conv2DParams {
	return ml.Conv2DParams{
		StrideH: r.Stride[0], StrideW: r.Stride[1],
		PadH: r.Padding[0], PadW: r.Padding[1],
		DilationH: r.Dilation[0], DilationW: r.Dilation[1],
		Groups: r.Groups,
	}
}

// GEMMRequest computes activation(op(a) op(b) + bias).
type GEMMRequest struct {
	A          Tensor  `json:"a"`
	B          Tensor  `json:"b"`
	Bias       *Tensor `json:"bias,omitempty"`
	TransA     bool    `json:"trans_a,omitempty"`
	TransB     bool    `json:"trans_b,omitempty"`
	Activation string  `json:"activation,omitempty"`
}

// QLinearRequest computes activation(input * dequant(weight)^T + bias).
// Weight is int8 [out_features, in_features]. InputQuant quantizes the
// input to int8 before the product.
type QLinearRequest struct {
	Input       Tensor  `json:"input"`
	Weight      Tensor  `json:"weight"`
	Bias        *Tensor `json:"bias,omitempty"`
	WeightQuant Quant   `json:"weight_quant"`
	InputQuant  *Quant  `json:"input_quant,omitempty"`
	Activation  string  `json:"activation,omitempty"`
}

// OpResponse is the result of a fused operator.
type OpResponse struct {
	Output        Tensor        `json:"output"`
	TotalDuration time.Duration `json:"total_duration,omitempty"`
}

// =============================================================================
// Geraet und Muster
// =============================================================================

// Capabilities describes what the math library supports.
type Capabilities struct {
	Library              string   `json:"library"`
	ConvWeightLayout     string   `json:"conv_weight_layout"`
	ConvGroups           bool     `json:"conv_groups"`
	ConvEpilogue         []string `json:"conv_epilogue"`
	GemmEpilogue         []string `json:"gemm_epilogue"`
	QGemmEpilogue        []string `json:"qgemm_epilogue"`
	QGemmInt8Activations bool     `json:"qgemm_int8_activations"`
	HalfAlignment        int      `json:"half_alignment,omitempty"`
}

// DeviceResponse describes the device the server runs on.
type DeviceResponse struct {
	Device       ml.DeviceInfo `json:"device"`
	Backends     []string      `json:"backends"`
	Capabilities Capabilities  `json:"capabilities"`
}

// Pattern describes a registered fusion pattern.
type Pattern struct {
	Name        string   `json:"name"`
	Family      string   `json:"family"`
	Description string   `json:"description,omitempty"`
	Chain       string   `json:"chain"`
	Specificity int      `json:"specificity"`
	Activations []string `json:"activations"`
}

// PatternsResponse lists fusion patterns in match order.
type PatternsResponse struct {
	Patterns []Pattern `json:"patterns"`
}

// =============================================================================
// Graph-Optimierung
// =============================================================================

// ModelOptions configures a registered model.
type ModelOptions struct {
	Height       int  `json:"height,omitempty"`
	Width        int  `json:"width,omitempty"`
	Channels     int  `json:"channels,omitempty"`
	Quantize     bool `json:"quantize,omitempty"`
	DynamicQuant bool `json:"dynamic_quant,omitempty"`
}

// OptimizeRequest selects the graph to rewrite: either an encoded graph or
// a registered model with random weights from Seed. Families restricts the
// applied pattern families; empty means all.
type OptimizeRequest struct {
	Model    string       `json:"model,omitempty"`
	Options  ModelOptions `json:"options,omitzero"`
	Seed     uint64       `json:"seed,omitempty"`
	Graph    []byte       `json:"graph,omitempty"`
	Families []string     `json:"families,omitempty"`
}

// AppliedPattern is one fusion applied by the rewrite.
type AppliedPattern struct {
	Pattern  string   `json:"pattern"`
	Replaced []string `json:"replaced"`
}

// SkippedPattern is a match the rewrite rejected.
type SkippedPattern struct {
	Pattern string `json:"pattern"`
	Node    int    `json:"node"`
	Reason  string `json:"reason"`
}

// OptimizeResponse is the optimized graph with its rewrite report.
type OptimizeResponse struct {
	Version     string           `json:"version"`
	Checksum    string           `json:"checksum"`
	NodesBefore int              `json:"nodes_before"`
	NodesAfter  int              `json:"nodes_after"`
	Applied     []AppliedPattern `json:"applied,omitempty"`
	Skipped     []SkippedPattern `json:"skipped,omitempty"`
	Graph       []byte           `json:"graph"`
}
