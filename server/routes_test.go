package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/ollama/sfast/api"
	"github.com/ollama/sfast/ir"
	"github.com/ollama/sfast/ml"
	"github.com/ollama/sfast/ml/backend/cpu"
	"github.com/ollama/sfast/model"
	"github.com/ollama/sfast/trace"
	"github.com/ollama/sfast/version"
)

func newTestClient(t *testing.T) *api.Client {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dev := cpu.New(ml.DeviceParams{NumThreads: 2})
	s, err := NewServer(nil, dev, cpu.NewLibrary(2))
	require.NoError(t, err)

	h, err := s.GenerateRoutes()
	require.NoError(t, err)

	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		s.Close()
		dev.Close()
	})

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return api.NewClient(u, srv.Client())
}

func requireStatus(t *testing.T, err error, status int) {
	t.Helper()
	var se api.StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, status, se.StatusCode, se.ErrorMessage)
}

// ============================================================================
// Allgemein
// ============================================================================

func TestHeartbeatAndVersion(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Heartbeat(ctx))

	v, err := c.Version(ctx)
	require.NoError(t, err)
	require.Equal(t, version.Version, v)
}

func TestDevice(t *testing.T) {
	c := newTestClient(t)

	resp, err := c.Device(context.Background())
	require.NoError(t, err)
	require.Equal(t, "cpu", resp.Device.Library)
	require.Contains(t, resp.Backends, "cpu")
	require.Equal(t, "OHWI", resp.Capabilities.ConvWeightLayout)
	require.Contains(t, resp.Capabilities.GemmEpilogue, "gelu")
	require.True(t, resp.Capabilities.QGemmInt8Activations)
}

func TestPatterns(t *testing.T) {
	c := newTestClient(t)

	resp, err := c.Patterns(context.Background())
	require.NoError(t, err)
	require.Len(t, resp.Patterns, 5)

	for i := 1; i < len(resp.Patterns); i++ {
		require.GreaterOrEqual(t, resp.Patterns[i-1].Specificity, resp.Patterns[i].Specificity,
			"Muster %s vor %s", resp.Patterns[i-1].Name, resp.Patterns[i].Name)
	}
}

// ============================================================================
// Fusionierte Operatoren
// ============================================================================

func TestFusedConv2D(t *testing.T) {
	c := newTestClient(t)

	resp, err := c.FusedConv2D(context.Background(), &api.Conv2DRequest{
		Input: api.Tensor{
			Shape: []int{1, 2, 2, 2},
			Data:  []float32{1, -2, 3, -4, 0.5, 0.5, -1, 2},
		},
		Weight:     api.Tensor{Shape: []int{2, 2, 1, 1}, Data: []float32{1, 0, 0, 1}},
		Bias:       &api.Tensor{Shape: []int{2}, Data: []float32{1, -1}},
		Activation: "relu",
	})
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 2, 2}, resp.Output.Shape)
	require.InDeltaSlice(t, []float32{2, 0, 4, 0, 0, 0, 0, 1}, resp.Output.Data, 1e-6)
}

func TestFusedGEMM(t *testing.T) {
	c := newTestClient(t)

	resp, err := c.FusedGEMM(context.Background(), &api.GEMMRequest{
		A:    api.Tensor{Shape: []int{2, 3}, Data: []float32{1, 2, 3, 4, 5, 6}},
		B:    api.Tensor{Shape: []int{3, 2}, Data: []float32{1, 0, 0, 1, 1, 1}},
		Bias: &api.Tensor{Shape: []int{2}, Data: []float32{0.5, -0.5}},
	})
	require.NoError(t, err)
	require.Equal(t, []int{2, 2}, resp.Output.Shape)
	require.InDeltaSlice(t, []float32{4.5, 4.5, 10.5, 10.5}, resp.Output.Data, 1e-6)
}

func TestFusedQLinear(t *testing.T) {
	c := newTestClient(t)

	resp, err := c.FusedQLinear(context.Background(), &api.QLinearRequest{
		Input:       api.Tensor{Shape: []int{1, 2}, Data: []float32{1, 2}},
		Weight:      api.Tensor{DType: "i8", Shape: []int{2, 2}, Int8: []int8{2, 4, -2, 0}},
		Bias:        &api.Tensor{Shape: []int{2}, Data: []float32{0.5, 0.5}},
		WeightQuant: api.Quant{Scales: []float32{0.5}},
	})
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, resp.Output.Shape)
	require.InDeltaSlice(t, []float32{5.5, -0.5}, resp.Output.Data, 1e-5)
}

func TestFusedRejectsBadInput(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.FusedGEMM(ctx, &api.GEMMRequest{
		A: api.Tensor{Shape: []int{2, 3}, Data: make([]float32, 6)},
		B: api.Tensor{Shape: []int{4, 2}, Data: make([]float32, 8)},
	})
	requireStatus(t, err, http.StatusBadRequest)

	_, err = c.FusedGEMM(ctx, &api.GEMMRequest{
		A:          api.Tensor{Shape: []int{1, 1}, Data: []float32{1}},
		B:          api.Tensor{Shape: []int{1, 1}, Data: []float32{1}},
		Activation: "swish2",
	})
	requireStatus(t, err, http.StatusBadRequest)

	_, err = c.FusedQLinear(ctx, &api.QLinearRequest{
		Input:  api.Tensor{Shape: []int{1, 2}, Data: []float32{1, 2}},
		Weight: api.Tensor{DType: "i8", Shape: []int{2, 2}, Int8: []int8{1, 1, 1, 1}},
	})
	requireStatus(t, err, http.StatusBadRequest)
}

// ============================================================================
// Graph-Optimierung
// ============================================================================

func TestOptimizeModel(t *testing.T) {
	c := newTestClient(t)

	resp, err := c.Optimize(context.Background(), &api.OptimizeRequest{
		Model:   "convnet",
		Options: api.ModelOptions{Height: 8, Width: 8, Channels: 8},
		Seed:    1,
	})
	require.NoError(t, err)
	require.Equal(t, ir.FormatVersion, resp.Version)
	require.Len(t, resp.Applied, 6)
	require.Less(t, resp.NodesAfter, resp.NodesBefore)

	g, err := ir.Decode(resp.Graph)
	require.NoError(t, err)
	require.True(t, g.Optimized)
	require.Equal(t, resp.Checksum, ir.Checksum(g))
	require.Equal(t, 4, g.CountKind(ir.OpFusedConv2D))
	require.Equal(t, 2, g.CountKind(ir.OpFusedGEMM))
}

func TestOptimizeGraphWithFamilies(t *testing.T) {
	c := newTestClient(t)

	m, err := model.NewRandom("convnet", model.Options{Height: 8, Width: 8, Channels: 8}, 1)
	require.NoError(t, err)
	source, err := model.Trace(trace.NewTracer(), m)
	require.NoError(t, err)

	resp, err := c.Optimize(context.Background(), &api.OptimizeRequest{
		Graph:    ir.Encode(source),
		Families: []string{"conv2d_bias_act"},
	})
	require.NoError(t, err)
	require.Len(t, resp.Applied, 4)
	for _, a := range resp.Applied {
		require.Equal(t, "conv2d_bias_act", a.Pattern)
	}

	g, err := ir.Decode(resp.Graph)
	require.NoError(t, err)
	require.Zero(t, g.CountKind(ir.OpFusedGEMM))
}

func TestOptimizeErrors(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.Optimize(ctx, &api.OptimizeRequest{})
	requireStatus(t, err, http.StatusBadRequest)

	_, err = c.Optimize(ctx, &api.OptimizeRequest{Model: "unet9000"})
	requireStatus(t, err, http.StatusNotFound)

	_, err = c.Optimize(ctx, &api.OptimizeRequest{Model: "convnet", Families: []string{"conv3d"}})
	requireStatus(t, err, http.StatusBadRequest)
}
