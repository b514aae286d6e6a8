// routes_fused.go - Handler der fusionierten Operatoren
// Enthaelt: Conv2DHandler, GEMMHandler, QLinearHandler, DeviceHandler
//
// Alle Operatoren laufen nacheinander auf dem Stream des Servers. Gepackte
// Gewichte und Ausgaben werden nach jeder Anfrage freigegeben.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ollama/sfast/api"
	"github.com/ollama/sfast/fused"
	"github.com/ollama/sfast/kernels"
	"github.com/ollama/sfast/ml"
)

// tensors dekodiert die Wire-Tensoren, nil bleibt nil
func tensors(ws ...*api.Tensor) ([]*ml.Tensor, error) {
	out := make([]*ml.Tensor, len(ws))
	for i, w := range ws {
		if w == nil {
			continue
		}
		t, err := w.Tensor()
		if err != nil {
			return nil, err
		}
		out[i] = t
	}
	return out, nil
}

func specOf(t *ml.Tensor) *kernels.Spec {
	if t == nil {
		return nil
	}
	s := kernels.SpecOf(t)
	return &s
}

// run fuehrt op serialisiert aus und antwortet mit dem Ergebnis
func (s *Server) run(c *gin.Context, name string, op func(ml.Stream) (*ml.Tensor, error)) {
	start := time.Now()

	s.mu.Lock()
	out, err := op(s.stream)
	if serr := s.stream.Synchronize(); err == nil {
		err = serr
	}

	var resp api.OpResponse
	if err == nil {
		resp.Output = api.NewTensor(out)
	}
	s.dev.Free(out)
	s.layer.Close()
	s.mu.Unlock()

	if err != nil {
		slog.Error("fused operator failed", "op", name, "error", err)
		abort(c, statusFor(err), err)
		return
	}

	resp.TotalDuration = time.Since(start)
	slog.Debug("fused operator", "op", name, "output", out, "elapsed", resp.TotalDuration)
	c.JSON(http.StatusOK, resp)
}

// Conv2DHandler fuehrt eine fusionierte Faltung aus
func (s *Server) Conv2DHandler(c *gin.Context) {
	var req api.Conv2DRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	act, err := ml.ParseActivation(req.Activation)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	ts, err := tensors(&req.Input, &req.Weight, req.Bias)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	x, w, bias := ts[0], ts[1], ts[2]
	p := req.Params()

	if _, err := s.layer.CheckConv2D(kernels.SpecOf(x), kernels.SpecOf(w), specOf(bias), act, p); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	s.run(c, "conv2d", func(stream ml.Stream) (*ml.Tensor, error) {
		return s.layer.Conv2D(stream, x, w, bias, act, p, nil)
	})
}

// GEMMHandler fuehrt eine fusionierte (gebatchte) GEMM aus
func (s *Server) GEMMHandler(c *gin.Context) {
	var req api.GEMMRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	act, err := ml.ParseActivation(req.Activation)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	ts, err := tensors(&req.A, &req.B, req.Bias)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	a, b, bias := ts[0], ts[1], ts[2]
	p := ml.GemmParams{TransA: req.TransA, TransB: req.TransB}

	if _, err := s.layer.CheckGEMM(kernels.SpecOf(a), kernels.SpecOf(b), specOf(bias), p, act); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	s.run(c, "gemm", func(stream ml.Stream) (*ml.Tensor, error) {
		return s.layer.GEMM(stream, a, b, bias, p, act, nil)
	})
}

// QLinearHandler fuehrt ein fusioniertes quantisiertes Linear aus
func (s *Server) QLinearHandler(c *gin.Context) {
	var req api.QLinearRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	act, err := ml.ParseActivation(req.Activation)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	ts, err := tensors(&req.Input, &req.Weight, req.Bias)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	x, wq, bias := ts[0], ts[1], ts[2]

	p := fused.QLinearParams{Weight: req.WeightQuant.Params(), Act: act}
	if req.InputQuant != nil {
		in := req.InputQuant.Params()
		p.Input = &in
	}

	if _, err := s.layer.CheckQLinear(kernels.SpecOf(x), kernels.SpecOf(wq), specOf(bias), p); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	s.run(c, "qlinear", func(stream ml.Stream) (*ml.Tensor, error) {
		return s.layer.QLinear(stream, x, wq, bias, p, nil)
	})
}

// DeviceHandler beschreibt Geraet und Mathe-Bibliothek
func (s *Server) DeviceHandler(c *gin.Context) {
	caps := s.set.Capabilities()
	c.JSON(http.StatusOK, api.DeviceResponse{
		Device:   s.dev.Info(),
		Backends: ml.DeviceBackends(),
		Capabilities: api.Capabilities{
			Library:              caps.Name,
			ConvWeightLayout:     caps.ConvWeightLayout.String(),
			ConvGroups:           caps.ConvGroups,
			ConvEpilogue:         caps.ConvEpilogue.Names(),
			GemmEpilogue:         caps.GemmEpilogue.Names(),
			QGemmEpilogue:        caps.QGemmEpilogue.Names(),
			QGemmInt8Activations: caps.QGemmInt8Activations,
			HalfAlignment:        caps.HalfAlignment,
		},
	})
}
