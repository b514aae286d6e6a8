// routes_graph.go - Handler fuer Fusionsmuster und Graph-Optimierung
// Enthaelt: PatternsHandler, OptimizeHandler
package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ollama/sfast/api"
	"github.com/ollama/sfast/fusion"
	"github.com/ollama/sfast/ir"
	"github.com/ollama/sfast/model"
	"github.com/ollama/sfast/trace"
)

// PatternsHandler listet die Fusionsmuster in Match-Reihenfolge
func (s *Server) PatternsHandler(c *gin.Context) {
	var resp api.PatternsResponse
	for _, p := range s.registry.Sorted() {
		resp.Patterns = append(resp.Patterns, api.Pattern{
			Name:        p.Name,
			Family:      p.Family.String(),
			Description: p.Description,
			Chain:       p.Chain(),
			Specificity: p.Specificity(),
			Activations: p.Activations.Names(),
		})
	}
	c.JSON(http.StatusOK, resp)
}

// OptimizeHandler schreibt einen Graphen oder ein registriertes Modell um
func (s *Server) OptimizeHandler(c *gin.Context) {
	var req api.OptimizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	var opts []fusion.Option
	if len(req.Families) > 0 {
		families := make([]fusion.Family, len(req.Families))
		for i, name := range req.Families {
			f, err := fusion.ParseFamily(name)
			if err != nil {
				abort(c, http.StatusBadRequest, err)
				return
			}
			families[i] = f
		}
		opts = append(opts, fusion.WithFamilies(families...))
	}

	source, status, err := sourceGraph(&req)
	if err != nil {
		abort(c, status, err)
		return
	}

	g, report, err := fusion.NewRewriter(s.registry, opts...).Rewrite(source)
	if err != nil {
		slog.Error("rewrite failed", "graph", source.Name, "error", err)
		abort(c, http.StatusInternalServerError, err)
		return
	}

	resp := api.OptimizeResponse{
		Version:     ir.FormatVersion,
		Checksum:    ir.Checksum(g),
		NodesBefore: report.NodesBefore,
		NodesAfter:  report.NodesAfter,
		Graph:       ir.Encode(g),
	}
	for _, a := range report.Applied {
		replaced := make([]string, len(a.Replaced))
		for i, k := range a.Replaced {
			replaced[i] = k.String()
		}
		resp.Applied = append(resp.Applied, api.AppliedPattern{Pattern: a.Pattern, Replaced: replaced})
	}
	for _, sk := range report.Skipped {
		resp.Skipped = append(resp.Skipped, api.SkippedPattern{Pattern: sk.Pattern, Node: sk.Node, Reason: sk.Reason})
	}

	slog.Info("optimized graph", "graph", source.Name, "nodes", report.NodesBefore, "optimized", report.NodesAfter, "fused", report.Fused())
	c.JSON(http.StatusOK, resp)
}

// sourceGraph dekodiert den Graphen der Anfrage oder zeichnet das Modell auf
func sourceGraph(req *api.OptimizeRequest) (*ir.Graph, int, error) {
	switch {
	case len(req.Graph) > 0:
		g, err := ir.Decode(req.Graph)
		if errors.Is(err, ir.ErrStaleGraph) {
			return nil, http.StatusConflict, err
		} else if err != nil {
			return nil, http.StatusBadRequest, err
		}
		return g, http.StatusOK, nil
	case req.Model != "":
		opts := model.Options{
			Height:       req.Options.Height,
			Width:        req.Options.Width,
			Channels:     req.Options.Channels,
			Quantize:     req.Options.Quantize,
			DynamicQuant: req.Options.DynamicQuant,
		}
		m, err := model.NewRandom(req.Model, opts, req.Seed)
		if errors.Is(err, model.ErrUnsupportedModel) {
			return nil, http.StatusNotFound, err
		} else if err != nil {
			return nil, http.StatusBadRequest, err
		}

		g, err := model.Trace(trace.NewTracer(), m)
		if err != nil {
			return nil, http.StatusInternalServerError, err
		}
		return g, http.StatusOK, nil
	default:
		return nil, http.StatusBadRequest, fmt.Errorf("model or graph is required")
	}
}
