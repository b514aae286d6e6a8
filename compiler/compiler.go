// Package compiler - Aufzeichnen, Umschreiben und Ausfuehren von Modellen
//
// Dieses Modul enthaelt:
// - Compiler: verbindet Geraet, Mathe-Bibliothek und Konfiguration
// - Compile: Trace -> Rewrite (optional aus dem Graph-Cache) -> Compiled
// - Compiled: fuehrt das Modell aus, mit einem Plan pro Eingabe-Signatur
//
// Nicht unterstuetzte fusionierte Knoten werden beim Bau eines Plans
// erkannt und unfusioniert neu gebaut, wenn Fallback aktiv ist.
package compiler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ollama/sfast/format"
	"github.com/ollama/sfast/fusion"
	"github.com/ollama/sfast/ir"
	"github.com/ollama/sfast/kernels"
	"github.com/ollama/sfast/ml"
	"github.com/ollama/sfast/model"
	"github.com/ollama/sfast/replay"
	"github.com/ollama/sfast/store"
	"github.com/ollama/sfast/trace"
)

// Option konfiguriert einen Compiler
type Option func(*Compiler)

// WithCache speichert optimierte Graphen in c
func WithCache(c *store.Cache) Option {
	return func(cc *Compiler) {
		cc.cache = c
	}
}

// WithRegistry ersetzt die eingebauten Fusionsmuster
func WithRegistry(r *fusion.Registry) Option {
	return func(cc *Compiler) {
		cc.registry = r
	}
}

// Compiler baut Compiled-Modelle auf einem Geraet
type Compiler struct {
	cfg      Config
	dev      ml.Device
	lib      kernels.Library
	sched    *replay.Scheduler
	tracer   *trace.Tracer
	registry *fusion.Registry
	cache    *store.Cache
}

// New erstellt einen Compiler
func New(dev ml.Device, lib kernels.Library, cfg Config, opts ...Option) *Compiler {
	c := &Compiler{
		cfg:      cfg,
		dev:      dev,
		lib:      lib,
		tracer:   trace.NewTracer(),
		registry: fusion.DefaultRegistry(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.sched = replay.New(dev, lib, replay.WithCapture(cfg.JIT && cfg.GraphReplay))
	return c
}

// Config gibt die Konfiguration zurueck
func (c *Compiler) Config() Config {
	return c.cfg
}

// Compile zeichnet m auf und optimiert den Graphen. Plans werden erst beim
// ersten Run einer Signatur gebaut.
func (c *Compiler) Compile(ctx context.Context, m model.Model) (*Compiled, error) {
	start := time.Now()

	source, err := model.Trace(c.tracer, m)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", m.Name(), err)
	}

	g, report, err := c.optimize(ctx, m.Name(), source)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", m.Name(), err)
	}

	slog.Info("compiled model", "model", m.Name(), "nodes", len(source.Nodes), "optimized", len(g.Nodes),
		"fused", report.Fused(), "elapsed", format.HumanDuration(time.Since(start)))
	return newCompiled(c, m, source, g, report), nil
}

// optimize schreibt source um, bevorzugt aus dem Cache
func (c *Compiler) optimize(ctx context.Context, name string, source *ir.Graph) (*ir.Graph, fusion.Report, error) {
	families := c.cfg.families()
	if len(families) == 0 {
		return source, fusion.Report{NodesBefore: len(source.Nodes), NodesAfter: len(source.Nodes)}, nil
	}

	key := store.Key{Model: name, Signature: source.Signature(), Options: c.cfg.key()}
	if c.cache != nil {
		g, err := c.cache.Get(ctx, key, source)
		switch {
		case err == nil:
			slog.Debug("compiler: graph from cache", "key", key)
			return g, cachedReport(source, g), nil
		case !errors.Is(err, store.ErrNotFound):
			slog.Warn("compiler: graph cache unavailable", "key", key, "error", err)
		}
	}

	g, report, err := c.rewrite(source)
	if err != nil {
		return nil, fusion.Report{}, err
	}

	if c.cache != nil {
		if _, err := c.cache.Put(ctx, key, source, g); err != nil {
			slog.Warn("compiler: caching graph", "key", key, "error", err)
		}
	}
	return g, report, nil
}

func (c *Compiler) rewrite(source *ir.Graph, skip ...ir.ValueID) (*ir.Graph, fusion.Report, error) {
	families := c.cfg.families()
	if len(families) == 0 {
		return source, fusion.Report{NodesBefore: len(source.Nodes), NodesAfter: len(source.Nodes)}, nil
	}
	return fusion.NewRewriter(c.registry, fusion.WithFamilies(families...), fusion.WithSkip(skip...)).Rewrite(source)
}

// cachedReport rekonstruiert die Zusammenfassung eines gecachten Graphen
func cachedReport(source, g *ir.Graph) fusion.Report {
	r := fusion.Report{NodesBefore: len(source.Nodes), NodesAfter: len(g.Nodes)}
	for _, n := range g.Nodes {
		if n.Kind.IsFused() {
			r.Applied = append(r.Applied, fusion.Applied{Pattern: n.Attrs.Fused.Pattern, Replaced: n.Attrs.Fused.Replaced, Output: n.Output})
		}
	}
	return r
}
