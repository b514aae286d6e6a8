// compiled.go - Ausfuehrung eines kompilierten Modells
//
// Pro Eingabe-Signatur gibt es einen Plan. Gleichzeitige Builds derselben
// Signatur laufen ueber singleflight nur einmal; bei mehr als MaxPlans
// Plaenen wird der am laengsten ungenutzte geschlossen. Mit Verify prueft
// der erste Run einer Signatur den Plan, weitere Runs warten darauf.
package compiler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/sync/singleflight"

	"github.com/ollama/sfast/fusion"
	"github.com/ollama/sfast/ir"
	"github.com/ollama/sfast/logutil"
	"github.com/ollama/sfast/ml"
	"github.com/ollama/sfast/model"
	"github.com/ollama/sfast/numeric"
	"github.com/ollama/sfast/replay"
	"github.com/ollama/sfast/types/errtypes"
)

// Stats zaehlt die Arbeit eines Compiled-Modells
type Stats struct {
	Runs           int64 `json:"runs"`
	Plans          int   `json:"plans"`
	Builds         int64 `json:"builds"`
	Evictions      int64 `json:"evictions"`
	Fallbacks      int64 `json:"fallbacks"`
	Verified       int64 `json:"verified"`
	VerifyFailures int64 `json:"verify_failures"`
}

// held ist ein Plan mit Referenzzaehler. Ein ausgemusterter Plan wird
// geschlossen, sobald ihn kein Run mehr nutzt.
type held struct {
	plan    *replay.Plan
	graph   *ir.Graph
	users   int
	retired bool

	// exec serializes Execute with copying the plan-owned outputs
	exec sync.Mutex
}

// run executes the plan and copies its outputs for the caller
func (h *held) run(ctx context.Context, inputs []*ml.Tensor) ([]*ml.Tensor, error) {
	h.exec.Lock()
	defer h.exec.Unlock()

	out, err := h.plan.Execute(ctx, inputs...)
	if err != nil {
		return nil, err
	}
	return copyAll(out), nil
}

// retire marks h as replaced. Must be called with Compiled.mu held.
func (h *held) retire() {
	h.retired = true
	if h.users == 0 {
		h.plan.Close()
	}
}

// entry ist der Cache-Eintrag einer Signatur. Verify kann den Plan des
// Eintrags durch den unoptimierten ersetzen; waehrenddessen warten
// weitere Runs auf verifying.
type entry struct {
	cur       *held
	evicted   bool
	checked   bool
	verifying chan struct{}
}

// lease ist die Sicht eines Runs auf einen Eintrag, unter cm.mu erstellt
type lease struct {
	e      *entry
	h      *held
	verify bool
}

// Compiled ist ein aufgezeichnetes und optimiertes Modell
type Compiled struct {
	c      *Compiler
	model  model.Model
	source *ir.Graph
	graph  *ir.Graph
	report fusion.Report

	group singleflight.Group

	mu     sync.Mutex
	plans  *orderedmap.OrderedMap[string, *entry]
	stats  Stats
	closed bool
}

func newCompiled(c *Compiler, m model.Model, source, g *ir.Graph, report fusion.Report) *Compiled {
	return &Compiled{
		c:      c,
		model:  m,
		source: source,
		graph:  g,
		report: report,
		plans:  orderedmap.New[string, *entry](),
	}
}

// Graph gibt den optimierten Graphen zurueck
func (cm *Compiled) Graph() *ir.Graph { return cm.graph }

// Source gibt den aufgezeichneten Graphen zurueck
func (cm *Compiled) Source() *ir.Graph { return cm.source }

// Report gibt die Zusammenfassung des Rewrites zurueck
func (cm *Compiled) Report() fusion.Report { return cm.report }

// Stats gibt die Zaehler zurueck
func (cm *Compiled) Stats() Stats {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	s := cm.stats
	s.Plans = cm.plans.Len()
	return s
}

// PlanStats gibt die Zaehler aller gecachten Plans nach Signatur zurueck
func (cm *Compiled) PlanStats() map[string]replay.Stats {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	out := make(map[string]replay.Stats, cm.plans.Len())
	for pair := cm.plans.Oldest(); pair != nil; pair = pair.Next() {
		out[pair.Key] = pair.Value.cur.plan.Stats()
	}
	return out
}

func signature(inputs []*ml.Tensor) (string, []ir.Binding) {
	bindings := make([]ir.Binding, len(inputs))
	parts := make([]string, len(inputs))
	for i, t := range inputs {
		bindings[i] = ir.BindingOf(t)
		parts[i] = bindings[i].String()
	}
	return strings.Join(parts, ","), bindings
}

// Run fuehrt das Modell aus. Die Ergebnisse gehoeren dem Aufrufer.
func (cm *Compiled) Run(ctx context.Context, inputs ...*ml.Tensor) ([]*ml.Tensor, error) {
	for i, t := range inputs {
		if t == nil {
			return nil, fmt.Errorf("run %s: input %d is nil", cm.model.Name(), i)
		}
	}

	key, bindings := signature(inputs)
	l, err := cm.acquire(ctx, key, bindings)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", cm.model.Name(), err)
	}
	defer cm.release(l)

	results, err := l.h.run(ctx, inputs)
	if err == nil && l.verify {
		results, err = cm.verify(ctx, l, bindings, inputs, results)
	}
	if l.verify {
		cm.finishVerify(l.e, err == nil)
	}
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", cm.model.Name(), err)
	}

	cm.mu.Lock()
	cm.stats.Runs++
	cm.mu.Unlock()
	return results, nil
}

func copyAll(ts []*ml.Tensor) []*ml.Tensor {
	out := make([]*ml.Tensor, len(ts))
	for i, t := range ts {
		out[i] = ml.NewTensor(t.DType(), t.Shape()...)
		_ = out[i].CopyFrom(t)
	}
	return out
}

// acquire gibt den aktuellen Plan fuer key zurueck und baut ihn bei
// Bedarf. Der erste Run einer optimierten Signatur uebernimmt die
// Verifikation.
func (cm *Compiled) acquire(ctx context.Context, key string, bindings []ir.Binding) (lease, error) {
	for {
		cm.mu.Lock()
		if cm.closed {
			cm.mu.Unlock()
			return lease{}, errors.New("compiled model closed")
		}
		if e, ok := cm.plans.Get(key); ok {
			if wait := e.verifying; wait != nil {
				cm.mu.Unlock()
				select {
				case <-wait:
					continue
				case <-ctx.Done():
					return lease{}, ctx.Err()
				}
			}

			l := lease{e: e, h: e.cur}
			l.h.users++
			if cm.c.cfg.Verify && !e.checked && l.h.graph.Optimized {
				e.checked = true
				e.verifying = make(chan struct{})
				l.verify = true
			}
			cm.plans.MoveToBack(key)
			cm.mu.Unlock()
			return l, nil
		}
		cm.mu.Unlock()

		_, err, _ := cm.group.Do(key, func() (any, error) {
			return nil, cm.build(key, bindings)
		})
		if err != nil {
			return lease{}, err
		}
	}
}

// finishVerify wakes the runs waiting on e. A failed verification is
// retried by the next run.
func (cm *Compiled) finishVerify(e *entry, ok bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !ok {
		e.checked = false
	}
	close(e.verifying)
	e.verifying = nil
}

func (cm *Compiled) release(l lease) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	l.h.users--
	if l.h.retired && l.h.users == 0 {
		l.h.plan.Close()
	}
}

// build baut den Plan fuer key und legt ihn in den Cache
func (cm *Compiled) build(key string, bindings []ir.Binding) error {
	cm.mu.Lock()
	_, ok := cm.plans.Get(key)
	cm.mu.Unlock()
	if ok {
		return nil
	}

	p, g, err := cm.buildPlan(bindings)
	if err != nil {
		return err
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		p.Close()
		return errors.New("compiled model closed")
	}

	cm.plans.Set(key, &entry{cur: &held{plan: p, graph: g}})
	cm.stats.Builds++
	if g != cm.graph {
		cm.stats.Fallbacks++
	}

	if max := cm.c.cfg.MaxPlans; max > 0 {
		for cm.plans.Len() > max {
			oldest := cm.plans.Oldest()
			cm.plans.Delete(oldest.Key)
			cm.evict(oldest.Key, oldest.Value)
		}
	}
	return nil
}

func (cm *Compiled) evict(key string, e *entry) {
	cm.stats.Evictions++
	e.evicted = true
	e.cur.retire()
	slog.Debug("compiler: plan evicted", "model", cm.model.Name(), "signature", key)
}

// buildPlan baut einen Plan fuer bindings. Lehnt ein Adapter einen
// fusionierten Knoten ab, wird der Graph ohne diese Fusion neu
// umgeschrieben, bis der Plan gebaut werden kann.
func (cm *Compiled) buildPlan(bindings []ir.Binding) (*replay.Plan, *ir.Graph, error) {
	g := cm.graph
	var skip []ir.ValueID

	for {
		p, err := cm.c.sched.Build(g, bindings)
		if err == nil {
			return p, g, nil
		}

		var ne *replay.NodeError
		if !cm.c.cfg.Fallback || !errors.Is(err, errtypes.ErrUnsupportedConfiguration) ||
			!errors.As(err, &ne) || !ne.Kind.IsFused() {
			return nil, nil, err
		}

		slog.Info("compiler: fused node unsupported, building unfused", "model", cm.model.Name(),
			"node", ne.Node, "kind", ne.Kind, "error", ne.Err)
		skip = append(skip, ne.Output)
		if g, _, err = cm.c.rewrite(cm.source, skip...); err != nil {
			return nil, nil, err
		}
	}
}

// verify vergleicht got mit einem Lauf des unoptimierten Graphen. Bei
// Abweichung ersetzt der unoptimierte Plan den optimierten und verify gibt
// dessen Ergebnisse zurueck, sonst got.
func (cm *Compiled) verify(ctx context.Context, l lease, bindings []ir.Binding, inputs, got []*ml.Tensor) ([]*ml.Tensor, error) {
	ref, err := cm.c.sched.Build(cm.source, bindings)
	if err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}

	out, err := ref.Execute(ctx, inputs...)
	if err != nil {
		ref.Close()
		return nil, fmt.Errorf("verify: %w", err)
	}
	want := copyAll(out)

	quantized := l.h.graph.CountKind(ir.OpFusedQLinear) > 0
	var mismatch error
	for i := range want {
		if quantized {
			mismatch = numeric.CompareQuantized(got[i].Floats(), want[i].Floats())
		} else {
			mismatch = numeric.CompareTensors(got[i], want[i])
		}
		if mismatch != nil {
			mismatch = fmt.Errorf("output %d: %w", i, mismatch)
			logutil.Trace("compiler: verify mismatch", "output", i,
				"got", ml.Dump(got[i], ml.DumpWithEdgeItems(2)), "want", ml.Dump(want[i], ml.DumpWithEdgeItems(2)))
			break
		}
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if mismatch == nil {
		cm.stats.Verified++
		ref.Close()
		return got, nil
	}

	cm.stats.VerifyFailures++
	slog.Warn("compiler: optimized graph does not match reference, using unoptimized plan",
		"model", cm.model.Name(), "error", mismatch)

	next := &held{plan: ref, graph: cm.source}
	if l.e.evicted {
		next.retire()
	} else {
		l.e.cur = next
		l.h.retire()
	}
	return want, nil
}

// Close schliesst alle Plans
func (cm *Compiled) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil
	}
	cm.closed = true

	for pair := cm.plans.Oldest(); pair != nil; pair = pair.Next() {
		pair.Value.evicted = true
		pair.Value.cur.retire()
	}
	cm.plans = orderedmap.New[string, *entry]()
	return nil
}
