// plan.go - Gebundener Ausfuehrungsplan mit festen Slots und Capture
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/ollama/sfast/format"
	"github.com/ollama/sfast/fused"
	"github.com/ollama/sfast/ir"
	"github.com/ollama/sfast/kernels"
	"github.com/ollama/sfast/logutil"
	"github.com/ollama/sfast/ml"
	"github.com/ollama/sfast/types/errtypes"
)

// step issues the work of one node onto a stream.
type step struct {
	node   int
	kind   ir.OpKind
	output ir.ValueID
	issue  func(ml.Stream) error
}

// Plan is a graph bound to fixed slots on one stream. Outputs returned by
// Execute are owned by the plan and valid until the next Execute or Close.
type Plan struct {
	ID string

	sched  *Scheduler
	source *ir.Graph

	mu       sync.Mutex
	state    State
	graph    *ir.Graph
	bindings []ir.Binding

	stream ml.Stream
	set    *kernels.Set
	layer  *fused.Layer

	slots   map[ir.ValueID]*ml.Tensor
	owned   []*ml.Tensor
	inputs  []*ml.Tensor
	outputs []*ml.Tensor
	steps   []step

	capture   ml.Graph
	noCapture bool

	stats Stats
}

// State returns the current lifecycle state.
func (p *Plan) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Stats returns the counters of p.
func (p *Plan) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	if p.set != nil {
		s.Launches = p.set.Launches()
	}
	return s
}

// Graph returns the bound graph.
func (p *Plan) Graph() *ir.Graph {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.graph
}

// Bindings returns the input bindings the plan was built for.
func (p *Plan) Bindings() []ir.Binding {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.bindings)
}

// =============================================================================
// Build
// =============================================================================

func (p *Plan) build(bindings []ir.Binding) (err error) {
	name := p.source.Name

	g, err := p.source.Bind(bindings)
	if err != nil {
		return fmt.Errorf("build %q: %w", name, err)
	}
	if err := g.Concrete(); err != nil {
		return fmt.Errorf("build %q: %w", name, err)
	}

	dev := p.sched.dev
	stream, err := dev.NewStream()
	if err != nil {
		return fmt.Errorf("build %q: %w", name, err)
	}

	p.graph = g
	p.bindings = slices.Clone(bindings)
	p.stream = stream
	p.set = kernels.NewSet(dev, p.sched.lib)
	p.layer = fused.New(dev, p.set)
	p.slots = make(map[ir.ValueID]*ml.Tensor, len(g.Values))

	defer func() {
		if err != nil {
			p.release()
			p.state = StateUnbuilt
		}
	}()

	for id, t := range g.Params {
		p.slots[id] = t
	}
	for _, id := range g.Inputs {
		t, err := p.alloc(g.Value(id))
		if err != nil {
			return fmt.Errorf("build %q: input %v: %w", name, g.Value(id), err)
		}
		p.slots[id] = t
		p.inputs = append(p.inputs, t)
	}

	for i, n := range g.Nodes {
		st, err := p.compile(i, n)
		if err != nil {
			return fmt.Errorf("build %q: %w", name, &NodeError{Node: i, Kind: n.Kind, Output: n.Output, Err: err})
		}
		if st != nil {
			p.steps = append(p.steps, *st)
		}
	}

	for _, id := range g.Outputs {
		p.outputs = append(p.outputs, p.slots[id])
	}

	p.ID = uuid.NewString()
	p.state = StateBuilt
	p.stats.Nodes = len(p.steps)
	for _, t := range p.owned {
		p.stats.SlotBytes += uint64(t.Size())
	}

	slog.Debug("replay: plan built", "plan", p.ID, "graph", name, "signature", g.Signature(),
		"steps", len(p.steps), "slots", format.HumanBytes2(p.stats.SlotBytes), "packed", p.layer.Packed())
	return nil
}

func (p *Plan) alloc(v *ir.Value) (*ml.Tensor, error) {
	t, err := p.sched.dev.Alloc(v.DType, v.Shape...)
	if err != nil {
		return nil, err
	}
	p.owned = append(p.owned, t)
	return t, nil
}

// compile checks n against the adapters, allocates its output slot and
// returns the step issuing it. Reshapes alias their input and issue nothing.
func (p *Plan) compile(i int, n *ir.Node) (*step, error) {
	in := make([]*ml.Tensor, len(n.Inputs))
	for j, id := range n.Inputs {
		if in[j] = p.slots[id]; in[j] == nil {
			return nil, fmt.Errorf("input %%%d has no slot", id)
		}
	}
	v := p.graph.Value(n.Output)

	if n.Kind == ir.OpReshape {
		view, err := in[0].Reshape(v.Shape...)
		if err != nil {
			return nil, err
		}
		p.slots[n.Output] = view
		return nil, nil
	}

	var (
		spec  kernels.Spec
		err   error
		issue func(st ml.Stream, out *ml.Tensor) error
	)

	f := n.Attrs.Fused
	switch n.Kind {
	case ir.OpConv2D, ir.OpFusedConv2D:
		act, params, bias := ml.ActNone, n.Attrs.Conv, (*ml.Tensor)(nil)
		if f != nil {
			act, params = f.Activation, f.Conv
			if f.HasBias {
				bias = in[2]
			}
		}
		if _, ok := p.graph.Params[n.Inputs[1]]; !ok {
			return nil, errtypes.Unsupported("conv2d", "weight %%%d is not a constant", n.Inputs[1])
		}
		if spec, err = p.layer.CheckConv2D(specOf(in[0]), specOf(in[1]), biasSpec(bias), act, params); err != nil {
			return nil, err
		}
		if _, err := p.layer.Prepack(in[1]); err != nil {
			return nil, err
		}
		issue = func(st ml.Stream, out *ml.Tensor) error {
			_, err := p.layer.Conv2D(st, in[0], in[1], bias, act, params, out)
			return err
		}

	case ir.OpLinear, ir.OpMatmul, ir.OpFusedGEMM:
		act, params, bias := ml.ActNone, n.Attrs.Gemm, (*ml.Tensor)(nil)
		if n.Kind == ir.OpLinear {
			params = ml.GemmParams{TransB: true}
		}
		if f != nil {
			act, params = f.Activation, f.Gemm
			if f.HasBias {
				bias = in[2]
			}
		}
		if spec, err = p.layer.CheckGEMM(specOf(in[0]), specOf(in[1]), biasSpec(bias), params, act); err != nil {
			return nil, err
		}
		issue = func(st ml.Stream, out *ml.Tensor) error {
			_, err := p.layer.GEMM(st, in[0], in[1], bias, params, act, out)
			return err
		}

	case ir.OpFusedQLinear:
		var bias *ml.Tensor
		if f.HasBias {
			bias = in[2]
		}
		params := fused.QLinearParams{Weight: *f.WeightQuant, Input: f.InputQuant, Act: f.Activation}
		if spec, err = p.layer.CheckQLinear(specOf(in[0]), specOf(in[1]), biasSpec(bias), params); err != nil {
			return nil, err
		}
		issue = func(st ml.Stream, out *ml.Tensor) error {
			_, err := p.layer.QLinear(st, in[0], in[1], bias, params, out)
			return err
		}

	case ir.OpBiasAdd, ir.OpActivation, ir.OpAdd, ir.OpQuantize, ir.OpDequantize:
		attrs := pointwise(n)
		specs := make([]kernels.Spec, len(in))
		for j, t := range in {
			specs[j] = specOf(t)
		}
		if spec, err = p.set.Check(kernels.PrimitivePointwise, specs, attrs); err != nil {
			return nil, err
		}
		issue = func(st ml.Stream, out *ml.Tensor) error {
			return p.set.RunInto(st, kernels.PrimitivePointwise, in, attrs, out)
		}

	case ir.OpOpaque:
		fn, err := ir.LookupOpaque(n.Attrs.Opaque)
		if err != nil {
			return nil, err
		}
		spec = kernels.Spec{DType: v.DType, Shape: v.Shape}
		op := "opaque:" + n.Attrs.Opaque
		issue = func(st ml.Stream, out *ml.Tensor) error {
			st.Submit(op, func() error { return fn(in, out) })
			return nil
		}

	default:
		return nil, fmt.Errorf("cannot execute %v", n.Kind)
	}

	if spec.DType != v.DType || !slices.Equal(spec.Shape, v.Shape) {
		return nil, fmt.Errorf("kernel output %v does not match %v", spec, v)
	}

	out, err := p.alloc(v)
	if err != nil {
		return nil, err
	}
	p.slots[n.Output] = out

	return &step{
		node:   i,
		kind:   n.Kind,
		output: n.Output,
		issue:  func(st ml.Stream) error { return issue(st, out) },
	}, nil
}

func pointwise(n *ir.Node) kernels.PointwiseAttrs {
	switch n.Kind {
	case ir.OpBiasAdd:
		return kernels.PointwiseAttrs{Op: kernels.PointwiseBias, Axis: n.Attrs.Axis}
	case ir.OpActivation:
		return kernels.PointwiseAttrs{Op: kernels.PointwiseActivation, Act: n.Attrs.Act}
	case ir.OpQuantize:
		return kernels.PointwiseAttrs{Op: kernels.PointwiseQuantize, Quant: *n.Attrs.Quant}
	case ir.OpDequantize:
		return kernels.PointwiseAttrs{Op: kernels.PointwiseDequantize, Quant: *n.Attrs.Quant, OutDType: n.Attrs.DType}
	default:
		return kernels.PointwiseAttrs{Op: kernels.PointwiseAdd}
	}
}

func specOf(t *ml.Tensor) kernels.Spec {
	return kernels.SpecOf(t)
}

func biasSpec(t *ml.Tensor) *kernels.Spec {
	if t == nil {
		return nil
	}
	s := kernels.SpecOf(t)
	return &s
}

// =============================================================================
// Execute
// =============================================================================

// Execute copies inputs into the plan, runs it and waits for the result.
// Inputs must match the bindings the plan was built for.
func (p *Plan) Execute(ctx context.Context, inputs ...*ml.Tensor) ([]*ml.Tensor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case StateClosed:
		return nil, errors.New("replay: plan closed")
	case StateInvalidated:
		return nil, fmt.Errorf("%w: plan %s invalidated, rebuild required", errtypes.ErrPlanMismatch, p.ID)
	case StateUnbuilt:
		return nil, errors.New("replay: plan not built")
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(inputs) != len(p.inputs) {
		return nil, fmt.Errorf("replay: plan takes %d inputs, got %d", len(p.inputs), len(inputs))
	}
	for i, t := range inputs {
		if t == nil || !t.SameShape(p.inputs[i]) {
			got := "nil"
			if t != nil {
				got = t.String()
			}
			p.state = StateInvalidated
			return nil, &errtypes.PlanMismatchError{
				Slot:     i,
				Name:     p.graph.Value(p.graph.Inputs[i]).Name,
				Expected: p.bindings[i].String(),
				Got:      got,
			}
		}
	}

	p.state = StateExecuting
	defer func() { p.state = StateBuilt }()

	// Eingaben werden vor dem Capture kopiert, der Graph liest nur die Slots.
	for i, t := range inputs {
		dst, src := p.inputs[i], t
		p.stream.Submit("input", func() error { return dst.CopyFrom(src) })
	}

	if err := p.issue(); err != nil {
		_ = p.stream.Synchronize()
		return nil, fmt.Errorf("execute %q: %w", p.graph.Name, err)
	}
	if err := p.stream.Synchronize(); err != nil {
		return nil, fmt.Errorf("execute %q: %w", p.graph.Name, err)
	}

	p.stats.Executions++
	logutil.Trace("replay: executed", "plan", p.ID, "executions", p.stats.Executions, "replayed", p.capture != nil)
	return slices.Clone(p.outputs), nil
}

// issue submits the node sequence: by launching the captured graph, by
// capturing it on first use, or directly when capture is unavailable.
func (p *Plan) issue() error {
	if p.capture != nil {
		err := p.capture.Launch(p.stream)
		if err == nil {
			p.stats.Replays++
			return nil
		}
		slog.Warn("replay: graph launch failed, issuing directly", "plan", p.ID, "error", err)
		p.capture.Close()
		p.capture = nil
	}

	if p.sched.capture && !p.noCapture {
		err := p.stream.BeginCapture()
		switch {
		case errors.Is(err, ml.ErrCaptureUnsupported):
			slog.Debug("replay: capture unsupported, issuing per call", "plan", p.ID)
			p.noCapture = true
		case err != nil:
			return err
		default:
			ierr := p.issueSteps()
			g, err := p.stream.EndCapture()
			if ierr != nil {
				if g != nil {
					g.Close()
				}
				return ierr
			}
			if err != nil {
				return err
			}

			p.capture = g
			p.stats.Captures++
			logutil.Trace("replay: captured", "plan", p.ID, "ops", g.Len())
			if err := g.Launch(p.stream); err != nil {
				return err
			}
			p.stats.Replays++
			return nil
		}
	}

	p.stats.Reissues++
	return p.issueSteps()
}

func (p *Plan) issueSteps() error {
	for _, st := range p.steps {
		if err := st.issue(p.stream); err != nil {
			return &NodeError{Node: st.node, Kind: st.kind, Output: st.output, Err: err}
		}
	}
	return nil
}

// Outputs returns the output slots without executing.
func (p *Plan) Outputs() []*ml.Tensor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.outputs)
}

// =============================================================================
// Rebuild / Close
// =============================================================================

// Rebuild releases all resources of p and builds it again for bindings.
func (p *Plan) Rebuild(bindings []ir.Binding) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateClosed {
		return errors.New("replay: plan closed")
	}

	old := p.ID
	p.release()
	p.state = StateUnbuilt
	if err := p.build(bindings); err != nil {
		return err
	}
	slog.Debug("replay: plan rebuilt", "old", old, "plan", p.ID)
	return nil
}

// Close frees slots, repacked weights, workspaces and the captured graph.
func (p *Plan) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateClosed {
		return nil
	}
	p.release()
	p.state = StateClosed
	return nil
}

func (p *Plan) release() {
	if p.stream != nil {
		_ = p.stream.Synchronize()
	}
	if p.capture != nil {
		p.capture.Close()
		p.capture = nil
	}
	if p.layer != nil {
		p.layer.Close()
		p.layer = nil
	}
	for _, t := range p.owned {
		p.sched.dev.Free(t)
	}
	if p.stream != nil {
		_ = p.stream.Close()
		p.stream = nil
	}

	p.owned, p.inputs, p.outputs, p.steps = nil, nil, nil, nil
	p.slots = nil
	p.set = nil
	p.noCapture = false
	p.stats.Nodes, p.stats.SlotBytes = 0, 0
}
