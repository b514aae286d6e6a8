// rewrite.go - Gieriges Umschreiben eines Trace-Graphen in fusionierte Knoten
package fusion

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/ollama/sfast/ir"
	"github.com/ollama/sfast/logutil"
	"github.com/ollama/sfast/ml"
)

// minMatch is the smallest number of nodes worth fusing.
const minMatch = 2

// Applied records one fusion.
type Applied struct {
	Pattern  string
	Replaced []ir.OpKind
	Output   ir.ValueID
}

// Skipped records a structural match rejected by a precondition.
type Skipped struct {
	Pattern string
	Node    int
	Reason  string
}

// Report describes what a rewrite did.
type Report struct {
	Applied []Applied
	Skipped []Skipped

	NodesBefore int
	NodesAfter  int
}

// Fused returns the number of fusions applied.
func (r Report) Fused() int {
	return len(r.Applied)
}

// Count returns the number of fusions applied by pattern.
func (r Report) Count(pattern string) int {
	n := 0
	for _, a := range r.Applied {
		if a.Pattern == pattern {
			n++
		}
	}
	return n
}

// Option configures a Rewriter.
type Option func(*Rewriter)

// WithFamilies restricts matching to families.
func WithFamilies(families ...Family) Option {
	return func(r *Rewriter) {
		r.families = make(map[Family]bool, len(families))
		for _, f := range families {
			r.families[f] = true
		}
	}
}

// WithSkip keeps every chain that would replace the producer of one of
// the given values unfused.
func WithSkip(values ...ir.ValueID) Option {
	return func(r *Rewriter) {
		for _, v := range values {
			r.skip[v] = true
		}
	}
}

// Rewriter replaces fusible chains with fused nodes.
type Rewriter struct {
	patterns []*Pattern
	families map[Family]bool
	skip     map[ir.ValueID]bool
}

// NewRewriter creates a rewriter over the patterns of registry.
func NewRewriter(registry *Registry, opts ...Option) *Rewriter {
	r := &Rewriter{skip: make(map[ir.ValueID]bool)}
	for _, opt := range opts {
		opt(r)
	}
	for _, p := range registry.Sorted() {
		if r.families == nil || r.families[p.Family] {
			r.patterns = append(r.patterns, p)
		}
	}
	return r
}

// scan is the state of one rewrite.
type scan struct {
	g         *ir.Graph
	consumers map[ir.ValueID][]int
	producers map[ir.ValueID]int
	consumed  []bool
}

// match is a structural match of one pattern.
type match struct {
	pattern  *Pattern
	steps    []int
	absorbed []int
	last     int
	count    int

	// note explains why an optional step was declined.
	note string
}

// nodes returns the matched node indices, absorbed producers first.
func (m *match) nodes() []int {
	out := slices.Clone(m.absorbed)
	for _, i := range m.steps {
		if i >= 0 {
			out = append(out, i)
		}
	}
	return out
}

// Rewrite returns an optimized copy of g. The input graph is not
// modified. Rewriting an optimized graph again changes nothing.
func (r *Rewriter) Rewrite(g *ir.Graph) (*ir.Graph, Report, error) {
	if err := g.Validate(); err != nil {
		return nil, Report{}, fmt.Errorf("rewrite %q: %w", g.Name, err)
	}
	order, err := g.TopoSort()
	if err != nil {
		return nil, Report{}, fmt.Errorf("rewrite %q: %w", g.Name, err)
	}

	out := g.Clone()
	out.Nodes = out.Nodes[:0]
	for _, i := range order {
		out.Nodes = append(out.Nodes, g.Nodes[i].Clone())
	}

	s := &scan{
		g:         out,
		consumers: out.Consumers(),
		producers: out.Producers(),
		consumed:  make([]bool, len(out.Nodes)),
	}
	report := Report{NodesBefore: len(out.Nodes)}
	fusedAt := make(map[int]*ir.Node)

	for i := range out.Nodes {
		if s.consumed[i] {
			continue
		}

		var (
			best    *match
			node    *ir.Node
			reasons []Skipped
		)
		for _, p := range r.patterns {
			m, reason := s.match(p, i)
			if m != nil && m.count < minMatch {
				m, reason = nil, m.note
			}
			if m == nil || (best != nil && m.count <= best.count) {
				if reason != "" {
					reasons = append(reasons, Skipped{Pattern: p.Name, Node: i, Reason: reason})
				}
				continue
			}
			if v := r.skipped(s, m); v >= 0 {
				reasons = append(reasons, Skipped{Pattern: p.Name, Node: i, Reason: fmt.Sprintf("value %%%d kept unfused", v)})
				continue
			}
			n, err := s.build(m)
			if err != nil {
				reasons = append(reasons, Skipped{Pattern: p.Name, Node: i, Reason: err.Error()})
				continue
			}
			best, node = m, n
		}

		if best == nil {
			report.Skipped = append(report.Skipped, reasons...)
			continue
		}
		if best.note != "" {
			report.Skipped = append(report.Skipped, Skipped{Pattern: best.pattern.Name, Node: i, Reason: best.note})
		}

		for _, j := range best.nodes() {
			s.consumed[j] = true
		}
		fusedAt[best.last] = node
		report.Applied = append(report.Applied, Applied{
			Pattern:  best.pattern.Name,
			Replaced: slices.Clone(node.Attrs.Fused.Replaced),
			Output:   node.Output,
		})
		logutil.Trace("fusion: applied", "pattern", best.pattern.Name, "node", i, "output", node.Output)
	}

	nodes := make([]*ir.Node, 0, len(out.Nodes))
	for i, n := range out.Nodes {
		if f, ok := fusedAt[i]; ok {
			nodes = append(nodes, f)
		} else if !s.consumed[i] {
			nodes = append(nodes, n)
		}
	}
	out.Nodes = nodes
	out.Optimized = true
	report.NodesAfter = len(nodes)

	if err := out.Validate(); err != nil {
		return nil, report, fmt.Errorf("rewrite %q produced an invalid graph: %w", g.Name, err)
	}

	slog.Debug("fusion: rewrite", "graph", g.Name, "fused", report.Fused(),
		"nodes_before", report.NodesBefore, "nodes_after", report.NodesAfter, "skipped", len(report.Skipped))
	return out, report, nil
}

func (r *Rewriter) skipped(s *scan, m *match) ir.ValueID {
	for _, i := range m.nodes() {
		if v := s.g.Nodes[i].Output; r.skip[v] {
			return v
		}
	}
	return -1
}

// =============================================================================
// Struktureller Abgleich
// =============================================================================

// follow returns the unique consumer of the value of node i if it is of
// kind st.Kind and reads that value at st.Operand.
func (s *scan) follow(i int, st Step) (int, bool) {
	v := s.g.Nodes[i].Output
	if s.g.IsOutput(v) {
		return -1, false
	}
	c := s.consumers[v]
	if len(c) != 1 || s.consumed[c[0]] {
		return -1, false
	}
	n := s.g.Nodes[c[0]]
	if n.Kind != st.Kind || st.Operand >= len(n.Inputs) || n.Inputs[st.Operand] != v {
		return -1, false
	}
	return c[0], true
}

// single reports whether v is read only by node j and is not an output.
func (s *scan) single(v ir.ValueID, j int) bool {
	c := s.consumers[v]
	return len(c) == 1 && c[0] == j && !s.g.IsOutput(v)
}

func (s *scan) match(p *Pattern, anchor int) (*match, string) {
	if s.g.Nodes[anchor].Kind != p.Steps[0].Kind {
		return nil, ""
	}

	m := &match{pattern: p, steps: make([]int, len(p.Steps)), last: anchor, count: 1}
	for i := range m.steps {
		m.steps[i] = -1
	}
	m.steps[0] = anchor

	var reason string
	cur := anchor
	for i, st := range p.Steps[1:] {
		next, ok := s.follow(cur, st)
		if ok && st.Kind == ir.OpActivation {
			if act := s.g.Nodes[next].Attrs.Act; !p.Activations.Has(act) {
				reason = fmt.Sprintf("activation %v not supported", act)
				ok = false
			}
		}
		if !ok {
			if st.Optional {
				continue
			}
			return nil, reason
		}
		m.steps[i+1] = next
		m.last = next
		m.count++
		cur = next
	}

	for _, a := range p.Absorb {
		j := m.steps[a.Step]
		if j < 0 {
			return nil, reason
		}
		n := s.g.Nodes[j]
		if a.Operand >= len(n.Inputs) {
			return nil, reason
		}
		v := n.Inputs[a.Operand]
		prod, ok := s.producers[v]
		if !ok || s.consumed[prod] || s.g.Nodes[prod].Kind != a.Kind || !s.single(v, j) {
			return nil, reason
		}
		m.absorbed = append(m.absorbed, prod)
		m.count++
	}
	m.note = reason
	return m, ""
}

// =============================================================================
// Fusionierte Knoten
// =============================================================================

func (s *scan) step(m *match, i int) *ir.Node {
	if j := m.steps[i]; j >= 0 {
		return s.g.Nodes[j]
	}
	return nil
}

// epilogue collects the optional bias and activation steps that follow
// the step at index base.
func (s *scan) epilogue(m *match, base int, bias *ir.ValueID, act *ml.Activation, rankAxis int) error {
	if n := s.step(m, base+1); n != nil {
		axis := n.Attrs.Axis
		rank := len(s.g.Value(n.Inputs[0]).Shape)
		if axis < 0 {
			axis += rank
		}
		if axis != rankAxis && !(rankAxis < 0 && axis == rank-1) {
			return fmt.Errorf("bias along axis %d", n.Attrs.Axis)
		}
		*bias = n.Inputs[1]
	}
	if n := s.step(m, base+2); n != nil {
		*act = n.Attrs.Act
	}
	return nil
}

// build turns a match into a fused node and checks it infers to the type
// of the value it replaces.
func (s *scan) build(m *match) (*ir.Node, error) {
	var (
		kind   ir.OpKind
		inputs []ir.ValueID
		bias   ir.ValueID = -1
		params = &ir.FusedParams{Pattern: m.pattern.Name}
	)

	switch m.pattern.Family {
	case FamilyConvBiasAct:
		conv := s.step(m, 0)
		if conv.Attrs.Conv.Normalize().Groups != 1 {
			return nil, fmt.Errorf("grouped convolution")
		}
		if err := s.epilogue(m, 0, &bias, &params.Activation, 1); err != nil {
			return nil, err
		}
		kind = ir.OpFusedConv2D
		params.Conv = conv.Attrs.Conv
		inputs = slices.Clone(conv.Inputs)

	case FamilyMatmulBiasAct, FamilyLinearBiasAct:
		mm := s.step(m, 0)
		if err := s.epilogue(m, 0, &bias, &params.Activation, -1); err != nil {
			return nil, err
		}
		kind = ir.OpFusedGEMM
		params.Gemm = mm.Attrs.Gemm
		if m.pattern.Family == FamilyLinearBiasAct {
			params.Gemm = ml.GemmParams{TransB: true}
		}
		inputs = slices.Clone(mm.Inputs)

	case FamilyQLinearBiasAct:
		lin := s.step(m, 0)
		deq := s.g.Nodes[m.absorbed[0]]
		if err := weightQuant(deq.Attrs.Quant); err != nil {
			return nil, err
		}
		if err := s.epilogue(m, 0, &bias, &params.Activation, -1); err != nil {
			return nil, err
		}
		kind = ir.OpFusedQLinear
		params.WeightQuant = deq.Attrs.Quant
		inputs = []ir.ValueID{lin.Inputs[0], deq.Inputs[0]}

	case FamilyQLinearDynamic:
		q, dq := s.step(m, 0), s.step(m, 1)
		if dq == nil || s.step(m, 2) == nil {
			return nil, fmt.Errorf("incomplete chain")
		}
		deq := s.g.Nodes[m.absorbed[0]]
		if err := weightQuant(deq.Attrs.Quant); err != nil {
			return nil, err
		}
		if !q.Attrs.Quant.PerTensor() {
			return nil, fmt.Errorf("activation quantization must be per-tensor")
		}
		if !sameQuant(q.Attrs.Quant, dq.Attrs.Quant) {
			return nil, fmt.Errorf("activation quantize and dequantize parameters differ")
		}
		if err := s.epilogue(m, 2, &bias, &params.Activation, -1); err != nil {
			return nil, err
		}
		kind = ir.OpFusedQLinear
		params.WeightQuant = deq.Attrs.Quant
		params.InputQuant = q.Attrs.Quant
		inputs = []ir.ValueID{q.Inputs[0], deq.Inputs[0]}

	default:
		return nil, fmt.Errorf("unknown family %v", m.pattern.Family)
	}

	if bias >= 0 {
		params.HasBias = true
		inputs = append(inputs, bias)
	}
	for _, j := range m.nodes() {
		params.Replaced = append(params.Replaced, s.g.Nodes[j].Kind)
	}

	if err := s.dtypes(kind, inputs); err != nil {
		return nil, err
	}

	node := &ir.Node{Kind: kind, Inputs: inputs, Output: s.g.Nodes[m.last].Output, Attrs: ir.Attrs{Fused: params}}
	in := make([]ir.Value, len(inputs))
	for i, v := range inputs {
		in[i] = *s.g.Value(v)
	}
	dtype, shape, err := ir.Infer(kind, node.Attrs, in)
	if err != nil {
		return nil, err
	}
	if want := s.g.Value(node.Output); dtype != want.DType || !slices.Equal(shape, want.Shape) {
		return nil, fmt.Errorf("fused result %v%v differs from %v", dtype, shape, want)
	}
	return node.Clone(), nil
}

// dtypes requires one floating dtype across all inputs except int8 weights.
func (s *scan) dtypes(kind ir.OpKind, inputs []ir.ValueID) error {
	want := s.g.Value(inputs[0]).DType
	if !want.IsFloat() {
		return fmt.Errorf("input dtype %v is not floating point", want)
	}
	for i, v := range inputs {
		if kind == ir.OpFusedQLinear && i == 1 {
			continue
		}
		if d := s.g.Value(v).DType; d != want {
			return fmt.Errorf("mixed dtypes %v and %v", want, d)
		}
	}
	return nil
}

// weightQuant accepts int8 per-tensor or per-output-channel weights.
func weightQuant(q *ml.QuantParams) error {
	if q == nil {
		return fmt.Errorf("missing weight quantization")
	}
	if !q.PerTensor() && q.Axis != 0 {
		return fmt.Errorf("weight quantized along axis %d", q.Axis)
	}
	return nil
}

func sameQuant(a, b *ml.QuantParams) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Scale(0) == b.Scale(0) && a.Zero(0) == b.Zero(0) && len(a.Scales) == len(b.Scales)
}
