// Package ir - Graph-Datenmodell fuer aufgezeichnete und optimierte Traces
//
// Dieses Modul enthaelt:
// - Value, Node, Graph: SSA-Graph mit Eingaben, Parametern und Ausgaben
// - Consumers/Producers: Nutzungs- und Definitionsabfragen
// - Validate: Azyklizitaet, SSA, Definition vor Nutzung
// - TopoSort: deterministische Kahn-Sortierung
//
// Weitere Teile sind ausgelagert:
// - infer.go: Shape- und DType-Inferenz
// - bind.go: Binden dynamischer Dimensionen
// - encode.go: versioniertes Binaerformat mit Pruefsumme
// - opaque.go: Registry fuer opake Operatoren
package ir

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/emirpasic/gods/v2/trees/binaryheap"

	"github.com/ollama/sfast/ml"
)

// ValueID names a value in a graph. IDs are indices into Graph.Values.
type ValueID int

// Value is a tensor flowing through the graph. A dimension of -1 is
// dynamic until the graph is bound.
type Value struct {
	ID    ValueID
	Name  string
	DType ml.DType
	Shape []int
}

// Concrete reports whether all dimensions are known.
func (v Value) Concrete() bool {
	return !slices.Contains(v.Shape, -1)
}

func (v Value) String() string {
	if v.Name != "" {
		return fmt.Sprintf("%%%d(%s):%v%v", v.ID, v.Name, v.DType, v.Shape)
	}
	return fmt.Sprintf("%%%d:%v%v", v.ID, v.DType, v.Shape)
}

// Node is one operation. Nodes are not modified after creation.
type Node struct {
	Kind   OpKind
	Inputs []ValueID
	Output ValueID
	Attrs  Attrs
}

// Clone returns a deep copy of n.
func (n *Node) Clone() *Node {
	return &Node{Kind: n.Kind, Inputs: slices.Clone(n.Inputs), Output: n.Output, Attrs: n.Attrs.Clone()}
}

func (n *Node) String() string {
	in := make([]string, len(n.Inputs))
	for i, v := range n.Inputs {
		in[i] = fmt.Sprintf("%%%d", v)
	}
	s := fmt.Sprintf("%%%d = %v(%s)", n.Output, n.Kind, strings.Join(in, ", "))
	switch {
	case n.Attrs.Fused != nil:
		s += fmt.Sprintf(" [%s act=%v bias=%v]", n.Attrs.Fused.Pattern, n.Attrs.Fused.Activation, n.Attrs.Fused.HasBias)
	case n.Kind == OpActivation:
		s += fmt.Sprintf(" [%v]", n.Attrs.Act)
	case n.Kind == OpOpaque:
		s += fmt.Sprintf(" [%s]", n.Attrs.Opaque)
	}
	return s
}

// Graph is an ordered, acyclic SSA graph.
type Graph struct {
	Name    string
	Values  []Value
	Nodes   []*Node
	Inputs  []ValueID
	Outputs []ValueID

	// Params are constant tensors (weights) keyed by their value.
	Params map[ValueID]*ml.Tensor

	// Optimized is set by the rewriter.
	Optimized bool
}

// New returns an empty graph.
func New(name string) *Graph {
	return &Graph{Name: name, Params: make(map[ValueID]*ml.Tensor)}
}

// NewValue adds a value and returns its id.
func (g *Graph) NewValue(name string, dtype ml.DType, shape ...int) ValueID {
	id := ValueID(len(g.Values))
	g.Values = append(g.Values, Value{ID: id, Name: name, DType: dtype, Shape: slices.Clone(shape)})
	return id
}

// Value returns the value with the given id.
func (g *Graph) Value(id ValueID) *Value {
	return &g.Values[id]
}

// AddNode infers the output of kind applied to inputs, adds it as a new
// value and appends the node.
func (g *Graph) AddNode(kind OpKind, attrs Attrs, inputs ...ValueID) (ValueID, error) {
	in := make([]Value, len(inputs))
	for i, id := range inputs {
		if id < 0 || int(id) >= len(g.Values) {
			return -1, fmt.Errorf("%v: unknown input value %%%d", kind, id)
		}
		in[i] = g.Values[id]
	}

	dtype, shape, err := Infer(kind, attrs, in)
	if err != nil {
		return -1, fmt.Errorf("%v: %w", kind, err)
	}

	out := g.NewValue("", dtype, shape...)
	g.Nodes = append(g.Nodes, &Node{Kind: kind, Inputs: slices.Clone(inputs), Output: out, Attrs: attrs})
	return out, nil
}

// IsOutput reports whether id is a graph output.
func (g *Graph) IsOutput(id ValueID) bool {
	return slices.Contains(g.Outputs, id)
}

// IsInput reports whether id is a graph input.
func (g *Graph) IsInput(id ValueID) bool {
	return slices.Contains(g.Inputs, id)
}

// Consumers maps each value to the indices of the nodes that read it, in
// node order. A node reading a value twice is listed once per use.
func (g *Graph) Consumers() map[ValueID][]int {
	m := make(map[ValueID][]int)
	for i, n := range g.Nodes {
		for _, in := range n.Inputs {
			m[in] = append(m[in], i)
		}
	}
	return m
}

// Producers maps each node output to its node index.
func (g *Graph) Producers() map[ValueID]int {
	m := make(map[ValueID]int, len(g.Nodes))
	for i, n := range g.Nodes {
		m[n.Output] = i
	}
	return m
}

// Clone returns a copy that shares parameter tensors and nothing else.
func (g *Graph) Clone() *Graph {
	c := &Graph{
		Name:      g.Name,
		Values:    make([]Value, len(g.Values)),
		Nodes:     make([]*Node, len(g.Nodes)),
		Inputs:    slices.Clone(g.Inputs),
		Outputs:   slices.Clone(g.Outputs),
		Params:    maps.Clone(g.Params),
		Optimized: g.Optimized,
	}
	for i, v := range g.Values {
		v.Shape = slices.Clone(v.Shape)
		c.Values[i] = v
	}
	for i, n := range g.Nodes {
		c.Nodes[i] = n.Clone()
	}
	if c.Params == nil {
		c.Params = make(map[ValueID]*ml.Tensor)
	}
	return c
}

// Validate checks that every value is defined exactly once, by an input,
// a parameter or a node, before it is used, and that outputs are defined.
func (g *Graph) Validate() error {
	defined := make(map[ValueID]bool, len(g.Values))
	define := func(id ValueID, what string) error {
		if id < 0 || int(id) >= len(g.Values) {
			return fmt.Errorf("%s defines unknown value %%%d", what, id)
		}
		if defined[id] {
			return fmt.Errorf("%s redefines value %%%d", what, id)
		}
		defined[id] = true
		return nil
	}

	for _, id := range g.Inputs {
		if err := define(id, "input"); err != nil {
			return err
		}
	}
	for _, id := range slices.Sorted(maps.Keys(g.Params)) {
		if err := define(id, "param"); err != nil {
			return err
		}
	}
	for i, n := range g.Nodes {
		if n.Kind <= OpInvalid || n.Kind >= numOpKinds {
			return fmt.Errorf("node %d: invalid kind %v", i, n.Kind)
		}
		for _, in := range n.Inputs {
			if !defined[in] {
				return fmt.Errorf("node %d (%v): input %%%d used before definition", i, n.Kind, in)
			}
		}
		if err := define(n.Output, fmt.Sprintf("node %d (%v)", i, n.Kind)); err != nil {
			return err
		}
	}
	for _, id := range g.Outputs {
		if !defined[id] {
			return fmt.Errorf("output %%%d is never defined", id)
		}
	}
	return nil
}

// TopoSort returns node indices in dependency order. Among ready nodes
// the lowest index comes first, so a valid graph sorts to 0..n-1.
func (g *Graph) TopoSort() ([]int, error) {
	producers := g.Producers()
	consumers := g.Consumers()

	indegree := make([]int, len(g.Nodes))
	for i, n := range g.Nodes {
		for _, in := range n.Inputs {
			if _, ok := producers[in]; ok {
				indegree[i]++
			}
		}
	}

	ready := binaryheap.New[int]()
	for i, d := range indegree {
		if d == 0 {
			ready.Push(i)
		}
	}

	order := make([]int, 0, len(g.Nodes))
	for !ready.Empty() {
		i, _ := ready.Pop()
		order = append(order, i)
		for _, c := range consumers[g.Nodes[i].Output] {
			indegree[c]--
			if indegree[c] == 0 {
				ready.Push(c)
			}
		}
	}

	if len(order) != len(g.Nodes) {
		return nil, fmt.Errorf("graph %q has a cycle through %d nodes", g.Name, len(g.Nodes)-len(order))
	}
	return order, nil
}

// Live returns the values reachable backwards from the outputs.
func (g *Graph) Live() map[ValueID]bool {
	producers := g.Producers()
	live := make(map[ValueID]bool)
	stack := slices.Clone(g.Outputs)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if live[id] {
			continue
		}
		live[id] = true
		if i, ok := producers[id]; ok {
			stack = append(stack, g.Nodes[i].Inputs...)
		}
	}
	return live
}

// Signature describes the graph inputs, e.g. "f32[1 3 32 32]".
func (g *Graph) Signature() string {
	parts := make([]string, len(g.Inputs))
	for i, id := range g.Inputs {
		v := g.Values[id]
		parts[i] = fmt.Sprintf("%v%v", v.DType, v.Shape)
	}
	return strings.Join(parts, ",")
}

// CountKind returns the number of nodes of kind k.
func (g *Graph) CountKind(k OpKind) int {
	n := 0
	for _, node := range g.Nodes {
		if node.Kind == k {
			n++
		}
	}
	return n
}

func (g *Graph) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "graph %q", g.Name)
	if g.Optimized {
		sb.WriteString(" (optimized)")
	}
	sb.WriteString("\n")
	for _, id := range g.Inputs {
		fmt.Fprintf(&sb, "  input %v\n", g.Values[id])
	}
	for _, n := range g.Nodes {
		fmt.Fprintf(&sb, "  %v\n", n)
	}
	for _, id := range g.Outputs {
		fmt.Fprintf(&sb, "  output %v\n", g.Values[id])
	}
	return sb.String()
}
