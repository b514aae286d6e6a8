package ir

import (
	"fmt"
	"slices"

	"github.com/ollama/sfast/ml"
)

// Binding fixes the dtype and shape of one graph input.
type Binding struct {
	DType ml.DType
	Shape []int
}

func (b Binding) String() string {
	return fmt.Sprintf("%v%v", b.DType, b.Shape)
}

// BindingOf returns the binding matching t.
func BindingOf(t *ml.Tensor) Binding {
	return Binding{DType: t.DType(), Shape: t.Shape()}
}

// Bind returns a copy of g with its inputs set to bindings and every node
// output inferred again. A binding may only fill dynamic dimensions; known
// dimensions and dtypes must match the declaration.
func (g *Graph) Bind(bindings []Binding) (*Graph, error) {
	if len(bindings) != len(g.Inputs) {
		return nil, fmt.Errorf("graph %q has %d inputs, got %d bindings", g.Name, len(g.Inputs), len(bindings))
	}

	c := g.Clone()
	for i, id := range c.Inputs {
		v, b := &c.Values[id], bindings[i]
		if b.DType != v.DType {
			return nil, fmt.Errorf("input %d (%s): dtype %v, declared %v", i, v.Name, b.DType, v.DType)
		}
		if len(b.Shape) != len(v.Shape) {
			return nil, fmt.Errorf("input %d (%s): shape %v, declared %v", i, v.Name, b.Shape, v.Shape)
		}
		for j, d := range b.Shape {
			if d < 0 || (v.Shape[j] >= 0 && v.Shape[j] != d) {
				return nil, fmt.Errorf("input %d (%s): shape %v, declared %v", i, v.Name, b.Shape, v.Shape)
			}
		}
		v.Shape = slices.Clone(b.Shape)
	}

	for i, n := range c.Nodes {
		in := make([]Value, len(n.Inputs))
		for j, id := range n.Inputs {
			in[j] = c.Values[id]
		}
		dtype, shape, err := Infer(n.Kind, n.Attrs, in)
		if err != nil {
			return nil, fmt.Errorf("node %d (%v): %w", i, n.Kind, err)
		}
		out := &c.Values[n.Output]
		out.DType, out.Shape = dtype, shape
	}
	return c, nil
}

// IsConcrete reports whether every input, parameter and node output has a
// fully known shape. Values no node produces any more are ignored.
func (g *Graph) IsConcrete() bool {
	return g.dynamic() < 0
}

func (g *Graph) dynamic() ValueID {
	for _, id := range g.Inputs {
		if !g.Values[id].Concrete() {
			return id
		}
	}
	for _, n := range g.Nodes {
		if !g.Values[n.Output].Concrete() {
			return n.Output
		}
	}
	return -1
}

// Concrete returns an error naming the first value with a dynamic dimension.
func (g *Graph) Concrete() error {
	if id := g.dynamic(); id >= 0 {
		return fmt.Errorf("graph %q: value %v has dynamic dimensions", g.Name, g.Values[id])
	}
	return nil
}
