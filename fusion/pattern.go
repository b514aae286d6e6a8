// Package fusion - Mustererkennung und Umschreiben von Trace-Graphen
//
// Dieses Modul enthaelt:
// - Pattern/Step/Absorb: deklarative Beschreibung einer fusionierbaren Kette
// - Family: geschlossene Menge der Fusions-Familien
// - Registry: Muster in Registrierungsreihenfolge, sortiert nach Spezifitaet
// - Rewriter: gieriger Scan in topologischer Reihenfolge (rewrite.go)
package fusion

import (
	"cmp"
	"fmt"
	"slices"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/ollama/sfast/ir"
	"github.com/ollama/sfast/ml"
)

// Family selects how a match becomes a fused node.
type Family int

const (
	FamilyConvBiasAct Family = iota
	FamilyMatmulBiasAct
	FamilyLinearBiasAct
	FamilyQLinearBiasAct
	FamilyQLinearDynamic

	numFamilies
)

var familyNames = [numFamilies]string{
	FamilyConvBiasAct:    "conv2d_bias_act",
	FamilyMatmulBiasAct:  "matmul_bias_act",
	FamilyLinearBiasAct:  "linear_bias_act",
	FamilyQLinearBiasAct: "qlinear_bias_act",
	FamilyQLinearDynamic: "qlinear_dynamic_bias_act",
}

func (f Family) String() string {
	if f < 0 || f >= numFamilies {
		return fmt.Sprintf("family(%d)", int(f))
	}
	return familyNames[f]
}

// ParseFamily parses a family name.
func ParseFamily(s string) (Family, error) {
	for i, name := range familyNames {
		if name == s {
			return Family(i), nil
		}
	}
	return 0, fmt.Errorf("unknown fusion family %q", s)
}

// Families returns every family.
func Families() []Family {
	fs := make([]Family, numFamilies)
	for i := range fs {
		fs[i] = Family(i)
	}
	return fs
}

// QuantizedFamilies are the families producing fused_qlinear.
var QuantizedFamilies = []Family{FamilyQLinearBiasAct, FamilyQLinearDynamic}

// Step is one node of the matched chain. Every step after the first reads
// the previous step's value at input position Operand.
type Step struct {
	Kind     ir.OpKind
	Operand  int
	Optional bool
}

// Absorb is a side producer folded into the match, e.g. the dequantize
// feeding the weight input of a linear.
type Absorb struct {
	// Step is the chain step whose input is absorbed.
	Step    int
	Operand int
	Kind    ir.OpKind
}

// Pattern describes a fusible chain. Patterns are stateless.
type Pattern struct {
	Name        string
	Family      Family
	Description string
	Steps       []Step
	Absorb      []Absorb

	// Activations are the activations the fused kernel can apply.
	Activations ml.ActivationSet
}

// Specificity is the maximum number of nodes the pattern can replace.
func (p *Pattern) Specificity() int {
	return len(p.Steps) + len(p.Absorb)
}

// Chain renders the steps, e.g. "conv2d -> bias_add? -> activation?".
func (p *Pattern) Chain() string {
	s := ""
	for i, st := range p.Steps {
		if i > 0 {
			s += " -> "
		}
		s += st.Kind.String()
		if st.Optional {
			s += "?"
		}
	}
	for _, a := range p.Absorb {
		s += fmt.Sprintf(" [%v absorbs %v at input %d]", p.Steps[a.Step].Kind, a.Kind, a.Operand)
	}
	return s
}

func (p *Pattern) validate() error {
	if p.Name == "" {
		return fmt.Errorf("pattern without name")
	}
	if p.Family < 0 || p.Family >= numFamilies {
		return fmt.Errorf("pattern %s: invalid family %v", p.Name, p.Family)
	}
	if len(p.Steps) == 0 || p.Steps[0].Optional {
		return fmt.Errorf("pattern %s: first step must be required", p.Name)
	}
	for _, a := range p.Absorb {
		if a.Step < 0 || a.Step >= len(p.Steps) {
			return fmt.Errorf("pattern %s: absorb refers to step %d", p.Name, a.Step)
		}
	}
	return nil
}

// =============================================================================
// Registry
// =============================================================================

// Registry holds patterns in registration order.
type Registry struct {
	mu       sync.RWMutex
	patterns *orderedmap.OrderedMap[string, *Pattern]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{patterns: orderedmap.New[string, *Pattern]()}
}

// Register adds p. Registering an invalid pattern or a name twice panics.
func (r *Registry) Register(p Pattern) {
	if err := p.validate(); err != nil {
		panic("fusion: " + err.Error())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.patterns.Get(p.Name); ok {
		panic("fusion: pattern " + p.Name + " already registered")
	}
	r.patterns.Set(p.Name, &p)
}

// Lookup returns the pattern registered under name.
func (r *Registry) Lookup(name string) (*Pattern, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.patterns.Get(name)
}

// Names returns the pattern names in registration order.
func (r *Registry) Names() []string {
	var names []string
	for _, p := range r.Patterns() {
		names = append(names, p.Name)
	}
	return names
}

// Patterns returns the patterns in registration order.
func (r *Registry) Patterns() []*Pattern {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ps := make([]*Pattern, 0, r.patterns.Len())
	for pair := r.patterns.Oldest(); pair != nil; pair = pair.Next() {
		ps = append(ps, pair.Value)
	}
	return ps
}

// Sorted returns the patterns by descending specificity, ties in
// registration order.
func (r *Registry) Sorted() []*Pattern {
	ps := r.Patterns()
	slices.SortStableFunc(ps, func(a, b *Pattern) int {
		return cmp.Compare(b.Specificity(), a.Specificity())
	})
	return ps
}

// =============================================================================
// Eingebaute Muster
// =============================================================================

var (
	convActivations   = ml.Activations(ml.ActNone, ml.ActReLU, ml.ActGELU, ml.ActSiLU, ml.ActSigmoid)
	gemmActivations   = ml.Activations(ml.ActNone, ml.ActReLU, ml.ActGELU, ml.ActSiLU, ml.ActSigmoid, ml.ActTanh)
	qgemmActivations  = ml.Activations(ml.ActNone, ml.ActReLU, ml.ActGELU, ml.ActSiLU)
	biasAct           = []Step{{Kind: ir.OpBiasAdd, Optional: true}, {Kind: ir.OpActivation, Optional: true}}
	weightDequantized = Absorb{Operand: 1, Kind: ir.OpDequantize}
)

// Builtin returns the built-in patterns, one per family.
func Builtin() []Pattern {
	dynamic := weightDequantized
	dynamic.Step = 2

	return []Pattern{
		{
			Name:        FamilyConvBiasAct.String(),
			Family:      FamilyConvBiasAct,
			Description: "convolution with optional bias and activation epilogue",
			Steps:       append([]Step{{Kind: ir.OpConv2D}}, biasAct...),
			Activations: convActivations,
		},
		{
			Name:        FamilyMatmulBiasAct.String(),
			Family:      FamilyMatmulBiasAct,
			Description: "batched matrix multiply with optional bias and activation",
			Steps:       append([]Step{{Kind: ir.OpMatmul}}, biasAct...),
			Activations: gemmActivations,
		},
		{
			Name:        FamilyLinearBiasAct.String(),
			Family:      FamilyLinearBiasAct,
			Description: "linear layer with optional bias and activation",
			Steps:       append([]Step{{Kind: ir.OpLinear}}, biasAct...),
			Activations: gemmActivations,
		},
		{
			Name:        FamilyQLinearBiasAct.String(),
			Family:      FamilyQLinearBiasAct,
			Description: "linear layer over a dequantized int8 weight",
			Steps:       append([]Step{{Kind: ir.OpLinear}}, biasAct...),
			Absorb:      []Absorb{weightDequantized},
			Activations: qgemmActivations,
		},
		{
			Name:        FamilyQLinearDynamic.String(),
			Family:      FamilyQLinearDynamic,
			Description: "int8 linear layer with activations quantized on the fly",
			Steps: append([]Step{
				{Kind: ir.OpQuantize},
				{Kind: ir.OpDequantize},
				{Kind: ir.OpLinear},
			}, biasAct...),
			Absorb:      []Absorb{dynamic},
			Activations: qgemmActivations,
		},
	}
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// DefaultRegistry returns the shared registry of built-in patterns.
func DefaultRegistry() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry()
		for _, p := range Builtin() {
			defaultRegistry.Register(p)
		}
	})
	return defaultRegistry
}
