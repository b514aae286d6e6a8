package ir

import (
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/ollama/sfast/ml"
)

// OpaqueFunc computes an operation the rewriter does not understand. It
// reads inputs and writes the preallocated out on the host.
type OpaqueFunc func(inputs []*ml.Tensor, out *ml.Tensor) error

var (
	opaqueMu sync.RWMutex
	opaque   = map[string]OpaqueFunc{
		"softmax":  softmax,
		"identity": identity,
	}
)

// RegisterOpaque makes an opaque operation executable by name.
func RegisterOpaque(name string, fn OpaqueFunc) {
	opaqueMu.Lock()
	defer opaqueMu.Unlock()

	if _, ok := opaque[name]; ok {
		panic("ir: opaque op " + name + " already registered")
	}
	opaque[name] = fn
}

// LookupOpaque returns the implementation registered for name.
func LookupOpaque(name string) (OpaqueFunc, error) {
	opaqueMu.RLock()
	defer opaqueMu.RUnlock()

	if fn, ok := opaque[name]; ok {
		return fn, nil
	}
	return nil, fmt.Errorf("opaque op %q is not registered", name)
}

// OpaqueNames lists the registered opaque operations.
func OpaqueNames() []string {
	opaqueMu.RLock()
	defer opaqueMu.RUnlock()

	names := make([]string, 0, len(opaque))
	for name := range opaque {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// softmax normalizes along the last axis.
func softmax(inputs []*ml.Tensor, out *ml.Tensor) error {
	if len(inputs) != 1 || !inputs[0].SameShape(out) || inputs[0].Rank() == 0 {
		return fmt.Errorf("softmax: expected one input shaped like %v", out)
	}

	x := inputs[0].Floats()
	n := inputs[0].Dim(inputs[0].Rank() - 1)
	if n == 0 {
		return nil
	}
	for row := 0; row < len(x); row += n {
		r := x[row : row+n]
		m := slices.Max(r)
		var sum float64
		for i, v := range r {
			e := math.Exp(float64(v - m))
			r[i] = float32(e)
			sum += e
		}
		for i := range r {
			r[i] = float32(float64(r[i]) / sum)
		}
	}
	return out.SetFloats(x)
}

func identity(inputs []*ml.Tensor, out *ml.Tensor) error {
	if len(inputs) != 1 {
		return fmt.Errorf("identity: expected one input, got %d", len(inputs))
	}
	return out.CopyFrom(inputs[0])
}
