package model

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ollama/sfast/ir"
	"github.com/ollama/sfast/ml"
	"github.com/ollama/sfast/trace"
)

func tensor(n int) *ml.Tensor {
	return ml.NewTensor(ml.DTypeF32, n)
}

// ============================================================================
// Tags
// ============================================================================

func TestParseTag(t *testing.T) {
	cases := []struct {
		value string
		want  Tag
	}{
		{"output", Tag{name: "output"}},
		{"output,alt:lm_head", Tag{name: "output", alternatives: []string{"lm_head"}}},
		{",alt:proj", Tag{name: "proj"}},
		{"blk,pre:k_,suf:_w", Tag{name: "blk", prefix: "k_", suffix: "_w"}},
		{"bias,opt", Tag{name: "bias", optional: true}},
	}

	for _, tt := range cases {
		t.Run(tt.value, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, parseTag(tt.value), cmp.AllowUnexported(Tag{})); diff != "" {
				t.Errorf("parseTag (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBuildTensorNames(t *testing.T) {
	tags := []Tag{
		{name: "blk", prefix: "p_"},
		{name: "0"},
		{name: "attn", alternatives: []string{"self_attn"}},
	}
	var got []string
	for _, n := range buildTensorNames(tags, "", "") {
		got = append(got, strings.Join(n, "."))
	}
	want := []string{"blk.p_0.attn", "blk.p_0.self_attn"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Namen (-want +got):\n%s", diff)
	}
}

// ============================================================================
// Populate
// ============================================================================

type layer struct {
	Weight *ml.Tensor `sfast:"weight"`
	Bias   *ml.Tensor `sfast:"bias,opt"`
}

type net struct {
	In     *layer   `sfast:"in,alt:input"`
	Blocks []*layer `sfast:"blk"`
	Out    layer    `sfast:"out"`
	Skip   *ml.Tensor
	Fixed  [2]*layer `sfast:"fixed"`
}

func TestPopulate(t *testing.T) {
	w := TensorMap{
		"input.weight":   tensor(1),
		"blk.0.weight":   tensor(2),
		"blk.1.weight":   tensor(3),
		"blk.1.bias":     tensor(4),
		"out.weight":     tensor(5),
		"fixed.0.weight": tensor(6),
		"fixed.1.weight": tensor(7),
		"unused":         tensor(8),
	}

	n := net{Blocks: make([]*layer, 2)}
	if err := Populate(&n, w); err != nil {
		t.Fatal(err)
	}

	if n.In.Weight != w["input.weight"] {
		t.Errorf("Alternative nicht aufgeloest")
	}
	if n.Blocks[0].Bias != nil || n.Blocks[1].Bias != w["blk.1.bias"] {
		t.Errorf("optionaler Bias falsch gesetzt")
	}
	if n.Out.Weight.Dim(0) != 5 || n.Fixed[1].Weight.Dim(0) != 7 {
		t.Errorf("verschachtelte Felder: %v %v", n.Out.Weight, n.Fixed[1].Weight)
	}
	if n.Skip != nil {
		t.Errorf("Feld ohne Tag darf nicht gesetzt werden")
	}
}

func TestPopulateMissing(t *testing.T) {
	n := net{}
	err := Populate(&n, TensorMap{"in.weight": tensor(1)})
	if !errors.Is(err, ErrMissingTensor) {
		t.Fatalf("erwartet ErrMissingTensor, bekommen %v", err)
	}
	for _, name := range []string{"out.weight", "fixed.0.weight", "fixed.1.weight"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("Fehler nennt %s nicht: %v", name, err)
		}
	}
	if strings.Contains(err.Error(), "bias") {
		t.Errorf("optionale Tensoren gemeldet: %v", err)
	}

	if err := Populate(n, TensorMap{}); err == nil {
		t.Error("Populate ohne Pointer: Fehler erwartet")
	}
}

// ============================================================================
// Registrierung und Trace
// ============================================================================

type identity struct{}

func (identity) Name() string { return "identity" }

func (identity) Inputs() []Input {
	return []Input{{Name: "x", DType: ml.DTypeF32, Shape: []int{-1, 4}}}
}

func (identity) Forward(s *trace.Session, inputs []trace.Value) ([]trace.Value, error) {
	return []trace.Value{inputs[0].Activation(s, ml.ActReLU)}, nil
}

func TestRegisterAndTrace(t *testing.T) {
	Register("test_identity", func(Options, Weights) (Model, error) { return identity{}, nil })

	defer func() {
		if recover() == nil {
			t.Error("doppelte Registrierung: panic erwartet")
		}
	}()

	m, err := New("test_identity", Options{}, TensorMap{})
	if err != nil {
		t.Fatal(err)
	}
	g, err := Trace(trace.NewTracer(), m)
	if err != nil {
		t.Fatal(err)
	}
	if g.Name != "identity" || len(g.Nodes) != 1 || len(g.Outputs) != 1 {
		t.Errorf("Graph: %v", g)
	}

	if _, err := New("no_such_model", Options{}, nil); !errors.Is(err, ErrUnsupportedModel) {
		t.Errorf("erwartet ErrUnsupportedModel, bekommen %v", err)
	}

	Register("test_identity", nil)
}

func TestInputBinding(t *testing.T) {
	in := Input{Name: "x", DType: ml.DTypeF32, Shape: []int{-1, 3, -1}}

	b, err := in.Binding(2, 5)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(ir.Binding{DType: ml.DTypeF32, Shape: []int{2, 3, 5}}, b); diff != "" {
		t.Errorf("Binding (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{-1, 3, -1}, in.Shape); diff != "" {
		t.Errorf("Input veraendert (-want +got):\n%s", diff)
	}

	if _, err := in.Binding(2); err == nil {
		t.Error("zu wenige Dimensionen: Fehler erwartet")
	}
}
