package ir

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ollama/sfast/ml"
)

// convBlock builds x -> conv2d -> bias_add -> activation(relu).
func convBlock(t *testing.T, n int) (*Graph, ValueID) {
	t.Helper()

	g := New("block")
	x := g.NewValue("x", ml.DTypeF32, n, 3, 8, 8)
	g.Inputs = append(g.Inputs, x)

	w := g.NewValue("w", ml.DTypeF32, 4, 3, 3, 3)
	g.Params[w] = ml.NewTensor(ml.DTypeF32, 4, 3, 3, 3)
	b := g.NewValue("b", ml.DTypeF32, 4)
	g.Params[b] = ml.NewTensor(ml.DTypeF32, 4)

	y, err := g.AddNode(OpConv2D, Attrs{Conv: ml.Conv2DParams{PadH: 1, PadW: 1}}, x, w)
	if err != nil {
		t.Fatal(err)
	}
	if y, err = g.AddNode(OpBiasAdd, Attrs{Axis: 1}, y, b); err != nil {
		t.Fatal(err)
	}
	if y, err = g.AddNode(OpActivation, Attrs{Act: ml.ActReLU}, y); err != nil {
		t.Fatal(err)
	}
	g.Outputs = append(g.Outputs, y)
	return g, y
}

// ============================================================================
// Aufbau und Validierung
// ============================================================================

func TestAddNodeInfersShapes(t *testing.T) {
	g, y := convBlock(t, 2)

	if err := g.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if diff := cmp.Diff([]int{2, 4, 8, 8}, g.Value(y).Shape); diff != "" {
		t.Errorf("Ausgabe-Shape (-want +got):\n%s", diff)
	}
	if g.Value(y).DType != ml.DTypeF32 {
		t.Errorf("DType: erwartet f32, bekommen %v", g.Value(y).DType)
	}
	if got := g.Signature(); got != "f32[2 3 8 8]" {
		t.Errorf("Signature: erwartet f32[2 3 8 8], bekommen %s", got)
	}
}

func TestAddNodeRejectsMismatch(t *testing.T) {
	g := New("bad")
	x := g.NewValue("x", ml.DTypeF32, 1, 3, 8, 8)
	w := g.NewValue("w", ml.DTypeF32, 4, 5, 3, 3)
	g.Inputs = []ValueID{x, w}

	_, err := g.AddNode(OpConv2D, Attrs{}, x, w)
	if err == nil || !strings.Contains(err.Error(), "conv2d") {
		t.Fatalf("erwartet Fehler mit Op-Namen, bekommen %v", err)
	}
	if len(g.Nodes) != 0 {
		t.Errorf("fehlgeschlagener Knoten wurde angelegt")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(g *Graph)
		want   string
	}{
		{"undefined input", func(g *Graph) { g.Nodes[0], g.Nodes[1] = g.Nodes[1], g.Nodes[0] }, "used before definition"},
		{"redefined", func(g *Graph) { g.Nodes[1].Output = g.Nodes[0].Output }, "redefines"},
		{"undefined output", func(g *Graph) { g.Outputs = append(g.Outputs, g.NewValue("", ml.DTypeF32, 1)) }, "never defined"},
		{"invalid kind", func(g *Graph) { g.Nodes[2].Kind = OpInvalid }, "invalid kind"},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			g, _ := convBlock(t, 1)
			tt.mutate(g)
			err := g.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("erwartet Fehler mit %q, bekommen %v", tt.want, err)
			}
		})
	}
}

func TestConsumersAndLive(t *testing.T) {
	g, y := convBlock(t, 1)
	x := g.Inputs[0]

	// Nebenzweig ohne Ausgabe
	if _, err := g.AddNode(OpActivation, Attrs{Act: ml.ActTanh}, g.Nodes[0].Output); err != nil {
		t.Fatal(err)
	}

	c := g.Consumers()
	if diff := cmp.Diff([]int{1, 3}, c[g.Nodes[0].Output]); diff != "" {
		t.Errorf("Consumers von conv (-want +got):\n%s", diff)
	}

	live := g.Live()
	if !live[x] || !live[y] {
		t.Errorf("Eingabe und Ausgabe muessen lebendig sein")
	}
	if live[g.Nodes[3].Output] {
		t.Errorf("toter Nebenzweig als lebendig markiert")
	}
}

// ============================================================================
// Topologische Sortierung
// ============================================================================

func TestTopoSort(t *testing.T) {
	g, _ := convBlock(t, 1)

	order, err := g.TopoSort()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{0, 1, 2}, order); diff != "" {
		t.Errorf("Reihenfolge (-want +got):\n%s", diff)
	}

	// umgekehrte Reihenfolge wird wiederhergestellt
	g.Nodes[0], g.Nodes[2] = g.Nodes[2], g.Nodes[0]
	order, err = g.TopoSort()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{2, 1, 0}, order); diff != "" {
		t.Errorf("Reihenfolge (-want +got):\n%s", diff)
	}
}

func TestTopoSortCycle(t *testing.T) {
	g, _ := convBlock(t, 1)
	// bias_add liest seine eigene Aktivierung
	g.Nodes[1].Inputs[0] = g.Nodes[2].Output

	if _, err := g.TopoSort(); err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Errorf("erwartet Zyklus-Fehler, bekommen %v", err)
	}
}

func TestCloneIsDeep(t *testing.T) {
	g, _ := convBlock(t, 1)
	c := g.Clone()

	c.Nodes[0].Attrs.Conv.PadH = 7
	c.Values[0].Shape[0] = 9
	c.Inputs[0] = 42

	if g.Nodes[0].Attrs.Conv.PadH != 1 || g.Values[0].Shape[0] != 1 || g.Inputs[0] != 0 {
		t.Errorf("Clone teilt Zustand mit dem Original")
	}
	if len(c.Params) != len(g.Params) {
		t.Errorf("Params: erwartet %d, bekommen %d", len(g.Params), len(c.Params))
	}
}

// ============================================================================
// Binden
// ============================================================================

func TestBindDynamicBatch(t *testing.T) {
	g, y := convBlock(t, -1)
	if g.IsConcrete() {
		t.Fatal("Graph mit dynamischem Batch gilt als konkret")
	}
	if diff := cmp.Diff([]int{-1, 4, 8, 8}, g.Value(y).Shape); diff != "" {
		t.Errorf("dynamische Ausgabe (-want +got):\n%s", diff)
	}

	b, err := g.Bind([]Binding{{DType: ml.DTypeF32, Shape: []int{5, 3, 8, 8}}})
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Concrete(); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{5, 4, 8, 8}, b.Value(y).Shape); diff != "" {
		t.Errorf("gebundene Ausgabe (-want +got):\n%s", diff)
	}
	if g.Value(y).Shape[0] != -1 {
		t.Errorf("Bind veraendert das Original")
	}
}

func TestBindRejects(t *testing.T) {
	g, _ := convBlock(t, -1)

	cases := []struct {
		name string
		b    []Binding
	}{
		{"count", nil},
		{"dtype", []Binding{{DType: ml.DTypeF16, Shape: []int{1, 3, 8, 8}}}},
		{"rank", []Binding{{DType: ml.DTypeF32, Shape: []int{1, 3, 8}}}},
		{"fixed dim", []Binding{{DType: ml.DTypeF32, Shape: []int{1, 3, 16, 8}}}},
		{"dynamic", []Binding{{DType: ml.DTypeF32, Shape: []int{-1, 3, 8, 8}}}},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := g.Bind(tt.b); err == nil {
				t.Errorf("erwartet Fehler fuer %v", tt.b)
			}
		})
	}
}

// ============================================================================
// Inferenz
// ============================================================================

func TestInfer(t *testing.T) {
	f32 := func(shape ...int) Value { return Value{DType: ml.DTypeF32, Shape: shape} }
	i8 := func(shape ...int) Value { return Value{DType: ml.DTypeI8, Shape: shape} }
	q := &ml.QuantParams{Scales: []float32{0.1}}

	cases := []struct {
		name  string
		kind  OpKind
		attrs Attrs
		in    []Value
		dtype ml.DType
		shape []int
		err   bool
	}{
		{"conv stride", OpConv2D, Attrs{Conv: ml.Conv2DParams{StrideH: 2, StrideW: 2, PadH: 1, PadW: 1}}, []Value{f32(1, 3, 32, 32), f32(16, 3, 3, 3)}, ml.DTypeF32, []int{1, 16, 16, 16}, false},
		{"conv groups", OpConv2D, Attrs{Conv: ml.Conv2DParams{Groups: 2}}, []Value{f32(1, 4, 5, 5), f32(6, 2, 1, 1)}, ml.DTypeF32, []int{1, 6, 5, 5}, false},
		{"conv too small", OpConv2D, Attrs{}, []Value{f32(1, 3, 2, 2), f32(4, 3, 3, 3)}, 0, nil, true},
		{"linear", OpLinear, Attrs{}, []Value{f32(2, 7, 16), f32(32, 16)}, ml.DTypeF32, []int{2, 7, 32}, false},
		{"linear 1d", OpLinear, Attrs{}, []Value{f32(16), f32(32, 16)}, 0, nil, true},
		{"matmul trans", OpMatmul, Attrs{Gemm: ml.GemmParams{TransB: true}}, []Value{f32(4, 2, 3), f32(4, 5, 3)}, ml.DTypeF32, []int{4, 2, 5}, false},
		{"matmul broadcast", OpMatmul, Attrs{}, []Value{f32(4, 2, 3), f32(3, 5)}, ml.DTypeF32, []int{4, 2, 5}, false},
		{"matmul inner", OpMatmul, Attrs{}, []Value{f32(2, 3), f32(4, 5)}, 0, nil, true},
		{"quantize", OpQuantize, Attrs{Quant: q}, []Value{f32(2, 4)}, ml.DTypeI8, []int{2, 4}, false},
		{"quantize no params", OpQuantize, Attrs{}, []Value{f32(2, 4)}, 0, nil, true},
		{"dequantize f16", OpDequantize, Attrs{Quant: q, DType: ml.DTypeF16}, []Value{i8(2, 4)}, ml.DTypeF16, []int{2, 4}, false},
		{"dequantize float", OpDequantize, Attrs{Quant: q}, []Value{f32(2, 4)}, 0, nil, true},
		{"reshape", OpReshape, Attrs{Shape: []int{-1, 8}}, []Value{f32(2, 4, 4)}, ml.DTypeF32, []int{4, 8}, false},
		{"reshape dynamic", OpReshape, Attrs{Shape: []int{-1, 16}}, []Value{f32(-1, 4, 4)}, ml.DTypeF32, []int{-1, 16}, false},
		{"add dynamic", OpAdd, Attrs{}, []Value{f32(-1, 4), f32(3, 4)}, ml.DTypeF32, []int{3, 4}, false},
		{"bias axis", OpBiasAdd, Attrs{Axis: -1}, []Value{f32(2, 5), f32(4)}, 0, nil, true},
		{"opaque", OpOpaque, Attrs{Opaque: "softmax", DType: ml.DTypeF32, Shape: []int{2, 3}}, []Value{f32(2, 3)}, ml.DTypeF32, []int{2, 3}, false},
		{"fused qlinear", OpFusedQLinear, Attrs{Fused: &FusedParams{WeightQuant: q, HasBias: true}}, []Value{f32(3, 8), i8(4, 8), f32(4)}, ml.DTypeF32, []int{3, 4}, false},
		{"fused missing bias", OpFusedGEMM, Attrs{Fused: &FusedParams{HasBias: true}}, []Value{f32(3, 8), f32(8, 4)}, 0, nil, true},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			dtype, shape, err := Infer(tt.kind, tt.attrs, tt.in)
			if tt.err {
				if err == nil {
					t.Fatalf("erwartet Fehler, bekommen %v%v", dtype, shape)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if dtype != tt.dtype {
				t.Errorf("DType: erwartet %v, bekommen %v", tt.dtype, dtype)
			}
			if diff := cmp.Diff(tt.shape, shape); diff != "" {
				t.Errorf("Shape (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseOpKind(t *testing.T) {
	for k := OpConv2D; k < numOpKinds; k++ {
		got, err := ParseOpKind(k.String())
		if err != nil || got != k {
			t.Errorf("ParseOpKind(%q): erwartet %v, bekommen %v (%v)", k.String(), k, got, err)
		}
	}
	if _, err := ParseOpKind("invalid"); err == nil {
		t.Error("invalid darf nicht parsebar sein")
	}
}
