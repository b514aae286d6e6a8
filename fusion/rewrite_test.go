package fusion

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ollama/sfast/ir"
	"github.com/ollama/sfast/ml"
	"github.com/ollama/sfast/trace"
)

func capture(t *testing.T, fn func(s *trace.Session)) *ir.Graph {
	t.Helper()
	g, err := trace.Capture(trace.NewTracer(), t.Name(), func(s *trace.Session) error {
		fn(s)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func rewrite(t *testing.T, g *ir.Graph, opts ...Option) (*ir.Graph, Report) {
	t.Helper()
	out, report, err := NewRewriter(DefaultRegistry(), opts...).Rewrite(g)
	if err != nil {
		t.Fatal(err)
	}
	return out, report
}

func kinds(g *ir.Graph) []ir.OpKind {
	out := make([]ir.OpKind, len(g.Nodes))
	for i, n := range g.Nodes {
		out[i] = n.Kind
	}
	return out
}

func qweight(t *testing.T, n, k int) *ml.Tensor {
	t.Helper()
	vals := make([]int8, n*k)
	for i := range vals {
		vals[i] = int8(i%15 - 7)
	}
	w, err := ml.FromInt8s(vals, n, k)
	if err != nil {
		t.Fatal(err)
	}
	return w
}

var (
	convW = ml.NewTensor(ml.DTypeF32, 16, 3, 3, 3)
	convB = ml.NewTensor(ml.DTypeF32, 16)
	linW  = ml.NewTensor(ml.DTypeF32, 32, 16)
	linB  = ml.NewTensor(ml.DTypeF32, 32)
)

func convChain(s *trace.Session, act ml.Activation) trace.Value {
	x := s.Input("x", ml.DTypeF32, 1, 3, 32, 32)
	return x.Conv2D(s, s.Param("w", convW), ml.Conv2DParams{PadH: 1, PadW: 1}).
		AddBias(s, s.Param("b", convB)).
		Activation(s, act)
}

// ============================================================================
// Faltung
// ============================================================================

func TestFuseConvBiasReLU(t *testing.T) {
	var y trace.Value
	g := capture(t, func(s *trace.Session) {
		y = convChain(s, ml.ActReLU)
		s.Output(y)
	})

	out, report := rewrite(t, g)
	if diff := cmp.Diff([]ir.OpKind{ir.OpFusedConv2D}, kinds(out)); diff != "" {
		t.Fatalf("Knoten (-want +got):\n%s", diff)
	}

	n := out.Nodes[0]
	if n.Output != y.ID() {
		t.Errorf("Ausgabe-ID: erwartet %d, bekommen %d", y.ID(), n.Output)
	}
	f := n.Attrs.Fused
	if f.Activation != ml.ActReLU || !f.HasBias || f.Pattern != "conv2d_bias_act" {
		t.Errorf("Parameter: %+v", f)
	}
	if f.Conv.PadH != 1 || len(n.Inputs) != 3 {
		t.Errorf("Faltungsparameter oder Eingaben falsch: %v", n)
	}
	if diff := cmp.Diff([]ir.OpKind{ir.OpConv2D, ir.OpBiasAdd, ir.OpActivation}, f.Replaced); diff != "" {
		t.Errorf("Replaced (-want +got):\n%s", diff)
	}
	if report.Fused() != 1 || report.NodesBefore != 3 || report.NodesAfter != 1 {
		t.Errorf("Report: %+v", report)
	}
	if !out.Optimized || g.Optimized {
		t.Errorf("Optimized: Kopie %v, Original %v", out.Optimized, g.Optimized)
	}
	if diff := cmp.Diff(g.Outputs, out.Outputs); diff != "" {
		t.Errorf("Ausgaben veraendert (-want +got):\n%s", diff)
	}
}

func TestConvUnsupportedActivation(t *testing.T) {
	g := capture(t, func(s *trace.Session) {
		s.Output(convChain(s, ml.ActTanh))
	})

	out, report := rewrite(t, g)
	if diff := cmp.Diff([]ir.OpKind{ir.OpFusedConv2D, ir.OpActivation}, kinds(out)); diff != "" {
		t.Fatalf("Knoten (-want +got):\n%s", diff)
	}
	if out.Nodes[0].Attrs.Fused.Activation != ml.ActNone {
		t.Errorf("tanh darf nicht in die Faltung fusioniert werden")
	}
	if len(report.Skipped) == 0 || !strings.Contains(report.Skipped[0].Reason, "tanh") {
		t.Errorf("Skipped: erwartet Grund mit tanh, bekommen %+v", report.Skipped)
	}
}

func TestGroupedConvNotFused(t *testing.T) {
	w := ml.NewTensor(ml.DTypeF32, 4, 2, 1, 1)
	g := capture(t, func(s *trace.Session) {
		x := s.Input("x", ml.DTypeF32, 1, 4, 8, 8)
		s.Output(x.Conv2D(s, s.Param("w", w), ml.Conv2DParams{Groups: 2}).Activation(s, ml.ActReLU))
	})

	out, report := rewrite(t, g)
	if diff := cmp.Diff(kinds(g), kinds(out)); diff != "" {
		t.Errorf("gruppierte Faltung wurde veraendert (-want +got):\n%s", diff)
	}
	if report.Fused() != 0 || len(report.Skipped) != 1 || report.Skipped[0].Reason != "grouped convolution" {
		t.Errorf("Report: %+v", report)
	}
}

// ============================================================================
// Strukturelle Bedingungen
// ============================================================================

func TestIntermediateWithTwoConsumers(t *testing.T) {
	g := capture(t, func(s *trace.Session) {
		x := s.Input("x", ml.DTypeF32, 4, 16)
		h := x.Linear(s, s.Param("w", linW))
		a := h.Activation(s, ml.ActReLU)
		s.Output(a.Add(s, h.Activation(s, ml.ActSiLU)))
	})

	out, report := rewrite(t, g)
	if report.Fused() != 0 {
		t.Errorf("Kette mit geteiltem Zwischenwert fusioniert: %v", out)
	}
}

func TestIntermediateIsOutput(t *testing.T) {
	g := capture(t, func(s *trace.Session) {
		x := s.Input("x", ml.DTypeF32, 4, 16)
		h := x.Linear(s, s.Param("w", linW)).AddBias(s, s.Param("b", linB))
		s.Output(h, h.Activation(s, ml.ActGELU))
	})

	out, _ := rewrite(t, g)
	if diff := cmp.Diff([]ir.OpKind{ir.OpFusedGEMM, ir.OpActivation}, kinds(out)); diff != "" {
		t.Errorf("Knoten (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(g.Outputs, out.Outputs); diff != "" {
		t.Errorf("Ausgaben veraendert (-want +got):\n%s", diff)
	}
}

func TestLoneLinearNotFused(t *testing.T) {
	g := capture(t, func(s *trace.Session) {
		x := s.Input("x", ml.DTypeF32, 4, 16)
		s.Output(x.Linear(s, s.Param("w", linW)))
	})

	out, report := rewrite(t, g)
	if report.Fused() != 0 || out.Nodes[0].Kind != ir.OpLinear {
		t.Errorf("einzelnes Linear wurde fusioniert: %v", out)
	}
}

func TestChainOfLinears(t *testing.T) {
	w2 := ml.NewTensor(ml.DTypeF32, 8, 32)
	g := capture(t, func(s *trace.Session) {
		x := s.Input("x", ml.DTypeF32, 2, 5, 16)
		h := x.Linear(s, s.Param("w1", linW)).AddBias(s, s.Param("b1", linB)).Activation(s, ml.ActGELU)
		s.Output(h.Linear(s, s.Param("w2", w2)).Activation(s, ml.ActTanh))
	})

	out, report := rewrite(t, g)
	if diff := cmp.Diff([]ir.OpKind{ir.OpFusedGEMM, ir.OpFusedGEMM}, kinds(out)); diff != "" {
		t.Fatalf("Knoten (-want +got):\n%s", diff)
	}
	if report.Count("linear_bias_act") != 2 {
		t.Errorf("linear_bias_act: erwartet 2, bekommen %d", report.Count("linear_bias_act"))
	}
	if !out.Nodes[0].Attrs.Fused.Gemm.TransB {
		t.Errorf("Linear muss als GEMM mit transponiertem Gewicht laufen")
	}
	if diff := cmp.Diff([]int{2, 5, 8}, out.Value(out.Outputs[0]).Shape); diff != "" {
		t.Errorf("Ausgabe (-want +got):\n%s", diff)
	}
}

func TestMatmulBatched(t *testing.T) {
	g := capture(t, func(s *trace.Session) {
		a := s.Input("a", ml.DTypeF32, 4, 8, 16)
		b := s.Input("b", ml.DTypeF32, 4, 16, 8)
		bias := s.Param("bias", ml.NewTensor(ml.DTypeF32, 8))
		s.Output(a.Matmul(s, b, false, false).AddBias(s, bias))
	})

	out, _ := rewrite(t, g)
	if diff := cmp.Diff([]ir.OpKind{ir.OpFusedGEMM}, kinds(out)); diff != "" {
		t.Errorf("Knoten (-want +got):\n%s", diff)
	}
}

// ============================================================================
// Quantisierung
// ============================================================================

func TestFuseQLinear(t *testing.T) {
	wq := qweight(t, 32, 16)
	q := ml.QuantParams{Scales: make([]float32, 32), Axis: 0}
	for i := range q.Scales {
		q.Scales[i] = 0.01 * float32(i+1)
	}

	g := capture(t, func(s *trace.Session) {
		x := s.Input("x", ml.DTypeF32, 4, 16)
		w := s.Param("wq", wq).Dequantize(s, q)
		s.Output(x.Linear(s, w).AddBias(s, s.Param("b", linB)).Activation(s, ml.ActReLU))
	})

	out, report := rewrite(t, g)
	if diff := cmp.Diff([]ir.OpKind{ir.OpFusedQLinear}, kinds(out)); diff != "" {
		t.Fatalf("Knoten (-want +got):\n%s", diff)
	}
	n := out.Nodes[0]
	if out.Value(n.Inputs[1]).DType != ml.DTypeI8 {
		t.Errorf("Gewicht muss int8 bleiben: %v", out.Value(n.Inputs[1]))
	}
	if f := n.Attrs.Fused; f.InputQuant != nil || len(f.WeightQuant.Scales) != 32 {
		t.Errorf("Quantisierung: %+v", f)
	}
	if report.Count("qlinear_bias_act") != 1 {
		t.Errorf("Report: %+v", report)
	}
}

func TestFuseQLinearDynamic(t *testing.T) {
	wq := qweight(t, 32, 16)
	wp := ml.QuantParams{Scales: []float32{0.02}}
	xp := ml.QuantParams{Scales: []float32{0.05}, ZeroPoints: []int32{3}}

	g := capture(t, func(s *trace.Session) {
		x := s.Input("x", ml.DTypeF32, 4, 16)
		w := s.Param("wq", wq).Dequantize(s, wp)
		xq := x.Quantize(s, xp).Dequantize(s, xp)
		s.Output(xq.Linear(s, w).AddBias(s, s.Param("b", linB)).Activation(s, ml.ActGELU))
	})

	out, _ := rewrite(t, g)
	if diff := cmp.Diff([]ir.OpKind{ir.OpFusedQLinear}, kinds(out)); diff != "" {
		t.Fatalf("Knoten (-want +got):\n%s", diff)
	}
	f := out.Nodes[0].Attrs.Fused
	if f.Pattern != "qlinear_dynamic_bias_act" || f.InputQuant == nil || f.InputQuant.Zero(0) != 3 {
		t.Errorf("Parameter: %+v", f)
	}
	want := []ir.OpKind{ir.OpDequantize, ir.OpQuantize, ir.OpDequantize, ir.OpLinear, ir.OpBiasAdd, ir.OpActivation}
	if diff := cmp.Diff(want, f.Replaced); diff != "" {
		t.Errorf("Replaced (-want +got):\n%s", diff)
	}
	if out.Nodes[0].Inputs[0] != g.Inputs[0] {
		t.Errorf("fusionierter Knoten muss die unquantisierte Eingabe lesen")
	}
}

func TestQLinearWrongAxis(t *testing.T) {
	wq := qweight(t, 32, 16)
	q := ml.QuantParams{Scales: make([]float32, 16), Axis: 1}
	for i := range q.Scales {
		q.Scales[i] = 0.1
	}

	g := capture(t, func(s *trace.Session) {
		x := s.Input("x", ml.DTypeF32, 4, 16)
		w := s.Param("wq", wq).Dequantize(s, q)
		s.Output(x.Linear(s, w).Activation(s, ml.ActReLU))
	})

	out, report := rewrite(t, g)
	// nur das Float-Muster greift, die Dequantisierung bleibt
	if diff := cmp.Diff([]ir.OpKind{ir.OpDequantize, ir.OpFusedGEMM}, kinds(out)); diff != "" {
		t.Errorf("Knoten (-want +got):\n%s", diff)
	}
	if report.Count("qlinear_bias_act") != 0 {
		t.Errorf("qlinear_bias_act trotz Achse 1 angewendet")
	}
}

// ============================================================================
// Optionen und Eigenschaften
// ============================================================================

func TestWithFamilies(t *testing.T) {
	g := capture(t, func(s *trace.Session) {
		y := convChain(s, ml.ActReLU)
		h := y.Reshape(s, 1, -1).Linear(s, s.Param("w", ml.NewTensor(ml.DTypeF32, 8, 16*32*32)))
		s.Output(h.Activation(s, ml.ActReLU))
	})

	out, _ := rewrite(t, g, WithFamilies(FamilyConvBiasAct))
	want := []ir.OpKind{ir.OpFusedConv2D, ir.OpReshape, ir.OpLinear, ir.OpActivation}
	if diff := cmp.Diff(want, kinds(out)); diff != "" {
		t.Errorf("Knoten (-want +got):\n%s", diff)
	}
}

func TestWithSkip(t *testing.T) {
	var y trace.Value
	g := capture(t, func(s *trace.Session) {
		y = convChain(s, ml.ActReLU)
		s.Output(y)
	})

	out, report := rewrite(t, g, WithSkip(y.ID()))
	if diff := cmp.Diff(kinds(g), kinds(out)); diff != "" {
		t.Errorf("uebersprungene Kette wurde veraendert (-want +got):\n%s", diff)
	}
	if len(report.Skipped) == 0 || !strings.Contains(report.Skipped[0].Reason, "kept unfused") {
		t.Errorf("Skipped: %+v", report.Skipped)
	}
}

func TestIdempotent(t *testing.T) {
	wq := qweight(t, 32, 16)
	g := capture(t, func(s *trace.Session) {
		y := convChain(s, ml.ActSiLU).Reshape(s, -1, 16)
		w := s.Param("wq", wq).Dequantize(s, ml.QuantParams{Scales: []float32{0.1}})
		s.Output(y.Linear(s, w).Activation(s, ml.ActTanh))
	})

	once, _ := rewrite(t, g)
	twice, report := rewrite(t, once)
	if report.Fused() != 0 {
		t.Errorf("zweiter Durchlauf fusionierte %d Ketten", report.Fused())
	}
	if diff := cmp.Diff(once.Nodes, twice.Nodes); diff != "" {
		t.Errorf("Rewrite ist nicht idempotent (-once +twice):\n%s", diff)
	}
}

func TestRewriteKeepsTopologicalOrder(t *testing.T) {
	g := capture(t, func(s *trace.Session) {
		x := s.Input("x", ml.DTypeF32, 4, 16)
		// Bias wird zwischen Linear und BiasAdd erzeugt
		h := x.Linear(s, s.Param("w", linW))
		b := s.Param("b", ml.NewTensor(ml.DTypeF32, 1, 32)).Reshape(s, 32)
		s.Output(h.AddBias(s, b).Activation(s, ml.ActReLU))
	})

	out, _ := rewrite(t, g)
	if diff := cmp.Diff([]ir.OpKind{ir.OpReshape, ir.OpFusedGEMM}, kinds(out)); diff != "" {
		t.Errorf("Knoten (-want +got):\n%s", diff)
	}
	if err := out.Validate(); err != nil {
		t.Error(err)
	}
}

// ============================================================================
// Registry
// ============================================================================

func TestRegistrySorted(t *testing.T) {
	var names []string
	for _, p := range DefaultRegistry().Sorted() {
		names = append(names, p.Name)
	}
	want := []string{"qlinear_dynamic_bias_act", "qlinear_bias_act", "conv2d_bias_act", "matmul_bias_act", "linear_bias_act"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("Sortierung (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff(want[2:], DefaultRegistry().Names()[:3]); diff != "" {
		t.Errorf("Registrierungsreihenfolge (-want +got):\n%s", diff)
	}
}

func TestRegistryDuplicate(t *testing.T) {
	r := NewRegistry()
	r.Register(Builtin()[0])

	defer func() {
		if recover() == nil {
			t.Error("doppelte Registrierung muss paniken")
		}
	}()
	r.Register(Builtin()[0])
}

func TestPatternChain(t *testing.T) {
	p, ok := DefaultRegistry().Lookup("qlinear_bias_act")
	if !ok {
		t.Fatal("qlinear_bias_act fehlt")
	}
	want := "linear -> bias_add? -> activation? [linear absorbs dequantize at input 1]"
	if got := p.Chain(); got != want {
		t.Errorf("Chain: erwartet %q, bekommen %q", want, got)
	}
	if p.Specificity() != 4 {
		t.Errorf("Specificity: erwartet 4, bekommen %d", p.Specificity())
	}
}
