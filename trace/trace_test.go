package trace

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ollama/sfast/ir"
	"github.com/ollama/sfast/ml"
)

// ============================================================================
// Aufzeichnung
// ============================================================================

func TestCaptureConvBlock(t *testing.T) {
	w := ml.NewTensor(ml.DTypeF32, 16, 3, 3, 3)
	b := ml.NewTensor(ml.DTypeF32, 16)

	g, err := Capture(NewTracer(), "conv", func(s *Session) error {
		x := s.Input("x", ml.DTypeF32, 1, 3, 32, 32)
		y := x.Conv2D(s, s.Param("w", w), ml.Conv2DParams{PadH: 1, PadW: 1}).
			AddBias(s, s.Param("b", b)).
			Activation(s, ml.ActReLU)
		s.Output(y)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	kinds := make([]ir.OpKind, len(g.Nodes))
	for i, n := range g.Nodes {
		kinds[i] = n.Kind
	}
	if diff := cmp.Diff([]ir.OpKind{ir.OpConv2D, ir.OpBiasAdd, ir.OpActivation}, kinds); diff != "" {
		t.Errorf("Knoten (-want +got):\n%s", diff)
	}
	if g.Nodes[1].Attrs.Axis != 1 {
		t.Errorf("Bias-Achse: erwartet 1, bekommen %d", g.Nodes[1].Attrs.Axis)
	}
	if diff := cmp.Diff([]int{1, 16, 32, 32}, g.Value(g.Outputs[0]).Shape); diff != "" {
		t.Errorf("Ausgabe (-want +got):\n%s", diff)
	}
	if len(g.Params) != 2 {
		t.Errorf("Params: erwartet 2, bekommen %d", len(g.Params))
	}
}

func TestFreshValueIDs(t *testing.T) {
	g, err := Capture(NewTracer(), "ids", func(s *Session) error {
		x := s.Input("x", ml.DTypeF32, 2, 4)
		a := x.Activation(s, ml.ActReLU)
		b := x.Activation(s, ml.ActReLU)
		if a.ID() == b.ID() {
			t.Errorf("gleiche Operation ergibt gleiche ID %d", a.ID())
		}
		s.Output(a.Add(s, b))
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(g.Values) != 4 {
		t.Errorf("Values: erwartet 4, bekommen %d", len(g.Values))
	}
}

func TestParamDedup(t *testing.T) {
	w := ml.NewTensor(ml.DTypeF32, 8, 8)

	g, err := Capture(NewTracer(), "shared", func(s *Session) error {
		x := s.Input("x", ml.DTypeF32, 2, 8)
		y := x.Linear(s, s.Param("w", w)).Linear(s, s.Param("w_again", w))
		s.Output(y)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(g.Params) != 1 {
		t.Errorf("Params: erwartet 1, bekommen %d", len(g.Params))
	}
	if g.Nodes[0].Inputs[1] != g.Nodes[1].Inputs[1] {
		t.Errorf("gleiche Gewichte, verschiedene Values")
	}
}

// ============================================================================
// Fehler
// ============================================================================

func TestStickyError(t *testing.T) {
	tr := NewTracer()
	s, err := tr.Begin("bad")
	if err != nil {
		t.Fatal(err)
	}

	x := s.Input("x", ml.DTypeF32, 2, 8)
	y := x.Activation(s, ml.ActGELU)
	bad := y.Linear(s, s.Input("w", ml.DTypeF32, 4, 5))
	if bad.Valid() {
		t.Fatal("ungueltiges Linear lieferte einen Value")
	}
	// weitere Operationen werden ignoriert
	z := bad.Activation(s, ml.ActReLU).Reshape(s, -1)
	s.Output(z)

	_, err = tr.End(s)
	if err == nil {
		t.Fatal("erwartet Fehler")
	}
	for _, want := range []string{"node 1", "linear"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Fehler %q enthaelt nicht %q", err, want)
		}
	}
}

func TestOpaqueUnknown(t *testing.T) {
	_, err := Capture(NewTracer(), "opaque", func(s *Session) error {
		x := s.Input("x", ml.DTypeF32, 2, 8)
		s.Output(s.Opaque("no_such_op", ir.Binding{DType: ml.DTypeF32, Shape: []int{2, 8}}, x))
		return nil
	})
	if err == nil || !strings.Contains(err.Error(), "no_such_op") {
		t.Errorf("erwartet Fehler fuer unbekannten Operator, bekommen %v", err)
	}
}

func TestOpaquePassThrough(t *testing.T) {
	g, err := Capture(NewTracer(), "opaque", func(s *Session) error {
		x := s.Input("x", ml.DTypeF32, 2, 8)
		s.Output(s.Opaque("softmax", ir.Binding{DType: ml.DTypeF32, Shape: []int{2, 8}}, x))
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if n := g.Nodes[0]; n.Kind != ir.OpOpaque || n.Attrs.Opaque != "softmax" {
		t.Errorf("erwartet opaque softmax, bekommen %v", n)
	}
}

func TestNoOutputs(t *testing.T) {
	_, err := Capture(NewTracer(), "empty", func(s *Session) error {
		s.Input("x", ml.DTypeF32, 1)
		return nil
	})
	if err == nil {
		t.Error("Graph ohne Ausgaben muss abgelehnt werden")
	}
}

// ============================================================================
// Isolation
// ============================================================================

func TestSingleSession(t *testing.T) {
	tr := NewTracer()
	s, err := tr.Begin("first")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Begin("second"); !errors.Is(err, ErrCaptureActive) {
		t.Errorf("erwartet ErrCaptureActive, bekommen %v", err)
	}

	tr.Abort(s)
	tr.Abort(s)

	s2, err := tr.Begin("third")
	if err != nil {
		t.Fatalf("nach Abort muss Begin gelingen: %v", err)
	}
	if _, err := tr.End(s); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("End auf beendeter Session: erwartet ErrSessionClosed, bekommen %v", err)
	}
	tr.Abort(s2)

	if tr.Captures() != 2 {
		t.Errorf("Captures: erwartet 2, bekommen %d", tr.Captures())
	}
}

func TestCaptureReleasesOnPanic(t *testing.T) {
	tr := NewTracer()

	func() {
		defer func() {
			if recover() == nil {
				t.Error("erwartet Panic")
			}
		}()
		Capture(tr, "panics", func(*Session) error { panic("model bug") })
	}()

	if _, err := Capture(tr, "err", func(*Session) error { return errors.New("forward failed") }); err == nil {
		t.Error("erwartet Fehler von fn")
	}

	s, err := tr.Begin("after")
	if err != nil {
		t.Fatalf("Tracer nach Panic nicht freigegeben: %v", err)
	}
	tr.Abort(s)
}

func TestUseAfterEnd(t *testing.T) {
	tr := NewTracer()
	s, _ := tr.Begin("late")
	x := s.Input("x", ml.DTypeF32, 4)
	s.Output(x.Activation(s, ml.ActReLU))
	if _, err := tr.End(s); err != nil {
		t.Fatal(err)
	}

	if x.Activation(s, ml.ActTanh).Valid() {
		t.Error("Aufzeichnung nach End lieferte einen Value")
	}
	if !errors.Is(s.Err(), ErrSessionClosed) {
		t.Errorf("erwartet ErrSessionClosed, bekommen %v", s.Err())
	}
}

func TestConcurrentTracers(t *testing.T) {
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Capture(NewTracer(), "parallel", func(s *Session) error {
				x := s.Input("x", ml.DTypeF32, -1, 4)
				s.Output(x.Activation(s, ml.ActSiLU))
				return nil
			})
			if err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
}
