package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/cobra"

	"github.com/ollama/sfast/compiler"
	"github.com/ollama/sfast/fusion"
	"github.com/ollama/sfast/ir"
	"github.com/ollama/sfast/model"
)

func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

// ============================================================================
// Muster
// ============================================================================

func TestSuggest(t *testing.T) {
	names := fusion.DefaultRegistry().Names()

	cases := []struct {
		name string
		want []string
	}{
		{"conv2d_bias", []string{"conv2d_bias_act"}},
		{"MATMUL_BIAS_ACT", []string{"matmul_bias_act"}},
		{"qlinear_bias_akt", []string{"qlinear_bias_act"}},
		{"transformer", nil},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, suggest(tt.name, names)); diff != "" {
				t.Errorf("suggest (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPatternsList(t *testing.T) {
	out, err := execute(t, newPatternsCmd())
	if err != nil {
		t.Fatal(err)
	}

	for _, name := range fusion.DefaultRegistry().Names() {
		if !strings.Contains(out, name) {
			t.Errorf("Muster %q fehlt in der Ausgabe:\n%s", name, out)
		}
	}
}

func TestPatternsDetail(t *testing.T) {
	out, err := execute(t, newPatternsCmd(), "linear_bias_act")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "family:      linear_bias_act") {
		t.Errorf("unerwartete Ausgabe:\n%s", out)
	}

	_, err = execute(t, newPatternsCmd(), "linear_bias")
	if err == nil || !strings.Contains(err.Error(), "did you mean linear_bias_act") {
		t.Errorf("erwartet Vorschlag, bekommen %v", err)
	}
}

// ============================================================================
// Graphen
// ============================================================================

func TestTraceOptimizeInspect(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "source.graph")
	dst := filepath.Join(dir, "optimized.graph")

	if _, err := execute(t, newTraceCmd(), "convnet", src, "--height", "8", "--width", "8", "--channels", "8"); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, newOptimizeCmd(), src, dst, "--families", "conv2d_bias_act,linear_bias_act")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "conv2d_bias_act") {
		t.Errorf("Zusammenfassung ohne conv2d_bias_act:\n%s", out)
	}

	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	g, err := ir.Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if got := g.CountKind(ir.OpFusedConv2D); got != 4 {
		t.Errorf("fusionierte Faltungen: erwartet 4, bekommen %d", got)
	}

	out, err = execute(t, newInspectCmd(), dst)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"optimized: true", ir.Checksum(g), "fused_conv2d"} {
		if !strings.Contains(out, want) {
			t.Errorf("%q fehlt in der Ausgabe:\n%s", want, out)
		}
	}
}

func TestInspectRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.graph")
	if err := os.WriteFile(path, []byte("not a graph"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := execute(t, newInspectCmd(), path); err == nil {
		t.Error("erwartet Fehler fuer ungueltigen Graphen")
	}
}

// ============================================================================
// Benchmark
// ============================================================================

func TestRunBench(t *testing.T) {
	dump := filepath.Join(t.TempDir(), "bench.graph")
	o := benchOptions{
		batch:    1,
		opts:     model.Options{Height: 8, Width: 8, Channels: 8},
		warmups:  1,
		iters:    4,
		parallel: 2,
		dump:     dump,
		cfg:      compiler.Config{JIT: true, Fusion: true, QuantizedLinear: true, GraphReplay: true, Fallback: true, MaxPlans: 2},
	}

	var buf bytes.Buffer
	if err := runBench(context.Background(), &buf, "convnet", o); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	for _, want := range []string{"Inference time:", "Iterations per second:", "fused"} {
		if !strings.Contains(out, want) {
			t.Errorf("%q fehlt in der Ausgabe:\n%s", want, out)
		}
	}

	data, err := os.ReadFile(dump)
	if err != nil {
		t.Fatal(err)
	}
	g, err := ir.Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if !g.Optimized {
		t.Error("erwartet optimierten Graphen")
	}
}

func TestBenchFlags(t *testing.T) {
	cmd := newBenchCmd()
	if err := cmd.ParseFlags([]string{"--no-fusion", "--no-replay", "--iters", "5", "--batch", "2"}); err != nil {
		t.Fatal(err)
	}

	o, err := benchOptionsFromFlags(cmd)
	if err != nil {
		t.Fatal(err)
	}
	if o.cfg.Fusion || o.cfg.QuantizedLinear || o.cfg.GraphReplay {
		t.Errorf("Schalter nicht uebernommen: %+v", o.cfg)
	}
	if o.iters != 5 || o.batch != 2 {
		t.Errorf("iters/batch: %d/%d", o.iters, o.batch)
	}

	if err := cmd.ParseFlags([]string{"--batch", "0"}); err != nil {
		t.Fatal(err)
	}
	if _, err := benchOptionsFromFlags(cmd); err == nil {
		t.Error("erwartet Fehler fuer batch 0")
	}
}
