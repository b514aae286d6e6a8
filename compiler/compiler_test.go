package compiler_test

import (
	"context"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ollama/sfast/compiler"
	"github.com/ollama/sfast/ir"
	"github.com/ollama/sfast/kernels"
	"github.com/ollama/sfast/ml"
	"github.com/ollama/sfast/ml/backend/cpu"
	"github.com/ollama/sfast/model"
	"github.com/ollama/sfast/model/convnet"
	"github.com/ollama/sfast/numeric"
	"github.com/ollama/sfast/store"
)

var small = model.Options{Height: 8, Width: 8, Channels: 8}

func allOn() compiler.Config {
	return compiler.Config{JIT: true, Fusion: true, QuantizedLinear: true, GraphReplay: true, Fallback: true, MaxPlans: 8}
}

func newModel(t *testing.T, opts model.Options) model.Model {
	t.Helper()
	m, err := model.New(convnet.Name, opts, convnet.RandomWeights(opts, 7))
	require.NoError(t, err)
	return m
}

func newCompiler(t *testing.T, lib kernels.Library, cfg compiler.Config, opts ...compiler.Option) *compiler.Compiler {
	t.Helper()
	dev := cpu.New(ml.DeviceParams{NumThreads: 2})
	t.Cleanup(func() { dev.Close() })
	if lib == nil {
		lib = cpu.NewLibrary(2)
	}
	return compiler.New(dev, lib, cfg, opts...)
}

func compile(t *testing.T, c *compiler.Compiler, m model.Model) *compiler.Compiled {
	t.Helper()
	cm, err := c.Compile(context.Background(), m)
	require.NoError(t, err)
	t.Cleanup(func() { cm.Close() })
	return cm
}

func inputs(seed uint64, batch int) []*ml.Tensor {
	r := rand.New(rand.NewPCG(seed, seed+1))
	fill := func(shape ...int) *ml.Tensor {
		t := ml.NewTensor(ml.DTypeF32, shape...)
		for i := range t.F32() {
			t.F32()[i] = r.Float32()*2 - 1
		}
		return t
	}
	return []*ml.Tensor{
		fill(batch, convnet.LatentChannels, small.Height, small.Width),
		fill(batch, convnet.ContextLen, convnet.ContextDim),
	}
}

func run(t *testing.T, cm *compiler.Compiled, in []*ml.Tensor) []*ml.Tensor {
	t.Helper()
	out, err := cm.Run(context.Background(), in...)
	require.NoError(t, err)
	require.Len(t, out, 2)
	return out
}

// ============================================================================
// Compile / Run
// ============================================================================

func TestCompileFusesConvnet(t *testing.T) {
	m := newModel(t, small)
	cm := compile(t, newCompiler(t, nil, allOn()), m)

	g := cm.Graph()
	require.True(t, g.Optimized)
	require.Equal(t, 4, g.CountKind(ir.OpFusedConv2D), "fusionierte Faltungen")
	require.Equal(t, 2, g.CountKind(ir.OpFusedGEMM), "fusionierte GEMMs")
	require.Equal(t, 6, cm.Report().Fused())
	require.Less(t, len(g.Nodes), len(cm.Source().Nodes))
}

func TestFusedMatchesUnfused(t *testing.T) {
	for _, tt := range []struct {
		name string
		opts model.Options
	}{
		{"float", small},
		{"quantized", model.Options{Height: 8, Width: 8, Channels: 8, Quantize: true}},
		{"dynamic", model.Options{Height: 8, Width: 8, Channels: 8, Quantize: true, DynamicQuant: true}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			m := newModel(t, tt.opts)
			fast := compile(t, newCompiler(t, nil, allOn()), m)
			slow := compile(t, newCompiler(t, nil, compiler.Config{}), m)

			require.False(t, slow.Graph().Optimized)
			if tt.opts.Quantize {
				require.Equal(t, 2, fast.Graph().CountKind(ir.OpFusedQLinear), "fusionierte qlinear")
			}

			in := inputs(1, 2)
			got, want := run(t, fast, in), run(t, slow, in)
			for i := range want {
				require.Equal(t, want[i].Shape(), got[i].Shape(), "Ausgabe %d", i)
				require.Equal(t, want[i].DType(), got[i].DType(), "Ausgabe %d", i)
				if tt.opts.Quantize {
					require.NoError(t, numeric.CompareQuantized(got[i].Floats(), want[i].Floats()), "Ausgabe %d", i)
				} else {
					require.NoError(t, numeric.CompareTensors(got[i], want[i]), "Ausgabe %d", i)
				}
			}
		})
	}
}

func TestRunTwiceWithoutRebuild(t *testing.T) {
	cm := compile(t, newCompiler(t, nil, allOn()), newModel(t, small))

	a := run(t, cm, inputs(1, 1))
	b := run(t, cm, inputs(2, 1))
	require.NotEqual(t, a[0].Floats(), b[0].Floats(), "verschiedene Eingaben, gleiche Ausgabe")

	// das Ergebnis gehoert dem Aufrufer und bleibt nach weiteren Laeufen gleich
	again := run(t, cm, inputs(1, 1))
	require.Equal(t, a[0].Floats(), again[0].Floats())

	stats := cm.Stats()
	require.EqualValues(t, 3, stats.Runs)
	require.EqualValues(t, 1, stats.Builds)
	for _, ps := range cm.PlanStats() {
		require.Equal(t, 1, ps.Captures)
		require.Equal(t, 3, ps.Replays)
	}
}

// ============================================================================
// Plans pro Signatur
// ============================================================================

func TestPlanPerSignature(t *testing.T) {
	cm := compile(t, newCompiler(t, nil, allOn()), newModel(t, small))

	run(t, cm, inputs(1, 1))
	run(t, cm, inputs(1, 2))
	run(t, cm, inputs(1, 1))

	stats := cm.Stats()
	require.Equal(t, 2, stats.Plans)
	require.EqualValues(t, 2, stats.Builds)
	require.Len(t, cm.PlanStats(), 2)
}

func TestMaxPlansEvicts(t *testing.T) {
	cfg := allOn()
	cfg.MaxPlans = 1
	cm := compile(t, newCompiler(t, nil, cfg), newModel(t, small))

	run(t, cm, inputs(1, 1))
	run(t, cm, inputs(1, 2))
	run(t, cm, inputs(1, 3))

	stats := cm.Stats()
	require.Equal(t, 1, stats.Plans)
	require.EqualValues(t, 2, stats.Evictions)
}

func TestRunAfterClose(t *testing.T) {
	cm := compile(t, newCompiler(t, nil, allOn()), newModel(t, small))
	require.NoError(t, cm.Close())

	_, err := cm.Run(context.Background(), inputs(1, 1)...)
	require.Error(t, err)
}

func TestRunRejectsNilInput(t *testing.T) {
	cm := compile(t, newCompiler(t, nil, allOn()), newModel(t, small))

	_, err := cm.Run(context.Background(), nil, nil)
	require.Error(t, err)
}

// ============================================================================
// Verifikation und Fallback
// ============================================================================

func TestVerify(t *testing.T) {
	cfg := allOn()
	cfg.Verify = true
	cm := compile(t, newCompiler(t, nil, cfg), newModel(t, small))

	run(t, cm, inputs(1, 1))
	run(t, cm, inputs(2, 1))

	stats := cm.Stats()
	require.EqualValues(t, 1, stats.Verified)
	require.Zero(t, stats.VerifyFailures)
}

// skewed is a library whose convolution is off by one whenever a bias is
// fused into it.
type skewed struct {
	*cpu.Library
}

func (l skewed) ConvForward(d kernels.ConvDesc, x, w, bias, y, workspace []float32) kernels.Status {
	st := l.Library.ConvForward(d, x, w, bias, y, workspace)
	if st == kernels.StatusSuccess && d.Bias {
		for i := range y[:d.N*d.K*d.P*d.Q] {
			y[i]++
		}
	}
	return st
}

func TestVerifyMismatchReturnsReference(t *testing.T) {
	cfg := allOn()
	cfg.Verify = true
	m := newModel(t, small)
	cm := compile(t, newCompiler(t, skewed{cpu.NewLibrary(2)}, cfg), m)
	require.Positive(t, cm.Graph().CountKind(ir.OpFusedConv2D))

	slow := compile(t, newCompiler(t, nil, compiler.Config{}), m)
	for seed := range uint64(3) {
		got := run(t, cm, inputs(seed, 1))
		want := run(t, slow, inputs(seed, 1))
		for i := range want {
			require.NoError(t, numeric.CompareTensors(got[i], want[i]), "Lauf %d, Ausgabe %d", seed, i)
		}
	}

	stats := cm.Stats()
	require.EqualValues(t, 1, stats.VerifyFailures)
	require.Zero(t, stats.Verified)
}

func TestVerifyConcurrentRuns(t *testing.T) {
	cfg := allOn()
	cfg.Verify = true
	m := newModel(t, small)
	cm := compile(t, newCompiler(t, skewed{cpu.NewLibrary(2)}, cfg), m)

	slow := compile(t, newCompiler(t, nil, compiler.Config{}), m)
	want := run(t, slow, inputs(1, 1))

	var g errgroup.Group
	for range 8 {
		g.Go(func() error {
			for range 4 {
				got, err := cm.Run(context.Background(), inputs(1, 1)...)
				if err != nil {
					return err
				}
				for i := range want {
					if err := numeric.CompareTensors(got[i], want[i]); err != nil {
						return fmt.Errorf("Ausgabe %d: %w", i, err)
					}
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	stats := cm.Stats()
	require.EqualValues(t, 1, stats.VerifyFailures)
	require.EqualValues(t, 32, stats.Runs)
	require.Equal(t, 1, stats.Plans)
}

// noInt8 is a library without int8 activation support.
type noInt8 struct {
	*cpu.Library
}

func (l noInt8) Capabilities() kernels.Capabilities {
	caps := l.Library.Capabilities()
	caps.QGemmInt8Activations = false
	return caps
}

func TestFallbackUnfused(t *testing.T) {
	opts := model.Options{Height: 8, Width: 8, Channels: 8, Quantize: true, DynamicQuant: true}
	m := newModel(t, opts)
	cm := compile(t, newCompiler(t, noInt8{cpu.NewLibrary(2)}, allOn()), m)
	require.Equal(t, 2, cm.Graph().CountKind(ir.OpFusedQLinear))

	got := run(t, cm, inputs(1, 1))
	require.EqualValues(t, 1, cm.Stats().Fallbacks)

	slow := compile(t, newCompiler(t, nil, compiler.Config{}), m)
	want := run(t, slow, inputs(1, 1))
	for i := range want {
		require.NoError(t, numeric.CompareTensors(got[i], want[i]), "Ausgabe %d", i)
	}
}

func TestNoFallback(t *testing.T) {
	cfg := allOn()
	cfg.Fallback = false
	opts := model.Options{Height: 8, Width: 8, Channels: 8, Quantize: true, DynamicQuant: true}
	cm := compile(t, newCompiler(t, noInt8{cpu.NewLibrary(2)}, cfg), newModel(t, opts))

	_, err := cm.Run(context.Background(), inputs(1, 1)...)
	require.Error(t, err)
}

// ============================================================================
// Graph-Cache
// ============================================================================

func TestGraphCache(t *testing.T) {
	cache, err := store.Open(filepath.Join(t.TempDir(), "graphs.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	m := newModel(t, small)
	first := compile(t, newCompiler(t, nil, allOn(), compiler.WithCache(cache)), m)

	entries, err := cache.List(context.Background(), convnet.Name)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, ir.Checksum(first.Graph()), entries[0].Checksum)

	second := compile(t, newCompiler(t, nil, allOn(), compiler.WithCache(cache)), m)
	require.Equal(t, first.Report().Fused(), second.Report().Fused())
	require.Equal(t, ir.Checksum(first.Graph()), ir.Checksum(second.Graph()))

	entries, err = cache.List(context.Background(), convnet.Name)
	require.NoError(t, err)
	require.Equal(t, 1, entries[0].Hits)

	in := inputs(3, 1)
	a, b := run(t, first, in), run(t, second, in)
	for i := range a {
		require.Equal(t, a[i].Floats(), b[i].Floats())
	}
}

func TestDisabledFusionSkipsCache(t *testing.T) {
	cache, err := store.Open(filepath.Join(t.TempDir(), "graphs.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	cm := compile(t, newCompiler(t, nil, compiler.Config{JIT: true}, compiler.WithCache(cache)), newModel(t, small))
	require.Zero(t, cm.Report().Fused())

	entries, err := cache.List(context.Background(), "")
	require.NoError(t, err)
	require.Empty(t, entries)
}
