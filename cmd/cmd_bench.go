// cmd_bench.go - Benchmark eines kompilierten Modells
// Hauptfunktionen: BenchHandler, randomInputs, newBenchCmd
//
// Misst wie das urspruengliche Beispiel: Warmup-Laeufe, danach die
// Inferenzzeit der gemessenen Iterationen und Iterationen pro Sekunde.
package cmd

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/ollama/sfast/compiler"
	"github.com/ollama/sfast/envconfig"
	"github.com/ollama/sfast/format"
	"github.com/ollama/sfast/ir"
	"github.com/ollama/sfast/ml"
	"github.com/ollama/sfast/ml/backend/cpu"
	"github.com/ollama/sfast/model"
	"github.com/ollama/sfast/model/convnet"
	_ "github.com/ollama/sfast/model/models"
	"github.com/ollama/sfast/store"
)

// benchOptions sind die Flags von "sfast bench"
type benchOptions struct {
	batch    int
	opts     model.Options
	seed     uint64
	warmups  int
	iters    int
	parallel int
	dump     string
	cache    bool
	cfg      compiler.Config
}

func benchOptionsFromFlags(cmd *cobra.Command) (benchOptions, error) {
	var o benchOptions
	flags := cmd.Flags()

	var err error
	get := func(name string) int {
		v, ferr := flags.GetInt(name)
		if err == nil {
			err = ferr
		}
		return v
	}
	getBool := func(name string) bool {
		v, ferr := flags.GetBool(name)
		if err == nil {
			err = ferr
		}
		return v
	}

	o.batch = get("batch")
	o.opts.Height = get("height")
	o.opts.Width = get("width")
	o.opts.Channels = get("channels")
	o.warmups = get("warmups")
	o.iters = get("iters")
	o.parallel = get("parallel")
	o.opts.Quantize = getBool("quantize")
	o.opts.DynamicQuant = getBool("dynamic")
	o.cache = getBool("cache")

	o.cfg = compiler.DefaultConfig()
	if getBool("no-fusion") {
		o.cfg.Fusion = false
		o.cfg.QuantizedLinear = false
	}
	if getBool("no-replay") {
		o.cfg.GraphReplay = false
	}
	if getBool("verify") {
		o.cfg.Verify = true
	}

	seed, ferr := flags.GetUint64("seed")
	if err == nil {
		err = ferr
	}
	o.seed = seed
	if o.dump, ferr = flags.GetString("dump"); err == nil {
		err = ferr
	}
	if err != nil {
		return o, err
	}

	switch {
	case o.batch < 1:
		return o, fmt.Errorf("batch must be positive, got %d", o.batch)
	case o.iters < 1:
		return o, fmt.Errorf("iters must be positive, got %d", o.iters)
	case o.warmups < 0:
		return o, fmt.Errorf("warmups must not be negative, got %d", o.warmups)
	case o.parallel < 1:
		return o, fmt.Errorf("parallel must be positive, got %d", o.parallel)
	}
	return o, nil
}

// randomInputs erzeugt gleichverteilte Eingaben in [-1, 1) fuer alle
// Eingaben von m, dynamische Dimensionen werden auf batch gesetzt
func randomInputs(m model.Model, batch int, seed uint64) ([]*ml.Tensor, error) {
	r := rand.New(rand.NewPCG(seed, seed+1))

	decl := m.Inputs()
	inputs := make([]*ml.Tensor, len(decl))
	for i, in := range decl {
		b, err := in.Binding(batch)
		if err != nil {
			return nil, err
		}

		t := ml.NewTensor(b.DType, b.Shape...)
		vals := make([]float32, t.Elems())
		for j := range vals {
			vals[j] = r.Float32()*2 - 1
		}
		if err := t.SetFloats(vals); err != nil {
			return nil, err
		}
		inputs[i] = t
	}
	return inputs, nil
}

// progress schreibt den Fortschritt in eine Zeile, wenn w ein Terminal ist
type progress struct {
	w       io.Writer
	enabled bool
}

func newProgress(w io.Writer) progress {
	f, ok := w.(*os.File)
	return progress{w: w, enabled: ok && term.IsTerminal(int(f.Fd()))}
}

func (p progress) update(stage string, i, n int) {
	if p.enabled {
		fmt.Fprintf(p.w, "\r%s %d/%d", stage, i, n)
	}
}

func (p progress) done() {
	if p.enabled {
		fmt.Fprint(p.w, "\r\033[K")
	}
}

// runBench kompiliert m und misst o.iters Laeufe nach o.warmups Warmups
func runBench(ctx context.Context, w io.Writer, arch string, o benchOptions) error {
	m, err := model.NewRandom(arch, o.opts, o.seed)
	if err != nil {
		return err
	}

	threads := envconfig.NumThreads()
	dev, err := ml.NewDevice("cpu", ml.DeviceParams{NumThreads: threads, MemoryLimit: envconfig.DeviceMemory()})
	if err != nil {
		return err
	}
	defer dev.Close()

	var copts []compiler.Option
	if o.cache {
		cache, err := store.Open(store.DefaultPath())
		if err != nil {
			return err
		}
		defer cache.Close()
		copts = append(copts, compiler.WithCache(cache))
	}

	compileStart := time.Now()
	cm, err := compiler.New(dev, cpu.NewLibrary(threads), o.cfg, copts...).Compile(ctx, m)
	if err != nil {
		return err
	}
	defer cm.Close()
	compileTime := time.Since(compileStart)

	if o.dump != "" {
		if err := os.WriteFile(o.dump, ir.Encode(cm.Graph()), 0o644); err != nil {
			return err
		}
	}

	inputs, err := randomInputs(m, o.batch, o.seed+1)
	if err != nil {
		return err
	}

	p := newProgress(os.Stderr)
	for i := range o.warmups {
		p.update("warmup", i+1, o.warmups)
		if _, err := cm.Run(ctx, inputs...); err != nil {
			p.done()
			return err
		}
	}

	begin := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for worker := range o.parallel {
		g.Go(func() error {
			for i := worker; i < o.iters; i += o.parallel {
				if worker == 0 {
					p.update("iteration", i+1, o.iters)
				}
				if _, err := cm.Run(gctx, inputs...); err != nil {
					return err
				}
			}
			return nil
		})
	}
	err = g.Wait()
	p.done()
	if err != nil {
		return err
	}
	elapsed := time.Since(begin)

	fmt.Fprintf(w, "Inference time: %.3fs\n", elapsed.Seconds())
	fmt.Fprintf(w, "Iterations per second: %.3f\n", float64(o.iters)/elapsed.Seconds())

	stats := cm.Stats()
	report := cm.Report()
	var captures, replays, reissues int
	var launches int64
	for _, ps := range cm.PlanStats() {
		captures += ps.Captures
		replays += ps.Replays
		reissues += ps.Reissues
		launches += ps.Launches
	}

	table := newTable(w, "STAT", "VALUE")
	table.AppendBulk([][]string{
		{"model", m.Name()},
		{"compile", format.HumanDuration(compileTime)},
		{"nodes", fmt.Sprintf("%d -> %d", report.NodesBefore, report.NodesAfter)},
		{"fused", strconv.Itoa(report.Fused())},
		{"plans", strconv.Itoa(stats.Plans)},
		{"runs", strconv.FormatInt(stats.Runs, 10)},
		{"captures", strconv.Itoa(captures)},
		{"replays", strconv.Itoa(replays)},
		{"reissues", strconv.Itoa(reissues)},
		{"launches", strconv.FormatInt(launches, 10)},
		{"fallbacks", strconv.FormatInt(stats.Fallbacks, 10)},
		{"verified", fmt.Sprintf("%d (%d failed)", stats.Verified, stats.VerifyFailures)},
	})
	table.Render()
	return nil
}

// BenchHandler - Misst die Inferenzzeit eines Modells
func BenchHandler(cmd *cobra.Command, args []string) error {
	o, err := benchOptionsFromFlags(cmd)
	if err != nil {
		return err
	}

	arch := convnet.Name
	if len(args) > 0 {
		arch = args[0]
	}
	return runBench(cmd.Context(), cmd.OutOrStdout(), arch, o)
}

// newBenchCmd - Erstellt den bench Command
func newBenchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench [MODEL]",
		Short: "Benchmark a compiled model with random weights",
		Args:  cobra.MaximumNArgs(1),
		RunE:  BenchHandler,
	}

	cmd.Flags().Int("batch", 1, "Batch size")
	cmd.Flags().Int("height", 64, "Latent height")
	cmd.Flags().Int("width", 64, "Latent width")
	cmd.Flags().Int("channels", 32, "Convolution channels")
	cmd.Flags().Int("warmups", 3, "Warmup runs before measuring")
	cmd.Flags().Int("iters", 10, "Measured runs")
	cmd.Flags().Int("parallel", 1, "Concurrent callers sharing the compiled model")
	cmd.Flags().Uint64("seed", 0, "Seed for weights and inputs")
	cmd.Flags().Bool("no-fusion", false, "Disable fusion patterns")
	cmd.Flags().Bool("no-replay", false, "Disable device graph replay")
	cmd.Flags().Bool("quantize", false, "Quantize linear weights to int8")
	cmd.Flags().Bool("dynamic", false, "Also quantize activations at runtime (with --quantize)")
	cmd.Flags().Bool("verify", false, "Compare fused and unfused outputs on the first run")
	cmd.Flags().Bool("cache", false, "Use the optimized graph cache")
	cmd.Flags().String("dump", "", "Write the optimized graph to `FILE`")
	return cmd
}
