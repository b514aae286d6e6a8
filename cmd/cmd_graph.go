// cmd_graph.go - Aufzeichnen, Optimieren und Anzeigen kodierter Graphen
// Hauptfunktionen: TraceHandler, OptimizeHandler, InspectHandler
package cmd

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ollama/sfast/envconfig"
	"github.com/ollama/sfast/format"
	"github.com/ollama/sfast/fusion"
	"github.com/ollama/sfast/ir"
	"github.com/ollama/sfast/model"
	"github.com/ollama/sfast/trace"
)

func readGraph(path string) (*ir.Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	g, err := ir.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return g, nil
}

// TraceHandler - Zeichnet ein Modell mit Zufallsgewichten auf
func TraceHandler(cmd *cobra.Command, args []string) error {
	var opts model.Options
	opts.Height, _ = cmd.Flags().GetInt("height")
	opts.Width, _ = cmd.Flags().GetInt("width")
	opts.Channels, _ = cmd.Flags().GetInt("channels")
	opts.Quantize, _ = cmd.Flags().GetBool("quantize")
	opts.DynamicQuant, _ = cmd.Flags().GetBool("dynamic")
	seed, _ := cmd.Flags().GetUint64("seed")

	m, err := model.NewRandom(args[0], opts, seed)
	if err != nil {
		return err
	}

	g, err := model.Trace(trace.NewTracer(), m)
	if err != nil {
		return err
	}

	data := ir.Encode(g)
	if err := os.WriteFile(args[1], data, 0o644); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "traced %s: %d nodes, %s, checksum %s\n",
		m.Name(), len(g.Nodes), format.HumanBytes(int64(len(data))), ir.Checksum(g))
	return nil
}

// families liest --families, ohne Angabe die Schalter aus der Umgebung
func families(cmd *cobra.Command) ([]fusion.Family, error) {
	names, _ := cmd.Flags().GetStringSlice("families")
	if len(names) == 0 {
		var fs []fusion.Family
		for _, f := range fusion.Families() {
			quantized := slices.Contains(fusion.QuantizedFamilies, f)
			if (quantized && envconfig.QuantizedLinear(true)) || (!quantized && envconfig.Fusion(true)) {
				fs = append(fs, f)
			}
		}
		return fs, nil
	}

	fs := make([]fusion.Family, len(names))
	for i, name := range names {
		f, err := fusion.ParseFamily(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		fs[i] = f
	}
	return fs, nil
}

// OptimizeHandler - Schreibt einen kodierten Graphen mit den Fusionsmustern um
func OptimizeHandler(cmd *cobra.Command, args []string) error {
	source, err := readGraph(args[0])
	if err != nil {
		return err
	}

	fs, err := families(cmd)
	if err != nil {
		return err
	}

	g, report, err := fusion.NewRewriter(fusion.DefaultRegistry(), fusion.WithFamilies(fs...)).Rewrite(source)
	if err != nil {
		return err
	}

	if err := os.WriteFile(args[1], ir.Encode(g), 0o644); err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s: %d -> %d nodes, checksum %s\n", g.Name, report.NodesBefore, report.NodesAfter, ir.Checksum(g))

	table := newTable(w, "PATTERN", "APPLIED")
	for _, name := range fusion.DefaultRegistry().Names() {
		if n := report.Count(name); n > 0 {
			table.Append([]string{name, strconv.Itoa(n)})
		}
	}
	table.Render()

	for _, s := range report.Skipped {
		fmt.Fprintf(w, "skipped %s at node %d: %s\n", s.Pattern, s.Node, s.Reason)
	}
	return nil
}

// printGraph schreibt Kopfdaten und Knotentabelle von g
func printGraph(w io.Writer, g *ir.Graph) {
	var params int64
	for _, t := range g.Params {
		params += int64(t.Size())
	}

	fmt.Fprintf(w, "name:      %s\n", g.Name)
	fmt.Fprintf(w, "format:    %s\n", ir.FormatVersion)
	fmt.Fprintf(w, "checksum:  %s\n", ir.Checksum(g))
	fmt.Fprintf(w, "optimized: %t\n", g.Optimized)
	fmt.Fprintf(w, "params:    %d (%s)\n", len(g.Params), format.HumanBytes(params))
	fmt.Fprintln(w)

	table := newTable(w, "#", "OUTPUT", "KIND", "INPUTS", "SHAPE", "DETAIL")
	for i, n := range g.Nodes {
		in := make([]string, len(n.Inputs))
		for j, v := range n.Inputs {
			in[j] = "%" + strconv.Itoa(int(v))
		}

		out := g.Values[n.Output]
		var detail string
		switch {
		case n.Attrs.Fused != nil:
			detail = fmt.Sprintf("%s act=%v bias=%t", n.Attrs.Fused.Pattern, n.Attrs.Fused.Activation, n.Attrs.Fused.HasBias)
		case n.Kind == ir.OpActivation:
			detail = n.Attrs.Act.String()
		case n.Kind == ir.OpOpaque:
			detail = n.Attrs.Opaque
		}

		table.Append([]string{
			strconv.Itoa(i),
			"%" + strconv.Itoa(int(n.Output)),
			n.Kind.String(),
			strings.Join(in, ","),
			fmt.Sprintf("%v%v", out.DType, out.Shape),
			detail,
		})
	}
	table.Render()
}

// InspectHandler - Zeigt einen kodierten Graphen an
func InspectHandler(cmd *cobra.Command, args []string) error {
	g, err := readGraph(args[0])
	if err != nil {
		return err
	}

	printGraph(cmd.OutOrStdout(), g)
	return nil
}

// newTraceCmd - Erstellt den trace Command
func newTraceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace MODEL FILE",
		Short: "Trace a model with random weights into an encoded graph",
		Args:  cobra.ExactArgs(2),
		RunE:  TraceHandler,
	}

	cmd.Flags().Int("height", 64, "Latent height")
	cmd.Flags().Int("width", 64, "Latent width")
	cmd.Flags().Int("channels", 32, "Convolution channels")
	cmd.Flags().Bool("quantize", false, "Quantize linear weights to int8")
	cmd.Flags().Bool("dynamic", false, "Also quantize activations at runtime (with --quantize)")
	cmd.Flags().Uint64("seed", 0, "Seed for the weights")
	return cmd
}

// newOptimizeCmd - Erstellt den optimize Command
func newOptimizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "optimize IN OUT",
		Short: "Rewrite an encoded graph with the fusion patterns",
		Args:  cobra.ExactArgs(2),
		RunE:  OptimizeHandler,
	}

	cmd.Flags().StringSlice("families", nil, "Pattern families to apply (default from environment)")
	return cmd
}

// newInspectCmd - Erstellt den inspect Command
func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect FILE",
		Short: "Show an encoded graph",
		Args:  cobra.ExactArgs(1),
		RunE:  InspectHandler,
	}
}
