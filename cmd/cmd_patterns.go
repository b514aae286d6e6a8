// cmd_patterns.go - Anzeige der Fusionsmuster
// Hauptfunktionen: PatternsHandler, suggest
package cmd

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/spf13/cobra"

	"github.com/ollama/sfast/fusion"
)

// maxSuggestDistance begrenzt die Editierdistanz fuer Vorschlaege
const maxSuggestDistance = 4

// suggest gibt die Namen mit der kleinsten Editierdistanz zu name zurueck
func suggest(name string, names []string) []string {
	best := maxSuggestDistance + 1
	var out []string
	for _, n := range names {
		d := levenshtein.ComputeDistance(strings.ToLower(name), strings.ToLower(n))
		switch {
		case d < best:
			best, out = d, []string{n}
		case d == best:
			out = append(out, n)
		}
	}
	return out
}

// PatternsHandler - Listet alle Fusionsmuster oder zeigt eines im Detail
func PatternsHandler(cmd *cobra.Command, args []string) error {
	registry := fusion.DefaultRegistry()
	w := cmd.OutOrStdout()

	if len(args) == 0 {
		table := newTable(w, "NAME", "FAMILY", "SPECIFICITY", "ACTIVATIONS", "CHAIN")
		for _, p := range registry.Sorted() {
			table.Append([]string{
				p.Name,
				p.Family.String(),
				strconv.Itoa(p.Specificity()),
				strings.Join(p.Activations.Names(), ","),
				p.Chain(),
			})
		}
		table.Render()
		return nil
	}

	p, ok := registry.Lookup(args[0])
	if !ok {
		if s := suggest(args[0], registry.Names()); len(s) > 0 {
			return fmt.Errorf("pattern %q not found, did you mean %s?", args[0], strings.Join(s, " or "))
		}
		return fmt.Errorf("pattern %q not found", args[0])
	}

	rank := slices.Index(registry.Sorted(), p)
	fmt.Fprintf(w, "name:        %s\n", p.Name)
	fmt.Fprintf(w, "family:      %s\n", p.Family)
	fmt.Fprintf(w, "description: %s\n", p.Description)
	fmt.Fprintf(w, "chain:       %s\n", p.Chain())
	fmt.Fprintf(w, "activations: %s\n", strings.Join(p.Activations.Names(), ", "))
	fmt.Fprintf(w, "specificity: %d (tried %d of %d)\n", p.Specificity(), rank+1, len(registry.Names()))
	return nil
}

// newPatternsCmd - Erstellt den patterns Command
func newPatternsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "patterns [NAME]",
		Short: "List the fusion patterns",
		Args:  cobra.MaximumNArgs(1),
		RunE:  PatternsHandler,
	}
}
