// cmd.go - Haupt-CLI Setup und Root Command
// Hauptfunktionen: NewCLI, appendEnvDocs, newTable
package cmd

import (
	"fmt"
	"io"
	"log"
	"os"
	"runtime"

	"github.com/containerd/console"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ollama/sfast/envconfig"
)

// appendEnvDocs - Fuegt Umgebungsvariablen-Dokumentation zum Command hinzu
func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// newTable - Tabelle im Stil von "ollama list"
func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}

// NewCLI - Erstellt das Haupt-CLI mit allen Commands
func NewCLI() *cobra.Command {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	cobra.EnableCommandSorting = false

	if runtime.GOOS == "windows" && term.IsTerminal(int(os.Stdout.Fd())) {
		console.ConsoleFromFile(os.Stdin) //nolint:errcheck
	}

	rootCmd := &cobra.Command{
		Use:           "sfast",
		Short:         "Trace, fuse and replay inference graphs",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Run: func(cmd *cobra.Command, args []string) {
			if version, _ := cmd.Flags().GetBool("version"); version {
				versionHandler(cmd, args)
				return
			}

			cmd.Print(cmd.UsageString())
		},
	}

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	// Commands erstellen
	serveCmd := newServeCmd()
	benchCmd := newBenchCmd()
	traceCmd := newTraceCmd()
	optimizeCmd := newOptimizeCmd()
	inspectCmd := newInspectCmd()
	patternsCmd := newPatternsCmd()
	envCmd := newEnvCmd()

	// Environment-Dokumentation hinzufuegen
	envVars := envconfig.AsMap()
	compilerEnvs := []envconfig.EnvVar{
		envVars["SFAST_DEBUG"],
		envVars["SFAST_JIT"],
		envVars["SFAST_FUSION"],
		envVars["SFAST_QUANTIZED_LINEAR"],
		envVars["SFAST_GRAPH_REPLAY"],
		envVars["SFAST_VERIFY"],
		envVars["SFAST_FALLBACK"],
		envVars["SFAST_MAX_PLANS"],
		envVars["SFAST_NUM_THREADS"],
		envVars["SFAST_DEVICE_MEMORY"],
		envVars["SFAST_CACHE_DIR"],
	}

	for _, cmd := range []*cobra.Command{serveCmd, benchCmd, optimizeCmd} {
		switch cmd {
		case serveCmd:
			appendEnvDocs(cmd, []envconfig.EnvVar{
				envVars["SFAST_DEBUG"],
				envVars["SFAST_HOST"],
				envVars["SFAST_ORIGINS"],
				envVars["SFAST_NUM_THREADS"],
				envVars["SFAST_DEVICE_MEMORY"],
			})
		case benchCmd:
			appendEnvDocs(cmd, compilerEnvs)
		default:
			appendEnvDocs(cmd, []envconfig.EnvVar{envVars["SFAST_FUSION"], envVars["SFAST_QUANTIZED_LINEAR"]})
		}
	}

	rootCmd.AddCommand(
		serveCmd,
		benchCmd,
		traceCmd,
		optimizeCmd,
		inspectCmd,
		patternsCmd,
		envCmd,
	)

	return rootCmd
}
