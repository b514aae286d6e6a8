// cmd_serve.go - Server und Versions-Funktionen
// Hauptfunktionen: RunServer, versionHandler, EnvHandler
package cmd

import (
	"errors"
	"fmt"
	"maps"
	"net"
	"net/http"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ollama/sfast/api"
	"github.com/ollama/sfast/envconfig"
	"github.com/ollama/sfast/server"
	"github.com/ollama/sfast/version"
)

// RunServer - Startet den sfast-Server
func RunServer(_ *cobra.Command, _ []string) error {
	ln, err := net.Listen("tcp", envconfig.Host().Host)
	if err != nil {
		return err
	}

	err = server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

// versionHandler - Zeigt Client- und Server-Version
func versionHandler(cmd *cobra.Command, _ []string) {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return
	}

	serverVersion, err := client.Version(cmd.Context())
	if err != nil {
		fmt.Println("Warning: could not connect to a running sfast instance")
	}

	if serverVersion != "" {
		fmt.Printf("sfast version is %s\n", serverVersion)
	}

	if serverVersion != version.Version {
		fmt.Printf("Warning: client version is %s\n", version.Version)
	}
}

// EnvHandler - Zeigt alle Umgebungsvariablen mit ihren aktuellen Werten
func EnvHandler(cmd *cobra.Command, _ []string) error {
	vars := envconfig.AsMap()
	table := newTable(cmd.OutOrStdout(), "NAME", "VALUE", "DESCRIPTION")
	for _, name := range slices.Sorted(maps.Keys(vars)) {
		v := vars[name]
		value := fmt.Sprintf("%v", v.Value)
		if ss, ok := v.Value.([]string); ok {
			value = strings.Join(ss, ",")
		}
		table.Append([]string{name, value, v.Description})
	}
	table.Render()
	return nil
}

// newServeCmd - Erstellt den serve Command
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start sfast",
		Args:    cobra.ExactArgs(0),
		RunE:    RunServer,
	}
}

// newEnvCmd - Erstellt den env Command
func newEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "Show configuration from the environment",
		Args:  cobra.ExactArgs(0),
		RunE:  EnvHandler,
	}
}
