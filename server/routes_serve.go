// routes_serve.go - Server-Start
// Enthaelt: Serve() - oeffnet Geraet und Mathe-Bibliothek und startet den HTTP-Server

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ollama/sfast/envconfig"
	"github.com/ollama/sfast/logutil"
	"github.com/ollama/sfast/ml"
	"github.com/ollama/sfast/ml/backend/cpu"
	_ "github.com/ollama/sfast/model/models"
	"github.com/ollama/sfast/version"
)

// Serve startet den HTTP-Server auf ln und blockiert bis SIGINT/SIGTERM
func Serve(ln net.Listener) error {
	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
	slog.Info("server config", "env", envconfig.Values())

	dev, err := ml.NewDevice("cpu", ml.DeviceParams{
		NumThreads:  envconfig.NumThreads(),
		MemoryLimit: envconfig.DeviceMemory(),
	})
	if err != nil {
		return err
	}
	defer dev.Close()
	slog.Info("device", "info", dev.Info())

	s, err := NewServer(ln.Addr(), dev, cpu.NewLibrary(envconfig.NumThreads()))
	if err != nil {
		return err
	}
	defer s.Close()

	h, err := s.GenerateRoutes()
	if err != nil {
		return err
	}

	ctx, done := context.WithCancel(context.Background())
	srvr := &http.Server{Handler: h}

	// listen for a ctrl+c and stop the server
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		srvr.Close()
		done()
	}()

	slog.Info(fmt.Sprintf("Listening on %s (version %s)", ln.Addr(), version.Version))
	err = srvr.Serve(ln)
	// If server is closed from the signal handler, wait for the ctx to be done
	// otherwise error out quickly
	if !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-ctx.Done()
	return nil
}
