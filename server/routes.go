// Package server - Haupt-Router und Server-Setup fuer sfast
// Beinhaltet: Server-Struct, Router-Registrierung, Fehler-Abbildung auf HTTP-Status
package server

import (
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/ollama/sfast/envconfig"
	"github.com/ollama/sfast/fused"
	"github.com/ollama/sfast/fusion"
	"github.com/ollama/sfast/kernels"
	"github.com/ollama/sfast/ml"
	"github.com/ollama/sfast/types/errtypes"
	"github.com/ollama/sfast/version"
)

var mode string = gin.DebugMode

// Server verwaltet den HTTP-Server und die fusionierten Operatoren
type Server struct {
	addr     net.Addr
	dev      ml.Device
	registry *fusion.Registry

	// mu serialisiert alle Operatoren auf dem einen Stream
	mu     sync.Mutex
	set    *kernels.Set
	layer  *fused.Layer
	stream ml.Stream
}

func init() {
	switch mode {
	case gin.DebugMode:
	case gin.ReleaseMode:
	case gin.TestMode:
	default:
		mode = gin.DebugMode
	}

	gin.SetMode(mode)
}

// NewServer erstellt einen Server, der Operatoren ueber lib auf dev ausfuehrt
func NewServer(addr net.Addr, dev ml.Device, lib kernels.Library) (*Server, error) {
	stream, err := dev.NewStream()
	if err != nil {
		return nil, err
	}

	set := kernels.NewSet(dev, lib)
	return &Server{
		addr:     addr,
		dev:      dev,
		registry: fusion.DefaultRegistry(),
		set:      set,
		layer:    fused.New(dev, set),
		stream:   stream,
	}, nil
}

// Close gibt Stream und gepackte Gewichte frei
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.layer.Close()
	return s.stream.Close()
}

// GenerateRoutes registriert alle Routen
func (s *Server) GenerateRoutes() (http.Handler, error) {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowWildcard = true
	corsConfig.AllowBrowserExtensions = true
	corsConfig.AllowHeaders = []string{
		"Authorization",
		"Content-Type",
		"User-Agent",
		"Accept",
		"X-Requested-With",
	}
	corsConfig.AllowOrigins = envconfig.AllowedOrigins()

	r := gin.Default()
	r.HandleMethodNotAllowed = true
	r.Use(
		cors.New(corsConfig),
		allowedHostsMiddleware(s.addr),
	)

	// General
	r.HEAD("/", func(c *gin.Context) { c.String(http.StatusOK, "sfast is running") })
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "sfast is running") })
	r.HEAD("/api/version", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"version": version.Version}) })
	r.GET("/api/version", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"version": version.Version}) })

	r.GET("/api/device", s.DeviceHandler)
	r.GET("/api/patterns", s.PatternsHandler)

	// Fusionierte Operatoren
	r.POST("/api/fused/conv2d", s.Conv2DHandler)
	r.POST("/api/fused/gemm", s.GEMMHandler)
	r.POST("/api/fused/qlinear", s.QLinearHandler)

	// Graphen
	r.POST("/api/graph/optimize", s.OptimizeHandler)

	return r, nil
}

// statusFor bildet Fehler der Operatoren auf HTTP-Status ab
func statusFor(err error) int {
	switch {
	case errors.Is(err, errtypes.ErrUnsupportedConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, errtypes.ErrDevice), errors.Is(err, errtypes.ErrFusionExecution):
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func abort(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
