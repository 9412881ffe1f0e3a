// Package control is the HTTP control plane: health and readiness,
// prometheus metrics, diagnostics (polled and streamed over websocket), a
// console command bridge and the static web UI.
package control

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/wisund/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// DiagFunc returns a JSON-encodable diagnostics snapshot.
type DiagFunc func() any

type Options struct {
	Name        string
	Version     string
	Addr        string
	ConsoleAddr string
	WebRoot     string
	CORSOrigins []string

	// Token, when set, is required by /tool and /ws.
	Token string

	ToolTimeout  time.Duration
	DiagInterval time.Duration

	Diag  DiagFunc
	Ready func() bool
}

func DefaultOptions() Options {
	return Options{
		Name:         "wisund",
		Version:      "dev",
		Addr:         ":8000",
		ConsoleAddr:  "127.0.0.1:5555",
		ToolTimeout:  300 * time.Millisecond,
		DiagInterval: time.Second,
	}
}

type Server struct {
	opts     Options
	router   *gin.Engine
	upgrader websocket.Upgrader
	started  time.Time
}

func New(opts Options) *Server {
	def := DefaultOptions()
	if opts.Name == "" {
		opts.Name = def.Name
	}
	if opts.Version == "" {
		opts.Version = def.Version
	}
	if opts.ToolTimeout <= 0 {
		opts.ToolTimeout = def.ToolTimeout
	}
	if opts.DiagInterval <= 0 {
		opts.DiagInterval = def.DiagInterval
	}
	if opts.Diag == nil {
		opts.Diag = ProbeDiag(opts.ConsoleAddr, opts.ToolTimeout)
	}

	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(observability.ComponentLogger(opts.Name, "http")))
	r.Use(observability.RequestMetricsMiddleware(opts.Name))
	r.Use(cors.New(corsConfig(opts.CORSOrigins)))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		opts:    opts,
		router:  r,
		started: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.registerRoutes()
	return s
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

// Serve listens on opts.Addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Msgf("control.Server.Serve listening addr=%q", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// corsConfig allows any origin unless origins are listed explicitly.
func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}
