package control

import (
	"errors"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/danmuck/wisund/internal/auth"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

func (s *Server) registerRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"service": s.opts.Name,
			"version": s.opts.Version,
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		ready := s.opts.Ready == nil || s.opts.Ready()
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":   ready,
			"uptime":  time.Since(s.started).String(),
			"service": s.opts.Name,
			"version": s.opts.Version,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/get_diag", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.opts.Diag())
	})

	guarded := r.Group("/")
	if s.opts.Token != "" {
		guarded.Use(auth.RequireToken(auth.StaticToken(s.opts.Token)))
	}
	guarded.GET("/tool", s.handleTool)
	guarded.GET("/ws", s.handleWS)

	if s.opts.WebRoot != "" {
		files := http.FileServer(noListingFS{http.Dir(s.opts.WebRoot)})
		r.NoRoute(func(c *gin.Context) {
			if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
				c.Status(http.StatusNotFound)
				return
			}
			files.ServeHTTP(c.Writer, c.Request)
		})
	}
}

// handleTool forwards one console command and answers with its reply line.
func (s *Server) handleTool(c *gin.Context) {
	cmd := strings.TrimSpace(c.Query("cmd"))
	if cmd == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing cmd"})
		return
	}
	reply, err := ToolCall(c.Request.Context(), s.opts.ConsoleAddr, cmd, s.opts.ToolTimeout)
	if errors.Is(err, ErrConsoleBusy) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		log.Warn().Msgf("control.Server.tool failed cmd=%q err=%v", cmd, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.String(http.StatusOK, reply)
}

// handleWS pushes a diagnostics snapshot every DiagInterval until the
// client goes away.
func (s *Server) handleWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Msgf("control.Server.ws upgrade failed err=%v", err)
		return
	}
	defer conn.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.opts.DiagInterval)
	defer ticker.Stop()
	for {
		_ = conn.SetWriteDeadline(time.Now().Add(s.opts.DiagInterval + time.Second))
		if err := conn.WriteJSON(s.opts.Diag()); err != nil {
			log.Debug().Msgf("control.Server.ws write ended err=%v", err)
			return
		}
		select {
		case <-gone:
			return
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// noListingFS serves files and directory index pages but never directory
// listings.
type noListingFS struct {
	fs http.FileSystem
}

func (n noListingFS) Open(name string) (http.File, error) {
	f, err := n.fs.Open(name)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if st.IsDir() {
		index, err := n.fs.Open(path.Join(name, "index.html"))
		if err != nil {
			_ = f.Close()
			return nil, os.ErrNotExist
		}
		_ = index.Close()
	}
	return f, nil
}
