// Package api provides the HTTP server shell: gin engine construction,
// request logging middleware and controller registration.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/festion/audit-stream/pkg/config"
	"github.com/festion/audit-stream/pkg/metrics"
)

// APIController is implemented by every route group mounted on the server.
type APIController interface {
	BasePath() string
	Register(rg *gin.RouterGroup) error
	Handlers() []gin.HandlerFunc
}

type Server struct {
	gin    *gin.Engine
	config config.Config
	logger *zap.SugaredLogger
}

func NewServer(log *zap.Logger, cfg config.Config, debug bool) *Server {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(
		ginzap.Ginzap(log, time.RFC3339, true),
		ginzap.RecoveryWithZap(log, true),
	)

	if len(cfg.Server.TrustedProxies) > 0 {
		_ = engine.SetTrustedProxies(cfg.Server.TrustedProxies)
	}

	if debug {
		engine.Use(
			cors.New(cors.Config{
				AllowOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
				AllowMethods: []string{"GET", "POST", "OPTIONS"},
				AllowHeaders: []string{"Origin", "Content-Type"},
				MaxAge:       12 * time.Hour,
			}),
		)
	}

	engine.GET("/metrics", gin.WrapH(metrics.MetricsHandler()))

	return &Server{
		gin:    engine,
		config: cfg,
		logger: log.Sugar(),
	}
}

// RegisterAll mounts the given controllers under their base paths.
func (s *Server) RegisterAll(controllers []APIController) error {
	for _, c := range controllers {
		rg := s.gin.Group(c.BasePath(), c.Handlers()...)
		if err := c.Register(rg); err != nil {
			return err
		}
	}
	return nil
}

// Engine exposes the underlying gin engine for tests.
func (s *Server) Engine() *gin.Engine { return s.gin }

// Run serves until ctx is cancelled, then drains with a bounded shutdown
// so timers and connections are released cleanly.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Server.ListenAddress,
		Handler:           s.gin,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.config.Server.TLSCertFile != "" && s.config.Server.TLSKeyFile != "" {
			err = srv.ListenAndServeTLS(s.config.Server.TLSCertFile, s.config.Server.TLSKeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Infow("Shutting down HTTP server")
	return srv.Shutdown(shutdownCtx)
}
