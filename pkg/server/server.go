/*
Copyright © 2025 ALESSIO TONIOLO

server.go exposes the gateway over HTTP with gin. Every origin, method and
header is allowed so browser frontends served from anywhere can call it.
*/
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/atoniolo76/dreamgate/pkg/api"
	"github.com/atoniolo76/dreamgate/pkg/config"
	"github.com/atoniolo76/dreamgate/pkg/gateway"
	"github.com/atoniolo76/dreamgate/pkg/logs"
	"github.com/atoniolo76/dreamgate/pkg/monitor"
)

// Options configure the HTTP server
type Options struct {
	ListenAddr       string
	KeepAliveTimeout time.Duration
	Logger           *zap.Logger
	// Monitor may be nil, in which case /api/monitor answers 404
	Monitor *monitor.DB
}

type Server struct {
	gateway *gateway.Gateway
	monitor *monitor.DB
	logger  *zap.Logger
	opts    Options
	engine  *gin.Engine
	started time.Time
}

func New(gw *gateway.Gateway, opts Options) *Server {
	if opts.ListenAddr == "" {
		opts.ListenAddr = config.DefaultListenAddr
	}
	if opts.KeepAliveTimeout <= 0 {
		opts.KeepAliveTimeout = config.DefaultKeepAliveTimeout
	}
	s := &Server{
		gateway: gw,
		monitor: opts.Monitor,
		logger:  logs.OrNop(opts.Logger).Named("http"),
		opts:    opts,
		started: time.Now().UTC(),
	}
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	engine := gin.New()
	engine.Use(
		requestContext(),
		requestLogger(s.logger),
		recovery(s.logger),
		cors.New(cors.Config{
			AllowOriginFunc:  func(string) bool { return true },
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
			AllowHeaders:     []string{"*"},
			ExposeHeaders:    []string{headerRequestID},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}),
		gzip.Gzip(gzip.DefaultCompression),
	)

	engine.GET(api.PathHealth, s.handleHealth)
	engine.POST(api.PathPredict, s.handlePredict)
	engine.GET(api.PathStatus, s.handleStatus)
	engine.GET(api.PathMonitor, s.handleMonitor)
	return engine
}

// Handler is the routed engine, used directly by tests
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Serve accepts connections on l until ctx is cancelled, then drains in-flight
// requests for up to DefaultShutdownTimeout
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: config.DefaultReadHeaderTimeout,
		IdleTimeout:       s.opts.KeepAliveTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http_listening",
			zap.String("addr", l.Addr().String()),
			zap.Duration("keep_alive", s.opts.KeepAliveTimeout),
			zap.String("backend", s.gateway.Backend()),
		)
		errCh <- srv.Serve(l)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("http_shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

// ListenAndServe listens on the configured address and calls Serve
func (s *Server) ListenAndServe(ctx context.Context) error {
	l, err := net.Listen("tcp", s.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.ListenAddr, err)
	}
	return s.Serve(ctx, l)
}
