// Package server is the HTTP boundary: JWT-authenticated chat streaming
// over SSE and websocket, approval resolution, transcript reads, health
// and metrics endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/voltmark/marketflow/config"
	"github.com/voltmark/marketflow/pipeline"
)

// Server hosts the marketflow HTTP API.
type Server struct {
	cfg    config.ServerConfig
	http   *http.Server
	logger *zap.Logger
}

// New assembles the router and the HTTP server.
func New(cfg config.ServerConfig, authCfg config.AuthConfig, p *pipeline.Pipeline, transcript Transcript, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "http_server"))

	chat := NewChatHandler(p, transcript, logger)
	approval := NewApprovalHandler(p.Coordinator(), logger)
	auth := authMiddleware(authCfg, logger)

	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/chat", auth(http.HandlerFunc(chat.HandleChat)))
	mux.Handle("GET /api/v1/chat/ws", auth(http.HandlerFunc(chat.HandleChatWS)))
	mux.Handle("POST /api/v1/approval", auth(http.HandlerFunc(approval.HandleApproval)))
	mux.Handle("GET /api/v1/conversations", auth(http.HandlerFunc(chat.HandleConversations)))
	mux.Handle("GET /api/v1/conversations/{id}/messages", auth(http.HandlerFunc(chat.HandleMessages)))
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", handleHealth)

	return &Server{
		cfg: cfg,
		http: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
			Handler:      mux,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		logger: logger,
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Run serves until ctx is cancelled, then drains connections within the
// shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("http server listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		s.logger.Info("shutting down http server")
		return s.http.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}
