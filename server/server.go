// Package server exposes the knowledge bases over HTTP: listing, KB
// details, and chat. Acquisition and digestion stay on the CLI.
package server

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/changtimwu/you-kb/config"
	"github.com/changtimwu/you-kb/core"
	"github.com/changtimwu/you-kb/storage"
)

// ChatEngine is the slice of the retrieval engine the server needs.
type ChatEngine interface {
	Chat(ctx context.Context, kbName, question string, topK int) (core.QueryResult, error)
}

type Server struct {
	store       storage.VectorStore
	engine      ChatEngine
	log         *zap.SugaredLogger
	addr        string
	defaultTopK int
	mux         *http.ServeMux
}

func New(cfg *config.Config, store storage.VectorStore, engine ChatEngine, log *zap.SugaredLogger) *Server {
	s := &Server{
		store:       store,
		engine:      engine,
		log:         log,
		addr:        cfg.ServeAddr,
		defaultTopK: cfg.TopK,
		mux:         http.NewServeMux(),
	}
	s.mux.HandleFunc("/api/v1/kbs", s.kbsHandler)
	s.mux.HandleFunc("/api/v1/kbs/", s.kbInfoHandler)
	s.mux.HandleFunc("/api/v1/chat", s.chatHandler)
	s.mux.HandleFunc("/health", s.healthHandler)
	return s
}

// Handler exposes the route table; tests drive it through httptest.
func (s *Server) Handler() http.Handler { return s.mux }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Infof("listening on %s", s.addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
