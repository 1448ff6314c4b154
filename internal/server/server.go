// Package server assembles the HTTP surface and manages its lifecycle.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/memkb/memkb/internal/api"
	"github.com/memkb/memkb/internal/config"
	"github.com/memkb/memkb/internal/index"
	"github.com/memkb/memkb/internal/ingest"
	"github.com/memkb/memkb/internal/notify"
	"github.com/memkb/memkb/internal/registry"
)

// Deps are the wired service components the server exposes.
type Deps struct {
	Registry *registry.Registry
	Pipeline *ingest.Pipeline
	Index    *index.Index

	// Hub may be nil when notifications are disabled.
	Hub *notify.Hub
}

// Server is a running HTTP server.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	hub        *notify.Hub
}

// Addr returns the bound address, useful with port 0 in tests.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Shutdown drains in-flight requests and stops the notification hub.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Stop()
	}
	return s.httpServer.Shutdown(ctx)
}

// Start binds the listener and begins serving in a background goroutine.
// The caller owns shutdown via the returned Server.
func Start(ctx context.Context, cfg *config.Config, deps Deps) (*Server, error) {
	handlers := api.NewHandlers(deps.Registry, deps.Pipeline, deps.Index)

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("/api/memory/collection/create", postOnly(handlers.CreateCollection))
	apiMux.HandleFunc("/api/memory/messages/add", postOnly(handlers.AddMessages))
	apiMux.HandleFunc("/api/memory/search", postOnly(handlers.Search))

	rateLimiter := api.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)
	var apiHandler http.Handler = apiMux
	apiHandler = api.RequireAuth(apiHandler, &cfg.Security)
	apiHandler = api.RateLimit(apiHandler, rateLimiter)

	mux := http.NewServeMux()
	mux.Handle("/api/", apiHandler)
	health := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
	// The longer pattern takes precedence over /api/, so health checks skip
	// auth and rate limiting.
	mux.HandleFunc("/api/health", health)
	mux.HandleFunc("/healthz", health)

	if cfg.Server.EnableNotify && deps.Hub != nil {
		go deps.Hub.Run()
		mux.Handle("/ws", deps.Hub)
	}

	var root http.Handler = mux
	root = api.Logging(root)
	root = api.RequestID(root)
	root = api.SecurityHeaders(root)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("server: failed to listen on %s: %w", addr, err)
	}

	srv := &Server{
		httpServer: &http.Server{
			Handler:           root,
			ReadHeaderTimeout: 10 * time.Second,
		},
		listener: listener,
		hub:      deps.Hub,
	}

	go func() {
		if err := srv.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("ERROR: server: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("ERROR: server: shutdown: %v", err)
		}
	}()

	log.Printf("listening on %s (engine=%s, security=%s)",
		srv.Addr(), cfg.Storage.Engine, cfg.Security.Mode)
	return srv, nil
}

func postOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}
