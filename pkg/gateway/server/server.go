// Package server assembles the HTTP surface: the voice WebSocket endpoint,
// the chats REST API, health and readiness probes, and Prometheus metrics.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/voxgate/voxgate/pkg/core/chat"
	"github.com/voxgate/voxgate/pkg/core/voice/stt"
	"github.com/voxgate/voxgate/pkg/core/voice/tts"
	"github.com/voxgate/voxgate/pkg/gateway/config"
	"github.com/voxgate/voxgate/pkg/gateway/handlers"
	"github.com/voxgate/voxgate/pkg/gateway/lifecycle"
	"github.com/voxgate/voxgate/pkg/gateway/live/sessions"
	"github.com/voxgate/voxgate/pkg/gateway/metrics"
	"github.com/voxgate/voxgate/pkg/gateway/mw"
	"github.com/voxgate/voxgate/pkg/storage"
)

// Dependencies carries everything the server needs. Store, STT, TTS, and Chat
// are required; the rest default to working implementations.
type Dependencies struct {
	Config    config.Config
	Logger    *slog.Logger
	Store     storage.Store
	STT       stt.Provider
	TTS       tts.Provider
	Chat      chat.Provider
	Retriever chat.Retriever
	Registry  *sessions.Registry
	Metrics   *metrics.Metrics
}

type Server struct {
	cfg       config.Config
	logger    *slog.Logger
	store     storage.Store
	registry  *sessions.Registry
	metrics   *metrics.Metrics
	lifecycle *lifecycle.Lifecycle
	mux       *http.ServeMux
}

func New(deps Dependencies) (*Server, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if deps.STT == nil {
		return nil, fmt.Errorf("stt provider is required")
	}
	if deps.TTS == nil {
		return nil, fmt.Errorf("tts provider is required")
	}
	if deps.Chat == nil {
		return nil, fmt.Errorf("chat provider is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Registry == nil {
		deps.Registry = sessions.NewRegistry(deps.Config.SessionIdleTimeout)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(deps.Config.MetricsNamespace)
	}
	deps.Registry.SetOnSweep(deps.Metrics.RecordSwept)

	s := &Server{
		cfg:       deps.Config,
		logger:    deps.Logger,
		store:     deps.Store,
		registry:  deps.Registry,
		metrics:   deps.Metrics,
		lifecycle: &lifecycle.Lifecycle{},
		mux:       http.NewServeMux(),
	}
	s.routes(deps)
	return s, nil
}

func (s *Server) routes(deps Dependencies) {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Store: s.store, Lifecycle: s.lifecycle})
	s.mux.Handle("/metrics", s.metrics.Handler())

	s.mux.Handle("/ws", handlers.VoiceHandler{
		Config:    s.cfg,
		Logger:    s.logger,
		Store:     s.store,
		STT:       deps.STT,
		TTS:       deps.TTS,
		Chat:      deps.Chat,
		Retriever: deps.Retriever,
		Registry:  s.registry,
		Metrics:   s.metrics,
		Lifecycle: s.lifecycle,
	})

	chats := handlers.ChatsHandler{Store: s.store, Logger: s.logger}
	s.mux.Handle("/v1/chats", chats)
	s.mux.Handle("/v1/chats/", chats)

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.APIVersion(h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// Registry exposes the session registry so the process can run the idle
// sweeper against it.
func (s *Server) Registry() *sessions.Registry {
	return s.registry
}

// SetDraining flips readiness and makes new WebSocket upgrades fail.
func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

// WarnSessionsDraining tells every live session the gateway is going away.
func (s *Server) WarnSessionsDraining() int {
	return s.registry.WarnAll("draining", "Server is shutting down")
}

// WaitSessions blocks until every session has unregistered or ctx expires.
func (s *Server) WaitSessions(ctx context.Context) bool {
	return s.registry.Wait(ctx)
}

// CloseSessions force-closes the connections of any remaining sessions.
func (s *Server) CloseSessions() int {
	return s.registry.CloseAll()
}
