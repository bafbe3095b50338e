package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/voxgate/voxgate/pkg/core"
	"github.com/voxgate/voxgate/pkg/core/chat"
	"github.com/voxgate/voxgate/pkg/core/voice/stt"
	"github.com/voxgate/voxgate/pkg/core/voice/tts"
	"github.com/voxgate/voxgate/pkg/gateway/config"
	"github.com/voxgate/voxgate/pkg/gateway/lifecycle"
	"github.com/voxgate/voxgate/pkg/gateway/live/session"
	"github.com/voxgate/voxgate/pkg/gateway/live/sessions"
	"github.com/voxgate/voxgate/pkg/gateway/metrics"
	"github.com/voxgate/voxgate/pkg/storage"
)

// VoiceHandler upgrades /ws requests and runs the per-connection voice
// session loop until the peer goes away.
type VoiceHandler struct {
	Config    config.Config
	Logger    *slog.Logger
	Store     storage.Store
	STT       stt.Provider
	TTS       tts.Provider
	Chat      chat.Provider
	Retriever chat.Retriever
	Registry  *sessions.Registry
	Metrics   *metrics.Metrics
	Lifecycle *lifecycle.Lifecycle
}

func (h VoiceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())

	if r.Method != http.MethodGet {
		writeCoreErrorJSON(w, reqID, &core.Error{
			Type:    core.ErrInvalidRequest,
			Message: "method not allowed",
			Code:    "method_not_allowed",
		}, http.StatusMethodNotAllowed)
		return
	}
	if h.Lifecycle.IsDraining() {
		writeCoreErrorJSON(w, reqID, &core.Error{
			Type:    core.ErrAPI,
			Message: "gateway is draining",
			Code:    "draining",
		}, http.StatusServiceUnavailable)
		return
	}
	if !h.originAllowed(r) {
		writeCoreErrorJSON(w, reqID, &core.Error{
			Type:    core.ErrAuthentication,
			Message: "origin is not allowed",
			Param:   "Origin",
		}, http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{
		HandshakeTimeout: h.Config.WSHandshakeTimeout,
		CheckOrigin:      func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		return
	}
	defer conn.Close()

	s, err := session.New(session.Dependencies{
		Conn:      conn,
		Logger:    h.Logger,
		Store:     h.Store,
		STT:       h.STT,
		TTS:       h.TTS,
		Chat:      h.Chat,
		Retriever: h.Retriever,
		Registry:  h.Registry,
		Metrics:   h.Metrics,
		RequestID: reqID,
		Config: session.Config{
			ReadLimitBytes:        h.Config.WSReadLimitBytes,
			ReadTimeout:           h.Config.WSReadTimeout,
			WriteTimeout:          h.Config.WSWriteTimeout,
			PingInterval:          h.Config.WSPingInterval,
			TurnTimeout:           h.Config.TurnTimeout,
			HistoryLimit:          h.Config.HistoryLimit,
			MaxAudioResponseBytes: h.Config.MaxAudioResponseBytes,
			OutboundQueueSize:     h.Config.OutboundQueueSize,
			STTModel:              h.Config.STTModel,
			ChatModel:             h.Config.ChatModel,
			TTSModel:              h.Config.TTSModel,
			TTSVoice:              h.Config.TTSVoice,
			TTSFormat:             h.Config.TTSFormat,
		},
	})
	if err != nil {
		if h.Logger != nil {
			h.Logger.Error("failed to initialize voice session", "request_id", reqID, "error", err)
		}
		return
	}

	if err := s.Run(); err != nil {
		if h.Logger != nil {
			h.Logger.Warn("voice session ended with error", "request_id", reqID, "error", err)
		}
	}
}

func (h VoiceHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if len(h.Config.CORSAllowedOrigins) == 0 {
		return false
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}
