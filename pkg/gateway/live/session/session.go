// Package session implements the per-connection voice protocol loop: an auth
// gate followed by speech turns that run transcription, chat completion,
// persistence, and speech synthesis.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/voxgate/voxgate/pkg/core"
	"github.com/voxgate/voxgate/pkg/core/chat"
	"github.com/voxgate/voxgate/pkg/core/voice/stt"
	"github.com/voxgate/voxgate/pkg/core/voice/tts"
	"github.com/voxgate/voxgate/pkg/gateway/live/protocol"
	"github.com/voxgate/voxgate/pkg/gateway/live/sessions"
	"github.com/voxgate/voxgate/pkg/gateway/metrics"
	"github.com/voxgate/voxgate/pkg/storage"
)

const (
	msgAuthenticateFirst = "Authenticate first"
	msgMissingAudioData  = "Missing audio data"
	msgAudioTooLarge     = "Audio response too large to handle safely"
	msgSpeechInFlight    = "A speech message is already being processed"
)

type wsConn interface {
	wsWriter
	ReadMessage() (int, []byte, error)
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// Config carries the tunables for one connection's loop.
type Config struct {
	ReadLimitBytes        int64
	ReadTimeout           time.Duration
	WriteTimeout          time.Duration
	PingInterval          time.Duration
	TurnTimeout           time.Duration
	HistoryLimit          int
	MaxAudioResponseBytes int64
	OutboundQueueSize     int

	STTModel  string
	ChatModel string
	TTSModel  string
	TTSVoice  string
	TTSFormat string
}

// Dependencies wires one connection's collaborators.
type Dependencies struct {
	Conn      wsConn
	Logger    *slog.Logger
	Store     storage.Store
	STT       stt.Provider
	TTS       tts.Provider
	Chat      chat.Provider
	Retriever chat.Retriever
	Registry  *sessions.Registry
	Metrics   *metrics.Metrics
	RequestID string
	Config    Config
	Now       func() time.Time
}

// Handler runs the message loop for a single connection.
type Handler struct {
	conn      wsConn
	logger    *slog.Logger
	store     storage.Store
	stt       stt.Provider
	tts       tts.Provider
	chat      chat.Provider
	retriever chat.Retriever
	registry  *sessions.Registry
	metrics   *metrics.Metrics
	requestID string
	cfg       Config
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	outbound chan []byte

	authed     bool
	sess       sessions.Session
	unregister func()

	busy       atomic.Bool
	pipelineWG sync.WaitGroup
}

// New validates dependencies and builds a connection handler.
func New(deps Dependencies) (*Handler, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
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
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Config.HistoryLimit <= 0 {
		deps.Config.HistoryLimit = 5
	}
	if deps.Config.MaxAudioResponseBytes <= 0 {
		deps.Config.MaxAudioResponseBytes = 5 << 20
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 64
	}
	if deps.Config.TurnTimeout <= 0 {
		deps.Config.TurnTimeout = 2 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		conn:      deps.Conn,
		logger:    deps.Logger,
		store:     deps.Store,
		stt:       deps.STT,
		tts:       deps.TTS,
		chat:      deps.Chat,
		retriever: deps.Retriever,
		registry:  deps.Registry,
		metrics:   deps.Metrics,
		requestID: deps.RequestID,
		cfg:       deps.Config,
		now:       deps.Now,
		ctx:       ctx,
		cancel:    cancel,
		outbound:  make(chan []byte, deps.Config.OutboundQueueSize),
	}, nil
}

// Run drives the connection until the transport closes. The returned error is
// nil for all client-initiated closes.
func (h *Handler) Run() error {
	defer h.cancel()
	defer h.pipelineWG.Wait()
	defer h.teardown()

	if h.cfg.ReadLimitBytes > 0 {
		h.conn.SetReadLimit(h.cfg.ReadLimitBytes)
	}
	if h.cfg.ReadTimeout > 0 {
		_ = h.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
		h.conn.SetPongHandler(func(string) error {
			return h.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
		})
	}

	writerErrCh := make(chan error, 1)
	go func() {
		w := outboundWriter{
			ws:     h.conn,
			ctx:    h.ctx,
			cfg:    h.cfg,
			frames: h.outbound,
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()

	flushAndClose := func() error {
		h.cancel()
		wait := 200 * time.Millisecond
		if h.cfg.WriteTimeout > 0 && h.cfg.WriteTimeout < wait {
			wait = h.cfg.WriteTimeout
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-writerErrCh:
		case <-timer.C:
		}
		return nil
	}

	if err := h.sendJSON(protocol.ServerConnected{Type: "connected"}); err != nil {
		return nil
	}

	for {
		if h.cfg.ReadTimeout > 0 {
			_ = h.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
		}
		messageType, data, err := h.conn.ReadMessage()
		if err != nil {
			return nil
		}
		if messageType != websocket.TextMessage {
			if !h.authed {
				h.sendError("unauthenticated", msgAuthenticateFirst)
				return flushAndClose()
			}
			h.sendError("bad_request", "only JSON text frames are supported")
			continue
		}

		msg, decErr := protocol.DecodeClientMessage(data)
		if decErr != nil {
			code := "bad_request"
			var de *protocol.DecodeError
			if errors.As(decErr, &de) {
				code = de.Code
			}
			if !h.authed {
				// A malformed auth attempt is recoverable; the client may fix
				// the payload and retry. Anything else before auth is a
				// protocol violation.
				if de != nil && de.Frame == "auth" {
					h.sendError(code, decErr.Error())
					continue
				}
				h.sendError("unauthenticated", msgAuthenticateFirst)
				return flushAndClose()
			}
			h.sendError(code, decErr.Error())
			continue
		}

		switch m := msg.(type) {
		case protocol.ClientAuth:
			h.handleAuth(m)
		case protocol.ClientSpeech:
			if !h.authed {
				h.sendError("unauthenticated", msgAuthenticateFirst)
				return flushAndClose()
			}
			sess, ok := h.registry.Touch(h.conn)
			if !ok {
				// Evicted by the sweeper since the last message.
				h.sendError("unauthenticated", msgAuthenticateFirst)
				return flushAndClose()
			}
			if !h.busy.CompareAndSwap(false, true) {
				h.sendError("busy", msgSpeechInFlight)
				continue
			}
			h.pipelineWG.Add(1)
			go func(m protocol.ClientSpeech, sess sessions.Session) {
				defer h.pipelineWG.Done()
				defer h.busy.Store(false)
				h.handleSpeech(m, sess)
			}(m, sess)
		}
	}
}

func (h *Handler) teardown() {
	if h.unregister != nil {
		h.unregister()
		h.unregister = nil
	}
	if h.authed {
		h.metrics.RecordSessionEnd("closed")
	}
}

// handleAuth validates the chat binding and registers the session. Failures
// are recoverable: the connection stays open, still unauthenticated.
func (h *Handler) handleAuth(m protocol.ClientAuth) {
	chatID := *m.ChatID
	c, err := h.store.GetChat(h.ctx, chatID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.sendError("not_found", "Chat not found")
			return
		}
		h.logger.Error("auth chat lookup failed", "error", err, "chat_id", chatID)
		h.sendError("api_error", "Could not verify chat")
		return
	}
	if c.UserID != m.UserID.String() {
		h.sendError("forbidden", "Chat does not belong to this user")
		return
	}

	sess := sessions.Session{
		UserID: m.UserID.String(),
		Email:  strings.TrimSpace(m.Email),
		ChatID: chatID,
	}

	wasAuthed := h.authed
	if h.unregister != nil {
		h.unregister()
	}
	h.unregister = h.registry.Register(h.conn, sess, sessions.Handle{
		Warn: func(code, message string) error {
			return h.sendJSON(protocol.ServerError{Type: "error", Code: code, Message: message})
		},
	})
	h.sess = sess
	h.authed = true
	if !wasAuthed {
		h.metrics.RecordSessionStart()
	}

	h.logger.Info("voice session authenticated",
		"request_id", h.requestID,
		"user_id", sess.UserID,
		"chat_id", sess.ChatID,
	)
	h.sendJSON(protocol.ServerAuthSuccess{Type: "auth_success"})
}

// handleSpeech runs one speech turn and reports its outcome. Every failure
// path yields exactly one error event; the session stays open.
func (h *Handler) handleSpeech(m protocol.ClientSpeech, sess sessions.Session) {
	start := h.now()
	stage, err := h.runPipeline(m, sess)
	if err != nil {
		if h.ctx.Err() != nil {
			// Connection is gone; nobody is listening for the error event.
			return
		}
		h.logger.Error("speech pipeline failed",
			"request_id", h.requestID,
			"user_id", sess.UserID,
			"chat_id", sess.ChatID,
			"stage", stage,
			"error", err,
		)
		h.metrics.RecordPipelineError(stage)
		h.metrics.RecordTurn("error", h.now().Sub(start))
		code, message := errorEvent(err)
		h.sendError(code, message)
		return
	}
	h.metrics.RecordTurn("ok", h.now().Sub(start))
}

func (h *Handler) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case h.outbound <- data:
		return nil
	case <-h.ctx.Done():
		return h.ctx.Err()
	}
}

func (h *Handler) sendError(code, message string) {
	_ = h.sendJSON(protocol.ServerError{Type: "error", Code: code, Message: message})
}

// errorEvent maps a pipeline error to the code and free-text message of its
// error event.
func errorEvent(err error) (code, message string) {
	var cerr *core.Error
	if errors.As(err, &cerr) {
		code = cerr.Code
		if code == "" {
			switch cerr.Type {
			case core.ErrInvalidRequest:
				code = "bad_request"
			case core.ErrAuthentication:
				code = "unauthenticated"
			case core.ErrNotFound:
				code = "not_found"
			case core.ErrResourceLimit:
				code = "resource_limit"
			case core.ErrProvider:
				code = "provider_error"
			default:
				code = "api_error"
			}
		}
		return code, cerr.Message
	}
	message = strings.TrimSpace(err.Error())
	if message == "" {
		message = "Internal error"
	}
	return "api_error", message
}
