package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type ChatBackend string

const (
	ChatBackendOpenAI ChatBackend = "openai"
	ChatBackendGemini ChatBackend = "gemini"
)

type Config struct {
	Addr string

	// Postgres connection string. Required.
	DatabaseURL string

	// Provider credentials and endpoints.
	OpenAIAPIKey  string
	OpenAIBaseURL string
	GeminiAPIKey  string

	// Which completion backend answers voice turns.
	ChatBackend ChatBackend

	STTModel  string
	ChatModel string
	TTSModel  string
	TTSVoice  string
	TTSFormat string

	// Base URL for the retrieval microservice; empty disables retrieval.
	RetrievalBaseURL string

	// Voice session lifecycle.
	SessionIdleTimeout time.Duration
	SweepInterval      time.Duration
	HistoryLimit       int

	// Live WebSocket tunables.
	WSReadLimitBytes      int64
	WSReadTimeout         time.Duration
	WSWriteTimeout        time.Duration
	WSPingInterval        time.Duration
	WSHandshakeTimeout    time.Duration
	TurnTimeout           time.Duration
	MaxAudioResponseBytes int64
	OutboundQueueSize     int

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration

	MetricsNamespace string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                  envOr("VOXGATE_ADDR", ":8080"),
		DatabaseURL:           envOr("VOXGATE_DATABASE_URL", ""),
		OpenAIAPIKey:          envOr("VOXGATE_OPENAI_API_KEY", ""),
		OpenAIBaseURL:         envOr("VOXGATE_OPENAI_BASE_URL", ""),
		GeminiAPIKey:          envOr("VOXGATE_GEMINI_API_KEY", ""),
		ChatBackend:           ChatBackend(envOr("VOXGATE_CHAT_BACKEND", string(ChatBackendOpenAI))),
		STTModel:              envOr("VOXGATE_STT_MODEL", "whisper-1"),
		ChatModel:             envOr("VOXGATE_CHAT_MODEL", ""),
		TTSModel:              envOr("VOXGATE_TTS_MODEL", "tts-1"),
		TTSVoice:              envOr("VOXGATE_TTS_VOICE", "alloy"),
		TTSFormat:             envOr("VOXGATE_TTS_FORMAT", "mp3"),
		RetrievalBaseURL:      envOr("VOXGATE_RETRIEVAL_BASE_URL", ""),
		SessionIdleTimeout:    envDurationOr("VOXGATE_SESSION_IDLE_TIMEOUT", 30*time.Minute),
		SweepInterval:         envDurationOr("VOXGATE_SWEEP_INTERVAL", 5*time.Minute),
		HistoryLimit:          envIntOr("VOXGATE_HISTORY_LIMIT", 5),
		WSReadLimitBytes:      envInt64Or("VOXGATE_WS_READ_LIMIT_BYTES", 16<<20), // 16 MiB; speech frames carry base64 audio
		WSReadTimeout:         envDurationOr("VOXGATE_WS_READ_TIMEOUT", 0),
		WSWriteTimeout:        envDurationOr("VOXGATE_WS_WRITE_TIMEOUT", 10*time.Second),
		WSPingInterval:        envDurationOr("VOXGATE_WS_PING_INTERVAL", 20*time.Second),
		WSHandshakeTimeout:    envDurationOr("VOXGATE_WS_HANDSHAKE_TIMEOUT", 5*time.Second),
		TurnTimeout:           envDurationOr("VOXGATE_TURN_TIMEOUT", 2*time.Minute),
		MaxAudioResponseBytes: envInt64Or("VOXGATE_MAX_AUDIO_RESPONSE_BYTES", 5<<20), // 5 MiB
		OutboundQueueSize:     envIntOr("VOXGATE_OUTBOUND_QUEUE_SIZE", 64),
		CORSAllowedOrigins:    make(map[string]struct{}),
		ReadHeaderTimeout:     envDurationOr("VOXGATE_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:           envDurationOr("VOXGATE_READ_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod:   envDurationOr("VOXGATE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		MetricsNamespace:      envOr("VOXGATE_METRICS_NAMESPACE", "voxgate"),
	}

	for _, origin := range splitCSV(os.Getenv("VOXGATE_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return Config{}, fmt.Errorf("VOXGATE_DATABASE_URL must be set")
	}

	switch cfg.ChatBackend {
	case ChatBackendOpenAI, ChatBackendGemini:
	default:
		return Config{}, fmt.Errorf("VOXGATE_CHAT_BACKEND must be one of openai|gemini")
	}
	if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
		// STT and TTS always ride on OpenAI, so the key is required either way.
		return Config{}, fmt.Errorf("VOXGATE_OPENAI_API_KEY must be set")
	}
	if cfg.ChatBackend == ChatBackendGemini && strings.TrimSpace(cfg.GeminiAPIKey) == "" {
		return Config{}, fmt.Errorf("VOXGATE_GEMINI_API_KEY must be set when VOXGATE_CHAT_BACKEND=gemini")
	}

	if cfg.SessionIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXGATE_SESSION_IDLE_TIMEOUT must be > 0")
	}
	if cfg.SweepInterval <= 0 {
		return Config{}, fmt.Errorf("VOXGATE_SWEEP_INTERVAL must be > 0")
	}
	if cfg.HistoryLimit <= 0 {
		return Config{}, fmt.Errorf("VOXGATE_HISTORY_LIMIT must be > 0")
	}
	if cfg.WSReadLimitBytes <= 0 {
		return Config{}, fmt.Errorf("VOXGATE_WS_READ_LIMIT_BYTES must be > 0")
	}
	if cfg.WSReadTimeout < 0 {
		return Config{}, fmt.Errorf("VOXGATE_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXGATE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("VOXGATE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXGATE_WS_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.TurnTimeout < 0 {
		return Config{}, fmt.Errorf("VOXGATE_TURN_TIMEOUT must be >= 0")
	}
	if cfg.MaxAudioResponseBytes <= 0 {
		return Config{}, fmt.Errorf("VOXGATE_MAX_AUDIO_RESPONSE_BYTES must be > 0")
	}
	if cfg.OutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("VOXGATE_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXGATE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXGATE_READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VOXGATE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
