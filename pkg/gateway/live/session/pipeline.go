package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"strings"

	"github.com/voxgate/voxgate/pkg/core"
	"github.com/voxgate/voxgate/pkg/core/chat"
	"github.com/voxgate/voxgate/pkg/core/voice/stt"
	"github.com/voxgate/voxgate/pkg/core/voice/tts"
	"github.com/voxgate/voxgate/pkg/gateway/live/protocol"
	"github.com/voxgate/voxgate/pkg/gateway/live/sessions"
	"github.com/voxgate/voxgate/pkg/storage"
)

// Pipeline stages, used for logs and metrics labels.
const (
	stageDecode     = "decode"
	stageTranscribe = "transcribe"
	stagePersist    = "persist"
	stageHistory    = "history"
	stageRetrieve   = "retrieve"
	stageComplete   = "complete"
	stageSynthesize = "synthesize"
)

// runPipeline executes one speech turn. Events are emitted strictly in the
// order transcription, ai_response, then speech_response or error; each
// step's output feeds the next, so they cannot reorder.
func (h *Handler) runPipeline(m protocol.ClientSpeech, sess sessions.Session) (stage string, err error) {
	ctx := h.ctx
	if h.cfg.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.TurnTimeout)
		defer cancel()
	}

	if strings.TrimSpace(m.AudioData) == "" {
		return stageDecode, core.NewInvalidRequestErrorWithParam(msgMissingAudioData, "audioData")
	}
	audio, decErr := base64.StdEncoding.DecodeString(m.AudioData)
	if decErr != nil {
		return stageDecode, core.NewInvalidRequestErrorWithParam("Invalid audio data", "audioData")
	}
	h.metrics.RecordAudioBytes("in", len(audio))

	transcript, err := h.stt.Transcribe(ctx, bytes.NewReader(audio), stt.TranscribeOptions{
		Model: h.cfg.STTModel,
	})
	if err != nil {
		return stageTranscribe, core.NewProviderError("transcription", err)
	}
	text := strings.TrimSpace(transcript.Text)

	if err := h.sendJSON(protocol.ServerTranscription{Type: "transcription", Text: text}); err != nil {
		return stageTranscribe, err
	}

	dbType := protocol.ResolveDBType(m.UseDB, m.DB)

	userMsg := &storage.Message{
		UserID:  sess.UserID,
		ChatID:  sess.ChatID,
		Content: text,
		IsBot:   false,
		DBType:  dbType,
	}
	if err := h.store.AppendMessage(ctx, userMsg); err != nil {
		return stagePersist, err
	}

	// Prior turns only: the just-inserted transcript is excluded via beforeID.
	recent, err := h.store.RecentMessages(ctx, sess.ChatID, h.cfg.HistoryLimit, userMsg.ID)
	if err != nil {
		return stageHistory, err
	}
	history := promptHistory(recent)

	var retrieved string
	if m.UseDB && dbType != protocol.DBTypeRegular && h.retriever != nil {
		retrieved, err = h.retriever.Retrieve(ctx, text, dbType)
		if err != nil {
			return stageRetrieve, core.NewProviderError("retrieval", err)
		}
	}

	reply, err := h.chat.Complete(ctx, &chat.Request{
		Text:    text,
		History: history,
		UseWeb:  m.UseWeb,
		Context: retrieved,
		Model:   h.cfg.ChatModel,
	})
	if err != nil {
		return stageComplete, core.NewProviderError("chat", err)
	}

	botMsg := &storage.Message{
		UserID:  sess.UserID,
		ChatID:  sess.ChatID,
		Content: reply,
		IsBot:   true,
		DBType:  dbType,
	}
	if err := h.store.AppendMessage(ctx, botMsg); err != nil {
		return stagePersist, err
	}

	if err := h.sendJSON(protocol.ServerAIResponse{
		Type:        "ai_response",
		UserMessage: wireMessage(userMsg),
		Message:     wireMessage(botMsg),
	}); err != nil {
		return stageComplete, err
	}

	audioOut, err := h.synthesize(ctx, reply)
	if err != nil {
		return stageSynthesize, err
	}
	h.metrics.RecordAudioBytes("out", len(audioOut))

	if err := h.sendJSON(protocol.ServerSpeechResponse{
		Type:      "speech_response",
		AudioData: base64.StdEncoding.EncodeToString(audioOut),
	}); err != nil {
		return stageSynthesize, err
	}
	return "", nil
}

// synthesize streams the reply into a bounded buffer. On overflow the stream
// is aborted and the accumulated bytes are discarded; no partial audio is
// ever returned.
func (h *Handler) synthesize(ctx context.Context, reply string) ([]byte, error) {
	stream, err := h.tts.SynthesizeStream(ctx, reply, tts.SynthesizeOptions{
		Voice:  h.cfg.TTSVoice,
		Format: h.cfg.TTSFormat,
		Model:  h.cfg.TTSModel,
	})
	if err != nil {
		return nil, core.NewProviderError("speech synthesis", err)
	}
	defer stream.Close()

	buf := newBoundedBuffer(h.cfg.MaxAudioResponseBytes)
	for chunk := range stream.Chunks() {
		if _, werr := buf.Write(chunk); werr != nil {
			return nil, core.NewResourceLimitError(msgAudioTooLarge)
		}
	}
	if serr := stream.Err(); serr != nil {
		return nil, core.NewProviderError("speech synthesis", serr)
	}
	return buf.Bytes(), nil
}

func wireMessage(m *storage.Message) protocol.Message {
	return protocol.Message{
		ID:        m.ID,
		UserID:    m.UserID,
		ChatID:    m.ChatID,
		Content:   m.Content,
		IsBot:     m.IsBot,
		DBType:    m.DBType,
		CreatedAt: m.CreatedAt,
	}
}
