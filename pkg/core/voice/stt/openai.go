package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
)

// DefaultBaseURL is the default OpenAI API endpoint.
const DefaultBaseURL = "https://api.openai.com/v1"

const defaultModel = "whisper-1"

// OpenAIProvider implements the STT Provider interface using OpenAI's audio
// transcription API.
type OpenAIProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewOpenAI creates a new OpenAI STT provider.
func NewOpenAI(apiKey string) *OpenAIProvider {
	return NewOpenAIWithClient(apiKey, &http.Client{})
}

// NewOpenAIWithClient creates a new OpenAI STT provider with a custom HTTP client.
func NewOpenAIWithClient(apiKey string, client *http.Client) *OpenAIProvider {
	return &OpenAIProvider{
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		httpClient: client,
	}
}

// SetBaseURL overrides the API endpoint, for tests and proxies.
func (p *OpenAIProvider) SetBaseURL(u string) {
	if strings.TrimSpace(u) != "" {
		p.baseURL = strings.TrimRight(u, "/")
	}
}

// Name returns the provider identifier.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Transcribe converts audio to text.
func (p *OpenAIProvider) Transcribe(ctx context.Context, audio io.Reader, opts TranscribeOptions) (*Transcript, error) {
	audioData, err := io.ReadAll(audio)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	if len(audioData) == 0 {
		return nil, fmt.Errorf("audio is empty")
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	ext := getExtension(opts.Format)
	fw, err := mw.CreateFormFile("file", "audio."+ext)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(audioData); err != nil {
		return nil, fmt.Errorf("write audio data: %w", err)
	}

	model := opts.Model
	if model == "" {
		model = defaultModel
	}
	if err := mw.WriteField("model", model); err != nil {
		return nil, fmt.Errorf("write model field: %w", err)
	}
	if opts.Language != "" {
		if err := mw.WriteField("language", opts.Language); err != nil {
			return nil, fmt.Errorf("write language field: %w", err)
		}
	}
	if err := mw.WriteField("response_format", "verbose_json"); err != nil {
		return nil, fmt.Errorf("write response_format field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/audio/transcriptions", &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("openai transcription error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		Text     string  `json:"text"`
		Language string  `json:"language"`
		Duration float64 `json:"duration"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode transcription response: %w", err)
	}

	return &Transcript{
		Text:     strings.TrimSpace(decoded.Text),
		Language: decoded.Language,
		Duration: decoded.Duration,
	}, nil
}

func getExtension(format string) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "mp3":
		return "mp3"
	case "webm":
		return "webm"
	case "ogg":
		return "ogg"
	case "flac":
		return "flac"
	case "m4a":
		return "m4a"
	case "", "wav", "pcm":
		return "wav"
	default:
		return "wav"
	}
}
