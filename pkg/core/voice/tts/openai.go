package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// DefaultBaseURL is the default OpenAI API endpoint.
const DefaultBaseURL = "https://api.openai.com/v1"

const (
	defaultModel = "tts-1"
	defaultVoice = "alloy"

	// streamChunkBytes is the read size used when relaying the synthesis body.
	streamChunkBytes = 32 * 1024
)

// OpenAIProvider implements the TTS Provider interface using OpenAI's audio
// speech API.
type OpenAIProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewOpenAI creates a new OpenAI TTS provider.
func NewOpenAI(apiKey string) *OpenAIProvider {
	return NewOpenAIWithClient(apiKey, &http.Client{})
}

// NewOpenAIWithClient creates a new OpenAI TTS provider with a custom HTTP client.
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

type speechRequest struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	ResponseFormat string  `json:"response_format,omitempty"`
	Speed          float64 `json:"speed,omitempty"`
}

// SynthesizeStream converts text to streaming audio. The returned stream
// yields the response body in chunks as it arrives; closing the stream aborts
// the transfer.
func (p *OpenAIProvider) SynthesizeStream(ctx context.Context, text string, opts SynthesizeOptions) (*SynthesisStream, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("text is empty")
	}

	reqBody := speechRequest{
		Model: opts.Model,
		Input: text,
		Voice: opts.Voice,
	}
	if reqBody.Model == "" {
		reqBody.Model = defaultModel
	}
	if reqBody.Voice == "" {
		reqBody.Voice = defaultVoice
	}
	if opts.Format != "" {
		reqBody.ResponseFormat = opts.Format
	}
	if opts.Speed != 0 {
		reqBody.Speed = opts.Speed
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("openai speech error %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
	}

	stream := NewSynthesisStream()
	go func() {
		defer resp.Body.Close()
		defer stream.FinishSending()
		buf := make([]byte, streamChunkBytes)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				if !stream.Send(chunk) {
					return
				}
			}
			if readErr == io.EOF {
				return
			}
			if readErr != nil {
				stream.SetError(fmt.Errorf("read speech stream: %w", readErr))
				return
			}
		}
	}()
	return stream, nil
}
