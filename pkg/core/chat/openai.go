package chat

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

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIProvider implements Provider using OpenAI's chat completions API.
type OpenAIProvider struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOpenAI creates a new OpenAI chat provider.
func NewOpenAI(apiKey string) *OpenAIProvider {
	return NewOpenAIWithClient(apiKey, &http.Client{})
}

// NewOpenAIWithClient creates a new OpenAI chat provider with a custom HTTP client.
func NewOpenAIWithClient(apiKey string, client *http.Client) *OpenAIProvider {
	return &OpenAIProvider{
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		model:      defaultOpenAIModel,
		httpClient: client,
	}
}

// SetBaseURL overrides the API endpoint, for tests and proxies.
func (p *OpenAIProvider) SetBaseURL(u string) {
	if strings.TrimSpace(u) != "" {
		p.baseURL = strings.TrimRight(u, "/")
	}
}

// SetModel overrides the default model.
func (p *OpenAIProvider) SetModel(model string) {
	if strings.TrimSpace(model) != "" {
		p.model = model
	}
}

// Name returns the provider identifier.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type webSearchOptions struct {
	SearchContextSize string `json:"search_context_size,omitempty"`
}

type chatRequest struct {
	Model            string            `json:"model"`
	Messages         []chatMessage     `json:"messages"`
	WebSearchOptions *webSearchOptions `json:"web_search_options,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete returns the assistant reply for the request.
func (p *OpenAIProvider) Complete(ctx context.Context, req *Request) (string, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	apiReq := chatRequest{Model: model}
	for _, m := range buildMessages(req) {
		apiReq.Messages = append(apiReq.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	if req.UseWeb {
		apiReq.WebSearchOptions = &webSearchOptions{}
	}

	body, err := json.Marshal(apiReq)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("openai request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if resp.StatusCode >= 400 {
		if parsed.Error != nil {
			return "", fmt.Errorf("openai chat error %d: %s", resp.StatusCode, parsed.Error.Message)
		}
		return "", fmt.Errorf("openai chat error %d", resp.StatusCode)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("openai chat: empty choices")
	}

	reply := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if reply == "" {
		return "", fmt.Errorf("openai chat: empty reply")
	}
	return reply, nil
}
