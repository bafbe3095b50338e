package chat

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.0-flash"

// GeminiProvider implements Provider using the Gemini API.
type GeminiProvider struct {
	client *genai.Client
	model  string
}

// NewGemini creates a new Gemini chat provider.
func NewGemini(ctx context.Context, apiKey string) (*GeminiProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiProvider{client: client, model: defaultGeminiModel}, nil
}

// SetModel overrides the default model.
func (p *GeminiProvider) SetModel(model string) {
	if strings.TrimSpace(model) != "" {
		p.model = model
	}
}

// Name returns the provider identifier.
func (p *GeminiProvider) Name() string {
	return "gemini"
}

// Complete returns the assistant reply for the request.
func (p *GeminiProvider) Complete(ctx context.Context, req *Request) (string, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	resp, err := p.client.Models.GenerateContent(ctx, model, geminiContents(req), geminiConfig(req))
	if err != nil {
		return "", fmt.Errorf("gemini request: %w", err)
	}

	reply := strings.TrimSpace(resp.Text())
	if reply == "" {
		return "", fmt.Errorf("gemini chat: empty reply")
	}
	return reply, nil
}

func geminiConfig(req *Request) *genai.GenerateContentConfig {
	system := systemPrompt
	if req.Context != "" {
		system += "\n\nUse the following retrieved context to answer when relevant:\n\n" + req.Context
	}
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
	}
	if req.UseWeb {
		config.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}
	return config
}

func geminiContents(req *Request) []*genai.Content {
	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, m := range req.History {
		role := genai.Role(genai.RoleUser)
		if m.Role == RoleAssistant {
			role = genai.Role(genai.RoleModel)
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	contents = append(contents, genai.NewContentFromText(req.Text, genai.RoleUser))
	return contents
}
