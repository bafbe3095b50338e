package chat

import (
	"testing"

	"google.golang.org/genai"
)

func TestGeminiContents_RolesAndOrder(t *testing.T) {
	req := &Request{
		Text: "what about tomorrow?",
		History: []Message{
			{Role: RoleUser, Content: "weather today?"},
			{Role: RoleAssistant, Content: "Sunny and mild."},
		},
	}

	contents := geminiContents(req)
	if len(contents) != 3 {
		t.Fatalf("got %d contents, want 3", len(contents))
	}

	if contents[0].Role != genai.RoleUser || contents[1].Role != genai.RoleModel || contents[2].Role != genai.RoleUser {
		t.Errorf("roles = %q, %q, %q", contents[0].Role, contents[1].Role, contents[2].Role)
	}
	wantText := []string{"weather today?", "Sunny and mild.", "what about tomorrow?"}
	for i, c := range contents {
		if len(c.Parts) != 1 || c.Parts[0].Text != wantText[i] {
			t.Errorf("contents[%d] text = %+v, want %q", i, c.Parts, wantText[i])
		}
	}
}

func TestGeminiConfig(t *testing.T) {
	plain := geminiConfig(&Request{Text: "hi"})
	if plain.SystemInstruction == nil || len(plain.SystemInstruction.Parts) != 1 {
		t.Fatal("missing system instruction")
	}
	if plain.SystemInstruction.Parts[0].Text != systemPrompt {
		t.Errorf("system instruction = %q", plain.SystemInstruction.Parts[0].Text)
	}
	if len(plain.Tools) != 0 {
		t.Errorf("got %d tools, want none", len(plain.Tools))
	}

	web := geminiConfig(&Request{Text: "hi", UseWeb: true})
	if len(web.Tools) != 1 || web.Tools[0].GoogleSearch == nil {
		t.Error("web search tool not enabled")
	}

	grounded := geminiConfig(&Request{Text: "hi", Context: "doc text"})
	if got := grounded.SystemInstruction.Parts[0].Text; got == systemPrompt {
		t.Error("retrieved context not folded into system instruction")
	}
}
