package session

import (
	"strings"

	"github.com/voxgate/voxgate/pkg/core/chat"
	"github.com/voxgate/voxgate/pkg/storage"
)

// citationMarker separates the spoken reply from appended citation sections.
// Bot history is cut there before being re-fed as context.
const citationMarker = "###"

// promptHistory converts stored messages into completion history, oldest
// first. Input is newest-first as returned by the store. Bot entries are
// truncated at the citation marker and have runs of whitespace collapsed to
// single spaces; user entries are kept verbatim.
func promptHistory(msgs []storage.Message) []chat.Message {
	out := make([]chat.Message, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		content := m.Content
		role := chat.RoleUser
		if m.IsBot {
			role = chat.RoleAssistant
			if idx := strings.Index(content, citationMarker); idx >= 0 {
				content = content[:idx]
			}
			content = strings.Join(strings.Fields(content), " ")
		}
		if strings.TrimSpace(content) == "" {
			continue
		}
		out = append(out, chat.Message{Role: role, Content: content})
	}
	return out
}
