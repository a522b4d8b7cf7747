package agent

import (
	"fmt"
	"strings"

	"github.com/guildhall-io/guildhall/internal/rag"
)

// AugmentSystemPrompt appends retrieved passages to a persona's system
// prompt so the model can ground its answer in them. With no passages
// the prompt is returned unchanged.
func AugmentSystemPrompt(base string, passages []rag.Passage) string {
	if len(passages) == 0 {
		return base
	}

	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\nRelevant knowledge base context:\n")
	for i, p := range passages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%s]: %s", p.SourceType, p.Content)
	}

	return b.String()
}

// LastUserMessage returns the most recent user turn, which drives
// retrieval for the recommendation persona.
func LastUserMessage(messages []Message) (Message, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i], true
		}
	}
	return Message{}, false
}
