package memory

import (
	"fmt"
	"strings"

	"github.com/aixgo-dev/chatengine/pkg/chat"
)

// ContextBlock groups retrieved entries from one source.
type ContextBlock struct {
	Source string
	Items  []Retrieved
}

// PromptContext is the memory handed to the model for one generation:
// the short-term window, oldest first, followed by retrieved blocks.
type PromptContext struct {
	Window []chat.MemoryEntry
	Blocks []ContextBlock
}

func (p *PromptContext) addBlock(source string, items []Retrieved) {
	if len(items) == 0 {
		return
	}
	p.Blocks = append(p.Blocks, ContextBlock{Source: source, Items: items})
}

// HasRetrieved reports whether any block carries entries.
func (p PromptContext) HasRetrieved() bool {
	return len(p.Blocks) > 0
}

// RenderRetrieved formats the retrieved blocks as labeled plain text.
func (p PromptContext) RenderRetrieved() string {
	if len(p.Blocks) == 0 {
		return ""
	}

	var b strings.Builder
	for i, block := range p.Blocks {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "=== RELEVANT CONTEXT: %s ===\n", block.Source)
		for _, item := range block.Items {
			if item.Role != "" {
				fmt.Fprintf(&b, "- [%s] %s (relevance %.2f)\n", item.Role, item.Text, item.Score)
			} else {
				fmt.Fprintf(&b, "- %s (relevance %.2f)\n", item.Text, item.Score)
			}
		}
	}
	return b.String()
}
