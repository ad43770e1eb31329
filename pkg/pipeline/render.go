package pipeline

import (
	"strings"

	"github.com/aixgo-dev/chatengine/pkg/chat"
	"github.com/aixgo-dev/chatengine/pkg/llm/provider"
	"github.com/aixgo-dev/chatengine/pkg/memory"
)

// buildMessages renders the prompt: system prompt and retrieved context,
// the short-term window oldest first, then the current message.
func buildMessages(task chat.GenerationTask, pc memory.PromptContext) []provider.Message {
	messages := make([]provider.Message, 0, len(pc.Window)+2)

	var system strings.Builder
	system.WriteString(task.Agent.SystemPrompt)
	if pc.HasRetrieved() {
		if system.Len() > 0 {
			system.WriteString("\n\n")
		}
		system.WriteString(pc.RenderRetrieved())
	}
	if system.Len() > 0 {
		messages = append(messages, provider.Message{Role: string(chat.RoleSystem), Content: system.String()})
	}

	for _, e := range pc.Window {
		messages = append(messages, provider.Message{Role: string(e.Role), Content: e.Text})
	}

	messages = append(messages, provider.Message{Role: string(chat.RoleUser), Content: userContent(task)})
	return messages
}

// userContent is the message text followed by the text of each attachment.
func userContent(task chat.GenerationTask) string {
	if len(task.Attachments) == 0 {
		return task.Message
	}
	var b strings.Builder
	b.WriteString(task.Message)
	for _, a := range task.Attachments {
		if a.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("[Attachment: ")
		b.WriteString(a.Name)
		b.WriteString("]\n")
		b.WriteString(a.Text)
	}
	return b.String()
}
