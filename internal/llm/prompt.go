package llm

import (
	"fmt"
	"strings"

	"github.com/nickcecere/codechat/internal/search"
	"github.com/nickcecere/codechat/internal/store"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const noContext = "No code from the project matched this question."

// BuildMessages assembles the conversation sent to the model: the system prompt,
// prior turns oldest first, and the question with its retrieved code.
// history must not contain the question itself.
func BuildMessages(question string, contexts []search.Result, history []store.Message) []Message {
	messages := make([]Message, 0, len(history)+2)
	messages = append(messages, Message{Role: RoleSystem, Content: systemPrompt})

	for _, m := range history {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		role := RoleUser
		if m.Role == store.RoleAssistant {
			role = RoleAssistant
		}
		messages = append(messages, Message{Role: role, Content: m.Content})
	}

	var sb strings.Builder
	sb.WriteString("### CONTEXT:\n")
	sb.WriteString(BuildContext(contexts))
	sb.WriteString("\n### QUESTION:\n")
	sb.WriteString(question)
	sb.WriteString("\n\n### ANSWER (in clean Markdown):\n")

	return append(messages, Message{Role: RoleUser, Content: sb.String()})
}

// BuildContext renders retrieved chunks as the context block of the prompt.
// Matches come first; linked dependencies follow under their own heading.
func BuildContext(contexts []search.Result) string {
	var sources, deps strings.Builder

	for _, r := range contexts {
		if r.Linked {
			fmt.Fprintf(&deps, "\n--- Dependency: %s ---\n%s\n", r.File, r.Code)
			continue
		}
		fmt.Fprintf(&sources, "\n--- Source: %s (Lines %s) ---\n%s\n", r.File, r.Lines, r.Code)
	}

	if sources.Len() == 0 && deps.Len() == 0 {
		return noContext + "\n"
	}

	out := sources.String()
	if deps.Len() > 0 {
		out += "\n\n--- RELATED DEPENDENCIES DETECTED ---\n" + deps.String()
	}
	return out
}

const systemPrompt = `You are an expert software engineer answering questions about a codebase.
Answer ONLY from the code context provided with the question. If the context does not contain
the answer, say so plainly instead of guessing.

Formatting:
- Start with a direct answer, then break the logic down into bullet points when explaining it.
- Use fenced code blocks with the right language tag for code, and keep snippets short.
- Use backticks for function names, variables, file paths and libraries.
- Mention the files you draw on, e.g. "as seen in ` + "`src/auth/handler.go`" + `".

Skip filler such as "Here is the answer".`
