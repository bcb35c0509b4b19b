package vcs

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
)

// MessageGenerator produces commit messages for safety-branch commits.
// With an Anthropic client it asks the model for a conventional-commits
// subject; without one it falls back to a deterministic message, so commits
// never block on API availability.
type MessageGenerator struct {
	client *anthropic.Client
	model  string
}

// NewMessageGenerator creates a MessageGenerator. client may be nil, in which
// case only the deterministic fallback is used.
func NewMessageGenerator(client *anthropic.Client, model string) *MessageGenerator {
	return &MessageGenerator{client: client, model: model}
}

// CommitMessage returns a commit message for one fix cycle's changes.
func (m *MessageGenerator) CommitMessage(ctx context.Context, sessionID string, cycleNumber int, modifiedFiles []string) string {
	fallback := fmt.Sprintf("fixloop: apply automated fixes (cycle %d, session %s)", cycleNumber, sessionID)

	if m.client == nil {
		return fallback
	}

	resp, err := m.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(m.model),
		MaxTokens: 256,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(m.buildPrompt(cycleNumber, modifiedFiles))),
		},
	})
	if err != nil {
		// Message generation is best-effort.
		return fallback
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	subject := firstLine(text)
	if subject == "" {
		return fallback
	}
	return subject + "\n\n" + fmt.Sprintf("Automated fix cycle %d (session %s).", cycleNumber, sessionID)
}

func (m *MessageGenerator) buildPrompt(cycleNumber int, modifiedFiles []string) string {
	var b strings.Builder
	b.WriteString("Write a one-line git commit subject (conventional commits format, 60 chars max)\n")
	b.WriteString("for automated fixes applied to a web application by a code-fix agent.\n\n")
	fmt.Fprintf(&b, "Fix cycle: %d\n", cycleNumber)
	b.WriteString("Changed files:\n")
	for _, f := range modifiedFiles {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	b.WriteString("\nRespond with the subject line only, no quotes, no explanation.\n")
	return b.String()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	s = strings.Trim(s, "`\"")
	if len(s) > 72 {
		return ""
	}
	return s
}
