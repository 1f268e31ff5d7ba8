package agent

import (
	"fmt"
	"strings"

	"github.com/azharlabs/papert-claw/internal/workspace"
)

// ContextInput carries the channel-side context for one run.
type ContextInput struct {
	Identity       string   // who the agent is speaking as
	ChannelName    string   // originating channel, if any
	RecentMessages []string // optional recent channel messages, oldest first
}

// buildPrompt assembles the full prompt for one run: the system-context
// block, the user's message, and any attachment references.
func buildPrompt(ws *workspace.Workspace, in Input, uploadTool string) string {
	var b strings.Builder

	b.WriteString("<context>\n")
	b.WriteString("You are a conversational assistant replying inside a chat platform.\n")
	b.WriteString("Formatting: plain text with minimal markdown; no HTML; keep replies concise.\n")
	fmt.Fprintf(&b, "Your workspace is %s. Work only inside it; never read or write files outside it.\n", ws.Root())
	fmt.Fprintf(&b, "Files you want returned to the user go through the %s tool; free-text side notes through the queue message tool.\n", uploadTool)
	if in.Context.Identity != "" {
		fmt.Fprintf(&b, "Identity: %s\n", in.Context.Identity)
	}
	if in.Context.ChannelName != "" {
		fmt.Fprintf(&b, "Channel: %s\n", in.Context.ChannelName)
	}
	if len(in.Context.RecentMessages) > 0 {
		b.WriteString("Recent channel messages:\n")
		for _, m := range in.Context.RecentMessages {
			fmt.Fprintf(&b, "- %s\n", m)
		}
	}
	b.WriteString("</context>\n\n")

	b.WriteString(in.UserText)

	if len(in.Attachments) > 0 {
		b.WriteString("\n\nAttached files:\n")
		for _, p := range in.Attachments {
			fmt.Fprintf(&b, "- %s\n", p)
		}
	}

	return b.String()
}
