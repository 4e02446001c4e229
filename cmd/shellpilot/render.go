package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/martinemde/shellpilot/agentloop"
	"github.com/martinemde/shellpilot/ledger"
)

// renderer prints session events for a human at a terminal.
type renderer struct {
	w       io.Writer
	bold    lipgloss.Style
	notice  lipgloss.Style
	warning lipgloss.Style
	danger  lipgloss.Style
	success lipgloss.Style
}

func newRenderer(w io.Writer) *renderer {
	lr := lipgloss.NewRenderer(w)
	return &renderer{
		w:       w,
		bold:    lr.NewStyle().Bold(true),
		notice:  lr.NewStyle().Bold(true).Foreground(lipgloss.Color("#2196F3")),
		warning: lr.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFC107")),
		danger:  lr.NewStyle().Bold(true).Foreground(lipgloss.Color("#e53935")),
		success: lr.NewStyle().Bold(true).Foreground(lipgloss.Color("#8BC34A")),
	}
}

func (r *renderer) Banner(model, task string, actions []string) {
	fmt.Fprintf(r.w, "Welcome to shellpilot powered by %q!\n", model)
	fmt.Fprintf(r.w, "Request from the user: %s\n", r.bold.Render(fmt.Sprintf("%q", task)))
	fmt.Fprintf(r.w, "Actions: %s\n", r.bold.Render(strings.Join(actions, ", ")))
	fmt.Fprintln(r.w, r.danger.Render("Press Ctrl+C to stop at any step."))
}

func (r *renderer) section(style lipgloss.Style, title, body string) {
	fmt.Fprintf(r.w, "\n%s\n", style.Render("=== "+title+" ==="))
	if body != "" {
		fmt.Fprintln(r.w, body)
	}
}

func (r *renderer) line(style lipgloss.Style, text string) {
	fmt.Fprintf(r.w, "\n%s\n", style.Render("==> "+text))
}

func (r *renderer) Event(ev agentloop.Event) {
	switch ev.Kind {
	case agentloop.EventModelReply:
		r.section(r.bold, "AI Response", ev.Text())
	case agentloop.EventActionSucceeded:
		r.section(r.bold, "Tool Output", ev.Text())
	case agentloop.EventActionFailed:
		r.section(r.danger, "Tool Output - ERROR", ev.Text())
	case agentloop.EventInfo:
		r.line(r.notice, ev.Text())
	case agentloop.EventWarning:
		r.line(r.warning, "WARNING: "+ev.Text())
	case agentloop.EventAborted:
		r.line(r.danger, "ERROR: "+ev.Text())
	case agentloop.EventCompleted:
		r.line(r.success, "The AI has completed the task. Exiting.")
		if summary := ev.Text(); summary != "" {
			fmt.Fprintln(r.w, summary)
		}
	default:
		r.line(r.warning, fmt.Sprintf("WARNING: Unhandled event: %s", ev.Kind))
	}
}

func (r *renderer) Usage(u agentloop.UsageStats) {
	r.section(r.bold, "Usage Summary", u.Summary())
}

func (r *renderer) LedgerSummary(title string, s *ledger.Summary) {
	r.section(r.bold, title, fmt.Sprintf("Conversations: %d\nTokens: %d sent + %d received\nTotal cost: USD %.4f",
		s.Conversations, s.PromptTokens, s.CompletionTokens, s.CostUSD))
}

func (r *renderer) LedgerEntries(entries []ledger.Entry) {
	var sb strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&sb, "%s  %-16s USD %.4f  %s\n",
			e.Timestamp.Local().Format("2006-01-02 15:04"), e.Outcome, e.CostUSD, truncateTask(e.Task, 60))
	}
	if sb.Len() == 0 {
		sb.WriteString("(no conversations)\n")
	}
	r.section(r.bold, "Recent Conversations", strings.TrimRight(sb.String(), "\n"))
}

func truncateTask(task string, n int) string {
	task = strings.Join(strings.Fields(task), " ")
	if len([]rune(task)) <= n {
		return task
	}
	return string([]rune(task)[:n-3]) + "..."
}
