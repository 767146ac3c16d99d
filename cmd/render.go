package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/joescharf/apex/internal/models"
	"github.com/joescharf/apex/internal/output"
)

// historyLines caps how much backlog is printed for the first snapshot.
const historyLines = 20

// sessionPrinter prints what changed between consecutive snapshots of a build.
type sessionPrinter struct {
	out      io.Writer
	thoughts bool
	last     *models.BuildSession
}

func (p *sessionPrinter) print(s *models.BuildSession) {
	if s == nil {
		return
	}
	prev := p.last
	if prev != nil && prev.ID != s.ID {
		prev = nil
	}
	p.last = s

	if prev == nil || prev.Status != s.Status || prev.Progress != s.Progress {
		fmt.Fprintf(p.out, "%s %s %s\n", output.Cyan(s.ID), output.ProgressBar(s.Progress, 20), output.StatusColor(string(s.Status)))
	}

	for _, id := range sortedAgentIDs(s.Agents) {
		a := s.Agents[id]
		var old models.Agent
		var seen bool
		if prev != nil {
			old, seen = prev.Agents[id]
		}
		if seen && old.Status == a.Status {
			continue
		}
		who := string(a.Role) + " agent"
		if a.Provider != "" {
			who += " (" + a.Provider + ")"
		}
		line := fmt.Sprintf("  %s: %s", who, output.StatusColor(string(a.Status)))
		if a.CurrentTask != nil && a.CurrentTask.Description != "" && a.Status == models.AgentStatusWorking {
			line += " - " + a.CurrentTask.Description
		}
		fmt.Fprintln(p.out, line)
	}

	msgs := s.Chat.Items()
	from := max(len(msgs)-historyLines, 0)
	if prev != nil {
		from = min(prev.Chat.Len(), len(msgs))
	}
	for _, m := range msgs[from:] {
		fmt.Fprintf(p.out, "[%s] %s\n", output.RoleColor(string(m.Role)), m.Content)
	}

	if p.thoughts {
		n := min(s.Thoughts.Len(), historyLines)
		if prev != nil {
			n = max(s.Thoughts.Total()-prev.Thoughts.Total(), 0)
		}
		for _, th := range s.Thoughts.Last(n) {
			fmt.Fprintf(p.out, "  %s/%s: %s\n", th.AgentRole, th.Type, oneLine(th.Content, 160))
		}
	}

	if s.PreviewURL != "" && (prev == nil || prev.PreviewURL != s.PreviewURL) {
		fmt.Fprintf(p.out, "Preview: %s\n", output.Cyan(s.PreviewURL))
	}
}

// printOutcome reports how a build ended.
func printOutcome(s *models.BuildSession) {
	if s == nil {
		return
	}
	switch s.Status {
	case models.BuildStatusCompleted:
		ui.Success("Build %s completed: %d files", output.Cyan(s.ID), len(s.Files))
	case models.BuildStatusFailed:
		msg := s.Error
		if msg == "" {
			msg = "no details"
		}
		ui.Error("Build %s failed: %s", output.Cyan(s.ID), msg)
	case models.BuildStatusCancelled:
		ui.Warning("Build %s was cancelled", output.Cyan(s.ID))
	default:
		ui.Info("Build %s is %s (%d%%)", output.Cyan(s.ID), s.Status, s.Progress)
	}
}

func sortedAgentIDs(agents map[string]models.Agent) []string {
	ids := make([]string, 0, len(agents))
	for id := range agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// oneLine collapses whitespace and truncates s to at most n runes.
func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// timeAgo returns a human-readable duration from a time.
func timeAgo(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1d ago"
		}
		return fmt.Sprintf("%dd ago", days)
	}
}

// formatBytes returns a human-readable byte size string.
func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
