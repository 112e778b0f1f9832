package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"wavecrew/internal/domain"
)

func renderProjectsTable(table *tview.Table, projects []projectView, selectedID string) {
	table.Clear()
	headers := []string{"Project", "Name", "Phase", "Review", "Updated"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, p := range projects {
		row := i + 1
		review := ""
		if p.HumanReviewRequired {
			review = "[red]needed[-]"
		}
		table.SetCell(row, 0, tview.NewTableCell(shortID(p.ID)))
		table.SetCell(row, 1, tview.NewTableCell(trimLine(p.Name, 28)))
		table.SetCell(row, 2, tview.NewTableCell(phaseColor(p.Phase)))
		table.SetCell(row, 3, tview.NewTableCell(review))
		table.SetCell(row, 4, tview.NewTableCell(p.UpdatedAt.Format("15:04:05")))
		if p.ID == selectedID {
			table.Select(row, 0)
		}
	}
}

func phaseColor(phase domain.ProjectPhase) string {
	switch phase {
	case domain.PhaseWaveExecution:
		return "[yellow]" + string(phase) + "[-]"
	case domain.PhaseComplete:
		return "[green]" + string(phase) + "[-]"
	case domain.PhaseFailed:
		return "[red]" + string(phase) + "[-]"
	default:
		return string(phase)
	}
}

func renderWaves(waves []domain.Wave, tasks []domain.Task) string {
	if len(waves) == 0 {
		return "No waves"
	}
	byWave := make(map[int][]domain.Task)
	for _, t := range tasks {
		if t.WaveNumber != nil {
			byWave[*t.WaveNumber] = append(byWave[*t.WaveNumber], t)
		}
	}
	var b strings.Builder
	for _, w := range waves {
		flag := ""
		if w.EscalatedToHuman {
			flag = " [red]escalated[-]"
		}
		b.WriteString(fmt.Sprintf(
			"Wave %d  %s  done=%d failed=%d/%d  fixes=%d/%d autofix=%d%s\n",
			w.Number, w.Status, w.CompletedCount, w.FailedCount, w.TaskCount,
			w.FixAttempts, w.MaxFixAttempts, w.AutofixRetries, flag,
		))
		members := byWave[w.Number]
		sort.Slice(members, func(i, j int) bool { return members[i].PlanOrder < members[j].PlanOrder })
		for _, t := range members {
			b.WriteString("  " + renderTaskLine(t) + "\n")
		}
	}
	return b.String()
}

func renderTaskLine(t domain.Task) string {
	score := "-"
	if t.ReviewScore != nil {
		score = fmt.Sprintf("%d", *t.ReviewScore)
	}
	line := fmt.Sprintf("%-16s %-11s %-11s score=%-3s crit=%d fix=%d",
		trimLine(t.ID, 16), t.AgentType, t.Status, score, t.CriticalIssues, t.FixAttempts)
	if t.LastError != "" {
		line += "  err: " + trimLine(t.LastError, 60)
	}
	return line
}

func renderPending(tasks []domain.Task) string {
	var pending []domain.Task
	for _, t := range tasks {
		if t.Status == domain.TaskStatusPending {
			pending = append(pending, t)
		}
	}
	if len(pending) == 0 {
		return ""
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].PlanOrder < pending[j].PlanOrder })
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Pending (%d)\n", len(pending)))
	for _, t := range pending {
		deps := ""
		if len(t.DependsOn) > 0 {
			deps = " after " + strings.Join(t.DependsOn, ",")
		}
		b.WriteString(fmt.Sprintf("  %-16s %-11s p%d%s\n", trimLine(t.ID, 16), t.AgentType, t.Priority, deps))
	}
	return b.String()
}

// activeReview returns the open review request, if any.
func activeReview(reviews []domain.ReviewRequest) (domain.ReviewRequest, bool) {
	for _, r := range reviews {
		if r.Status == domain.ReviewStatusPending || r.Status == domain.ReviewStatusInReview {
			return r, true
		}
	}
	return domain.ReviewRequest{}, false
}

func renderReviews(reviews []domain.ReviewRequest) string {
	if len(reviews) == 0 {
		return "No review requests"
	}
	var b strings.Builder
	for _, r := range reviews {
		b.WriteString(fmt.Sprintf(
			"[%s] wave %d  %s  priority=%s attempts=%d\n  reason: %s\n",
			r.CreatedAt.Format("15:04:05"), r.WaveNumber, r.Status, r.Priority, r.AttemptCount, trimLine(r.Reason, 100),
		))
		for _, issue := range r.CriticalIssues {
			b.WriteString("  critical: " + trimLine(issue, 100) + "\n")
		}
		if r.Resolution != "" {
			b.WriteString("  resolution: " + string(r.Resolution) + "\n")
		}
		if r.Assignee != "" {
			b.WriteString("  assignee: " + r.Assignee + "\n")
		}
	}
	return b.String()
}

func renderDecisions(items []domain.DecisionLog) string {
	if len(items) == 0 {
		return "No decisions"
	}
	var b strings.Builder
	for _, d := range items {
		b.WriteString(fmt.Sprintf(
			"[%s] %s %s\n  reason: %s\n",
			d.CreatedAt.Format("15:04:05"),
			d.Actor,
			d.Action,
			trimLine(d.Reason, 100),
		))
		if detail := decisionPayloadSummary(d.Payload); detail != "" {
			b.WriteString("  payload: " + trimLine(detail, 160) + "\n")
		}
	}
	return b.String()
}

func decisionPayloadSummary(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" || trimmed == "{}" || trimmed == "null" {
		return ""
	}

	var kv map[string]any
	if err := json.Unmarshal(payload, &kv); err == nil {
		keys := make([]string, 0, len(kv))
		for k := range kv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, kv[k]))
		}
		return strings.Join(parts, ", ")
	}
	return trimmed
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}
