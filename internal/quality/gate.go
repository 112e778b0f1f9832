package quality

import (
	"fmt"

	"wavecrew/internal/domain"
)

type Classification string

const (
	Pass             Classification = "pass"
	NeedsFix         Classification = "needs_fix"
	NeedsHumanReview Classification = "needs_human_review"
)

const DefaultPassThreshold = 70

type Config struct {
	PassThreshold int
}

func (c Config) withDefaults() Config {
	if c.PassThreshold <= 0 {
		c.PassThreshold = DefaultPassThreshold
	}
	return c
}

// TaskIssues is the per-task feedback carried into a fix round.
type TaskIssues struct {
	TaskID         string   `json:"task_id"`
	Score          *int     `json:"score,omitempty"`
	CriticalIssues int      `json:"critical_issues"`
	Failed         bool     `json:"failed"`
	Issues         []string `json:"issues,omitempty"`
}

type Result struct {
	Classification  Classification        `json:"classification"`
	AverageScore    float64               `json:"average_score"`
	CriticalIssues  int                   `json:"critical_issues"`
	FailedTasks     int                   `json:"failed_tasks"`
	Issues          []TaskIssues          `json:"issues,omitempty"`
	CriticalDetails []string              `json:"critical_details,omitempty"`
	Priority        domain.ReviewPriority `json:"priority"`
	Reason          string                `json:"reason"`
}

type Gate struct {
	cfg Config
}

func New(cfg Config) *Gate {
	return &Gate{cfg: cfg.withDefaults()}
}

func (g *Gate) Threshold() int {
	return g.cfg.PassThreshold
}

// NeedsFix reports whether a terminal task should be sent back in a fix
// round.
func (g *Gate) NeedsFix(task domain.Task) bool {
	if task.Status == domain.TaskStatusFailed || task.CriticalIssues > 0 {
		return true
	}
	if task.ReviewScore != nil && *task.ReviewScore < g.cfg.PassThreshold {
		return true
	}
	return len(task.RemainingIssues) > 0
}

// Classify scores a resolved wave. Only tasks assigned to the wave are
// considered; unscored tasks do not contribute to the average, and a wave
// with no scores at all averages 100.
func (g *Gate) Classify(wave domain.Wave, tasks []domain.Task) Result {
	var (
		sum     int
		scored  int
		res     Result
		inScope []domain.Task
	)
	for _, t := range tasks {
		if t.InWave(wave.Number) {
			inScope = append(inScope, t)
		}
	}

	for _, t := range inScope {
		if t.ReviewScore != nil {
			sum += *t.ReviewScore
			scored++
		}
		res.CriticalIssues += t.CriticalIssues
		if t.CriticalIssues > 0 {
			res.CriticalDetails = append(res.CriticalDetails, criticalDetail(t))
		}
		failed := t.Status == domain.TaskStatusFailed
		if failed {
			res.FailedTasks++
		}
		if g.NeedsFix(t) {
			issues := append([]string(nil), t.RemainingIssues...)
			if failed && t.LastError != "" {
				issues = append(issues, t.LastError)
			}
			if t.ReviewScore != nil && *t.ReviewScore < g.cfg.PassThreshold {
				issues = append(issues, fmt.Sprintf("review score %d below threshold %d", *t.ReviewScore, g.cfg.PassThreshold))
			}
			res.Issues = append(res.Issues, TaskIssues{
				TaskID:         t.ID,
				Score:          t.ReviewScore,
				CriticalIssues: t.CriticalIssues,
				Failed:         failed,
				Issues:         issues,
			})
		}
	}

	res.AverageScore = 100
	if scored > 0 {
		res.AverageScore = float64(sum) / float64(scored)
	}
	threshold := float64(g.cfg.PassThreshold)

	switch {
	case res.CriticalIssues > 0:
		res.Classification = NeedsHumanReview
		res.Priority = domain.ReviewPriorityCritical
		res.Reason = fmt.Sprintf("%d critical issue(s) reported", res.CriticalIssues)
	case res.AverageScore >= threshold && res.FailedTasks == 0:
		res.Classification = Pass
		res.Reason = fmt.Sprintf("average score %.1f meets threshold %d", res.AverageScore, g.cfg.PassThreshold)
	case wave.FixAttempts < wave.MaxFixAttempts:
		res.Classification = NeedsFix
		res.Reason = fixReason(res, g.cfg.PassThreshold)
	default:
		res.Classification = NeedsHumanReview
		res.Priority = domain.ReviewPriorityMedium
		if res.FailedTasks > 0 {
			res.Priority = domain.ReviewPriorityHigh
		}
		res.Reason = fmt.Sprintf("fix attempts exhausted (%d/%d): %s", wave.FixAttempts, wave.MaxFixAttempts, fixReason(res, g.cfg.PassThreshold))
	}
	return res
}

func fixReason(res Result, threshold int) string {
	if res.FailedTasks > 0 {
		return fmt.Sprintf("%d task(s) failed, average score %.1f", res.FailedTasks, res.AverageScore)
	}
	return fmt.Sprintf("average score %.1f below threshold %d", res.AverageScore, threshold)
}

func criticalDetail(t domain.Task) string {
	if len(t.RemainingIssues) > 0 {
		return fmt.Sprintf("%s: %s", t.ID, t.RemainingIssues[0])
	}
	return fmt.Sprintf("%s: %d critical issue(s)", t.ID, t.CriticalIssues)
}
