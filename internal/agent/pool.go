package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"wavecrew/internal/domain"
	"wavecrew/internal/metrics"
)

type Completer interface {
	HandleCompletion(ctx context.Context, ev domain.CompletionEvent) (domain.CompletionOutcome, error)
}

type FileGateway interface {
	WriteFile(ctx context.Context, projectID, taskID string, agent domain.AgentType, relPath string, content []byte) (string, error)
	ReadFile(ctx context.Context, projectID string, agent domain.AgentType, relPath string) ([]byte, error)
}

// Queue is the in-process side of a transport: one channel per agent type.
type Queue interface {
	Register(target string) <-chan domain.Message
	Unregister(target string)
}

type PoolConfig struct {
	TaskTimeout time.Duration
	Heartbeat   time.Duration
	// Workers is the number of concurrent runs per agent type.
	Workers int
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 8 * time.Minute
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 30 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	return c
}

type Pool struct {
	registry  *Registry
	completer Completer
	files     FileGateway
	metrics   *metrics.Metrics
	cfg       PoolConfig
	logger    *log.Logger
	wg        sync.WaitGroup
}

func NewPool(registry *Registry, completer Completer, files FileGateway, cfg PoolConfig, logger *log.Logger) *Pool {
	if logger == nil {
		logger = log.Default()
	}
	return &Pool{
		registry:  registry,
		completer: completer,
		files:     files,
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
}

func (p *Pool) WithMetrics(m *metrics.Metrics) *Pool {
	p.metrics = m
	return p
}

// Start registers every known agent type on the queue and runs Workers
// consumers per type until ctx is done.
func (p *Pool) Start(ctx context.Context, queue Queue) {
	for _, t := range p.registry.Types() {
		target := string(t)
		ch := queue.Register(target)
		var workers sync.WaitGroup
		for i := 0; i < p.cfg.Workers; i++ {
			workers.Add(1)
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				defer workers.Done()
				p.consume(ctx, ch)
			}()
		}
		go func() {
			workers.Wait()
			queue.Unregister(target)
		}()
	}
}

func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) consume(ctx context.Context, ch <-chan domain.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := p.Handle(ctx, msg); err != nil {
				p.logger.Printf("agent handle failed message=%s task=%s: %v", msg.ID, msg.TaskID, err)
			}
		}
	}
}

// Handle runs one dispatch message and reports its completion. Undecodable
// payloads are dropped; an error means the completion was not recorded and
// the dispatch may be redelivered.
func (p *Pool) Handle(ctx context.Context, msg domain.Message) error {
	var ev domain.DispatchEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		p.logger.Printf("agent drop undecodable dispatch message=%s: %v", msg.ID, err)
		return nil
	}
	out := p.Execute(ctx, ev)
	if ctx.Err() != nil {
		return fmt.Errorf("task %s interrupted: %w", ev.TaskID, ctx.Err())
	}
	outcome, err := p.completer.HandleCompletion(ctx, out)
	if err != nil {
		return fmt.Errorf("report completion task=%s: %w", ev.TaskID, err)
	}
	if !outcome.Applied {
		p.logger.Printf("agent completion ignored project=%s task=%s wave=%d attempt=%d", ev.ProjectID, ev.TaskID, ev.WaveNumber, ev.Attempt)
	}
	return nil
}

// Execute runs the agent for one dispatch and turns whatever happened into
// a completion event. Timeouts and agent errors become failed completions.
func (p *Pool) Execute(ctx context.Context, ev domain.DispatchEvent) domain.CompletionEvent {
	out := domain.CompletionEvent{
		ProjectID:  ev.ProjectID,
		TaskID:     ev.TaskID,
		WaveNumber: ev.WaveNumber,
		Attempt:    ev.Attempt,
		Status:     domain.TaskStatusFailed,
	}
	started := time.Now()
	defer func() {
		p.metrics.AgentRun(string(ev.AgentType), string(out.Status), time.Since(started).Seconds())
	}()

	a, err := p.registry.Lookup(ev.AgentType)
	if err != nil {
		out.Error = err.Error()
		return out
	}

	ev.TaskInput.Dependencies = p.loadDependencies(ctx, ev)

	runCtx, cancel := context.WithTimeout(ctx, p.cfg.TaskTimeout)
	defer cancel()
	stopProgress := startProgressHeartbeat(runCtx, p.cfg.Heartbeat, func(elapsed time.Duration) {
		p.logger.Printf("agent run in progress agent=%s task=%s elapsed=%s", ev.AgentType, ev.TaskID, elapsed.Round(time.Second))
	})
	res, err := a.Run(runCtx, ev)
	stopProgress()
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			out.Error = fmt.Sprintf("task timed out after %s", p.cfg.TaskTimeout)
		} else {
			out.Error = trim(err.Error(), 2000)
		}
		p.logger.Printf("agent run failed agent=%s task=%s: %s", ev.AgentType, ev.TaskID, out.Error)
		return out
	}

	written, issues := p.writeFiles(ctx, ev, res.Files)
	switch {
	case len(res.Files) == 0 && ev.AgentType != domain.AgentCritic:
		out.Error = "agent returned no files"
		return out
	case len(res.Files) > 0 && len(written) == 0:
		out.Error = "no files were written: " + strings.Join(issues, "; ")
		return out
	}

	out.Status = domain.TaskStatusCompleted
	out.Score = clampScore(res.Score)
	if res.CriticalIssues != nil {
		n := max(*res.CriticalIssues, 0)
		out.CriticalIssues = &n
	}
	out.RemainingIssues = append(append([]string(nil), res.RemainingIssues...), issues...)
	out.OutputRef = p.writeManifest(ctx, ev, res, written)
	return out
}

func (p *Pool) writeFiles(ctx context.Context, ev domain.DispatchEvent, files []File) (written, issues []string) {
	for _, f := range files {
		if err := validateRelativePath(f.Path); err != nil {
			issues = append(issues, fmt.Sprintf("rejected path %s: %v", f.Path, err))
			continue
		}
		ref, err := p.files.WriteFile(ctx, ev.ProjectID, ev.TaskID, ev.AgentType, f.Path, []byte(f.Content))
		if err != nil {
			issues = append(issues, fmt.Sprintf("write %s failed: %v", f.Path, err))
			continue
		}
		written = append(written, ref)
	}
	return written, issues
}

type runManifest struct {
	TaskID          string           `json:"task_id"`
	AgentType       domain.AgentType `json:"agent_type"`
	WaveNumber      int              `json:"wave_number"`
	Attempt         int              `json:"attempt"`
	Summary         string           `json:"summary"`
	Files           []string         `json:"files"`
	RemainingIssues []string         `json:"remaining_issues,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

// writeManifest records what a run produced and returns its reference,
// which becomes the task's output reference for dependents.
func (p *Pool) writeManifest(ctx context.Context, ev domain.DispatchEvent, res Result, written []string) string {
	raw, err := json.MarshalIndent(runManifest{
		TaskID:          ev.TaskID,
		AgentType:       ev.AgentType,
		WaveNumber:      ev.WaveNumber,
		Attempt:         ev.Attempt,
		Summary:         res.Summary,
		Files:           written,
		RemainingIssues: res.RemainingIssues,
		CreatedAt:       time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return ""
	}
	rel := fmt.Sprintf(".wavecrew/%s/w%d-a%d.json", ev.TaskID, ev.WaveNumber, ev.Attempt)
	ref, err := p.files.WriteFile(ctx, ev.ProjectID, ev.TaskID, ev.AgentType, rel, raw)
	if err != nil {
		p.logger.Printf("agent manifest write failed task=%s: %v", ev.TaskID, err)
		return ""
	}
	return ref
}

// loadDependencies fills each dependency's summary and file list from its
// run manifest. A manifest that cannot be read leaves the bare reference.
func (p *Pool) loadDependencies(ctx context.Context, ev domain.DispatchEvent) []domain.DependencyOutput {
	if len(ev.TaskInput.Dependencies) == 0 {
		return ev.TaskInput.Dependencies
	}
	deps := make([]domain.DependencyOutput, 0, len(ev.TaskInput.Dependencies))
	for _, dep := range ev.TaskInput.Dependencies {
		rel, ok := strings.CutPrefix(dep.OutputRef, ev.ProjectID+"/")
		if !ok || dep.Summary != "" {
			deps = append(deps, dep)
			continue
		}
		raw, err := p.files.ReadFile(ctx, ev.ProjectID, ev.AgentType, rel)
		if err != nil {
			p.logger.Printf("agent dependency manifest unreadable task=%s dep=%s: %v", ev.TaskID, dep.TaskID, err)
			deps = append(deps, dep)
			continue
		}
		var m runManifest
		if err := json.Unmarshal(raw, &m); err != nil {
			p.logger.Printf("agent dependency manifest invalid task=%s dep=%s: %v", ev.TaskID, dep.TaskID, err)
			deps = append(deps, dep)
			continue
		}
		dep.Summary = m.Summary
		dep.Files = m.Files
		deps = append(deps, dep)
	}
	return deps
}

func clampScore(score *int) *int {
	if score == nil {
		return nil
	}
	v := *score
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}
	return &v
}

func startProgressHeartbeat(ctx context.Context, interval time.Duration, onTick func(elapsed time.Duration)) func() {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	stop := make(chan struct{})
	started := time.Now()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if onTick != nil {
					onTick(time.Since(started))
				}
			}
		}
	}()

	return func() {
		close(stop)
	}
}
