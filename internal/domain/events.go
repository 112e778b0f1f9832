package domain

import "time"

// DependencyOutput points an agent at what a finished dependency produced.
// Summary and Files are filled from the run manifest by the agent pool.
type DependencyOutput struct {
	TaskID    string   `json:"task_id"`
	OutputRef string   `json:"output_ref,omitempty"`
	Summary   string   `json:"summary,omitempty"`
	Files     []string `json:"files,omitempty"`
}

type TaskInput struct {
	Title        string             `json:"title"`
	Description  string             `json:"description,omitempty"`
	Phase        string             `json:"phase,omitempty"`
	Dependencies []DependencyOutput `json:"dependencies,omitempty"`
	FixContext   []string           `json:"fix_context,omitempty"`
}

// DispatchEvent asks an agent to run one task of one wave. Attempt is the
// task's fix attempt count at dispatch time and must be echoed back.
type DispatchEvent struct {
	ProjectID  string    `json:"project_id"`
	TaskID     string    `json:"task_id"`
	WaveNumber int       `json:"wave_number"`
	AgentType  AgentType `json:"agent_type"`
	Attempt    int       `json:"attempt"`
	TaskInput  TaskInput `json:"task_input"`
}

type CompletionEvent struct {
	ProjectID       string     `json:"project_id"`
	TaskID          string     `json:"task_id"`
	WaveNumber      int        `json:"wave_number"`
	Attempt         int        `json:"attempt"`
	Status          TaskStatus `json:"status"`
	Score           *int       `json:"score,omitempty"`
	CriticalIssues  *int       `json:"critical_issues,omitempty"`
	RemainingIssues []string   `json:"remaining_issues,omitempty"`
	OutputRef       string     `json:"output_ref,omitempty"`
	Error           string     `json:"error,omitempty"`
}

type DeploymentEvent struct {
	ProjectID   string    `json:"project_id"`
	OwnerID     string    `json:"owner_id"`
	Waves       int       `json:"waves"`
	Tasks       int       `json:"tasks"`
	OutputRefs  []string  `json:"output_refs,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

type NotificationEvent struct {
	ProjectID      string         `json:"project_id"`
	OwnerID        string         `json:"owner_id"`
	OwnerContact   string         `json:"owner_contact,omitempty"`
	ReviewID       string         `json:"review_id"`
	WaveNumber     int            `json:"wave_number"`
	Priority       ReviewPriority `json:"priority"`
	Reason         string         `json:"reason"`
	CriticalIssues []string       `json:"critical_issues,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}
