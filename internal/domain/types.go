package domain

import (
	"encoding/json"
	"time"
)

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

type WaveStatus string

const (
	WaveStatusInProgress WaveStatus = "in_progress"
	WaveStatusCompleted  WaveStatus = "completed"
	WaveStatusFailed     WaveStatus = "failed"
)

type ReviewStatus string

const (
	ReviewStatusPending   ReviewStatus = "pending"
	ReviewStatusInReview  ReviewStatus = "in_review"
	ReviewStatusResolved  ReviewStatus = "resolved"
	ReviewStatusCancelled ReviewStatus = "cancelled"
)

func (s ReviewStatus) Active() bool {
	return s == ReviewStatusPending || s == ReviewStatusInReview
}

type ReviewResolution string

const (
	ResolutionApprovedByHuman   ReviewResolution = "approved_by_human"
	ResolutionRejectedByHuman   ReviewResolution = "rejected_by_human"
	ResolutionResolvedByAutofix ReviewResolution = "resolved_by_autofix"
)

type ReviewPriority string

const (
	ReviewPriorityCritical ReviewPriority = "critical"
	ReviewPriorityHigh     ReviewPriority = "high"
	ReviewPriorityMedium   ReviewPriority = "medium"
)

type ReviewAction string

const (
	ReviewActionApprove        ReviewAction = "approve"
	ReviewActionReject         ReviewAction = "reject"
	ReviewActionRequestChanges ReviewAction = "request_changes"
	ReviewActionRetryAutofix   ReviewAction = "retry_autofix"
	ReviewActionAssign         ReviewAction = "assign"
	ReviewActionCancel         ReviewAction = "cancel"
)

type ProjectPhase string

const (
	PhasePlanning      ProjectPhase = "planning"
	PhasePlanReview    ProjectPhase = "plan_review"
	PhaseWaveExecution ProjectPhase = "wave_execution"
	PhaseComplete      ProjectPhase = "complete"
	PhaseFailed        ProjectPhase = "failed"
)

// AgentType is the closed set of agent capabilities a task can be routed to.
type AgentType string

const (
	AgentBackend     AgentType = "backend"
	AgentFrontend    AgentType = "frontend"
	AgentDatabase    AgentType = "database"
	AgentTesting     AgentType = "testing"
	AgentCritic      AgentType = "critic"
	AgentIntegration AgentType = "integration"
	AgentDeployment  AgentType = "deployment"
)

var AgentTypes = []AgentType{
	AgentBackend,
	AgentFrontend,
	AgentDatabase,
	AgentTesting,
	AgentCritic,
	AgentIntegration,
	AgentDeployment,
}

func (a AgentType) Valid() bool {
	for _, known := range AgentTypes {
		if a == known {
			return true
		}
	}
	return false
}

type MessageKind string

const (
	MessageKindDispatch MessageKind = "dispatch"
)

type MessageStatus string

const (
	MessageStatusPending     MessageStatus = "pending"
	MessageStatusDispatching MessageStatus = "dispatching"
	MessageStatusDelivered   MessageStatus = "delivered"
	MessageStatusFailed      MessageStatus = "failed"
)

type FileOperation string

const (
	FileOperationRead   FileOperation = "read"
	FileOperationCreate FileOperation = "create"
	FileOperationWrite  FileOperation = "write"
)

type Task struct {
	ID              string     `json:"id"`
	ProjectID       string     `json:"project_id"`
	AgentType       AgentType  `json:"agent_type"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	PhaseGroup      string     `json:"phase_group,omitempty"`
	DependsOn       []string   `json:"depends_on,omitempty"`
	Priority        int        `json:"priority"`
	PlanOrder       int        `json:"plan_order"`
	Status          TaskStatus `json:"status"`
	WaveNumber      *int       `json:"wave_number,omitempty"`
	ReviewScore     *int       `json:"review_score,omitempty"`
	CriticalIssues  int        `json:"critical_issues"`
	FixAttempts     int        `json:"fix_attempts"`
	RemainingIssues []string   `json:"remaining_issues,omitempty"`
	OutputRef       string     `json:"output_ref,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func (t Task) InWave(number int) bool {
	return t.WaveNumber != nil && *t.WaveNumber == number
}

type Wave struct {
	ProjectID        string     `json:"project_id"`
	Number           int        `json:"number"`
	Status           WaveStatus `json:"status"`
	TaskCount        int        `json:"task_count"`
	CompletedCount   int        `json:"completed_count"`
	FailedCount      int        `json:"failed_count"`
	FixAttempts      int        `json:"fix_attempts"`
	MaxFixAttempts   int        `json:"max_fix_attempts"`
	AutofixRetries   int        `json:"autofix_retries"`
	EscalatedToHuman bool       `json:"escalated_to_human"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

func (w Wave) Resolved() bool {
	return w.CompletedCount+w.FailedCount == w.TaskCount
}

type ReviewNote struct {
	Actor     string       `json:"actor"`
	Action    ReviewAction `json:"action"`
	Text      string       `json:"text,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

type ReviewRequest struct {
	ID               string           `json:"id"`
	ProjectID        string           `json:"project_id"`
	WaveNumber       int              `json:"wave_number"`
	Reason           string           `json:"reason"`
	Priority         ReviewPriority   `json:"priority"`
	Status           ReviewStatus     `json:"status"`
	CriticalIssues   []string         `json:"critical_issues,omitempty"`
	AttemptCount     int              `json:"attempt_count"`
	Assignee         string           `json:"assignee,omitempty"`
	Resolution       ReviewResolution `json:"resolution,omitempty"`
	Notes            []ReviewNote     `json:"notes,omitempty"`
	NotificationSent bool             `json:"notification_sent"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	ResolvedAt       *time.Time       `json:"resolved_at,omitempty"`
}

// Project is the top-level phase record for one build.
type Project struct {
	ID                  string       `json:"id"`
	OwnerID             string       `json:"owner_id"`
	OwnerContact        string       `json:"owner_contact,omitempty"`
	Name                string       `json:"name"`
	Phase               ProjectPhase `json:"phase"`
	Plan                PlanState    `json:"-"`
	OriginalPlan        *Plan        `json:"original_plan,omitempty"`
	PlanRevision        int          `json:"plan_revision"`
	PlanApproved        bool         `json:"plan_approved"`
	HumanReviewRequired bool         `json:"human_review_required"`
	DeploymentRequested bool         `json:"deployment_requested"`
	LastError           string       `json:"last_error,omitempty"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

func (p Project) MarshalJSON() ([]byte, error) {
	type alias Project
	plan, err := EncodePlanState(p.Plan)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		alias
		Plan json.RawMessage `json:"plan"`
	}{alias: alias(p), Plan: plan})
}

func (p *Project) UnmarshalJSON(data []byte) error {
	type alias Project
	var aux struct {
		alias
		Plan json.RawMessage `json:"plan"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*p = Project(aux.alias)
	if len(aux.Plan) == 0 || string(aux.Plan) == "null" {
		p.Plan = PlanDraft{}
		return nil
	}
	state, err := DecodePlanState(aux.Plan)
	if err != nil {
		return err
	}
	p.Plan = state
	return nil
}

// Message is one durable outbox row.
type Message struct {
	ID             string          `json:"id"`
	ProjectID      string          `json:"project_id"`
	TaskID         string          `json:"task_id,omitempty"`
	Kind           MessageKind     `json:"kind"`
	Target         string          `json:"target"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
	Status         MessageStatus   `json:"status"`
	Attempts       int             `json:"attempts"`
	NextAttemptAt  time.Time       `json:"next_attempt_at"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type DecisionLog struct {
	ID        int64           `json:"id"`
	ProjectID string          `json:"project_id"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Reason    string          `json:"reason"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// ReviewUpdate describes every record a review action touches so the store
// can apply it in one transaction.
type ReviewUpdate struct {
	Request         ReviewRequest
	ExpectStatus    ReviewStatus
	WaveStatus      WaveStatus
	ClearReviewFlag bool
	ProjectPhase    ProjectPhase
	ProjectError    string

	// GrantFixAttempts raises the wave's fix budget to this many attempts
	// past those already used and counts one autofix retry, refusing once
	// AutofixLimit retries have been used.
	GrantFixAttempts int
	AutofixLimit      int
}

// CompletionOutcome reports what recording one completion event did.
// Resolved is true only for the event whose increment closed the wave.
type CompletionOutcome struct {
	Applied  bool
	Resolved bool
	Task     Task
	Wave     Wave
}
