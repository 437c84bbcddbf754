package types

import "time"

// Workflow defines the graph of a workflow authored by a user.
type Workflow struct {
	ID           string                 `json:"id" yaml:"id"`
	Name         string                 `json:"name" yaml:"name"`
	IsActive     bool                   `json:"is_active" yaml:"is_active"`
	Nodes        []Node                 `json:"nodes" yaml:"nodes"`
	Edges        []Edge                 `json:"edges" yaml:"edges"`
	GlobalSchema []FormField            `json:"global_schema,omitempty" yaml:"global_schema"`
	Variables    map[string]interface{} `json:"variables,omitempty" yaml:"variables"`
}

// Node represents a typed step in the workflow.
type Node struct {
	ID     string     `json:"id" yaml:"id"`
	Type   string     `json:"type" yaml:"type"` // "task", "approval", "condition", "ai_worker", "webhook_action"
	Label  string     `json:"label" yaml:"label"`
	Config NodeConfig `json:"config,omitempty" yaml:"config"`
}

// Edge is a directed, optionally labeled connection between two nodes.
type Edge struct {
	ID           string `json:"id" yaml:"id"`
	SourceNodeID string `json:"source_node_id" yaml:"source"`
	TargetNodeID string `json:"target_node_id" yaml:"target"`
	Label        string `json:"label,omitempty" yaml:"label"` // "true"/"false" for conditions, "approve" for approvals
}

// FormField describes a piece of data collected once per task.
type FormField struct {
	Key      string `json:"key" yaml:"key"`
	Label    string `json:"label" yaml:"label"`
	Type     string `json:"type" yaml:"type"`
	Required bool   `json:"required" yaml:"required"`
}

// Task is a single work item routed through a workflow.
type Task struct {
	ID             string                 `json:"id"`
	Title          string                 `json:"title"`
	Description    string                 `json:"description,omitempty"`
	CreatorID      string                 `json:"creator_id,omitempty"`
	Status         string                 `json:"status"` // "new", "in_progress", "on_hold", "completed"
	Priority       string                 `json:"priority,omitempty"`
	AssigneeID     string                 `json:"assignee_id,omitempty"`
	AssigneeGroup  string                 `json:"assignee_group,omitempty"`
	Metadata       map[string]interface{} `json:"metadata"`
	WorkflowID     string                 `json:"workflow_id,omitempty"`
	WorkflowState  *WorkflowState         `json:"workflow_state,omitempty"`
	ArchivedStates []WorkflowState        `json:"archived_states,omitempty"`
	Version        int64                  `json:"version"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
}

// WorkflowState is the execution record of a task inside its workflow.
type WorkflowState struct {
	Status           string                `json:"status"` // "running", "awaiting_approval", "suspended", "on_hold", "completed"
	CurrentStep      *string               `json:"current_step"`
	StepHistory      []StepRecord          `json:"step_history"`
	CompletedSteps   []string              `json:"completed_steps"`
	PendingApprovals []PendingApproval     `json:"pending_approvals"`
	RetryState       map[string]RetryState `json:"retry_state,omitempty"`
	LastError        string                `json:"last_error,omitempty"`
	StartedAt        time.Time             `json:"started_at"`
	CompletedAt      *time.Time            `json:"completed_at,omitempty"`
	RewindHistory    []RewindRecord        `json:"rewind_history,omitempty"`
}

// StepRecord describes one visit to a node. Records are never edited after
// they are appended.
type StepRecord struct {
	StepID      string                 `json:"step_id"`
	StepName    string                 `json:"step_name"`
	Status      string                 `json:"status"` // "started", "completed", "approve", "reject", "rewound"
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	ActorID     string                 `json:"actor_id,omitempty"`
	Comment     string                 `json:"comment,omitempty"`
	Reason      string                 `json:"reason,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Attempt     int                    `json:"attempt,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Suspended   bool                   `json:"suspended,omitempty"`
	RoutedTo    string                 `json:"routed_to,omitempty"`
}

// PendingApproval names who must act before an approval step can complete.
type PendingApproval struct {
	StepID      string    `json:"step_id"`
	StepName    string    `json:"step_name"`
	AssignedTo  string    `json:"assigned_to"`
	RequestedAt time.Time `json:"requested_at"`
}

// RetryState tracks a node that is being retried.
type RetryState struct {
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
}

// RewindRecord keeps the details of one rewind of the task.
type RewindRecord struct {
	At            time.Time `json:"at"`
	ActorID       string    `json:"actor_id"`
	Reason        string    `json:"reason"`
	FromStep      string    `json:"from_step"`
	ToStep        string    `json:"to_step"`
	HistoryLength int       `json:"history_length"`
}

// AuditLogEntry is an immutable record of a state-changing operation.
type AuditLogEntry struct {
	ID             uint64                 `json:"id"`
	ActorID        string                 `json:"actor_id"`
	Action         string                 `json:"action"`
	TargetResource string                 `json:"target_resource"`
	Changes        map[string]interface{} `json:"changes"`
	Metadata       map[string]interface{} `json:"metadata"`
	Timestamp      time.Time              `json:"timestamp"`
}

// WebhookTrigger maps an inbound webhook onto a new task running a workflow.
type WebhookTrigger struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	WorkflowID     string            `json:"workflow_id"`
	IsActive       bool              `json:"is_active"`
	PayloadMapping map[string]string `json:"payload_mapping,omitempty"` // dotted payload path -> variable
	TriggerCount   int64             `json:"trigger_count"`
	LastTriggered  *time.Time        `json:"last_triggered,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Actor identifies who calls into the engine.
type Actor struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles,omitempty"`
}

// HasRole reports whether the actor holds any of the given roles.
func (a Actor) HasRole(roles ...string) bool {
	for _, have := range a.Roles {
		for _, want := range roles {
			if have == want {
				return true
			}
		}
	}
	return false
}
