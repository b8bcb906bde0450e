package workflow

import "time"

// Workflow represents a persisted workflow definition with its graph of nodes and edges.
// The graph is immutable once a run starts; the engine never writes back into it.
type Workflow struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Nodes     []Node    `json:"nodes"`
	Edges     []Edge    `json:"edges"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Node is a single configured unit of work in a workflow graph. Kind selects
// the registered executor; Config holds the pre-resolution settings (template
// placeholders intact) authored for this node.
type Node struct {
	ID     string         `json:"id"`
	Kind   string         `json:"kind"`
	Name   string         `json:"name,omitempty"`
	Config map[string]any `json:"config,omitempty"`
}

// Edge is a directed dependency between two nodes. Label selects a branch
// outcome on conditional sources ("true"/"false" for if_else, case values or
// "default" for switch, "done" for the after-loop path of a loop node).
type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
	Label  string `json:"label,omitempty"`
}

// Run statuses.
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunSuccess   = "success"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// Node record statuses.
const (
	NodePending = "pending"
	NodeRunning = "running"
	NodeSuccess = "success"
	NodeFailed  = "failed"
	NodeSkipped = "skipped"
)

// NodeExecutionRecord captures one node's execution within a run. Retries
// produce a single record with Attempts > 1, not multiple records. For nodes
// inside a loop body the record reflects the final iteration.
type NodeExecutionRecord struct {
	NodeID     string         `json:"nodeId"`
	Kind       string         `json:"kind"`
	Status     string         `json:"status"`
	StartedAt  time.Time      `json:"startedAt,omitzero"`
	FinishedAt time.Time      `json:"finishedAt,omitzero"`
	DurationMs int64          `json:"durationMs"`
	Attempts   int            `json:"attempts,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	Error      *ErrorDetail   `json:"error,omitempty"`
}

// ErrorDetail is the normalized error shape crossing every node boundary.
type ErrorDetail struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	NodeID  string         `json:"nodeId,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// RunResult is the record emitted at run end for persistence and observability.
type RunResult struct {
	RunID      string                `json:"runId"`
	WorkflowID string                `json:"workflowId,omitempty"`
	Status     string                `json:"status"`
	StartedAt  time.Time             `json:"startedAt"`
	FinishedAt time.Time             `json:"finishedAt"`
	DurationMs int64                 `json:"durationMs"`
	Logs       []NodeExecutionRecord `json:"logs"`
	Output     map[string]any        `json:"output,omitempty"`
	Error      *ErrorDetail          `json:"error,omitempty"`
	Warnings   []string              `json:"warnings,omitempty"`
}

// ExecuteRequest is the JSON body sent to execute a workflow. Input is the
// initial payload handed to the trigger node; manual invocations, inbound
// events and scheduled ticks all normalize to this one shape.
type ExecuteRequest struct {
	Input map[string]any `json:"input"`
}
