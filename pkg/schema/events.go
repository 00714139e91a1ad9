package schema

// Event type constants published to the event sink.
const (
	EventWorkflowStarted      = "workflow_started"
	EventWorkflowTransitioned = "workflow_transitioned"
	EventWorkflowCompleted    = "workflow_completed"
	EventWorkflowCancelled    = "workflow_cancelled"
)

// History transition-name sentinels for the synthetic entries written by the
// engine itself rather than by a defined transition.
const (
	HistoryStart  = "START"
	HistoryCancel = "CANCEL"
)
