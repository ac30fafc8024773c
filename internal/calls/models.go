package calls

import "time"

// Call represents a tenant-scoped phone call as seen by the routing core.
//
// Multi-tenant invariant: WorkspaceID is required on every row.
// Provider identifiers (Twilio CallSid) are used directly as CallID.
type Call struct {
	CallID      string `json:"call_id" db:"call_id"`
	WorkspaceID string `json:"workspace_id" db:"workspace_id"`

	From string `json:"from" db:"from"`
	To   string `json:"to" db:"to"`

	Status CallStatus `json:"status" db:"status"`

	QueueID string `json:"queue_id,omitempty" db:"queue_id"`
	AgentID string `json:"agent_id,omitempty" db:"agent_id"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type CallStatus string

const (
	CallStatusIVR        CallStatus = "ivr"
	CallStatusScripted   CallStatus = "scripted"
	CallStatusQueued     CallStatus = "queued"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusAbandoned  CallStatus = "abandoned"
	CallStatusFailed     CallStatus = "failed"
)

// Terminal reports whether no further routing happens for the call.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallStatusCompleted, CallStatusAbandoned, CallStatusFailed:
		return true
	default:
		return false
	}
}
