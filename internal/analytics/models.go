package analytics

import "time"

// Event is an append-only routing record for reporting dashboards.
//
// workspace_id is required for tenancy isolation. Target identifiers are
// optional and depend on Type.
type Event struct {
	ID          string    `json:"id" db:"id"`
	WorkspaceID string    `json:"workspace_id" db:"workspace_id"`
	Type        EventType `json:"type" db:"type"`

	CallID       string `json:"call_id,omitempty" db:"call_id"`
	QueueID      string `json:"queue_id,omitempty" db:"queue_id"`
	AgentID      string `json:"agent_id,omitempty" db:"agent_id"`
	TransferID   string `json:"transfer_id,omitempty" db:"transfer_id"`
	ConferenceID string `json:"conference_id,omitempty" db:"conference_id"`

	// Reason is a short machine-readable qualifier (eviction reason, failure cause).
	Reason string `json:"reason,omitempty" db:"reason"`

	OccurredAt time.Time `json:"occurred_at" db:"occurred_at"`
}

type EventType string

const (
	EventEnqueued   EventType = "call_enqueued"
	EventDequeued   EventType = "call_dequeued"
	EventAssigned   EventType = "call_assigned"
	EventEvicted    EventType = "call_evicted"
	EventAbandoned  EventType = "call_abandoned"
	EventRequeued   EventType = "call_requeued"
	EventTransfer   EventType = "transfer_status"
	EventConference EventType = "conference_status"
)
