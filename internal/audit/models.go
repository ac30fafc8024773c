package audit

import "time"

// Event is an immutable, append-only record of a supervisor action.
//
// Invariants:
// - Events are never updated or deleted.
// - workspace_id is required for tenancy isolation.
// - actor and ip capture are best-effort; do not block call handling on audit failures.
type Event struct {
	ID          string    `json:"id" db:"id"`
	WorkspaceID string    `json:"workspace_id" db:"workspace_id"`
	Type        EventType `json:"type" db:"type"`

	// ActorUserID is the authenticated user causing the event.
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	// ActorRole may include hidden roles.
	ActorRole string `json:"actor_role,omitempty" db:"actor_role"`
	IPAddress string `json:"ip_address,omitempty" db:"ip_address"`

	// Target identifiers, depending on the event type.
	AgentID      string `json:"agent_id,omitempty" db:"agent_id"`
	CallID       string `json:"call_id,omitempty" db:"call_id"`
	ConferenceID string `json:"conference_id,omitempty" db:"conference_id"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`
	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	// EventStatusOverride is a presence change made for another agent.
	EventStatusOverride   EventType = "status_override"
	EventCallEnded        EventType = "call_ended"
	EventTransferOnBehalf EventType = "transfer_on_behalf"
	EventConferenceClosed EventType = "conference_closed"
)
