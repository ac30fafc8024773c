package calls

import "time"

// EventType names an inbound event delivered by the carrier layer.
type EventType string

const (
	EventCallArrived   EventType = "call_arrived"
	EventCallAnswered  EventType = "call_answered"
	EventCallEnded     EventType = "call_ended"
	EventDigitReceived EventType = "digit_received"
)

// Event is the provider-agnostic call event consumed by the routing core.
type Event struct {
	Type        EventType `json:"type"`
	CallID      string    `json:"call_id"`
	WorkspaceID string    `json:"workspace_id"`

	// From is the caller number, To the dialed destination. Set on CallArrived.
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	// Digits carries DTMF input; Speech carries recognized speech. Both empty on a gather timeout.
	Digits string `json:"digits,omitempty"`
	Speech string `json:"speech,omitempty"`

	OccurredAt time.Time `json:"occurred_at"`
}

// Input returns the caller response carried by a DigitReceived event.
func (e Event) Input() string {
	if e.Digits != "" {
		return e.Digits
	}
	return e.Speech
}
