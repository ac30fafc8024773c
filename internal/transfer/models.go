package transfer

import (
	"errors"
	"time"
)

var (
	// ErrTransferFailed means the destination was unreachable or did not answer.
	// The call falls back to its original agent, or to its queue.
	ErrTransferFailed = errors.New("transfer: transfer failed")

	ErrInvalidTransfer     = errors.New("transfer: invalid transfer request")
	ErrTransferNotFound    = errors.New("transfer: transfer not found")
	ErrConferenceNotFound  = errors.New("transfer: conference not found")
	ErrConferenceFull      = errors.New("transfer: conference is full")
	ErrConferenceEnded     = errors.New("transfer: conference has ended")
	ErrInvalidPIN          = errors.New("transfer: invalid conference pin")
	ErrParticipantNotFound = errors.New("transfer: participant not found")
	ErrAgentUnavailable    = errors.New("transfer: agent has no free capacity")
)

type Type string

const (
	TypeBlind      Type = "blind"
	TypeAttended   Type = "attended"
	TypeConference Type = "conference"
)

type Status string

const (
	StatusInitiated Status = "initiated"
	StatusRinging   Status = "ringing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// Transfer records one hand-off of a call between agents.
type Transfer struct {
	ID          string `json:"id" db:"id"`
	WorkspaceID string `json:"workspace_id" db:"workspace_id"`
	CallID      string `json:"call_id" db:"call_id"`
	FromAgentID string `json:"from_agent_id" db:"from_agent_id"`
	ToAgentID   string `json:"to_agent_id" db:"to_agent_id"`
	Type        Type   `json:"transfer_type" db:"transfer_type"`
	Status      Status `json:"status" db:"status"`

	// LegID is the private leg rung for an attended transfer.
	LegID        string `json:"leg_id,omitempty" db:"leg_id"`
	ConferenceID string `json:"conference_id,omitempty" db:"conference_id"`
	Reason       string `json:"reason,omitempty" db:"reason"`

	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}

type ConferenceStatus string

const (
	ConferenceScheduled ConferenceStatus = "scheduled"
	ConferenceActive    ConferenceStatus = "active"
	ConferenceEnded     ConferenceStatus = "ended"
)

type Conference struct {
	ID              string           `json:"id" db:"id"`
	WorkspaceID     string           `json:"workspace_id" db:"workspace_id"`
	Name            string           `json:"name" db:"name"`
	HostUserID      string           `json:"host_user_id" db:"host_user_id"`
	PIN             string           `json:"-" db:"pin"`
	MaxParticipants int              `json:"max_participants" db:"max_participants"`
	Status          ConferenceStatus `json:"status" db:"status"`
	IsRecording     bool             `json:"is_recording" db:"is_recording"`

	// CallID is the customer call a transfer conference was built around.
	// When it ends, the conference ends.
	CallID string `json:"call_id,omitempty" db:"call_id"`

	Participants []Participant `json:"participants"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty" db:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty" db:"ended_at"`
}

type Participant struct {
	ID           string `json:"id" db:"id"`
	ConferenceID string `json:"conference_id" db:"conference_id"`
	CallID       string `json:"call_id,omitempty" db:"call_id"`
	PhoneNumber  string `json:"phone_number,omitempty" db:"phone_number"`
	UserID       string `json:"user_id,omitempty" db:"user_id"`
	AgentID      string `json:"agent_id,omitempty" db:"agent_id"`

	// HoldsClaim means this participant owns one unit of AgentID's capacity,
	// released when they leave.
	HoldsClaim bool `json:"holds_claim" db:"holds_claim"`

	JoinedAt time.Time  `json:"joined_at" db:"joined_at"`
	LeftAt   *time.Time `json:"left_at,omitempty" db:"left_at"`
	IsMuted  bool       `json:"is_muted" db:"is_muted"`
	IsHost   bool       `json:"is_host" db:"is_host"`
}

func (p Participant) Present() bool { return p.LeftAt == nil }

// ActiveCount counts participants who have not left.
func (c Conference) ActiveCount() int {
	n := 0
	for _, p := range c.Participants {
		if p.Present() {
			n++
		}
	}
	return n
}

func (c *Conference) participant(id string) (*Participant, bool) {
	for i := range c.Participants {
		if c.Participants[i].ID == id {
			return &c.Participants[i], true
		}
	}
	return nil, false
}

func (c *Conference) participantByCall(callID string) (*Participant, bool) {
	for i := range c.Participants {
		if c.Participants[i].CallID == callID && c.Participants[i].Present() {
			return &c.Participants[i], true
		}
	}
	return nil, false
}

// promoteHost makes the longest-present remaining participant host.
// It reports false when nobody is left.
func (c *Conference) promoteHost() bool {
	var next *Participant
	for i := range c.Participants {
		p := &c.Participants[i]
		if !p.Present() {
			continue
		}
		if next == nil || p.JoinedAt.Before(next.JoinedAt) {
			next = p
		}
	}
	if next == nil {
		return false
	}
	next.IsHost = true
	return true
}
