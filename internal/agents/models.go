package agents

import (
	"cmp"
	"slices"
	"time"
)

// Presence is what the agent chose. Busy is never chosen; it is derived from capacity.
type Presence string

const (
	PresenceAvailable Presence = "available"
	PresenceAway      Presence = "away"
	PresenceOffline   Presence = "offline"
)

// Status is the externally visible agent state.
type Status string

const (
	StatusAvailable Status = "available"
	StatusBusy      Status = "busy"
	StatusAway      Status = "away"
	StatusOffline   Status = "offline"
)

// Agent is a workspace member who can take calls.
//
// Invariant: 0 <= CurrentCalls <= MaxConcurrentCalls.
type Agent struct {
	ID          string `json:"id" db:"id"`
	UserID      string `json:"user_id" db:"user_id"`
	WorkspaceID string `json:"workspace_id" db:"workspace_id"`
	Extension   string `json:"extension" db:"extension"`

	Skills []string `json:"skills" db:"skills"`

	Presence           Presence `json:"presence" db:"presence"`
	MaxConcurrentCalls int      `json:"max_concurrent_calls" db:"max_concurrent_calls"`
	CurrentCalls       int      `json:"current_calls" db:"current_calls"`
	Priority           int      `json:"priority" db:"priority"`

	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Status derives the visible state: an explicit away/offline wins, otherwise
// a full agent is busy.
func (a Agent) Status() Status {
	switch a.Presence {
	case PresenceAway:
		return StatusAway
	case PresenceOffline, "":
		return StatusOffline
	}
	if a.CurrentCalls >= a.MaxConcurrentCalls {
		return StatusBusy
	}
	return StatusAvailable
}

// HasSkills reports whether the agent's skills are a superset of required.
func (a Agent) HasSkills(required []string) bool {
	for _, s := range required {
		if !slices.Contains(a.Skills, s) {
			return false
		}
	}
	return true
}

// Eligible reports whether a claim for a call needing required could succeed right now.
func (a Agent) Eligible(required []string) bool {
	return a.Status() == StatusAvailable && a.HasSkills(required)
}

// SortEligible orders candidates: priority desc, then fewest current calls, then id.
func SortEligible(list []Agent) {
	slices.SortStableFunc(list, func(x, y Agent) int {
		return cmp.Or(
			cmp.Compare(y.Priority, x.Priority),
			cmp.Compare(x.CurrentCalls, y.CurrentCalls),
			cmp.Compare(x.ID, y.ID),
		)
	})
}

func presenceFor(s Status) (Presence, error) {
	switch s {
	case StatusAvailable:
		return PresenceAvailable, nil
	case StatusAway:
		return PresenceAway, nil
	case StatusOffline:
		return PresenceOffline, nil
	default:
		return "", ErrInvalidStatus
	}
}
