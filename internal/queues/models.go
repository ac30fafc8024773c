package queues

import (
	"cmp"
	"slices"
	"time"
)

// OverflowKind names where calls go when a queue cannot hold them.
type OverflowKind string

const (
	OverflowNone      OverflowKind = ""
	OverflowQueue     OverflowKind = "queue"
	OverflowVoicemail OverflowKind = "voicemail"
	OverflowHangup    OverflowKind = "hangup"
	OverflowTransfer  OverflowKind = "transfer"
)

// Overflow is a queue's fallback destination. Target is a queue id, mailbox or
// phone number depending on Kind.
type Overflow struct {
	Kind   OverflowKind `json:"kind,omitempty"`
	Target string       `json:"target,omitempty"`
}

// Queue is an ordered waiting area for calls not yet matched to an agent.
// A dispatch cycle works on one value copy, so config changes apply from the next cycle.
type Queue struct {
	ID          string `json:"id" db:"id"`
	WorkspaceID string `json:"workspace_id" db:"workspace_id"`
	Name        string `json:"name" db:"name"`

	// MaxWaitTime of zero disables wait-time eviction.
	MaxWaitTime time.Duration `json:"max_wait_time" db:"max_wait_seconds"`
	// MaxQueueSize of zero means unbounded.
	MaxQueueSize int `json:"max_queue_size" db:"max_queue_size"`
	Priority     int `json:"priority" db:"priority"`

	SkillRequirements []string `json:"skill_requirements,omitempty" db:"skill_requirements"`
	Overflow          Overflow `json:"overflow" db:"overflow"`
	HoldContent       string   `json:"hold_content,omitempty" db:"hold_content"`
	IsActive          bool     `json:"is_active" db:"is_active"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// QueuedCall is one waiting call. Position and EstimatedWait are derived when
// the queue is read and never stored.
type QueuedCall struct {
	CallID      string    `json:"call_id"`
	QueueID     string    `json:"queue_id"`
	WorkspaceID string    `json:"workspace_id"`
	Caller      string    `json:"caller"`
	Priority    int       `json:"priority"`
	QueuedAt    time.Time `json:"queued_at"`

	// Seq is the store-wide insertion sequence; it breaks ties between equal timestamps.
	Seq int64 `json:"seq"`

	Position      int           `json:"position"`
	EstimatedWait time.Duration `json:"estimated_wait"`
}

// Compare orders calls by priority desc, then queued_at asc, then insertion order.
func Compare(a, b QueuedCall) int {
	if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
		return c
	}
	if c := a.QueuedAt.Compare(b.QueuedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.Seq, b.Seq)
}

// Order sorts in place and assigns 1-based positions.
func Order(list []QueuedCall) {
	slices.SortFunc(list, Compare)
	for i := range list {
		list[i].Position = i + 1
	}
}

// Expired reports whether the call has waited longer than the queue allows.
func (q Queue) Expired(c QueuedCall, now time.Time) bool {
	return q.MaxWaitTime > 0 && now.Sub(c.QueuedAt) > q.MaxWaitTime
}
