package ivr

import (
	"errors"
	"time"

	"callcenter-platform/internal/actions"
)

var (
	// ErrInvalidInput and ErrInputTimeout drive the retry counter; they are
	// reported in Result.Failure and never returned as errors.
	ErrInvalidInput = errors.New("ivr: invalid input")
	ErrInputTimeout = errors.New("ivr: input timeout")

	ErrMenuNotFound = errors.New("ivr: menu not found")
	ErrInvalidMenu  = errors.New("ivr: invalid menu")
	ErrNoSession    = errors.New("ivr: no active session for call")
)

const (
	DefaultTimeout    = 5 * time.Second
	DefaultMaxRetries = 3
)

// Menu is one node in a workspace's IVR tree. The root has no ParentID.
type Menu struct {
	ID          string `json:"id" db:"id"`
	WorkspaceID string `json:"workspace_id" db:"workspace_id"`
	ParentID    string `json:"parent_id,omitempty" db:"parent_id"`
	Name        string `json:"name" db:"name"`

	WelcomeMessage string `json:"welcome_message" db:"welcome_message"`
	InvalidMessage string `json:"invalid_message" db:"invalid_message"`
	TimeoutMessage string `json:"timeout_message" db:"timeout_message"`

	Timeout    time.Duration `json:"timeout" db:"timeout_seconds"`
	MaxRetries int           `json:"max_retries" db:"max_retries"`

	// Options maps one input digit to an action.
	Options map[string]actions.Action `json:"-"`
	// Fallback runs after MaxRetries consecutive failures; nil hangs up.
	Fallback actions.Action `json:"-"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

func (m Menu) timeout() time.Duration {
	if m.Timeout <= 0 {
		return DefaultTimeout
	}
	return m.Timeout
}

func (m Menu) fallback() actions.Action {
	if m.Fallback == nil {
		return actions.Hangup{}
	}
	return m.Fallback
}

// Validate checks the menu shape. Option digits are single DTMF keys.
func Validate(m Menu) error {
	if m.ID == "" || m.WorkspaceID == "" || m.MaxRetries < 0 {
		return ErrInvalidMenu
	}
	if m.ParentID == m.ID {
		return ErrInvalidMenu
	}
	for digit, a := range m.Options {
		if len(digit) != 1 || a == nil {
			return ErrInvalidMenu
		}
		switch digit[0] {
		case '0', '1', '2', '3', '4', '5', '6', '7', '8', '9', '*', '#':
		default:
			return ErrInvalidMenu
		}
		if sub, ok := a.(actions.Submenu); ok && sub.MenuID == m.ID {
			return ErrInvalidMenu
		}
	}
	if m.Fallback != nil {
		if _, ok := m.Fallback.(actions.Webhook); ok {
			return ErrInvalidMenu
		}
	}
	return nil
}
