package script

import (
	"errors"
	"time"

	"callcenter-platform/internal/actions"
)

var (
	// ErrTerminationAmbiguity means a branch pointed at a step that does not
	// exist. The run is logged and ended, never failed.
	ErrTerminationAmbiguity = errors.New("script: branch target does not exist")

	ErrScriptNotFound = errors.New("script: not found")
	ErrInvalidScript  = errors.New("script: invalid script")
	ErrNoSession      = errors.New("script: no active run for call")
	ErrNotAwaiting    = errors.New("script: not awaiting input")
)

type Kind string

const (
	KindSales    Kind = "sales"
	KindSupport  Kind = "support"
	KindCallback Kind = "callback"
)

type StepType string

const (
	StepMessage        StepType = "message"
	StepQuestion       StepType = "question"
	StepDataCollection StepType = "data_collection"
	StepCondition      StepType = "condition"
	StepAction         StepType = "action"
)

type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
)

// Condition jumps to Target when the response satisfies Operator against Value.
type Condition struct {
	Operator Operator `json:"operator"`
	Value    string   `json:"value"`
	Target   int      `json:"target"`
}

type Step struct {
	Number  int      `json:"step_number" db:"step_number"`
	Type    StepType `json:"step_type" db:"step_type"`
	Content string   `json:"content" db:"content"`

	// ExpectedResponse names the answer shape ("yes_no", "text", "number").
	// A step that declares one suspends for input.
	ExpectedResponse string `json:"expected_response,omitempty" db:"expected_response"`
	// Variable binds the raw response under this name.
	Variable string `json:"variable,omitempty" db:"variable"`

	// NextStep of zero falls through to Number+1.
	NextStep  int            `json:"next_step,omitempty" db:"next_step"`
	Condition *Condition     `json:"condition,omitempty"`
	Action    actions.Action `json:"-"`
}

func (s Step) awaits() bool {
	if s.ExpectedResponse != "" {
		return true
	}
	return s.Type == StepQuestion || s.Type == StepDataCollection
}

type Script struct {
	ID          string    `json:"id" db:"id"`
	WorkspaceID string    `json:"workspace_id" db:"workspace_id"`
	Name        string    `json:"name" db:"name"`
	Kind        Kind      `json:"kind" db:"kind"`
	Steps       []Step    `json:"steps"`
	IsActive    bool      `json:"is_active" db:"is_active"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

func (s Script) step(n int) (Step, bool) {
	for _, st := range s.Steps {
		if st.Number == n {
			return st, true
		}
	}
	return Step{}, false
}

func (s Script) first() (Step, bool) {
	if len(s.Steps) == 0 {
		return Step{}, false
	}
	lowest := s.Steps[0]
	for _, st := range s.Steps[1:] {
		if st.Number < lowest.Number {
			lowest = st
		}
	}
	return lowest, true
}

// Validate checks step numbering and per-type requirements. Branch targets
// are not checked: a dangling target is handled at run time.
func Validate(s Script) error {
	if s.ID == "" || s.WorkspaceID == "" || len(s.Steps) == 0 {
		return ErrInvalidScript
	}
	seen := make(map[int]bool, len(s.Steps))
	for _, st := range s.Steps {
		if st.Number < 1 || seen[st.Number] {
			return ErrInvalidScript
		}
		seen[st.Number] = true
		switch st.Type {
		case StepMessage, StepQuestion, StepDataCollection:
		case StepCondition:
			if st.Condition == nil {
				return ErrInvalidScript
			}
		case StepAction:
			if st.Action == nil {
				return ErrInvalidScript
			}
		default:
			return ErrInvalidScript
		}
		if c := st.Condition; c != nil {
			switch c.Operator {
			case OpEquals, OpNotEquals, OpContains, OpGreaterThan, OpLessThan:
			default:
				return ErrInvalidScript
			}
		}
	}
	return nil
}
