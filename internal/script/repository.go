package script

import (
	"context"
	"database/sql"
	"errors"
	"slices"
	"sync"
	"time"

	"callcenter-platform/internal/actions"
	"callcenter-platform/pkg/utils"
)

type Repository interface {
	Get(ctx context.Context, id string) (Script, error)
	Save(ctx context.Context, s Script) error
}

type MemoryRepo struct {
	mu      sync.RWMutex
	scripts map[string]Script
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{scripts: make(map[string]Script)} }

func (r *MemoryRepo) Get(ctx context.Context, id string) (Script, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scripts[id]
	if !ok {
		return Script{}, ErrScriptNotFound
	}
	s.Steps = slices.Clone(s.Steps)
	return s, nil
}

func (r *MemoryRepo) Save(ctx context.Context, s Script) error {
	if err := Validate(s); err != nil {
		return err
	}
	now := time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.scripts[s.ID]; ok {
		s.CreatedAt = prev.CreatedAt
	} else {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	s.Steps = slices.Clone(s.Steps)
	r.scripts[s.ID] = s
	return nil
}

// PostgresRepo stores scripts in call_scripts and steps in call_script_steps.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Get(ctx context.Context, id string) (Script, error) {
	var s Script
	var kind string
	err := r.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, name, kind, is_active, created_at, updated_at FROM call_scripts WHERE id = $1`, id,
	).Scan(&s.ID, &s.WorkspaceID, &s.Name, &kind, &s.IsActive, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Script{}, ErrScriptNotFound
	}
	if err != nil {
		return Script{}, err
	}
	s.Kind = Kind(kind)

	rows, err := r.db.QueryContext(ctx, `
SELECT step_number, step_type, content, expected_response, variable, next_step,
       condition_operator, condition_value, condition_target, action, action_value
FROM call_script_steps WHERE script_id = $1 ORDER BY step_number`, id)
	if err != nil {
		return Script{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var st Step
		var stepType, op, condValue, actionKind, actionValue string
		var next, target sql.NullInt64
		if err := rows.Scan(&st.Number, &stepType, &st.Content, &st.ExpectedResponse, &st.Variable, &next,
			&op, &condValue, &target, &actionKind, &actionValue); err != nil {
			return Script{}, err
		}
		st.Type = StepType(stepType)
		st.NextStep = int(next.Int64)
		if op != "" {
			st.Condition = &Condition{Operator: Operator(op), Value: condValue, Target: int(target.Int64)}
		}
		if actionKind != "" {
			if st.Action, err = actions.Parse(actionKind, actionValue); err != nil {
				return Script{}, err
			}
		}
		s.Steps = append(s.Steps, st)
	}
	return s, rows.Err()
}

func (r *PostgresRepo) Save(ctx context.Context, s Script) error {
	if err := Validate(s); err != nil {
		return err
	}
	now := time.Now().UTC()
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO call_scripts (id, workspace_id, name, kind, is_active, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$6)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, kind = EXCLUDED.kind,
  is_active = EXCLUDED.is_active, updated_at = EXCLUDED.updated_at`,
			s.ID, s.WorkspaceID, s.Name, string(s.Kind), s.IsActive, now,
		); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM call_script_steps WHERE script_id = $1`, s.ID); err != nil {
			return err
		}
		for _, st := range s.Steps {
			var op, condValue, actionKind, actionValue string
			var next, target any
			if st.NextStep != 0 {
				next = st.NextStep
			}
			if c := st.Condition; c != nil {
				op, condValue, target = string(c.Operator), c.Value, c.Target
			}
			if st.Action != nil {
				actionKind, actionValue = string(st.Action.Kind()), st.Action.Value()
			}
			if _, err := tx.ExecContext(ctx, `
INSERT INTO call_script_steps (script_id, step_number, step_type, content, expected_response, variable, next_step,
                               condition_operator, condition_value, condition_target, action, action_value)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
				s.ID, st.Number, string(st.Type), st.Content, st.ExpectedResponse, st.Variable, next,
				op, condValue, target, actionKind, actionValue,
			); err != nil {
				return err
			}
		}
		return nil
	})
}
