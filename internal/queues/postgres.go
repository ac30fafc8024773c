package queues

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresRepo assumes:
//
//	CREATE TABLE queues (
//	  id TEXT PRIMARY KEY, workspace_id TEXT NOT NULL, name TEXT NOT NULL,
//	  max_wait_seconds INT NOT NULL DEFAULT 0, max_queue_size INT NOT NULL DEFAULT 0,
//	  priority INT NOT NULL DEFAULT 0, skill_requirements JSONB NOT NULL DEFAULT '[]',
//	  overflow_kind TEXT NOT NULL DEFAULT '', overflow_target TEXT NOT NULL DEFAULT '',
//	  hold_content TEXT NOT NULL DEFAULT '', is_active BOOLEAN NOT NULL DEFAULT true,
//	  created_at TIMESTAMPTZ NOT NULL, updated_at TIMESTAMPTZ NOT NULL
//	);
type PostgresRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db, now: time.Now}
}

const queueColumns = `id, workspace_id, name, max_wait_seconds, max_queue_size, priority, skill_requirements,
overflow_kind, overflow_target, hold_content, is_active, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueue(s rowScanner) (Queue, error) {
	var q Queue
	var maxWait int64
	var skills []byte
	var kind string
	if err := s.Scan(
		&q.ID,
		&q.WorkspaceID,
		&q.Name,
		&maxWait,
		&q.MaxQueueSize,
		&q.Priority,
		&skills,
		&kind,
		&q.Overflow.Target,
		&q.HoldContent,
		&q.IsActive,
		&q.CreatedAt,
		&q.UpdatedAt,
	); err != nil {
		return Queue{}, err
	}
	q.MaxWaitTime = time.Duration(maxWait) * time.Second
	q.Overflow.Kind = OverflowKind(kind)
	if len(skills) > 0 {
		if err := json.Unmarshal(skills, &q.SkillRequirements); err != nil {
			return Queue{}, fmt.Errorf("queues: decode skills for %s: %w", q.ID, err)
		}
	}
	return q, nil
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (Queue, error) {
	q, err := scanQueue(r.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM queues WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Queue{}, ErrNotFound
	}
	return q, err
}

func (r *PostgresRepo) List(ctx context.Context, workspaceID string) ([]Queue, error) {
	return r.query(ctx, `SELECT `+queueColumns+` FROM queues WHERE workspace_id = $1 ORDER BY priority DESC, id`, workspaceID)
}

func (r *PostgresRepo) ListActive(ctx context.Context) ([]Queue, error) {
	return r.query(ctx, `SELECT `+queueColumns+` FROM queues WHERE is_active ORDER BY priority DESC, id`)
}

func (r *PostgresRepo) query(ctx context.Context, q string, args ...any) ([]Queue, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Queue
	for rows.Next() {
		qu, err := scanQueue(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, qu)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) Save(ctx context.Context, q Queue) error {
	if err := Validate(q); err != nil {
		return err
	}
	skills, err := json.Marshal(q.SkillRequirements)
	if err != nil {
		return err
	}
	if q.SkillRequirements == nil {
		skills = []byte("[]")
	}
	now := r.now().UTC()
	const stmt = `
INSERT INTO queues (` + queueColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)
ON CONFLICT (id)
DO UPDATE SET name = EXCLUDED.name,
              max_wait_seconds = EXCLUDED.max_wait_seconds,
              max_queue_size = EXCLUDED.max_queue_size,
              priority = EXCLUDED.priority,
              skill_requirements = EXCLUDED.skill_requirements,
              overflow_kind = EXCLUDED.overflow_kind,
              overflow_target = EXCLUDED.overflow_target,
              hold_content = EXCLUDED.hold_content,
              is_active = EXCLUDED.is_active,
              updated_at = EXCLUDED.updated_at
WHERE queues.workspace_id = EXCLUDED.workspace_id
`
	res, err := r.db.ExecContext(ctx, stmt,
		q.ID,
		q.WorkspaceID,
		q.Name,
		int64(q.MaxWaitTime/time.Second),
		q.MaxQueueSize,
		q.Priority,
		skills,
		string(q.Overflow.Kind),
		q.Overflow.Target,
		q.HoldContent,
		q.IsActive,
		now,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// id exists under another workspace
		return ErrInvalidQueue
	}
	return nil
}
