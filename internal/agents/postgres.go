package agents

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Directory is durable agent profile storage. Capacity counters are not stored
// here; they live in the Registry only.
type Directory interface {
	LoadAll(ctx context.Context) ([]Agent, error)
	Save(ctx context.Context, a Agent) error
	SavePresence(ctx context.Context, id string, p Presence, at time.Time) error
}

// PostgresDirectory assumes:
//
//	CREATE TABLE agents (
//	  id TEXT PRIMARY KEY, user_id TEXT NOT NULL, workspace_id TEXT NOT NULL,
//	  extension TEXT NOT NULL, skills JSONB NOT NULL DEFAULT '[]',
//	  presence TEXT NOT NULL, max_concurrent_calls INT NOT NULL, priority INT NOT NULL DEFAULT 0,
//	  updated_at TIMESTAMPTZ NOT NULL
//	);
type PostgresDirectory struct {
	db *sql.DB
}

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (d *PostgresDirectory) LoadAll(ctx context.Context) ([]Agent, error) {
	const q = `
SELECT id, user_id, workspace_id, extension, skills, presence, max_concurrent_calls, priority, updated_at
FROM agents
ORDER BY workspace_id, id
`
	rows, err := d.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		var a Agent
		var skills []byte
		if err := rows.Scan(
			&a.ID,
			&a.UserID,
			&a.WorkspaceID,
			&a.Extension,
			&skills,
			&a.Presence,
			&a.MaxConcurrentCalls,
			&a.Priority,
			&a.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if len(skills) > 0 {
			if err := json.Unmarshal(skills, &a.Skills); err != nil {
				return nil, fmt.Errorf("agents: decode skills for %s: %w", a.ID, err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (d *PostgresDirectory) Save(ctx context.Context, a Agent) error {
	skills, err := json.Marshal(a.Skills)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO agents (id, user_id, workspace_id, extension, skills, presence, max_concurrent_calls, priority, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (id)
DO UPDATE SET user_id = EXCLUDED.user_id,
              workspace_id = EXCLUDED.workspace_id,
              extension = EXCLUDED.extension,
              skills = EXCLUDED.skills,
              presence = EXCLUDED.presence,
              max_concurrent_calls = EXCLUDED.max_concurrent_calls,
              priority = EXCLUDED.priority,
              updated_at = EXCLUDED.updated_at
`
	_, err = d.db.ExecContext(ctx, q,
		a.ID,
		a.UserID,
		a.WorkspaceID,
		a.Extension,
		skills,
		string(a.Presence),
		a.MaxConcurrentCalls,
		a.Priority,
		a.UpdatedAt,
	)
	return err
}

func (d *PostgresDirectory) SavePresence(ctx context.Context, id string, p Presence, at time.Time) error {
	const q = `UPDATE agents SET presence = $2, updated_at = $3 WHERE id = $1`
	res, err := d.db.ExecContext(ctx, q, id, string(p), at)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Seed loads every directory agent into the registry. Existing capacity counters are kept.
func Seed(ctx context.Context, dir Directory, reg Registry) (int, error) {
	list, err := dir.LoadAll(ctx)
	if err != nil {
		return 0, err
	}
	for _, a := range list {
		if err := reg.Upsert(ctx, a); err != nil {
			return 0, fmt.Errorf("agents: seed %s: %w", a.ID, err)
		}
	}
	return len(list), nil
}

// WriteThrough persists profile and presence changes to a Directory before
// applying them to the wrapped Registry.
type WriteThrough struct {
	Registry
	dir Directory
	now func() time.Time
}

func NewWriteThrough(reg Registry, dir Directory) *WriteThrough {
	return &WriteThrough{Registry: reg, dir: dir, now: time.Now}
}

func (w *WriteThrough) Upsert(ctx context.Context, a Agent) error {
	if err := validate(a); err != nil {
		return err
	}
	if cur, err := w.Registry.Get(ctx, a.ID); err == nil && a.MaxConcurrentCalls < cur.CurrentCalls {
		return ErrCapacityInUse
	}
	a.UpdatedAt = w.now().UTC()
	if err := w.dir.Save(ctx, a); err != nil {
		return err
	}
	return w.Registry.Upsert(ctx, a)
}

func (w *WriteThrough) SetStatus(ctx context.Context, id string, s Status) error {
	p, err := presenceFor(s)
	if err != nil {
		return err
	}
	if err := w.dir.SavePresence(ctx, id, p, w.now().UTC()); err != nil {
		return err
	}
	return w.Registry.SetStatus(ctx, id, s)
}
