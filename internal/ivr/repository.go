package ivr

import (
	"context"
	"database/sql"
	"errors"
	"maps"
	"sync"
	"time"

	"callcenter-platform/internal/actions"
	"callcenter-platform/pkg/utils"
)

type Repository interface {
	Get(ctx context.Context, id string) (Menu, error)
	Save(ctx context.Context, m Menu) error
}

type MemoryRepo struct {
	mu    sync.RWMutex
	menus map[string]Menu
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{menus: make(map[string]Menu)} }

func (r *MemoryRepo) Get(ctx context.Context, id string) (Menu, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.menus[id]
	if !ok {
		return Menu{}, ErrMenuNotFound
	}
	m.Options = maps.Clone(m.Options)
	return m, nil
}

func (r *MemoryRepo) Save(ctx context.Context, m Menu) error {
	if err := Validate(m); err != nil {
		return err
	}
	now := time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.menus[m.ID]; ok {
		m.CreatedAt = prev.CreatedAt
	} else {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	m.Options = maps.Clone(m.Options)
	r.menus[m.ID] = m
	return nil
}

// PostgresRepo stores menus in ivr_menus and digit options in ivr_options
// (menu_id, digit, action, action_value), primary key (menu_id, digit).
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Get(ctx context.Context, id string) (Menu, error) {
	var m Menu
	var parent sql.NullString
	var timeoutSeconds int64
	var fbKind, fbValue string
	err := r.db.QueryRowContext(ctx, `
SELECT id, workspace_id, parent_id, name, welcome_message, invalid_message, timeout_message,
       timeout_seconds, max_retries, fallback_action, fallback_value, created_at, updated_at
FROM ivr_menus WHERE id = $1`, id).Scan(
		&m.ID, &m.WorkspaceID, &parent, &m.Name, &m.WelcomeMessage, &m.InvalidMessage, &m.TimeoutMessage,
		&timeoutSeconds, &m.MaxRetries, &fbKind, &fbValue, &m.CreatedAt, &m.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Menu{}, ErrMenuNotFound
	}
	if err != nil {
		return Menu{}, err
	}
	m.ParentID = parent.String
	m.Timeout = time.Duration(timeoutSeconds) * time.Second
	if fbKind != "" {
		if m.Fallback, err = actions.Parse(fbKind, fbValue); err != nil {
			return Menu{}, err
		}
	}

	rows, err := r.db.QueryContext(ctx, `SELECT digit, action, action_value FROM ivr_options WHERE menu_id = $1`, id)
	if err != nil {
		return Menu{}, err
	}
	defer rows.Close()
	m.Options = make(map[string]actions.Action)
	for rows.Next() {
		var digit, kind, value string
		if err := rows.Scan(&digit, &kind, &value); err != nil {
			return Menu{}, err
		}
		a, err := actions.Parse(kind, value)
		if err != nil {
			return Menu{}, err
		}
		m.Options[digit] = a
	}
	return m, rows.Err()
}

func (r *PostgresRepo) Save(ctx context.Context, m Menu) error {
	if err := Validate(m); err != nil {
		return err
	}
	now := time.Now().UTC()
	var fbKind, fbValue string
	if m.Fallback != nil {
		fbKind, fbValue = string(m.Fallback.Kind()), m.Fallback.Value()
	}
	var parent any
	if m.ParentID != "" {
		parent = m.ParentID
	}
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO ivr_menus (id, workspace_id, parent_id, name, welcome_message, invalid_message, timeout_message,
                       timeout_seconds, max_retries, fallback_action, fallback_value, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)
ON CONFLICT (id) DO UPDATE SET parent_id = EXCLUDED.parent_id, name = EXCLUDED.name,
  welcome_message = EXCLUDED.welcome_message, invalid_message = EXCLUDED.invalid_message,
  timeout_message = EXCLUDED.timeout_message, timeout_seconds = EXCLUDED.timeout_seconds,
  max_retries = EXCLUDED.max_retries, fallback_action = EXCLUDED.fallback_action,
  fallback_value = EXCLUDED.fallback_value, updated_at = EXCLUDED.updated_at`,
			m.ID, m.WorkspaceID, parent, m.Name, m.WelcomeMessage, m.InvalidMessage, m.TimeoutMessage,
			int64(m.Timeout/time.Second), m.MaxRetries, fbKind, fbValue, now,
		); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM ivr_options WHERE menu_id = $1`, m.ID); err != nil {
			return err
		}
		for digit, a := range m.Options {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO ivr_options (menu_id, digit, action, action_value) VALUES ($1,$2,$3,$4)`,
				m.ID, digit, string(a.Kind()), a.Value(),
			); err != nil {
				return err
			}
		}
		return nil
	})
}
