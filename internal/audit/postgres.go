package audit

import (
	"context"
	"database/sql"

	"callcenter-platform/pkg/utils"
)

// PostgresRepo assumes an INSERT-only table:
//
//	CREATE TABLE audit_events (
//	  id TEXT PRIMARY KEY, workspace_id TEXT NOT NULL, type TEXT NOT NULL,
//	  actor_user_id TEXT NOT NULL DEFAULT '', actor_role TEXT NOT NULL DEFAULT '',
//	  ip_address TEXT NOT NULL DEFAULT '', agent_id TEXT NOT NULL DEFAULT '',
//	  call_id TEXT NOT NULL DEFAULT '', conference_id TEXT NOT NULL DEFAULT '',
//	  message TEXT NOT NULL DEFAULT '', metadata TEXT NOT NULL DEFAULT '',
//	  created_at TIMESTAMPTZ NOT NULL
//	);
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

// Append is idempotent by event id: a retried append of a stored event succeeds.
func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO audit_events (id, workspace_id, type, actor_user_id, actor_role, ip_address,
                          agent_id, call_id, conference_id, message, metadata, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		e.ID, e.WorkspaceID, string(e.Type), e.ActorUserID, e.ActorRole, e.IPAddress,
		e.AgentID, e.CallID, e.ConferenceID, e.Message, e.Metadata, e.CreatedAt,
	)
	if utils.IsUniqueViolation(err) {
		return nil
	}
	return err
}
