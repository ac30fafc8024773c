package transfer

import (
	"context"
	"database/sql"
	"errors"

	"callcenter-platform/pkg/utils"
)

// PostgresRepo assumes:
//
//	CREATE TABLE call_transfers (
//	  id TEXT PRIMARY KEY, workspace_id TEXT NOT NULL, call_id TEXT NOT NULL,
//	  from_agent_id TEXT NOT NULL, to_agent_id TEXT NOT NULL, transfer_type TEXT NOT NULL,
//	  status TEXT NOT NULL, leg_id TEXT NOT NULL DEFAULT '', conference_id TEXT NOT NULL DEFAULT '',
//	  reason TEXT NOT NULL DEFAULT '', created_at TIMESTAMPTZ NOT NULL,
//	  updated_at TIMESTAMPTZ NOT NULL, finished_at TIMESTAMPTZ
//	);
//	CREATE TABLE conferences (
//	  id TEXT PRIMARY KEY, workspace_id TEXT NOT NULL, name TEXT NOT NULL,
//	  host_user_id TEXT NOT NULL DEFAULT '', pin TEXT NOT NULL DEFAULT '',
//	  max_participants INT NOT NULL, status TEXT NOT NULL, is_recording BOOLEAN NOT NULL,
//	  call_id TEXT NOT NULL DEFAULT '', created_at TIMESTAMPTZ NOT NULL,
//	  started_at TIMESTAMPTZ, ended_at TIMESTAMPTZ
//	);
//	CREATE TABLE conference_participants (
//	  id TEXT PRIMARY KEY, conference_id TEXT NOT NULL REFERENCES conferences(id),
//	  call_id TEXT NOT NULL DEFAULT '', phone_number TEXT NOT NULL DEFAULT '',
//	  user_id TEXT NOT NULL DEFAULT '', agent_id TEXT NOT NULL DEFAULT '',
//	  holds_claim BOOLEAN NOT NULL, joined_at TIMESTAMPTZ NOT NULL, left_at TIMESTAMPTZ,
//	  is_muted BOOLEAN NOT NULL, is_host BOOLEAN NOT NULL
//	);
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) SaveTransfer(ctx context.Context, t Transfer) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO call_transfers (id, workspace_id, call_id, from_agent_id, to_agent_id, transfer_type,
                            status, leg_id, conference_id, reason, created_at, updated_at, finished_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, leg_id = EXCLUDED.leg_id,
  conference_id = EXCLUDED.conference_id, reason = EXCLUDED.reason,
  updated_at = EXCLUDED.updated_at, finished_at = EXCLUDED.finished_at`,
		t.ID, t.WorkspaceID, t.CallID, t.FromAgentID, t.ToAgentID, string(t.Type),
		string(t.Status), t.LegID, t.ConferenceID, t.Reason, t.CreatedAt, t.UpdatedAt, t.FinishedAt,
	)
	return err
}

func (r *PostgresRepo) GetTransfer(ctx context.Context, id string) (Transfer, error) {
	var t Transfer
	var typ, status string
	var finished sql.NullTime
	err := r.db.QueryRowContext(ctx, `
SELECT id, workspace_id, call_id, from_agent_id, to_agent_id, transfer_type, status,
       leg_id, conference_id, reason, created_at, updated_at, finished_at
FROM call_transfers WHERE id = $1`, id).Scan(
		&t.ID, &t.WorkspaceID, &t.CallID, &t.FromAgentID, &t.ToAgentID, &typ, &status,
		&t.LegID, &t.ConferenceID, &t.Reason, &t.CreatedAt, &t.UpdatedAt, &finished,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Transfer{}, ErrTransferNotFound
	}
	if err != nil {
		return Transfer{}, err
	}
	t.Type, t.Status = Type(typ), Status(status)
	if finished.Valid {
		t.FinishedAt = &finished.Time
	}
	return t, nil
}

func (r *PostgresRepo) SaveConference(ctx context.Context, c Conference) error {
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO conferences (id, workspace_id, name, host_user_id, pin, max_participants, status,
                         is_recording, call_id, created_at, started_at, ended_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, is_recording = EXCLUDED.is_recording,
  started_at = EXCLUDED.started_at, ended_at = EXCLUDED.ended_at`,
			c.ID, c.WorkspaceID, c.Name, c.HostUserID, c.PIN, c.MaxParticipants, string(c.Status),
			c.IsRecording, c.CallID, c.CreatedAt, c.StartedAt, c.EndedAt,
		); err != nil {
			return err
		}
		for _, p := range c.Participants {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO conference_participants (id, conference_id, call_id, phone_number, user_id, agent_id,
                                     holds_claim, joined_at, left_at, is_muted, is_host)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (id) DO UPDATE SET holds_claim = EXCLUDED.holds_claim, left_at = EXCLUDED.left_at,
  is_muted = EXCLUDED.is_muted, is_host = EXCLUDED.is_host`,
				p.ID, c.ID, p.CallID, p.PhoneNumber, p.UserID, p.AgentID,
				p.HoldsClaim, p.JoinedAt, p.LeftAt, p.IsMuted, p.IsHost,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *PostgresRepo) GetConference(ctx context.Context, id string) (Conference, error) {
	var c Conference
	var status string
	var started, ended sql.NullTime
	err := r.db.QueryRowContext(ctx, `
SELECT id, workspace_id, name, host_user_id, pin, max_participants, status, is_recording,
       call_id, created_at, started_at, ended_at
FROM conferences WHERE id = $1`, id).Scan(
		&c.ID, &c.WorkspaceID, &c.Name, &c.HostUserID, &c.PIN, &c.MaxParticipants, &status,
		&c.IsRecording, &c.CallID, &c.CreatedAt, &started, &ended,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Conference{}, ErrConferenceNotFound
	}
	if err != nil {
		return Conference{}, err
	}
	c.Status = ConferenceStatus(status)
	if started.Valid {
		c.StartedAt = &started.Time
	}
	if ended.Valid {
		c.EndedAt = &ended.Time
	}

	rows, err := r.db.QueryContext(ctx, `
SELECT id, call_id, phone_number, user_id, agent_id, holds_claim, joined_at, left_at, is_muted, is_host
FROM conference_participants WHERE conference_id = $1 ORDER BY joined_at, id`, id)
	if err != nil {
		return Conference{}, err
	}
	defer rows.Close()
	for rows.Next() {
		p := Participant{ConferenceID: id}
		var left sql.NullTime
		if err := rows.Scan(&p.ID, &p.CallID, &p.PhoneNumber, &p.UserID, &p.AgentID,
			&p.HoldsClaim, &p.JoinedAt, &left, &p.IsMuted, &p.IsHost); err != nil {
			return Conference{}, err
		}
		if left.Valid {
			p.LeftAt = &left.Time
		}
		c.Participants = append(c.Participants, p)
	}
	return c, rows.Err()
}

func (r *PostgresRepo) ActiveConferencesForCall(ctx context.Context, callID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT c.id FROM conferences c
WHERE c.status <> 'ended' AND (c.call_id = $1 OR EXISTS (
  SELECT 1 FROM conference_participants p
  WHERE p.conference_id = c.id AND p.call_id = $1 AND p.left_at IS NULL))
ORDER BY c.id`, callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
