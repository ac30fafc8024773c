package queues

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	ok := Queue{ID: "q1", WorkspaceID: "ws1"}
	require.NoError(t, Validate(ok))

	cases := map[string]Queue{
		"missing id":       {WorkspaceID: "ws1"},
		"negative size":    {ID: "q1", WorkspaceID: "ws1", MaxQueueSize: -1},
		"overflow no dest": {ID: "q1", WorkspaceID: "ws1", Overflow: Overflow{Kind: OverflowQueue}},
		"overflow to self": {ID: "q1", WorkspaceID: "ws1", Overflow: Overflow{Kind: OverflowQueue, Target: "q1"}},
		"unknown overflow": {ID: "q1", WorkspaceID: "ws1", Overflow: Overflow{Kind: "sms", Target: "x"}},
	}
	for name, q := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, Validate(q), ErrInvalidQueue)
		})
	}
}

func TestMemoryRepo_ListActiveByPriority(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepo()
	require.NoError(t, r.Save(ctx, Queue{ID: "low", WorkspaceID: "ws1", Priority: 1, IsActive: true}))
	require.NoError(t, r.Save(ctx, Queue{ID: "high", WorkspaceID: "ws2", Priority: 5, IsActive: true}))
	require.NoError(t, r.Save(ctx, Queue{ID: "off", WorkspaceID: "ws1", Priority: 9}))

	active, err := r.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "high", active[0].ID)
	assert.Equal(t, "low", active[1].ID)

	ws1, err := r.List(ctx, "ws1")
	require.NoError(t, err)
	assert.Len(t, ws1, 2)

	_, err = r.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresRepo_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"id", "workspace_id", "name", "max_wait_seconds", "max_queue_size", "priority", "skill_requirements",
		"overflow_kind", "overflow_target", "hold_content", "is_active", "created_at", "updated_at",
	}).AddRow("q1", "ws1", "Support", int64(120), 10, 2, []byte(`["billing"]`), "voicemail", "mbx-1", "Please hold", true, now, now)
	mock.ExpectQuery(regexp.QuoteMeta("FROM queues WHERE id = $1")).WithArgs("q1").WillReturnRows(rows)

	q, err := NewPostgresRepo(db).Get(context.Background(), "q1")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, q.MaxWaitTime)
	assert.Equal(t, []string{"billing"}, q.SkillRequirements)
	assert.Equal(t, Overflow{Kind: OverflowVoicemail, Target: "mbx-1"}, q.Overflow)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_SaveRejectsForeignWorkspace(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO queues")).WillReturnResult(sqlmock.NewResult(0, 0))

	err = NewPostgresRepo(db).Save(context.Background(), Queue{ID: "q1", WorkspaceID: "ws2", Name: "x"})
	assert.ErrorIs(t, err, ErrInvalidQueue)
	require.NoError(t, mock.ExpectationsWereMet())
}
