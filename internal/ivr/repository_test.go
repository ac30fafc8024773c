package ivr

import (
	"context"
	"regexp"
	"testing"
	"time"

	"callcenter-platform/internal/actions"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresRepo_GetLoadsOptions(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("FROM ivr_menus WHERE id = $1")).WithArgs("main").WillReturnRows(
		sqlmock.NewRows([]string{"id", "workspace_id", "parent_id", "name", "welcome_message", "invalid_message", "timeout_message",
			"timeout_seconds", "max_retries", "fallback_action", "fallback_value", "created_at", "updated_at"}).
			AddRow("main", "ws1", nil, "Main", "Hi", "Bad", "Slow", int64(7), 2, "voicemail", "mbx", now, now))
	mock.ExpectQuery(regexp.QuoteMeta("FROM ivr_options WHERE menu_id = $1")).WithArgs("main").WillReturnRows(
		sqlmock.NewRows([]string{"digit", "action", "action_value"}).
			AddRow("1", "transfer", "+15550100").
			AddRow("2", "submenu", "billing"))

	m, err := NewPostgresRepo(db).Get(context.Background(), "main")
	require.NoError(t, err)
	assert.Equal(t, 7*time.Second, m.Timeout)
	assert.Equal(t, actions.Voicemail{Mailbox: "mbx"}, m.Fallback)
	assert.Equal(t, actions.Transfer{Destination: "+15550100"}, m.Options["1"])
	assert.Equal(t, actions.Submenu{MenuID: "billing"}, m.Options["2"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_SaveReplacesOptionsInTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ivr_menus")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM ivr_options")).WithArgs("main").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ivr_options")).WithArgs("main", "1", "hangup", "").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = NewPostgresRepo(db).Save(context.Background(), Menu{
		ID:          "main",
		WorkspaceID: "ws1",
		Options:     map[string]actions.Action{"1": actions.Hangup{}},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
