package audit

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestService_AppendRequiresWorkspaceAndType(t *testing.T) {
	svc := NewService(NewMemoryRepo(), nil)

	if err := svc.Append(context.Background(), Event{Type: EventCallEnded}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
	if err := svc.Append(context.Background(), Event{WorkspaceID: "w"}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestService_RecordFillsIDAndTime(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo, nil)
	svc.clock = func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) }

	svc.Record(context.Background(), Event{
		WorkspaceID: "w", Type: EventStatusOverride, ActorUserID: "u", ActorRole: "supervisor",
		IPAddress: "1.2.3.4", AgentID: "a1",
	})
	svc.Record(context.Background(), Event{Type: EventCallEnded})

	evs := repo.Events()
	if len(evs) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evs))
	}
	if evs[0].ID == "" {
		t.Fatalf("expected generated id")
	}
	if evs[0].IPAddress != "1.2.3.4" || evs[0].AgentID != "a1" {
		t.Fatalf("unexpected event: %+v", evs[0])
	}
	if !evs[0].CreatedAt.Equal(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected clock time, got %v", evs[0].CreatedAt)
	}
}

func TestService_NilRecordsNothing(t *testing.T) {
	var svc *Service
	svc.Record(context.Background(), Event{WorkspaceID: "w", Type: EventCallEnded})
}

func TestPostgresRepo_Append(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_events")).
		WithArgs("e1", "w", "conference_closed", "u", "owner", "", "", "", "cf1", "closed by supervisor", "", at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = NewPostgresRepo(db).Append(context.Background(), Event{
		ID: "e1", WorkspaceID: "w", Type: EventConferenceClosed, ActorUserID: "u", ActorRole: "owner",
		ConferenceID: "cf1", Message: "closed by supervisor", CreatedAt: at,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresRepo_AppendDuplicateIsRecorded(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	repo := NewPostgresRepo(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_events")).WillReturnError(&pgconn.PgError{Code: "23505"})
	if err := repo.Append(context.Background(), Event{ID: "e1", WorkspaceID: "w", Type: EventCallEnded}); err != nil {
		t.Fatalf("duplicate append: %v", err)
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_events")).WillReturnError(errors.New("connection reset"))
	if err := repo.Append(context.Background(), Event{ID: "e2", WorkspaceID: "w", Type: EventCallEnded}); err == nil {
		t.Fatalf("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
