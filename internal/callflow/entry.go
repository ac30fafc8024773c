package callflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	ErrNoEntryPoint      = errors.New("callflow: no entry point for number")
	ErrInvalidEntryPoint = errors.New("callflow: invalid entry point")
)

type EntryKind string

const (
	EntryIVR    EntryKind = "ivr"
	EntryScript EntryKind = "script"
	EntryQueue  EntryKind = "queue"
)

// EntryPoint maps a dialed number to where its calls start.
type EntryPoint struct {
	Number      string    `json:"number" db:"number"`
	WorkspaceID string    `json:"workspace_id" db:"workspace_id"`
	Kind        EntryKind `json:"kind" db:"kind"`
	// TargetID is the root menu, script or queue id, by Kind.
	TargetID string `json:"target_id" db:"target_id"`
	Priority int    `json:"priority" db:"priority"`
	// FallbackQueueID takes calls whose script finished without an action.
	FallbackQueueID string `json:"fallback_queue_id,omitempty" db:"fallback_queue_id"`
}

func (e EntryPoint) Validate() error {
	var errs []error
	if e.Number == "" {
		errs = append(errs, errors.New("number is required"))
	}
	if e.WorkspaceID == "" {
		errs = append(errs, errors.New("workspace_id is required"))
	}
	switch e.Kind {
	case EntryIVR, EntryScript, EntryQueue:
	default:
		errs = append(errs, fmt.Errorf("kind must be ivr, script or queue, got %q", e.Kind))
	}
	if e.TargetID == "" {
		errs = append(errs, errors.New("target_id is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidEntryPoint, errors.Join(errs...))
	}
	return nil
}

// NormalizeNumber strips formatting so "+1 (555) 010-0000" and "+15550100000" match.
func NormalizeNumber(n string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(n) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}

type Directory interface {
	Resolve(ctx context.Context, number string) (EntryPoint, error)
}

type MemoryDirectory struct {
	mu      sync.RWMutex
	entries map[string]EntryPoint
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{entries: make(map[string]EntryPoint)}
}

func (d *MemoryDirectory) Put(e EntryPoint) error {
	e.Number = NormalizeNumber(e.Number)
	if err := e.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[e.Number] = e
	return nil
}

func (d *MemoryDirectory) Resolve(ctx context.Context, number string) (EntryPoint, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[NormalizeNumber(number)]
	if !ok {
		return EntryPoint{}, ErrNoEntryPoint
	}
	return e, nil
}

// PostgresDirectory reads entry_points (number PRIMARY KEY, workspace_id, kind,
// target_id, priority, fallback_queue_id). Numbers are stored normalized.
type PostgresDirectory struct {
	db *sql.DB
}

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory { return &PostgresDirectory{db: db} }

func (d *PostgresDirectory) Resolve(ctx context.Context, number string) (EntryPoint, error) {
	var e EntryPoint
	var kind string
	err := d.db.QueryRowContext(ctx, `
SELECT number, workspace_id, kind, target_id, priority, fallback_queue_id
FROM entry_points WHERE number = $1`, NormalizeNumber(number)).Scan(
		&e.Number, &e.WorkspaceID, &kind, &e.TargetID, &e.Priority, &e.FallbackQueueID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return EntryPoint{}, ErrNoEntryPoint
	}
	if err != nil {
		return EntryPoint{}, err
	}
	e.Kind = EntryKind(kind)
	return e, nil
}
