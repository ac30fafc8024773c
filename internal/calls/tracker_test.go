package calls

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestTracker_AssignReassignUnassign(t *testing.T) {
	tr := NewTracker(time.Minute)
	now := time.Unix(1700000000, 0).UTC()

	if err := tr.Assign(Assignment{CallID: "c1", WorkspaceID: "w", AgentID: "a1", AssignedAt: now}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := tr.Assign(Assignment{CallID: "c1", AgentID: "a2"}); !errors.Is(err, ErrAlreadyAssigned) {
		t.Fatalf("expected ErrAlreadyAssigned, got %v", err)
	}

	prev, err := tr.Reassign("c1", "a2", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if prev.AgentID != "a1" {
		t.Fatalf("expected previous agent a1, got %q", prev.AgentID)
	}
	if got := tr.CallsFor("a1"); len(got) != 0 {
		t.Fatalf("expected a1 to hold nothing, got %v", got)
	}
	if got := tr.CallsFor("a2"); len(got) != 1 || got[0] != "c1" {
		t.Fatalf("expected a2 to hold c1, got %v", got)
	}

	if _, ok := tr.Unassign("c1"); !ok {
		t.Fatalf("expected first unassign to succeed")
	}
	if _, ok := tr.Unassign("c1"); ok {
		t.Fatalf("expected second unassign to be a no-op")
	}
}

func TestTracker_EndRefusesLateAssignment(t *testing.T) {
	tr := NewTracker(time.Minute)

	if _, ok := tr.End("c1"); ok {
		t.Fatalf("nothing was assigned")
	}
	if err := tr.Assign(Assignment{CallID: "c1", AgentID: "a1"}); !errors.Is(err, ErrCallEnded) {
		t.Fatalf("expected ErrCallEnded, got %v", err)
	}
	if !tr.Ended("c1") {
		t.Fatalf("expected tombstone")
	}
}

func TestTracker_EndReturnsAssignmentOnce(t *testing.T) {
	tr := NewTracker(time.Minute)
	_ = tr.Assign(Assignment{CallID: "c1", AgentID: "a1"})

	var wg sync.WaitGroup
	var mu sync.Mutex
	released := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := tr.End("c1"); ok {
				mu.Lock()
				released++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if released != 1 {
		t.Fatalf("expected exactly one release, got %d", released)
	}
}

func TestRecorder_FailHook(t *testing.T) {
	r := NewRecorder()
	r.Fail = func(name, callID string) error {
		if name == "transfer" {
			return errors.New("carrier down")
		}
		return nil
	}
	if err := r.Transfer(context.Background(), "c1", "1001"); err == nil {
		t.Fatalf("expected failure")
	}
	if err := r.Hangup(context.Background(), "c1"); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	if len(r.Named("transfer")) != 0 || len(r.Named("hangup")) != 1 {
		t.Fatalf("unexpected commands %+v", r.Commands())
	}
}

func TestCallStatus_Terminal(t *testing.T) {
	if CallStatusQueued.Terminal() || !CallStatusAbandoned.Terminal() {
		t.Fatalf("unexpected terminal classification")
	}
}
