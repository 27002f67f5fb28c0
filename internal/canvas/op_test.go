package canvas

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestApplyAddStrokeBumpsVersionOnce(t *testing.T) {
	s := New("cv_add", "owner")
	op := NewAddStroke("cv_add", "owner", testStroke("s1", "owner", time.Now()))
	mustApply(t, &s, op)
	if s.Version != 1 {
		t.Fatalf("expected version 1 after first add, got %d", s.Version)
	}
	// Re-adding an existing id is a no-op and must not advance the version.
	mustApply(t, &s, op)
	if s.Version != 1 {
		t.Fatalf("expected idempotent re-add to keep version 1, got %d", s.Version)
	}
	if len(s.Strokes) != 1 {
		t.Fatalf("expected 1 stroke, got %d", len(s.Strokes))
	}
}

func TestApplyRemoveUnknownStrokeIsNoOp(t *testing.T) {
	s := New("cv_rm", "owner")
	mustApply(t, &s, NewAddStroke("cv_rm", "owner", testStroke("s1", "owner", time.Now())))
	before := s.Version
	mustApply(t, &s, NewRemoveStroke("cv_rm", "owner", "does-not-exist"))
	if s.Version != before {
		t.Fatalf("expected no-op remove to keep version %d, got %d", before, s.Version)
	}
}

func TestApplyRejectsMalformedStrokes(t *testing.T) {
	s := New("cv_bad", "owner")
	op := NewAddStroke("cv_bad", "owner", Stroke{ID: "s1", Width: 1})
	if err := s.Apply(op); !errors.Is(err, ErrInvalidStroke) {
		t.Fatalf("expected invalid stroke for empty points, got %v", err)
	}
	op = NewAddStroke("cv_bad", "owner", Stroke{ID: "s2", Points: []Point{{}}, Width: 0})
	if err := s.Apply(op); !errors.Is(err, ErrInvalidStroke) {
		t.Fatalf("expected invalid stroke for zero width, got %v", err)
	}
	if s.Version != 0 {
		t.Fatalf("expected rejected ops to leave version 0, got %d", s.Version)
	}
}

func TestApplyEnforcesStrokeLimit(t *testing.T) {
	s := New("cv_limit", "owner")
	now := time.Now().UTC()
	for i := 0; i < MaxStrokes; i++ {
		id := fmt.Sprintf("s_%04d", i)
		mustApply(t, &s, NewAddStroke("cv_limit", "owner", testStroke(id, "owner", now)))
	}
	err := s.Apply(NewAddStroke("cv_limit", "owner", testStroke("overflow", "owner", now)))
	if !errors.Is(err, ErrCanvasFull) {
		t.Fatalf("expected canvas full, got %v", err)
	}
	if len(s.Strokes) != MaxStrokes {
		t.Fatalf("expected stroke count pinned at %d, got %d", MaxStrokes, len(s.Strokes))
	}
}

func TestApplyTombstoneBlocksReAdd(t *testing.T) {
	s := New("cv_tomb", "owner")
	stroke := testStroke("s1", "owner", time.Now())
	mustApply(t, &s, NewAddStroke("cv_tomb", "owner", stroke))
	mustApply(t, &s, NewRemoveStroke("cv_tomb", "owner", "s1"))
	before := s.Version
	mustApply(t, &s, NewAddStroke("cv_tomb", "owner", stroke))
	if _, ok := s.Strokes["s1"]; ok {
		t.Fatalf("expected tombstoned id to stay removed")
	}
	if s.Version != before {
		t.Fatalf("expected suppressed re-add to keep version %d, got %d", before, s.Version)
	}
}

func TestApplyClearBuriesOnlyStrokesUpToBaseVersion(t *testing.T) {
	s := New("cv_clear", "owner")
	now := time.Now().UTC()
	mustApply(t, &s, NewAddStroke("cv_clear", "owner", testStroke("old", "owner", now)))
	mustApply(t, &s, NewAddStroke("cv_clear", "owner", testStroke("newer", "owner", now)))

	// The clear was issued when only "old" existed (version 1); by the
	// time it applies, "newer" has landed at version 2 and must survive.
	clear := NewClear("cv_clear", "owner")
	clear.BaseVersion = 1
	mustApply(t, &s, clear)
	if _, ok := s.Strokes["old"]; ok {
		t.Fatalf("expected the pre-clear stroke buried")
	}
	if _, ok := s.Strokes["newer"]; !ok {
		t.Fatalf("expected the later stroke to survive the clear")
	}
	if s.ClearedAt != 1 {
		t.Fatalf("expected clear generation 1, got %d", s.ClearedAt)
	}

	// An unstamped clear takes effect at the current version.
	mustApply(t, &s, NewClear("cv_clear", "owner"))
	if len(s.Strokes) != 0 {
		t.Fatalf("expected everything buried, got %d strokes", len(s.Strokes))
	}
}

func TestApplyMembershipOps(t *testing.T) {
	s := New("cv_members", "owner")
	mustApply(t, &s, NewInviteMember("cv_members", "owner", "alice"))
	if !s.hasMember("alice") {
		t.Fatalf("expected alice to join the team")
	}
	before := s.Version
	// Inviting the owner or an existing member changes nothing.
	mustApply(t, &s, NewInviteMember("cv_members", "owner", "owner"))
	mustApply(t, &s, NewInviteMember("cv_members", "owner", "alice"))
	if s.Version != before {
		t.Fatalf("expected duplicate invites to be no-ops")
	}
	mustApply(t, &s, NewRemoveMember("cv_members", "owner", "alice"))
	if s.hasMember("alice") {
		t.Fatalf("expected alice removed from the team")
	}
	mustApply(t, &s, NewSetPrivacy("cv_members", "owner", true))
	if !s.IsPrivate {
		t.Fatalf("expected canvas to become private")
	}
}

func TestStrokesByCreationSortsByTimestamp(t *testing.T) {
	s := New("cv_sort", "owner")
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	// Insertion order deliberately disagrees with creation order.
	mustApply(t, &s, NewAddStroke("cv_sort", "owner", testStroke("late", "owner", base.Add(2*time.Second))))
	mustApply(t, &s, NewAddStroke("cv_sort", "owner", testStroke("early", "owner", base)))
	mustApply(t, &s, NewAddStroke("cv_sort", "owner", testStroke("middle", "owner", base.Add(time.Second))))

	ordered := s.StrokesByCreation()
	want := []string{"early", "middle", "late"}
	for i, id := range want {
		if ordered[i].ID != id {
			t.Fatalf("expected %s at index %d, got %s", id, i, ordered[i].ID)
		}
	}
}

func TestCloneIsDeep(t *testing.T) {
	s := New("cv_clone", "owner")
	mustApply(t, &s, NewAddStroke("cv_clone", "owner", testStroke("s1", "owner", time.Now())))
	clone := s.Clone()
	clone.Strokes["s2"] = testStroke("s2", "owner", time.Now())
	clone.Removed["s1"] = 99
	if _, ok := s.Strokes["s2"]; ok {
		t.Fatalf("expected clone stroke map to be independent")
	}
	if _, ok := s.Removed["s1"]; ok {
		t.Fatalf("expected clone tombstone map to be independent")
	}
}
