package canvas

import (
	"errors"
	"testing"
	"time"
)

func TestAccessPredicates(t *testing.T) {
	s := New("cv_acl", "owner")
	s.TeamMembers = []string{"member"}
	s.IsPrivate = true

	cases := []struct {
		name      string
		userID    string
		hasAccess bool
		canEdit   bool
		isOwner   bool
	}{
		{"owner", "owner", true, true, true},
		{"team member", "member", true, true, false},
		{"stranger on private canvas", "stranger", false, false, false},
	}
	for _, tc := range cases {
		if got := HasAccess(s, tc.userID); got != tc.hasAccess {
			t.Fatalf("%s: HasAccess = %v, want %v", tc.name, got, tc.hasAccess)
		}
		if got := CanEdit(s, tc.userID); got != tc.canEdit {
			t.Fatalf("%s: CanEdit = %v, want %v", tc.name, got, tc.canEdit)
		}
		if got := IsOwner(s, tc.userID); got != tc.isOwner {
			t.Fatalf("%s: IsOwner = %v, want %v", tc.name, got, tc.isOwner)
		}
	}
}

func TestPublicReadDoesNotGrantWrite(t *testing.T) {
	s := New("cv_public", "owner")
	s.IsPrivate = false
	if !HasAccess(s, "visitor") {
		t.Fatalf("expected visitor to read a public canvas")
	}
	if CanEdit(s, "visitor") {
		t.Fatalf("expected visitor not to edit a public canvas")
	}
}

func TestAuthorizeMembershipChangesAreOwnerOnly(t *testing.T) {
	s := New("cv_team", "owner")
	s.TeamMembers = []string{"member"}

	op := NewInviteMember("cv_team", "member", "newcomer")
	if err := Authorize(s, op); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied for member invite, got %v", err)
	}
	op = NewSetPrivacy("cv_team", "member", true)
	if err := Authorize(s, op); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied for member privacy change, got %v", err)
	}
	op = NewInviteMember("cv_team", "owner", "newcomer")
	if err := Authorize(s, op); err != nil {
		t.Fatalf("expected owner invite to pass, got %v", err)
	}
}

func TestAuthorizeStrokeEditsRequireEditRight(t *testing.T) {
	s := New("cv_strokes", "owner")
	s.IsPrivate = true

	op := NewAddStroke("cv_strokes", "stranger", testStroke("s1", "stranger", time.Now()))
	if err := Authorize(s, op); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied for stranger, got %v", err)
	}
	op = NewClear("cv_strokes", "owner")
	if err := Authorize(s, op); err != nil {
		t.Fatalf("expected owner clear to pass, got %v", err)
	}
}

func TestUnownedDefaultCanvasIsOpen(t *testing.T) {
	s := Empty("cv_fresh")
	if !HasAccess(s, "anyone") || !CanEdit(s, "anyone") {
		t.Fatalf("expected never-mutated canvas to accept its first editor")
	}
}
