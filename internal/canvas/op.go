package canvas

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type OpType string

const (
	OpAddStroke    OpType = "add_stroke"
	OpRemoveStroke OpType = "remove_stroke"
	OpClear        OpType = "clear"
	OpInviteMember OpType = "invite_member"
	OpRemoveMember OpType = "remove_member"
	OpSetPrivacy   OpType = "set_privacy"
)

// Op is one entry of the canvas operation log. Modeling mutation as ops
// rather than raw document edits is what keeps merging deterministic.
type Op struct {
	ID       string  `json:"id"`
	Type     OpType  `json:"type"`
	CanvasID string  `json:"canvasId"`
	ActorID  string  `json:"actorId"`
	Stroke   *Stroke `json:"stroke,omitempty"`
	TargetID string  `json:"targetId,omitempty"`
	Member   string  `json:"member,omitempty"`
	Private  bool    `json:"private,omitempty"`
	// BaseVersion is the state version the op was issued against. A
	// replayed clear buries only strokes from at or before this version,
	// no matter how far the store has moved since.
	BaseVersion int64     `json:"baseVersion,omitempty"`
	IssuedAt    time.Time `json:"issuedAt"`
}

func newOp(opType OpType, canvasID, actorID string) Op {
	return Op{
		ID:       uuid.NewString(),
		Type:     opType,
		CanvasID: canvasID,
		ActorID:  actorID,
		IssuedAt: time.Now().UTC(),
	}
}

func NewAddStroke(canvasID, actorID string, stroke Stroke) Op {
	op := newOp(OpAddStroke, canvasID, actorID)
	op.Stroke = &stroke
	return op
}

func NewRemoveStroke(canvasID, actorID, strokeID string) Op {
	op := newOp(OpRemoveStroke, canvasID, actorID)
	op.TargetID = strokeID
	return op
}

func NewClear(canvasID, actorID string) Op {
	return newOp(OpClear, canvasID, actorID)
}

func NewInviteMember(canvasID, actorID, member string) Op {
	op := newOp(OpInviteMember, canvasID, actorID)
	op.Member = member
	return op
}

func NewRemoveMember(canvasID, actorID, member string) Op {
	op := newOp(OpRemoveMember, canvasID, actorID)
	op.Member = member
	return op
}

func NewSetPrivacy(canvasID, actorID string, private bool) Op {
	op := newOp(OpSetPrivacy, canvasID, actorID)
	op.Private = private
	return op
}

// Apply applies op to s in place. Access checks are the caller's job (see
// Authorize); Apply only enforces structural invariants. Ops that change
// nothing (re-adding an existing or tombstoned id, removing an unknown id)
// leave Version untouched.
func (s *State) Apply(op Op) error {
	s.ensureMaps()
	switch op.Type {
	case OpAddStroke:
		if op.Stroke == nil {
			return fmt.Errorf("%w: add op %s carries no stroke", ErrInvalidStroke, op.ID)
		}
		if err := op.Stroke.Validate(); err != nil {
			return err
		}
		id := op.Stroke.ID
		if _, dead := s.Removed[id]; dead {
			return nil
		}
		if _, exists := s.Strokes[id]; exists {
			return nil
		}
		if len(s.Strokes) >= MaxStrokes {
			return &CanvasFullError{CanvasID: s.CanvasID, Count: len(s.Strokes)}
		}
		s.Version++
		s.Strokes[id] = *op.Stroke
		s.AddedAt[id] = s.Version
	case OpRemoveStroke:
		if _, exists := s.Strokes[op.TargetID]; !exists {
			return nil
		}
		s.Version++
		delete(s.Strokes, op.TargetID)
		delete(s.AddedAt, op.TargetID)
		s.Removed[op.TargetID] = s.Version
	case OpClear:
		if len(s.Strokes) == 0 {
			return nil
		}
		// A clear buries every id known as of the version it was issued
		// against, never strokes committed since. An unstamped op (direct
		// Apply, no queue in between) clears at the current version.
		clearedAt := s.Version
		if op.BaseVersion > 0 && op.BaseVersion < clearedAt {
			clearedAt = op.BaseVersion
		}
		if clearedAt > s.ClearedAt {
			s.ClearedAt = clearedAt
		}
		s.Version++
		for id, added := range s.AddedAt {
			if added <= clearedAt {
				delete(s.Strokes, id)
				delete(s.AddedAt, id)
			}
		}
	case OpInviteMember:
		if op.Member == "" || op.Member == s.OwnerID || s.hasMember(op.Member) {
			return nil
		}
		s.Version++
		s.TeamMembers = append(s.TeamMembers, op.Member)
	case OpRemoveMember:
		if !s.hasMember(op.Member) {
			return nil
		}
		s.Version++
		members := s.TeamMembers[:0]
		for _, member := range s.TeamMembers {
			if member != op.Member {
				members = append(members, member)
			}
		}
		s.TeamMembers = members
	case OpSetPrivacy:
		if s.IsPrivate == op.Private {
			return nil
		}
		s.Version++
		s.IsPrivate = op.Private
	default:
		return fmt.Errorf("unsupported op type: %s", op.Type)
	}
	if op.IssuedAt.After(s.LastUpdated) {
		s.LastUpdated = op.IssuedAt
	}
	return nil
}
