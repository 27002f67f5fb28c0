package canvas

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrCanvasFull       = errors.New("canvas full")
	ErrInvalidStroke    = errors.New("invalid stroke")
)

// MaxStrokes is the hard per-canvas stroke limit, enforced both as a
// client-side fast fail and transactionally at commit time.
const MaxStrokes = 1000

type CanvasFullError struct {
	CanvasID string
	Count    int
}

func (e *CanvasFullError) Error() string {
	return fmt.Sprintf("canvas %s full: %d strokes (limit %d)", e.CanvasID, e.Count, MaxStrokes)
}

func (e *CanvasFullError) Is(target error) bool {
	return target == ErrCanvasFull
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Stroke is one continuous freehand path. Immutable once created; render
// order is CreatedAt, which may differ from storage order after merges.
type Stroke struct {
	ID        string    `json:"id"`
	Points    []Point   `json:"points"`
	Color     uint32    `json:"color"` // 32-bit ARGB
	Width     float64   `json:"width"`
	CreatedAt time.Time `json:"createdAt"`
	AuthorID  string    `json:"authorId"`
}

func (s Stroke) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidStroke)
	}
	if len(s.Points) < 1 {
		return fmt.Errorf("%w: stroke %s has no points", ErrInvalidStroke, s.ID)
	}
	if s.Width <= 0 {
		return fmt.Errorf("%w: stroke %s width must be positive", ErrInvalidStroke, s.ID)
	}
	return nil
}

// State is the authoritative document for one canvas. AddedAt, Removed and
// ClearedAt are merge bookkeeping owned by the engine: AddedAt records the
// version at which each live stroke landed, Removed is the tombstone set,
// and ClearedAt is the highest version at which a clear was issued.
// ImageURL and LastExported belong to the export collaborator and are only
// ever passed through.
type State struct {
	CanvasID     string            `json:"canvasId"`
	OwnerID      string            `json:"ownerId,omitempty"`
	TeamMembers  []string          `json:"teamMembers,omitempty"`
	IsPrivate    bool              `json:"isPrivate,omitempty"`
	Strokes      map[string]Stroke `json:"strokes,omitempty"`
	AddedAt      map[string]int64  `json:"addedAt,omitempty"`
	Removed      map[string]int64  `json:"removed,omitempty"`
	ClearedAt    int64             `json:"clearedAt,omitempty"`
	Version      int64             `json:"version"`
	LastUpdated  time.Time         `json:"lastUpdated"`
	ImageURL     string            `json:"imageUrl,omitempty"`
	LastExported time.Time         `json:"lastExported,omitempty"`
}

// Empty is the valid default state for a canvas id that has never been
// mutated. The engine substitutes it whenever the store reports the
// document absent or unreadable.
func Empty(canvasID string) State {
	return State{
		CanvasID: canvasID,
		Strokes:  map[string]Stroke{},
		AddedAt:  map[string]int64{},
		Removed:  map[string]int64{},
	}
}

// New creates the initial owned state for a fresh canvas.
func New(canvasID, ownerID string) State {
	s := Empty(canvasID)
	s.OwnerID = ownerID
	return s
}

func (s *State) ensureMaps() {
	if s.Strokes == nil {
		s.Strokes = map[string]Stroke{}
	}
	if s.AddedAt == nil {
		s.AddedAt = map[string]int64{}
	}
	if s.Removed == nil {
		s.Removed = map[string]int64{}
	}
}

func (s State) StrokeCount() int {
	return len(s.Strokes)
}

// StrokesByCreation returns the live strokes sorted by CreatedAt, the order
// renderers must paint them in.
func (s State) StrokesByCreation() []Stroke {
	out := make([]Stroke, 0, len(s.Strokes))
	for _, stroke := range s.Strokes {
		out = append(out, stroke)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s State) hasMember(userID string) bool {
	for _, member := range s.TeamMembers {
		if member == userID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand to subscribers.
func (s State) Clone() State {
	out := s
	out.Strokes = make(map[string]Stroke, len(s.Strokes))
	for id, stroke := range s.Strokes {
		points := make([]Point, len(stroke.Points))
		copy(points, stroke.Points)
		stroke.Points = points
		out.Strokes[id] = stroke
	}
	out.AddedAt = make(map[string]int64, len(s.AddedAt))
	for id, v := range s.AddedAt {
		out.AddedAt[id] = v
	}
	out.Removed = make(map[string]int64, len(s.Removed))
	for id, v := range s.Removed {
		out.Removed[id] = v
	}
	out.TeamMembers = append([]string(nil), s.TeamMembers...)
	return out
}

// PresenceEntry is ephemeral per-user cursor data. Last write wins per
// user; it never participates in canvas versioning or merging.
type PresenceEntry struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName,omitempty"`
	Cursor      *Point    `json:"cursor,omitempty"`
	CursorColor uint32    `json:"cursorColor"`
	LastSeen    time.Time `json:"lastSeen"`
}
