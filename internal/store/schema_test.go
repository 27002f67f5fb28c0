package store

import (
	"strings"
	"testing"

	"github.com/inkfield/canvasync/internal/canvas"
)

func TestDecodeStateAcceptsWellFormedDocument(t *testing.T) {
	doc := `{
		"canvasId": "board-1",
		"ownerId": "alice",
		"teamMembers": ["bob"],
		"isPrivate": true,
		"strokes": {
			"s1": {
				"id": "s1",
				"points": [{"x": 1, "y": 2}],
				"color": 4281377523,
				"width": 3,
				"createdAt": "2026-08-29T10:00:00Z",
				"authorId": "alice"
			}
		},
		"addedAt": {"s1": 1},
		"version": 1,
		"lastUpdated": "2026-08-29T10:00:00Z"
	}`
	state, err := DecodeState("board-1", []byte(doc))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if state.OwnerID != "alice" || !state.IsPrivate || state.Version != 1 {
		t.Fatalf("unexpected state: %+v", state)
	}
	if _, ok := state.Strokes["s1"]; !ok {
		t.Fatal("stroke s1 missing after decode")
	}
}

func TestDecodeStateRejectsMalformedDocuments(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"not json", `{"canvasId": "board-1"`},
		{"missing version", `{"canvasId": "board-1"}`},
		{"missing canvas id", `{"version": 1}`},
		{"stroke without points", `{"canvasId": "board-1", "version": 1,
			"strokes": {"s1": {"id": "s1", "points": [], "width": 3}}}`},
		{"negative version", `{"canvasId": "board-1", "version": -1}`},
		{"wrong stored id", `{"canvasId": "board-2", "version": 1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DecodeState("board-1", []byte(tc.doc)); err == nil {
				t.Fatalf("expected decode error for %s", tc.name)
			}
		})
	}
}

type captureLogger struct {
	lines []string
}

func (l *captureLogger) Printf(format string, args ...any) {
	l.lines = append(l.lines, format)
}

func TestDecodeStateOrEmptyFailsOpen(t *testing.T) {
	logger := &captureLogger{}
	state := DecodeStateOrEmpty("board-1", []byte(`{"broken": tru`), logger)
	if state.CanvasID != "board-1" || state.Version != 0 || len(state.Strokes) != 0 {
		t.Fatalf("expected empty default, got %+v", state)
	}
	if len(logger.lines) == 0 {
		t.Fatal("malformed document should be logged")
	}
	if !strings.Contains(logger.lines[0], "malformed canvas document") {
		t.Fatalf("unexpected log line: %s", logger.lines[0])
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	state := canvas.New("board-1", "alice")
	op := canvas.NewAddStroke("board-1", "alice", canvas.Stroke{
		ID:     "s1",
		Points: []canvas.Point{{X: 0.5, Y: 1.5}},
		Width:  2,
	})
	if err := state.Apply(op); err != nil {
		t.Fatalf("apply: %v", err)
	}
	data, err := EncodeState(state)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeState("board-1", data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Version != state.Version || len(decoded.Strokes) != 1 {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}
