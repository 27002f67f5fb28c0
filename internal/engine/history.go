package engine

import (
	"github.com/google/uuid"

	"github.com/inkfield/canvasync/internal/canvas"
)

// historyEntry records one local stroke mutation so it can be inverted.
// Only stroke-level edits participate in undo; membership, privacy and
// clear are not undoable, and a clear resets both stacks.
type historyEntry struct {
	opType canvas.OpType
	stroke canvas.Stroke
}

// history is per-client undo and redo. Each client only ever unwinds its
// own edits; remote edits never enter these stacks.
type history struct {
	undo []historyEntry
	redo []historyEntry
}

func (h *history) recordAdd(stroke canvas.Stroke) {
	h.undo = append(h.undo, historyEntry{opType: canvas.OpAddStroke, stroke: stroke})
	h.redo = nil
}

func (h *history) recordRemove(stroke canvas.Stroke) {
	h.undo = append(h.undo, historyEntry{opType: canvas.OpRemoveStroke, stroke: stroke})
	h.redo = nil
}

func (h *history) reset() {
	h.undo = nil
	h.redo = nil
}

func (h *history) canUndo() bool { return len(h.undo) > 0 }
func (h *history) canRedo() bool { return len(h.redo) > 0 }

// popUndo returns the inverse operation for the most recent local edit.
// Undoing an add removes the stroke; undoing a remove puts the stroke
// back. Tombstones are permanent, so a resurrected stroke gets a fresh id
// while keeping its points, style and original creation time.
func (h *history) popUndo(canvasID, actorID string) (canvas.Op, bool) {
	if len(h.undo) == 0 {
		return canvas.Op{}, false
	}
	entry := h.undo[len(h.undo)-1]
	h.undo = h.undo[:len(h.undo)-1]

	switch entry.opType {
	case canvas.OpAddStroke:
		h.redo = append(h.redo, entry)
		return canvas.NewRemoveStroke(canvasID, actorID, entry.stroke.ID), true
	default:
		revived := entry.stroke
		revived.ID = uuid.NewString()
		h.redo = append(h.redo, historyEntry{opType: canvas.OpRemoveStroke, stroke: revived})
		return canvas.NewAddStroke(canvasID, actorID, revived), true
	}
}

// popRedo replays the most recently undone edit.
func (h *history) popRedo(canvasID, actorID string) (canvas.Op, bool) {
	if len(h.redo) == 0 {
		return canvas.Op{}, false
	}
	entry := h.redo[len(h.redo)-1]
	h.redo = h.redo[:len(h.redo)-1]

	switch entry.opType {
	case canvas.OpAddStroke:
		revived := entry.stroke
		revived.ID = uuid.NewString()
		h.undo = append(h.undo, historyEntry{opType: canvas.OpAddStroke, stroke: revived})
		return canvas.NewAddStroke(canvasID, actorID, revived), true
	default:
		h.undo = append(h.undo, historyEntry{opType: canvas.OpRemoveStroke, stroke: entry.stroke})
		return canvas.NewRemoveStroke(canvasID, actorID, entry.stroke.ID), true
	}
}
