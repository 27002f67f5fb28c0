package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/inkfield/canvasync/internal/canvas"
)

// canvasDocumentSchema guards what backends accept as a canvas document.
// Anything that fails validation is treated as a data error: the engine
// substitutes the empty default instead of crashing or propagating garbage.
const canvasDocumentSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["canvasId", "version"],
	"properties": {
		"canvasId": {"type": "string", "minLength": 1},
		"ownerId": {"type": "string"},
		"teamMembers": {"type": "array", "items": {"type": "string"}},
		"isPrivate": {"type": "boolean"},
		"strokes": {
			"type": "object",
			"additionalProperties": {
				"type": "object",
				"required": ["id", "points", "width"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"points": {
						"type": "array",
						"minItems": 1,
						"items": {
							"type": "object",
							"required": ["x", "y"],
							"properties": {
								"x": {"type": "number"},
								"y": {"type": "number"}
							}
						}
					},
					"color": {"type": "integer", "minimum": 0},
					"width": {"type": "number", "exclusiveMinimum": 0},
					"createdAt": {"type": "string"},
					"authorId": {"type": "string"}
				}
			}
		},
		"addedAt": {"type": "object", "additionalProperties": {"type": "integer"}},
		"removed": {"type": "object", "additionalProperties": {"type": "integer"}},
		"clearedAt": {"type": "integer", "minimum": 0},
		"version": {"type": "integer", "minimum": 0},
		"imageUrl": {"type": "string"},
		"lastUpdated": {"type": "string"},
		"lastExported": {"type": "string"}
	}
}`

var (
	schemaOnce     sync.Once
	canvasSchema   *jsonschema.Schema
	schemaCompiled error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(canvasDocumentSchema))
		if err != nil {
			schemaCompiled = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("canvasync/document.json", doc); err != nil {
			schemaCompiled = err
			return
		}
		canvasSchema, schemaCompiled = compiler.Compile("canvasync/document.json")
	})
	return canvasSchema, schemaCompiled
}

// DecodeState parses and validates a stored canvas document. The returned
// error marks a data error, never a transport error; callers recover by
// substituting canvas.Empty and logging.
func DecodeState(canvasID string, data []byte) (canvas.State, error) {
	schema, err := compiledSchema()
	if err != nil {
		return canvas.State{}, fmt.Errorf("compile canvas document schema: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return canvas.State{}, fmt.Errorf("parse canvas document %s: %w", canvasID, err)
	}
	if err := schema.Validate(instance); err != nil {
		return canvas.State{}, fmt.Errorf("validate canvas document %s: %w", canvasID, err)
	}
	var state canvas.State
	if err := json.Unmarshal(data, &state); err != nil {
		return canvas.State{}, fmt.Errorf("decode canvas document %s: %w", canvasID, err)
	}
	if state.CanvasID != canvasID {
		return canvas.State{}, fmt.Errorf("canvas document id mismatch: stored %q, requested %q", state.CanvasID, canvasID)
	}
	return state, nil
}

// DecodeStateOrEmpty is the fail-open variant used by backends: a malformed
// document degrades to the empty default rather than an error.
func DecodeStateOrEmpty(canvasID string, data []byte, logger Logger) canvas.State {
	if logger == nil {
		logger = nopLogger{}
	}
	state, err := DecodeState(canvasID, data)
	if err != nil {
		logger.Printf("malformed canvas document %s, substituting empty canvas: %v", canvasID, err)
		return canvas.Empty(canvasID)
	}
	return state
}

// EncodeState serializes a canvas document for storage.
func EncodeState(state canvas.State) ([]byte, error) {
	return json.Marshal(state)
}
