package narrative

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/seancelabs/seance/pkg/game"
)

// deltaSchema is the wire contract every provider payload must satisfy before
// the transition function sees it. Field presence is checked here; value
// clamping is the transition function's job.
const deltaSchema = `{
	"type": "object",
	"required": ["narrative", "sanity_change"],
	"properties": {
		"narrative": {"type": "string", "minLength": 1},
		"choices": {
			"type": "array",
			"minItems": 3,
			"maxItems": 4,
			"items": {
				"type": "object",
				"required": ["id", "text", "kind"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"text": {"type": "string", "minLength": 1},
					"kind": {"type": "string", "enum": ["move", "investigate", "use_item", "talk", "wait", "custom"]}
				}
			}
		},
		"image_prompt": {"type": "string"},
		"sanity_change": {"type": "integer"},
		"new_rules": {"type": "array", "items": {"type": "string"}},
		"new_items": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "name"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"name": {"type": "string", "minLength": 1},
					"description": {"type": "string"},
					"kind": {"type": "string"}
				}
			}
		},
		"location": {"type": "string"},
		"is_game_over": {"type": "boolean"},
		"is_victory": {"type": "boolean"},
		"consumed_item_id": {"type": "string"}
	}
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(deltaSchema))
		if err != nil {
			schemaErr = err
			return
		}
		if err := c.AddResource("mem://delta.json", doc); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile("mem://delta.json")
	})
	return schema, schemaErr
}

// DecodeDelta parses and validates a raw provider payload. The payload may be
// wrapped in a markdown code fence; anything else malformed is a provider
// failure and rejects the turn.
func DecodeDelta(raw []byte) (game.Delta, []byte, error) {
	cleaned := stripFences(raw)

	sch, err := compiledSchema()
	if err != nil {
		return game.Delta{}, nil, fmt.Errorf("delta schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(cleaned)))
	if err != nil {
		return game.Delta{}, nil, fmt.Errorf("malformed provider payload: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return game.Delta{}, nil, fmt.Errorf("provider payload rejected: %w", err)
	}

	var d game.Delta
	if err := json.Unmarshal(cleaned, &d); err != nil {
		return game.Delta{}, nil, fmt.Errorf("decode delta: %w", err)
	}
	// Choices are required while the story continues; a terminal delta may
	// legitimately omit them.
	if !d.GameOver && len(d.Choices) == 0 {
		return game.Delta{}, nil, fmt.Errorf("provider payload rejected: missing choices on a non-terminal turn")
	}
	return d, cleaned, nil
}

func stripFences(raw []byte) []byte {
	s := strings.TrimSpace(string(raw))
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return []byte(strings.TrimSpace(s))
}
