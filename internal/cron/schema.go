package cron

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// jobSchemaJSON validates job add documents. Patch documents reuse the same
// property shapes without the required list so partial updates pass.
const jobSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["schedule", "payload"],
  "additionalProperties": false,
  "properties": {
    "name": {"type": "string"},
    "enabled": {"type": "boolean"},
    "schedule": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "kind": {"enum": ["at", "every", "cron"]},
        "at": {"type": "string", "format": "date-time"},
        "every_ms": {"type": "integer", "minimum": 1},
        "cron": {"type": "string", "minLength": 1},
        "timezone": {"type": "string"}
      }
    },
    "session_target": {"enum": ["main", "isolated"]},
    "payload": {
      "type": "object",
      "required": ["message"],
      "additionalProperties": false,
      "properties": {
        "kind": {"enum": ["agent-turn", "system-event"]},
        "message": {"type": "string", "minLength": 1}
      }
    },
    "delivery": {
      "type": ["object", "null"],
      "additionalProperties": false,
      "properties": {
        "channel": {"type": "string", "minLength": 1},
        "destination": {"type": "string", "minLength": 1},
        "best_effort": {"type": "boolean"}
      }
    },
    "wake_mode": {"enum": ["now", "next-heartbeat"]},
    "delete_after_run": {"type": "boolean"},
    "concurrency_cap": {"type": "integer", "minimum": 1}
  }
}`

const jobPatchSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "name": {"type": ["string", "null"]},
    "enabled": {"type": "boolean"},
    "schedule": {"type": "object"},
    "session_target": {"enum": ["main", "isolated"]},
    "payload": {"type": "object"},
    "delivery": {"type": ["object", "null"]},
    "wake_mode": {"enum": ["now", "next-heartbeat"]},
    "delete_after_run": {"type": "boolean"},
    "concurrency_cap": {"type": "integer", "minimum": 1}
  }
}`

var (
	jobSchema      = mustCompileSchema("job.json", jobSchemaJSON)
	jobPatchSchema = mustCompileSchema("job_patch.json", jobPatchSchemaJSON)
)

func mustCompileSchema(name, raw string) *jsonschema.Schema {
	// Use jsonschema.UnmarshalJSON for correct number handling (json.Number).
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("unmarshal schema %s: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("add schema resource %s: %v", name, err))
	}
	schema, err := c.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("compile schema %s: %v", name, err))
	}
	return schema
}

func validateAgainst(schema *jsonschema.Schema, raw []byte) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}
