package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Input validation runs before any optimistic apply: a record that fails
// here never enters local state and never produces a rollback.

const linkSchemaJSON = `{
  "type": "object",
  "required": ["url"],
  "properties": {
    "url": {"type": "string", "minLength": 1, "maxLength": 2048, "pattern": "^https?://"},
    "title": {"type": "string", "maxLength": 512},
    "description": {"type": "string", "maxLength": 4096},
    "folderId": {"type": "string", "maxLength": 64}
  }
}`

const folderSchemaJSON = `{
  "type": "object",
  "required": ["name"],
  "properties": {
    "name": {"type": "string", "minLength": 1, "maxLength": 128},
    "color": {"type": "string", "pattern": "^#[0-9a-fA-F]{6}$"}
  }
}`

const settingsSchemaJSON = `{
  "type": "object",
  "properties": {
    "theme": {"enum": ["light", "dark", "system"]},
    "viewMode": {"enum": ["grid", "list"]},
    "sortOrder": {"enum": ["newest", "oldest", "title", "manual"]}
  }
}`

var (
	linkSchema     = mustCompileSchema("link.json", linkSchemaJSON)
	folderSchema   = mustCompileSchema("folder.json", folderSchemaJSON)
	settingsSchema = mustCompileSchema("settings.json", settingsSchemaJSON)
)

func mustCompileSchema(name, raw string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("store: parse %s: %v", name, err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("store: add %s: %v", name, err))
	}
	return compiler.MustCompile(name)
}

// validateAgainst marshals v and checks it against the schema. Schema
// violations wrap ErrInvalidInput so callers can branch on the sentinel.
func validateAgainst(schema *jsonschema.Schema, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// sanitizeText trims surrounding whitespace and strips control characters.
// Newlines and tabs survive so multi-line descriptions stay intact.
func sanitizeText(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}
