// Package objgen obtains schema-conformant objects from model output,
// with bounded repair when parsing or validation fails.
// This file implements the schema capability and its reflection adapter.
package objgen

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/invopop/jsonschema"
)

// Schema is the validation capability structured generation works against.
// Implementations parse raw JSON into a value and report why it does not
// conform. The engine never inspects schema internals beyond this contract.
type Schema interface {
	// ValidateJSON parses and validates raw JSON, returning the decoded value.
	ValidateJSON(data []byte) (any, error)
	// JSONSchema returns the JSON Schema document for prompt injection.
	JSONSchema() json.RawMessage
}

// schemaCache stores generated schemas to avoid redundant reflection.
var schemaCache = &schemaCacheImpl{
	cache: make(map[reflect.Type][]byte),
}

type schemaCacheImpl struct {
	cache map[reflect.Type][]byte
	mu    sync.RWMutex
}

func (c *schemaCacheImpl) get(t reflect.Type) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	schema, ok := c.cache[t]
	return schema, ok
}

func (c *schemaCacheImpl) set(t reflect.Type, schema []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache[t] = schema
}

func (c *schemaCacheImpl) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache = make(map[reflect.Type][]byte)
}

// generateSchema generates a JSON Schema for the given Go type.
// The schema is cached for performance.
func generateSchema(t reflect.Type) ([]byte, error) {
	if schema, ok := schemaCache.get(t); ok {
		return schema, nil
	}

	r := &jsonschema.Reflector{
		AllowAdditionalProperties:  true,
		RequiredFromJSONSchemaTags: true,
		DoNotReference:             true,
	}

	var schema *jsonschema.Schema
	if t.Kind() == reflect.Struct {
		instance := reflect.New(t).Interface()
		schema = r.Reflect(instance)
	} else {
		schema = r.Reflect(reflect.New(t).Elem().Interface())
	}

	if schema.Title == "" {
		schema.Title = t.Name()
	}

	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}

	schemaCache.set(t, schemaJSON)

	return schemaJSON, nil
}

// ClearSchemaCache removes all cached schemas.
func ClearSchemaCache() {
	schemaCache.clear()
}

// typedSchema validates JSON against a Go type T.
type typedSchema[T any] struct {
	doc json.RawMessage
}

// ForType builds a Schema from a Go type via reflection. The generated
// JSON Schema honors jsonschema struct tags and is cached per type.
func ForType[T any]() (Schema, error) {
	var zero T
	t := reflect.TypeOf(zero)
	if t == nil {
		return nil, fmt.Errorf("cannot generate schema for interface type")
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	doc, err := generateSchema(t)
	if err != nil {
		return nil, err
	}

	return &typedSchema[T]{doc: doc}, nil
}

// MustForType is ForType but panics on reflection failure. Intended for
// package-level schema variables.
func MustForType[T any]() Schema {
	s, err := ForType[T]()
	if err != nil {
		panic(err)
	}
	return s
}

// ValidateJSON implements Schema. Decoding into T is the validation:
// type mismatches surface as unmarshal errors, then required fields from
// the generated schema are checked against the raw document.
func (s *typedSchema[T]) ValidateJSON(data []byte) (any, error) {
	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("does not match schema: %w", err)
	}

	if err := checkRequired(data, s.doc); err != nil {
		return nil, err
	}

	return value, nil
}

// JSONSchema implements Schema.
func (s *typedSchema[T]) JSONSchema() json.RawMessage {
	return s.doc
}

// checkRequired verifies the document carries every required property
// named by the schema. json.Unmarshal treats missing fields as zero
// values, so this is the presence check decoding cannot do.
func checkRequired(data, schemaDoc []byte) error {
	var schema struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schemaDoc, &schema); err != nil || len(schema.Required) == 0 {
		return nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		// Non-object payloads are validated by the decode alone.
		return nil
	}

	for _, name := range schema.Required {
		if _, ok := obj[name]; !ok {
			return fmt.Errorf("missing required field: %s", name)
		}
	}

	return nil
}

// RawSchema wraps an existing JSON Schema document with decode-only
// validation, for callers that author schemas by hand.
type RawSchema struct {
	Doc json.RawMessage
}

// ValidateJSON implements Schema.
func (s RawSchema) ValidateJSON(data []byte) (any, error) {
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := checkRequired(data, s.Doc); err != nil {
		return nil, err
	}
	return value, nil
}

// JSONSchema implements Schema.
func (s RawSchema) JSONSchema() json.RawMessage {
	return s.Doc
}
