// Package schema provides structural schemas for step input and output types
// and conversion between typed values and string property maps.
//
// Schemas are derived from struct types by reflection: property names come
// from json tags, descriptions from `description` tags and required flags
// from `required` tags. A type can override its schema name by implementing
// the Named interface.
package schema

import (
	"log/slog"
	"reflect"
	"strings"
	"sync"

	"github.com/driftkit-ai/driftkit-go/pkg/domain/errors"
)

// ResultKey is the conventional property key used when a value has no
// per-property mapping (non-struct payloads serialize as JSON under it).
const ResultKey = "result"

// Named lets a type override the schema name derived from its Go type name.
type Named interface {
	SchemaName() string
}

// Property describes a single schema property.
type Property struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
}

// Schema is the structural description of a step input or output type.
type Schema struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Properties  []Property `json:"properties"`
}

// Service produces schemas and converts values to and from property maps.
// Schemas are cached per type; named registrations allow rehydrating a type
// from a schema name carried on a resume request.
type Service struct {
	mu     sync.RWMutex
	cache  map[reflect.Type]*Schema
	named  map[string]reflect.Type
	logger *slog.Logger
}

// NewService creates a schema service.
func NewService(logger *slog.Logger) *Service {
	return &Service{
		cache:  make(map[reflect.Type]*Schema),
		named:  make(map[string]reflect.Type),
		logger: logger.With("component", "schema_service"),
	}
}

// RegisterNamed registers a prototype value (or a reflect.Type directly)
// under a schema name so the type can later be looked up from a resume
// request. Registration also primes the schema cache.
func (s *Service) RegisterNamed(name string, prototype any) {
	var t reflect.Type
	if rt, ok := prototype.(reflect.Type); ok {
		t = baseType(rt)
	} else {
		t = baseType(reflect.TypeOf(prototype))
	}

	s.mu.Lock()
	s.named[name] = t
	s.mu.Unlock()

	s.SchemaFor(t)
	s.logger.Debug("Schema registered", "name", name, "type", t.String())
}

// Lookup resolves a registered schema name to its type.
func (s *Service) Lookup(name string) (reflect.Type, error) {
	s.mu.RLock()
	t, ok := s.named[name]
	s.mu.RUnlock()

	if !ok {
		return nil, errors.Newf(errors.CodeSchemaUnknown, "schema", "schema %q is not registered", name)
	}
	return t, nil
}

// SchemaOf returns the schema for a value's type.
func (s *Service) SchemaOf(v any) *Schema {
	if v == nil {
		return &Schema{Name: "object"}
	}
	return s.SchemaFor(reflect.TypeOf(v))
}

// SchemaFor returns the cached schema for t, computing it on first use.
func (s *Service) SchemaFor(t reflect.Type) *Schema {
	t = baseType(t)

	s.mu.RLock()
	cached, ok := s.cache[t]
	s.mu.RUnlock()
	if ok {
		return cached
	}

	built := s.build(t)

	s.mu.Lock()
	s.cache[t] = built
	s.mu.Unlock()

	return built
}

func (s *Service) build(t reflect.Type) *Schema {
	name := schemaName(t)

	if t.Kind() != reflect.Struct {
		// Non-struct payloads expose a single conventional property.
		return &Schema{
			Name: name,
			Properties: []Property{
				{Name: ResultKey, Type: typeName(t), Required: true},
			},
		}
	}

	sch := &Schema{Name: name}
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		if field.Anonymous {
			embedded := s.build(baseType(field.Type))
			sch.Properties = append(sch.Properties, embedded.Properties...)
			continue
		}

		prop := Property{
			Name:        propertyName(field),
			Type:        typeName(field.Type),
			Description: field.Tag.Get("description"),
			Required:    field.Tag.Get("required") == "true",
		}
		if prop.Name == "-" {
			continue
		}
		sch.Properties = append(sch.Properties, prop)
	}
	return sch
}

func schemaName(t reflect.Type) string {
	if t.Implements(namedType) {
		return reflect.New(t).Elem().Interface().(Named).SchemaName()
	}
	if reflect.PointerTo(t).Implements(namedType) {
		return reflect.New(t).Interface().(Named).SchemaName()
	}
	if t.Name() != "" {
		return t.Name()
	}
	return typeName(t)
}

var namedType = reflect.TypeOf((*Named)(nil)).Elem()

func propertyName(field reflect.StructField) string {
	tag := field.Tag.Get("json")
	if tag == "" {
		return field.Name
	}
	name := strings.Split(tag, ",")[0]
	if name == "" {
		return field.Name
	}
	return name
}

func typeName(t reflect.Type) string {
	switch t.Kind() {
	case reflect.Pointer:
		return typeName(t.Elem())
	case reflect.String:
		return "string"
	case reflect.Bool:
		return "boolean"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.Map, reflect.Struct, reflect.Interface:
		return "object"
	default:
		return t.String()
	}
}

func baseType(t reflect.Type) reflect.Type {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}
