// Package types holds the domain model shared by every layer: schemas,
// events, entities, memory records and the sentinel errors they raise.
package types

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// PropertyValueType enumerates the value types a schema property may declare.
type PropertyValueType string

const (
	ValueString      PropertyValueType = "string"
	ValueInt64       PropertyValueType = "int64"
	ValueFloat32     PropertyValueType = "float32"
	ValueBool        PropertyValueType = "bool"
	ValueListString  PropertyValueType = "list<string>"
	ValueListInt64   PropertyValueType = "list<int64>"
	ValueListFloat32 PropertyValueType = "list<float32>"
)

// Valid reports whether t is one of the declared value types.
func (t PropertyValueType) Valid() bool {
	switch t {
	case ValueString, ValueInt64, ValueFloat32, ValueBool,
		ValueListString, ValueListInt64, ValueListFloat32:
		return true
	}
	return false
}

// IsNumeric reports whether t is a scalar numeric type.
func (t PropertyValueType) IsNumeric() bool {
	return t == ValueInt64 || t == ValueFloat32
}

// IsOrdered reports whether values of t have a total order usable by MAX and
// MIN aggregates. Only the numeric scalars qualify.
func (t PropertyValueType) IsOrdered() bool {
	return t.IsNumeric()
}

// IsList reports whether t is a list type.
func (t PropertyValueType) IsList() bool {
	return strings.HasPrefix(string(t), "list<")
}

// Elem returns the element type of a list type, or t itself for scalars.
func (t PropertyValueType) Elem() PropertyValueType {
	switch t {
	case ValueListString:
		return ValueString
	case ValueListInt64:
		return ValueInt64
	case ValueListFloat32:
		return ValueFloat32
	}
	return t
}

// AggregateOp enumerates the fold operators an aggregate expression may use.
type AggregateOp string

const (
	OpMax   AggregateOp = "MAX"
	OpMin   AggregateOp = "MIN"
	OpSum   AggregateOp = "SUM"
	OpCount AggregateOp = "COUNT"
	OpAvg   AggregateOp = "AVG"
)

// Valid reports whether op is a known operator.
func (op AggregateOp) Valid() bool {
	switch op {
	case OpMax, OpMin, OpSum, OpCount, OpAvg:
		return true
	}
	return false
}

// AggregateExpression declares how an entity property is derived from the
// event stream: fold Op over EventPropertyName of every applied event of
// EventType.
type AggregateExpression struct {
	Op                AggregateOp `json:"Op"`
	EventType         string      `json:"EventType"`
	EventPropertyName string      `json:"EventPropertyName"`
}

// PropertyDef declares one property of an event or entity type. The flag
// fields only apply to entity properties.
type PropertyDef struct {
	PropertyName      string            `json:"PropertyName"`
	PropertyValueType PropertyValueType `json:"PropertyValueType"`
	Description       string            `json:"Description,omitempty"`

	IsPrimaryKey bool                 `json:"IsPrimaryKey,omitempty"`
	UseProvided  bool                 `json:"UseProvided,omitempty"`
	Aggregate    *AggregateExpression `json:"AggregateExpression,omitempty"`
}

// SchemaVersion is an event type's schema version. Clients send it as either
// a JSON number or a decimal string, so unmarshalling accepts both.
type SchemaVersion int

func (v *SchemaVersion) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if len(s) >= 2 && s[0] == '"' {
		var err error
		if err = json.Unmarshal(data, &s); err != nil {
			return err
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("schema version %q is not an integer", s)
	}
	*v = SchemaVersion(n)
	return nil
}

// EventTypeSchema declares one event type of a collection.
type EventTypeSchema struct {
	EventType            string        `json:"EventType"`
	Version              SchemaVersion `json:"Version"`
	Description          string        `json:"Description,omitempty"`
	Properties           []PropertyDef `json:"Properties"`
	ValidationExpression string        `json:"ValidationExpression,omitempty"`
}

// Property returns the declaration of the named property, or nil.
func (s *EventTypeSchema) Property(name string) *PropertyDef {
	for i := range s.Properties {
		if s.Properties[i].PropertyName == name {
			return &s.Properties[i]
		}
	}
	return nil
}

// EntityTypeSchema declares one entity type of a collection.
type EntityTypeSchema struct {
	EntityType           string        `json:"EntityType"`
	Version              SchemaVersion `json:"Version"`
	Description          string        `json:"Description,omitempty"`
	AssociatedEventTypes []string      `json:"AssociatedEventTypes"`
	Role                 string        `json:"Role,omitempty"`
	Properties           []PropertyDef `json:"Properties"`
}

// Property returns the declaration of the named property, or nil.
func (s *EntityTypeSchema) Property(name string) *PropertyDef {
	for i := range s.Properties {
		if s.Properties[i].PropertyName == name {
			return &s.Properties[i]
		}
	}
	return nil
}

// PrimaryKeyProperties returns the primary-key properties in declaration
// order. The order is part of the key encoding and must stay stable.
func (s *EntityTypeSchema) PrimaryKeyProperties() []*PropertyDef {
	var pks []*PropertyDef
	for i := range s.Properties {
		if s.Properties[i].IsPrimaryKey {
			pks = append(pks, &s.Properties[i])
		}
	}
	return pks
}

// Associates reports whether the entity type aggregates events of the given
// type.
func (s *EntityTypeSchema) Associates(eventType string) bool {
	for _, t := range s.AssociatedEventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// CollectionSchema is the immutable, validated schema of one collection.
type CollectionSchema struct {
	CollectionName string `json:"collection_name"`
	Description    string `json:"description,omitempty"`

	EventTypes  map[string]*EventTypeSchema  `json:"event_types"`
	EntityTypes map[string]*EntityTypeSchema `json:"entity_types"`

	// Builtins records which built-in event types the collection enabled.
	Builtins []string `json:"builtins,omitempty"`
}

// EventType returns the schema of the named event type, or nil.
func (c *CollectionSchema) EventType(name string) *EventTypeSchema {
	return c.EventTypes[name]
}

// EntityType returns the schema of the named entity type, or nil.
func (c *CollectionSchema) EntityType(name string) *EntityTypeSchema {
	return c.EntityTypes[name]
}

// EntityTypesFor returns the entity types whose AssociatedEventTypes include
// the given event type, sorted by name for deterministic dispatch.
func (c *CollectionSchema) EntityTypesFor(eventType string) []*EntityTypeSchema {
	var out []*EntityTypeSchema
	for _, et := range c.EntityTypes {
		if et.Associates(eventType) {
			out = append(out, et)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityType < out[j].EntityType })
	return out
}

// MemoryTypes returns every event and entity type name defined by the
// collection, sorted. Search filters validate against this set.
func (c *CollectionSchema) MemoryTypes() []string {
	names := make([]string, 0, len(c.EventTypes)+len(c.EntityTypes))
	for name := range c.EventTypes {
		names = append(names, name)
	}
	for name := range c.EntityTypes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
