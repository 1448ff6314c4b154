package types

import (
	"fmt"
	"strings"
	"time"
)

// keySep separates primary-key tuple components in the canonical entity key.
// The unit separator cannot appear unescaped in JSON string payloads, which
// keeps keys collision-free without further quoting.
const keySep = "\x1f"

// PrimaryKeyTuple extracts the ordered primary-key values of the given
// entity type from a property bag and returns the canonical key string.
// It fails when a primary-key property has no value, which callers surface
// as ErrInternal for event-derived tuples.
func PrimaryKeyTuple(schema *EntityTypeSchema, props Properties) (string, error) {
	pks := schema.PrimaryKeyProperties()
	if len(pks) == 0 {
		return "", fmt.Errorf("%w: entity type %s declares no primary key", ErrSchemaInvalid, schema.EntityType)
	}
	parts := make([]string, 0, len(pks))
	for _, pk := range pks {
		v, ok := props[pk.PropertyName]
		if !ok || v == nil {
			return "", fmt.Errorf("%w: primary-key property %s of %s has no value",
				ErrInternal, pk.PropertyName, schema.EntityType)
		}
		parts = append(parts, FormatValue(v))
	}
	return strings.Join(parts, keySep), nil
}

// AggregateState is the internal accumulator for one aggregate-derived
// entity property. MAX/MIN track the best value seen; SUM/COUNT/AVG share
// the running (Sum, Count) pair. AVG exposes Sum/Count and reports unset
// while Count is zero rather than dividing by it.
type AggregateState struct {
	Sum   float64  `json:"sum,omitempty"`
	Count int64    `json:"count,omitempty"`
	Max   *float64 `json:"max,omitempty"`
	Min   *float64 `json:"min,omitempty"`
}

// Entity is a mutable record identified by (entity_type, primary-key tuple).
// UseProvided properties live in Provided and are overwritten wholesale on
// each seed; aggregate-derived properties are maintained incrementally in
// Aggregates. Applied holds the event IDs already folded in, making replay
// of the same event a no-op.
type Entity struct {
	Collection string `json:"collection"`
	EntityType string `json:"entity_type"`
	Key        string `json:"key"`

	Provided   Properties                 `json:"provided"`
	Aggregates map[string]*AggregateState `json:"aggregates"`
	Applied    map[string]struct{}        `json:"applied"`

	LastUpdated time.Time `json:"last_updated"`
	LastLogical int64     `json:"last_logical"`
}

// NewEntity creates an empty entity record for lazy creation on first seed
// or first qualifying event.
func NewEntity(collection, entityType, key string) *Entity {
	return &Entity{
		Collection: collection,
		EntityType: entityType,
		Key:        key,
		Provided:   make(Properties),
		Aggregates: make(map[string]*AggregateState),
		Applied:    make(map[string]struct{}),
	}
}

// Value returns the current exposed value of the named property, which is
// either a provided value or the aggregate's derived value. The boolean is
// false when the property is unset (e.g. AVG with no qualifying events yet).
func (e *Entity) Value(def *PropertyDef) (interface{}, bool) {
	if v, ok := e.Provided[def.PropertyName]; ok {
		return v, true
	}
	agg := def.Aggregate
	st := e.Aggregates[def.PropertyName]
	if agg == nil || st == nil {
		return nil, false
	}
	switch agg.Op {
	case OpMax:
		if st.Max == nil {
			return nil, false
		}
		return numericAs(def.PropertyValueType, *st.Max), true
	case OpMin:
		if st.Min == nil {
			return nil, false
		}
		return numericAs(def.PropertyValueType, *st.Min), true
	case OpSum:
		if st.Count == 0 {
			return nil, false
		}
		return numericAs(def.PropertyValueType, st.Sum), true
	case OpCount:
		return st.Count, true
	case OpAvg:
		if st.Count == 0 {
			return nil, false
		}
		return numericAs(def.PropertyValueType, st.Sum/float64(st.Count)), true
	}
	return nil, false
}

// Content renders the entity as canonical text for similarity scoring:
// property name/value pairs in schema declaration order, unset properties
// omitted.
func (e *Entity) Content(schema *EntityTypeSchema) string {
	var sb strings.Builder
	for i := range schema.Properties {
		def := &schema.Properties[i]
		v, ok := e.Value(def)
		if !ok {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString(def.PropertyName)
		sb.WriteString(": ")
		sb.WriteString(FormatValue(v))
	}
	return sb.String()
}

// numericAs converts an accumulator float64 back to the property's declared
// numeric representation for exposure.
func numericAs(t PropertyValueType, v float64) interface{} {
	switch t {
	case ValueInt64:
		return int64(v)
	case ValueFloat32:
		return float32(v)
	}
	return v
}
