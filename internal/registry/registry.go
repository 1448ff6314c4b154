// Package registry owns collection schema definitions: builtin composition,
// creation-time validation, and lookup. A collection's effective schema is
// the union of the enabled builtin constants and the caller's custom
// definitions, resolved once at creation and immutable thereafter.
package registry

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/memkb/memkb/internal/expr"
	"github.com/memkb/memkb/internal/storage"
	"github.com/memkb/memkb/pkg/types"
)

// schemaCacheSize bounds the registry's read cache. Schemas are immutable,
// so cached entries never go stale.
const schemaCacheSize = 256

// CreateRequest carries the collection/create payload.
type CreateRequest struct {
	CollectionName          string                    `json:"CollectionName"`
	Description             string                    `json:"Description,omitempty"`
	BuiltinEventTypes       []string                  `json:"BuiltinEventTypes,omitempty"`
	BuiltinEntityTypes      []string                  `json:"BuiltinEntityTypes,omitempty"`
	CustomEventTypeSchemas  []*types.EventTypeSchema  `json:"CustomEventTypeSchemas,omitempty"`
	CustomEntityTypeSchemas []*types.EntityTypeSchema `json:"CustomEntityTypeSchemas,omitempty"`
}

// Registry resolves and validates collection schemas over a CollectionStore.
type Registry struct {
	store storage.CollectionStore
	cache *lru.Cache[string, *types.CollectionSchema]
}

// New creates a Registry backed by the given store.
func New(store storage.CollectionStore) (*Registry, error) {
	cache, err := lru.New[string, *types.CollectionSchema](schemaCacheSize)
	if err != nil {
		return nil, fmt.Errorf("registry: failed to create schema cache: %w", err)
	}
	return &Registry{store: store, cache: cache}, nil
}

// CreateCollection validates the request, composes the effective schema, and
// persists it. It returns types.ErrConflict when the name is taken and
// types.ErrSchemaInvalid for malformed schemas; in both cases no state
// changes. The new collection is immediately visible to ingestion and search.
func (r *Registry) CreateCollection(ctx context.Context, req *CreateRequest) (*types.CollectionSchema, error) {
	if req == nil || req.CollectionName == "" {
		return nil, fmt.Errorf("%w: CollectionName is required", types.ErrSchemaInvalid)
	}

	schema, err := compose(req)
	if err != nil {
		return nil, err
	}
	if err := validateSchema(schema); err != nil {
		return nil, err
	}

	if err := r.store.CreateCollection(ctx, schema); err != nil {
		return nil, err
	}
	r.cache.Add(schema.CollectionName, schema)
	return schema, nil
}

// Get returns the resolved schema of the named collection, or
// types.ErrNotFound.
func (r *Registry) Get(ctx context.Context, name string) (*types.CollectionSchema, error) {
	if schema, ok := r.cache.Get(name); ok {
		return schema, nil
	}
	schema, err := r.store.GetCollection(ctx, name)
	if err != nil {
		return nil, err
	}
	r.cache.Add(name, schema)
	return schema, nil
}

// compose builds the effective schema: builtins first, then custom
// definitions, rejecting name collisions in either direction.
func compose(req *CreateRequest) (*types.CollectionSchema, error) {
	events, entities, unknown := types.BuiltinsFor(req.BuiltinEventTypes, req.BuiltinEntityTypes)
	if len(unknown) > 0 {
		return nil, fmt.Errorf("%w: unknown builtin types %v", types.ErrSchemaInvalid, unknown)
	}

	for _, es := range req.CustomEventTypeSchemas {
		if es == nil || es.EventType == "" {
			return nil, fmt.Errorf("%w: custom event schema missing EventType", types.ErrSchemaInvalid)
		}
		if _, dup := events[es.EventType]; dup {
			return nil, fmt.Errorf("%w: duplicate event type %s", types.ErrSchemaInvalid, es.EventType)
		}
		events[es.EventType] = es
	}
	for _, es := range req.CustomEntityTypeSchemas {
		if es == nil || es.EntityType == "" {
			return nil, fmt.Errorf("%w: custom entity schema missing EntityType", types.ErrSchemaInvalid)
		}
		if _, dup := entities[es.EntityType]; dup {
			return nil, fmt.Errorf("%w: duplicate entity type %s", types.ErrSchemaInvalid, es.EntityType)
		}
		entities[es.EntityType] = es
	}

	builtins := make([]string, 0, len(req.BuiltinEventTypes)+len(req.BuiltinEntityTypes))
	builtins = append(builtins, req.BuiltinEventTypes...)
	builtins = append(builtins, req.BuiltinEntityTypes...)

	return &types.CollectionSchema{
		CollectionName: req.CollectionName,
		Description:    req.Description,
		EventTypes:     events,
		EntityTypes:    entities,
		Builtins:       builtins,
	}, nil
}

// validateSchema enforces the creation-time invariants over the composed
// schema.
func validateSchema(schema *types.CollectionSchema) error {
	for name, es := range schema.EventTypes {
		if err := validateEventType(name, es); err != nil {
			return err
		}
	}
	for name, es := range schema.EntityTypes {
		if err := validateEntityType(schema, name, es); err != nil {
			return err
		}
	}
	return nil
}

func validateEventType(name string, es *types.EventTypeSchema) error {
	seen := make(map[string]bool, len(es.Properties))
	for _, p := range es.Properties {
		if p.PropertyName == "" {
			return fmt.Errorf("%w: event type %s has a property without a name", types.ErrSchemaInvalid, name)
		}
		if seen[p.PropertyName] {
			return fmt.Errorf("%w: event type %s declares property %s twice", types.ErrSchemaInvalid, name, p.PropertyName)
		}
		seen[p.PropertyName] = true
		if !p.PropertyValueType.Valid() {
			return fmt.Errorf("%w: event type %s property %s has unknown type %q",
				types.ErrSchemaInvalid, name, p.PropertyName, p.PropertyValueType)
		}
		if p.IsPrimaryKey || p.UseProvided || p.Aggregate != nil {
			return fmt.Errorf("%w: event type %s property %s carries entity-only flags",
				types.ErrSchemaInvalid, name, p.PropertyName)
		}
	}
	if es.ValidationExpression != "" {
		if _, err := expr.Parse(es.ValidationExpression); err != nil {
			return fmt.Errorf("%w: event type %s validation expression: %v", types.ErrSchemaInvalid, name, err)
		}
	}
	return nil
}

func validateEntityType(schema *types.CollectionSchema, name string, es *types.EntityTypeSchema) error {
	for _, assoc := range es.AssociatedEventTypes {
		if schema.EventType(assoc) == nil {
			return fmt.Errorf("%w: entity type %s references undeclared event type %s",
				types.ErrSchemaInvalid, name, assoc)
		}
	}

	hasPrimaryKey := false
	seen := make(map[string]bool, len(es.Properties))
	for i := range es.Properties {
		p := &es.Properties[i]
		if p.PropertyName == "" {
			return fmt.Errorf("%w: entity type %s has a property without a name", types.ErrSchemaInvalid, name)
		}
		if seen[p.PropertyName] {
			return fmt.Errorf("%w: entity type %s declares property %s twice", types.ErrSchemaInvalid, name, p.PropertyName)
		}
		seen[p.PropertyName] = true
		if !p.PropertyValueType.Valid() {
			return fmt.Errorf("%w: entity type %s property %s has unknown type %q",
				types.ErrSchemaInvalid, name, p.PropertyName, p.PropertyValueType)
		}

		if p.UseProvided && p.Aggregate != nil {
			return fmt.Errorf("%w: entity type %s property %s is both provided and aggregated",
				types.ErrSchemaInvalid, name, p.PropertyName)
		}

		if p.IsPrimaryKey {
			hasPrimaryKey = true
			if !p.UseProvided {
				// A key component nobody supplies and nothing derives can
				// never be bound.
				return fmt.Errorf("%w: entity type %s primary-key property %s is not provided",
					types.ErrSchemaInvalid, name, p.PropertyName)
			}
			if p.PropertyValueType.IsList() {
				return fmt.Errorf("%w: entity type %s primary-key property %s cannot be a list",
					types.ErrSchemaInvalid, name, p.PropertyName)
			}
		}

		if p.Aggregate != nil {
			if err := validateAggregate(schema, name, p); err != nil {
				return err
			}
		}
	}

	if !hasPrimaryKey {
		return fmt.Errorf("%w: entity type %s declares no primary key", types.ErrSchemaInvalid, name)
	}
	return nil
}

func validateAggregate(schema *types.CollectionSchema, entityName string, p *types.PropertyDef) error {
	agg := p.Aggregate
	if !agg.Op.Valid() {
		return fmt.Errorf("%w: entity type %s property %s has unsupported aggregate op %q",
			types.ErrSchemaInvalid, entityName, p.PropertyName, agg.Op)
	}

	src := schema.EventType(agg.EventType)
	if src == nil {
		return fmt.Errorf("%w: aggregate on %s.%s references undeclared event type %s",
			types.ErrSchemaInvalid, entityName, p.PropertyName, agg.EventType)
	}
	srcProp := src.Property(agg.EventPropertyName)
	if srcProp == nil {
		return fmt.Errorf("%w: aggregate on %s.%s references unknown property %s.%s",
			types.ErrSchemaInvalid, entityName, p.PropertyName, agg.EventType, agg.EventPropertyName)
	}

	switch agg.Op {
	case types.OpMax, types.OpMin:
		// MAX on a string property has no useful total order and is rejected.
		if !srcProp.PropertyValueType.IsOrdered() {
			return fmt.Errorf("%w: %s over %s property %s.%s",
				types.ErrSchemaInvalid, agg.Op, srcProp.PropertyValueType, agg.EventType, agg.EventPropertyName)
		}
		if !p.PropertyValueType.IsNumeric() {
			return fmt.Errorf("%w: %s target property %s.%s must be numeric",
				types.ErrSchemaInvalid, agg.Op, entityName, p.PropertyName)
		}
	case types.OpSum, types.OpAvg:
		if !srcProp.PropertyValueType.IsNumeric() {
			return fmt.Errorf("%w: %s over non-numeric property %s.%s",
				types.ErrSchemaInvalid, agg.Op, agg.EventType, agg.EventPropertyName)
		}
		if !p.PropertyValueType.IsNumeric() {
			return fmt.Errorf("%w: %s target property %s.%s must be numeric",
				types.ErrSchemaInvalid, agg.Op, entityName, p.PropertyName)
		}
	case types.OpCount:
		if p.PropertyValueType != types.ValueInt64 {
			return fmt.Errorf("%w: COUNT target property %s.%s must be int64",
				types.ErrSchemaInvalid, entityName, p.PropertyName)
		}
	}
	return nil
}
