// Package aggregate maintains entity records derived from the committed
// event stream. Mutation is serialized per (entity_type, primary-key tuple)
// through a sharded lock map keyed by hash, so concurrent events targeting
// the same entity apply one at a time while distinct entities proceed
// without contention.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/memkb/memkb/internal/storage"
	"github.com/memkb/memkb/pkg/types"
)

// lockShards is the size of the sharded lock map. Entities hashing to the
// same shard share a mutex; correctness only requires that one entity never
// spans two shards.
const lockShards = 64

// Aggregator applies events and seeds to entity records.
type Aggregator struct {
	store storage.EntityStore
	locks [lockShards]sync.Mutex
}

// New creates an Aggregator over the given entity store.
func New(store storage.EntityStore) *Aggregator {
	return &Aggregator{store: store}
}

// SeedOutcome reports the result of one explicit entity seed.
type SeedOutcome struct {
	EntityType string `json:"entity_type"`
	Key        string `json:"key"`
	Created    bool   `json:"created"`
}

// Apply folds one committed event into the entity of the given type,
// recomputing every aggregate-derived property whose expression matches the
// event's type. Applying the same event ID twice is a no-op, which makes
// out-of-order and replayed delivery safe: all five operators are
// order-independent once deduplicated. The updated entity is returned so the
// caller can re-index its projection; nil means the event resolved to no
// entity work (duplicate).
func (a *Aggregator) Apply(ctx context.Context, schema *types.EntityTypeSchema, event *types.Event) (*types.Entity, error) {
	key, seedProvided, err := a.resolveKey(ctx, schema, event)
	if err != nil {
		return nil, err
	}

	lock := a.lockFor(schema.EntityType, key)
	lock.Lock()
	defer lock.Unlock()

	ent, err := a.loadOrCreate(ctx, event.Collection, schema.EntityType, key)
	if err != nil {
		return nil, err
	}

	if _, done := ent.Applied[event.EventID]; done {
		return ent, nil
	}

	// An entity created lazily from an event keeps the primary-key values it
	// was resolved with, so its tuple stays recoverable from the record.
	for name, v := range seedProvided {
		if _, exists := ent.Provided[name]; !exists {
			ent.Provided[name] = v
		}
	}

	for i := range schema.Properties {
		def := &schema.Properties[i]
		agg := def.Aggregate
		if agg == nil || agg.EventType != event.EventType {
			continue
		}
		raw, ok := event.Properties[agg.EventPropertyName]
		if !ok {
			continue
		}
		n, numeric := types.NumericValue(raw)
		if !numeric && agg.Op != types.OpCount {
			return nil, fmt.Errorf("%w: aggregate source %s.%s is not numeric",
				types.ErrInternal, event.EventType, agg.EventPropertyName)
		}

		st := ent.Aggregates[def.PropertyName]
		if st == nil {
			st = &types.AggregateState{}
			ent.Aggregates[def.PropertyName] = st
		}
		switch agg.Op {
		case types.OpMax:
			if st.Max == nil || n > *st.Max {
				v := n
				st.Max = &v
			}
		case types.OpMin:
			if st.Min == nil || n < *st.Min {
				v := n
				st.Min = &v
			}
		case types.OpSum, types.OpAvg:
			st.Sum += n
			st.Count++
		case types.OpCount:
			st.Count++
		}
	}

	ent.Applied[event.EventID] = struct{}{}
	if event.LogicalTime > ent.LastLogical {
		ent.LastLogical = event.LogicalTime
	}
	ent.LastUpdated = time.Now().UTC()

	if err := a.store.PutEntity(ctx, ent); err != nil {
		return nil, err
	}
	return ent, nil
}

// Seed overwrites exactly the UseProvided properties of the (possibly newly
// created) entity identified by the primary-key values in scope. Aggregate
// accumulators are never touched by seeding.
func (a *Aggregator) Seed(ctx context.Context, collection string, schema *types.EntityTypeSchema, scope types.Properties) (*types.Entity, SeedOutcome, error) {
	key, err := types.PrimaryKeyTuple(schema, scope)
	if err != nil {
		return nil, SeedOutcome{}, fmt.Errorf("%w: seed for %s: %v", types.ErrValidationRejected, schema.EntityType, err)
	}

	lock := a.lockFor(schema.EntityType, key)
	lock.Lock()
	defer lock.Unlock()

	created := false
	ent, err := a.store.GetEntity(ctx, collection, schema.EntityType, key)
	if errors.Is(err, types.ErrNotFound) {
		ent = types.NewEntity(collection, schema.EntityType, key)
		created = true
	} else if err != nil {
		return nil, SeedOutcome{}, err
	}

	for i := range schema.Properties {
		def := &schema.Properties[i]
		if !def.UseProvided && !def.IsPrimaryKey {
			continue
		}
		raw, ok := scope[def.PropertyName]
		if !ok {
			continue
		}
		val, err := types.CheckValue(def.PropertyValueType, raw)
		if err != nil {
			return nil, SeedOutcome{}, fmt.Errorf("%w: seed property %s: %v",
				types.ErrValidationRejected, def.PropertyName, err)
		}
		ent.Provided[def.PropertyName] = val
	}
	ent.LastUpdated = time.Now().UTC()

	if err := a.store.PutEntity(ctx, ent); err != nil {
		return nil, SeedOutcome{}, err
	}
	return ent, SeedOutcome{EntityType: schema.EntityType, Key: key, Created: created}, nil
}

// resolveKey determines which entity record an event targets. When the event
// carries values for every primary-key property the tuple is direct. Events
// that do not carry the key (common when entities were seeded with synthetic
// IDs) are matched against existing entities of the type by the property
// names event and entity share; exactly one match is required.
func (a *Aggregator) resolveKey(ctx context.Context, schema *types.EntityTypeSchema, event *types.Event) (string, types.Properties, error) {
	pks := schema.PrimaryKeyProperties()
	direct := true
	for _, pk := range pks {
		if _, ok := event.Properties[pk.PropertyName]; !ok {
			direct = false
			break
		}
	}
	if direct {
		key, err := types.PrimaryKeyTuple(schema, event.Properties)
		if err != nil {
			return "", nil, err
		}
		provided := make(types.Properties, len(pks))
		for _, pk := range pks {
			provided[pk.PropertyName] = event.Properties[pk.PropertyName]
		}
		return key, provided, nil
	}

	// Indirect match over shared property names.
	shared := sharedProperties(schema, event)
	if len(shared) == 0 {
		return "", nil, fmt.Errorf("%w: event %s carries no primary-key or shared properties for entity type %s",
			types.ErrInternal, event.EventID, schema.EntityType)
	}

	entities, err := a.store.ListEntities(ctx, event.Collection)
	if err != nil {
		return "", nil, err
	}
	var match *types.Entity
	for _, ent := range entities {
		if ent.EntityType != schema.EntityType {
			continue
		}
		if !matchesShared(ent, event, shared) {
			continue
		}
		if match != nil {
			return "", nil, fmt.Errorf("%w: event %s matches multiple %s entities",
				types.ErrInternal, event.EventID, schema.EntityType)
		}
		match = ent
	}
	if match == nil {
		return "", nil, fmt.Errorf("%w: event %s matches no %s entity",
			types.ErrInternal, event.EventID, schema.EntityType)
	}
	return match.Key, nil, nil
}

// sharedProperties returns the entity property names that also appear on the
// event and hold a provided (non-aggregate) value on the entity side.
func sharedProperties(schema *types.EntityTypeSchema, event *types.Event) []string {
	var shared []string
	for _, def := range schema.Properties {
		if def.Aggregate != nil {
			continue
		}
		if _, ok := event.Properties[def.PropertyName]; ok {
			shared = append(shared, def.PropertyName)
		}
	}
	return shared
}

func matchesShared(ent *types.Entity, event *types.Event, shared []string) bool {
	for _, name := range shared {
		ev, ok := ent.Provided[name]
		if !ok {
			return false
		}
		if types.FormatValue(ev) != types.FormatValue(event.Properties[name]) {
			return false
		}
	}
	return true
}

func (a *Aggregator) loadOrCreate(ctx context.Context, collection, entityType, key string) (*types.Entity, error) {
	ent, err := a.store.GetEntity(ctx, collection, entityType, key)
	if errors.Is(err, types.ErrNotFound) {
		return types.NewEntity(collection, entityType, key), nil
	}
	if err != nil {
		return nil, err
	}
	return ent, nil
}

func (a *Aggregator) lockFor(entityType, key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(entityType))
	h.Write([]byte{0})
	h.Write([]byte(key))
	return &a.locks[h.Sum32()%lockShards]
}
