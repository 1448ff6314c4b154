// Package ingest runs the message ingestion pipeline: seed entities, extract
// candidate events, validate each against its schema, commit the survivors,
// and fan the committed events out to the aggregator and the retrieval
// index. The batch commits partially: one rejected candidate never blocks
// the others.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/memkb/memkb/internal/aggregate"
	"github.com/memkb/memkb/internal/extract"
	"github.com/memkb/memkb/internal/index"
	"github.com/memkb/memkb/internal/notify"
	"github.com/memkb/memkb/internal/registry"
	"github.com/memkb/memkb/internal/storage"
	"github.com/memkb/memkb/pkg/types"
)

// AddRequest is one message batch submitted for ingestion.
type AddRequest struct {
	Collection string
	SessionID  string
	Messages   []types.Message
	Metadata   types.Metadata
	Seeds      []types.EntitySeed

	// FailFast makes an unreachable extraction endpoint fail the request
	// with ErrTransport. By default extraction failure degrades to zero
	// candidate events and the seeds still apply.
	FailFast bool
}

// Rejection names one candidate event that failed validation. The rest of
// the batch is unaffected.
type Rejection struct {
	EventType string `json:"event_type"`
	Reason    string `json:"reason"`
}

// EntityOutcome names one entity touched while processing the batch.
type EntityOutcome struct {
	EntityType string `json:"entity_type"`
	Key        string `json:"key"`
}

// EntityFault names one committed event whose application to an entity type
// was skipped because no unique target entity could be resolved. The event
// itself stays committed and the rest of the batch proceeds.
type EntityFault struct {
	EventType  string `json:"event_type"`
	EventID    string `json:"event_id"`
	EntityType string `json:"entity_type"`
	Reason     string `json:"reason"`
}

// AddResult summarizes one processed batch.
type AddResult struct {
	CommittedCount int                     `json:"committed_count"`
	DuplicateCount int                     `json:"duplicate_count"`
	Rejected       []Rejection             `json:"rejected,omitempty"`
	Seeds          []aggregate.SeedOutcome `json:"seeds,omitempty"`
	Entities       []EntityOutcome         `json:"entities,omitempty"`
	EntityFaults   []EntityFault           `json:"entity_faults,omitempty"`

	// ExtractionError is set when extraction was unreachable and the batch
	// degraded to zero candidate events instead of failing.
	ExtractionError string `json:"extraction_error,omitempty"`
}

// Pipeline wires the ingestion stages together.
type Pipeline struct {
	registry   *registry.Registry
	validator  *registry.Validator
	extractor  extract.Extractor
	aggregator *aggregate.Aggregator
	index      *index.Index
	store      storage.Store
	hub        *notify.Hub
}

// New creates a Pipeline. hub may be nil when notifications are disabled.
func New(reg *registry.Registry, validator *registry.Validator, extractor extract.Extractor,
	aggregator *aggregate.Aggregator, ix *index.Index, store storage.Store, hub *notify.Hub) *Pipeline {
	return &Pipeline{
		registry:   reg,
		validator:  validator,
		extractor:  extractor,
		aggregator: aggregator,
		index:      ix,
		store:      store,
		hub:        hub,
	}
}

// AddMessages runs the batch through the full pipeline. It returns
// types.ErrNotFound for an unknown collection and types.ErrValidationRejected
// when an explicit seed is malformed. An unreachable extraction endpoint
// degrades the batch to zero candidate events unless FailFast is set, in
// which case it returns types.ErrTransport. Candidate-level validation
// failures are reported in the result, not as an error.
func (p *Pipeline) AddMessages(ctx context.Context, req *AddRequest) (*AddResult, error) {
	schema, err := p.registry.Get(ctx, req.Collection)
	if err != nil {
		return nil, err
	}
	if req.Metadata.Time == 0 {
		req.Metadata.Time = time.Now().UnixMilli()
	}

	result := &AddResult{}
	touched := make(map[string]*entityWork)

	// Explicit seeds are client data, not model output, so a malformed seed
	// fails the request before anything commits.
	for _, seed := range req.Seeds {
		es := schema.EntityType(seed.EntityType)
		if es == nil {
			return nil, fmt.Errorf("%w: entity type %s", types.ErrNotFound, seed.EntityType)
		}
		for _, scope := range seed.Scopes {
			ent, outcome, err := p.aggregator.Seed(ctx, req.Collection, es, scope)
			if err != nil {
				return nil, err
			}
			result.Seeds = append(result.Seeds, outcome)
			touched[es.EntityType+"/"+ent.Key] = &entityWork{entity: ent, schema: es}
		}
	}

	candidates, err := p.extractor.Extract(ctx, req.Messages, &req.Metadata, schema.EventTypes)
	if err != nil {
		if req.FailFast || !errors.Is(err, types.ErrTransport) {
			return nil, err
		}
		// Degrade to zero candidates: the seeds above already applied and
		// the caller can replay the messages once the endpoint recovers.
		log.Printf("ingest: extraction unavailable for %s, committing zero events: %v", req.Collection, err)
		result.ExtractionError = err.Error()
		candidates = nil
	}

	for i, cand := range candidates {
		es := schema.EventType(cand.EventType)
		if es == nil {
			result.Rejected = append(result.Rejected, Rejection{
				EventType: cand.EventType,
				Reason:    fmt.Sprintf("unknown event type %s", cand.EventType),
			})
			continue
		}

		props, err := p.validator.Validate(es, cand.Properties)
		if err != nil {
			log.Printf("ingest: rejected %s candidate in %s: %v", cand.EventType, req.Collection, err)
			result.Rejected = append(result.Rejected, Rejection{EventType: cand.EventType, Reason: err.Error()})
			continue
		}

		event := &types.Event{
			Collection:       req.Collection,
			EventType:        cand.EventType,
			Version:          es.Version,
			SessionID:        req.SessionID,
			EventID:          cand.EventID,
			Properties:       props,
			SourceMessageIDs: cand.SourceMessageIDs,
			LogicalTime:      req.Metadata.Time + int64(i),
			UserID:           req.Metadata.DefaultUserID,
			AssistantID:      req.Metadata.DefaultAssistantID,
			GroupID:          req.Metadata.GroupID,
			CreatedAt:        time.Now().UTC(),
		}
		if event.EventID == "" {
			event.EventID = deterministicID(req, cand.EventType, props, i)
		}

		inserted, err := p.store.InsertEvent(ctx, event)
		if err != nil {
			return nil, err
		}
		if inserted {
			result.CommittedCount++
		} else {
			result.DuplicateCount++
		}

		// Duplicates still dispatch: the aggregator deduplicates by event
		// ID, and re-dispatching heals a crash between commit and apply.
		faults, err := p.dispatch(ctx, schema, es, event, touched)
		if err != nil {
			return nil, err
		}
		result.EntityFaults = append(result.EntityFaults, faults...)
		if inserted && p.hub != nil {
			p.hub.Publish(notify.KindEventCommitted, req.Collection, map[string]string{
				"event_type": event.EventType,
				"event_id":   event.EventID,
			})
		}
	}

	// Re-index every touched entity once, at its final state for the batch.
	for _, work := range touched {
		rec := types.EntityRecord(work.entity, work.schema, req.Metadata.DefaultUserID, req.Metadata.DefaultAssistantID)
		if err := p.index.Add(ctx, rec); err != nil {
			return nil, err
		}
		result.Entities = append(result.Entities, EntityOutcome{
			EntityType: work.entity.EntityType,
			Key:        work.entity.Key,
		})
		if p.hub != nil {
			p.hub.Publish(notify.KindEntityUpdated, req.Collection, map[string]string{
				"entity_type": work.entity.EntityType,
				"key":         work.entity.Key,
			})
		}
	}
	sort.Slice(result.Entities, func(i, j int) bool {
		if result.Entities[i].EntityType != result.Entities[j].EntityType {
			return result.Entities[i].EntityType < result.Entities[j].EntityType
		}
		return result.Entities[i].Key < result.Entities[j].Key
	})

	return result, nil
}

type entityWork struct {
	entity *types.Entity
	schema *types.EntityTypeSchema
}

// dispatch indexes the event projection and applies the event to every
// associated entity type, in parallel. An event that resolves to no unique
// entity is reported as a fault and skipped for that entity type; the event
// stays committed and the batch continues.
func (p *Pipeline) dispatch(ctx context.Context, schema *types.CollectionSchema,
	es *types.EventTypeSchema, event *types.Event, touched map[string]*entityWork) ([]EntityFault, error) {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return p.index.Add(gctx, types.EventRecord(event, es))
	})

	entityTypes := schema.EntityTypesFor(event.EventType)
	results := make([]*types.Entity, len(entityTypes))
	faultSlots := make([]*EntityFault, len(entityTypes))
	for i, ets := range entityTypes {
		i, ets := i, ets
		g.Go(func() error {
			ent, err := p.aggregator.Apply(gctx, ets, event)
			if errors.Is(err, types.ErrInternal) {
				log.Printf("ingest: skipped applying event %s to %s: %v", event.EventID, ets.EntityType, err)
				faultSlots[i] = &EntityFault{
					EventType:  event.EventType,
					EventID:    event.EventID,
					EntityType: ets.EntityType,
					Reason:     err.Error(),
				}
				return nil
			}
			if err != nil {
				return err
			}
			results[i] = ent
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var faults []EntityFault
	for i, ent := range results {
		if faultSlots[i] != nil {
			faults = append(faults, *faultSlots[i])
		}
		if ent == nil {
			continue
		}
		touched[entityTypes[i].EntityType+"/"+ent.Key] = &entityWork{entity: ent, schema: entityTypes[i]}
	}
	return faults, nil
}

// deterministicID derives a stable event ID for candidates the extractor
// did not identify, so replaying the same batch cannot double-commit.
func deterministicID(req *AddRequest, eventType string, props types.Properties, position int) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x1f%s\x1f%d\x1f%s\x1f%d\x1f", req.Collection, req.SessionID, req.Metadata.Time, eventType, position)

	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s\x1f", k, types.FormatValue(props[k]))
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// IsRetryable reports whether the error is worth retrying from the client's
// perspective, which the API layer surfaces in error messages.
func IsRetryable(err error) bool {
	return errors.Is(err, types.ErrTransport)
}
