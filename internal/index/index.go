// Package index maintains the in-memory retrieval index over memory
// records. Scoring is hybrid: a BM25 lexical score over the record content
// plus a cosine similarity between hashed embeddings. The index is a derived
// structure and can be rebuilt from the event log and entity store at any
// time.
package index

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/memkb/memkb/internal/storage"
	"github.com/memkb/memkb/pkg/types"
)

// BM25 constants, standard values.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// vectorWeight balances the embedding similarity against the BM25 score.
// BM25 dominates so exact term matches outrank fuzzy neighbours.
const vectorWeight = 0.5

// queryCacheSize bounds the query-embedding cache.
const queryCacheSize = 1024

// Filter narrows a search to records matching the given attributes. Zero
// values match everything.
type Filter struct {
	UserID      string
	MemoryTypes []string
}

func (f Filter) matches(rec *types.MemoryRecord) bool {
	if f.UserID != "" && rec.UserID != f.UserID {
		return false
	}
	if len(f.MemoryTypes) > 0 {
		ok := false
		for _, t := range f.MemoryTypes {
			if rec.MemoryType == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Result is one scored search hit.
type Result struct {
	Record *types.MemoryRecord
	Score  float64
}

type posting struct {
	id    string
	count int
}

type document struct {
	record    *types.MemoryRecord
	length    int
	embedding []float32
}

type collectionIndex struct {
	docs        map[string]*document
	inverted    map[string][]posting
	totalLength int64
}

func newCollectionIndex() *collectionIndex {
	return &collectionIndex{
		docs:     make(map[string]*document),
		inverted: make(map[string][]posting),
	}
}

// Index is the in-memory retrieval index, sharded by collection. An optional
// EmbeddingStore mirror persists embeddings so a pgvector-backed deployment
// can serve nearest-neighbour queries from the database as well.
type Index struct {
	mu          sync.RWMutex
	collections map[string]*collectionIndex

	embedder   Embedder
	queryCache *lru.Cache[string, []float32]
	embStore   storage.EmbeddingStore
}

// New creates an empty index. embStore may be nil.
func New(embedder Embedder, embStore storage.EmbeddingStore) (*Index, error) {
	cache, err := lru.New[string, []float32](queryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("index: failed to create query cache: %w", err)
	}
	return &Index{
		collections: make(map[string]*collectionIndex),
		embedder:    embedder,
		queryCache:  cache,
		embStore:    embStore,
	}, nil
}

// Add indexes a record, replacing any previous record with the same ID.
// Entity projections reuse their ID on every update, so re-adding keeps the
// index at one live document per entity.
func (ix *Index) Add(ctx context.Context, rec *types.MemoryRecord) error {
	embedding := ix.embedder.Embed(rec.Content)

	ix.mu.Lock()
	ci, ok := ix.collections[rec.Collection]
	if !ok {
		ci = newCollectionIndex()
		ix.collections[rec.Collection] = ci
	}
	ci.remove(rec.ID)
	ci.add(rec, embedding)
	ix.mu.Unlock()

	if ix.embStore != nil {
		if err := ix.embStore.UpsertEmbedding(ctx, rec, embedding); err != nil {
			return fmt.Errorf("index: failed to persist embedding for %s: %w", rec.ID, err)
		}
	}
	return nil
}

// Rebuild drops the collection's index and re-projects it from the stored
// events and entities. Entity projections carry no user attribution after a
// rebuild; it is restored as new events arrive.
func (ix *Index) Rebuild(ctx context.Context, store storage.Store, schema *types.CollectionSchema) error {
	events, err := store.ListEvents(ctx, schema.CollectionName, storage.EventListOptions{})
	if err != nil {
		return fmt.Errorf("index: failed to list events for rebuild: %w", err)
	}
	entities, err := store.ListEntities(ctx, schema.CollectionName)
	if err != nil {
		return fmt.Errorf("index: failed to list entities for rebuild: %w", err)
	}

	ix.mu.Lock()
	ix.collections[schema.CollectionName] = newCollectionIndex()
	ix.mu.Unlock()

	for _, e := range events {
		es := schema.EventType(e.EventType)
		if es == nil {
			continue
		}
		if err := ix.Add(ctx, types.EventRecord(e, es)); err != nil {
			return err
		}
	}
	for _, ent := range entities {
		es := schema.EntityType(ent.EntityType)
		if es == nil {
			continue
		}
		if err := ix.Add(ctx, types.EntityRecord(ent, es, "", "")); err != nil {
			return err
		}
	}
	return nil
}

// Search scores the collection's records against the query and returns the
// top hits. Ties break by logical time, newest first, then by record ID for
// determinism.
func (ix *Index) Search(ctx context.Context, collection, query string, filter Filter, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 10
	}

	queryVec := ix.queryEmbedding(query)

	// With a persistent embedding store the vector component comes from the
	// database's nearest-neighbour query; records outside its top set score
	// zero on that component. In-memory cosine covers the rest.
	var dbSimilarity map[string]float64
	if ix.embStore != nil {
		nearest, err := ix.embStore.NearestRecords(ctx, collection, queryVec, limit*4)
		if err != nil {
			log.Printf("index: vector search unavailable, scoring in memory: %v", err)
		} else {
			dbSimilarity = make(map[string]float64, len(nearest))
			for _, scored := range nearest {
				dbSimilarity[scored.ID] = scored.Score
			}
		}
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	ci, ok := ix.collections[collection]
	if !ok {
		return nil, nil
	}

	lexical := ci.bm25(tokenize(query))

	var results []Result
	for id, doc := range ci.docs {
		if !filter.matches(doc.record) {
			continue
		}
		similarity := cosine(queryVec, doc.embedding)
		if dbSimilarity != nil {
			similarity = dbSimilarity[id]
		}
		score := lexical[id] + vectorWeight*similarity
		if score <= 0 {
			continue
		}
		results = append(results, Result{Record: doc.record, Score: score})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].Record.LogicalTime != results[j].Record.LogicalTime {
			return results[i].Record.LogicalTime > results[j].Record.LogicalTime
		}
		return results[i].Record.ID < results[j].Record.ID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (ix *Index) queryEmbedding(query string) []float32 {
	if vec, ok := ix.queryCache.Get(query); ok {
		return vec
	}
	vec := ix.embedder.Embed(query)
	ix.queryCache.Add(query, vec)
	return vec
}

func (ci *collectionIndex) add(rec *types.MemoryRecord, embedding []float32) {
	tokens := tokenize(rec.Content)
	tf := make(map[string]int, len(tokens))
	for _, t := range tokens {
		tf[t]++
	}
	for t, count := range tf {
		ci.inverted[t] = append(ci.inverted[t], posting{id: rec.ID, count: count})
	}
	ci.docs[rec.ID] = &document{record: rec, length: len(tokens), embedding: embedding}
	ci.totalLength += int64(len(tokens))
}

func (ci *collectionIndex) remove(id string) {
	doc, ok := ci.docs[id]
	if !ok {
		return
	}
	for t, postings := range ci.inverted {
		for i, p := range postings {
			if p.id == id {
				ci.inverted[t] = append(postings[:i], postings[i+1:]...)
				break
			}
		}
	}
	delete(ci.docs, id)
	ci.totalLength -= int64(doc.length)
}

// bm25 scores every document containing at least one query token.
func (ci *collectionIndex) bm25(tokens []string) map[string]float64 {
	scores := make(map[string]float64)
	if len(ci.docs) == 0 {
		return scores
	}
	avgDL := float64(ci.totalLength) / float64(len(ci.docs))

	for _, t := range tokens {
		postings, ok := ci.inverted[t]
		if !ok {
			continue
		}
		idf := idf(len(ci.docs), len(postings))
		for _, p := range postings {
			tf := float64(p.count)
			docLen := float64(ci.docs[p.id].length)
			num := tf * (bm25K1 + 1)
			denom := tf + bm25K1*(1-bm25B+bm25B*(docLen/avgDL))
			scores[p.id] += idf * (num / denom)
		}
	}
	return scores
}

func idf(docCount, df int) float64 {
	return math.Log(1 + (float64(docCount)-float64(df)+0.5)/(float64(df)+0.5))
}
