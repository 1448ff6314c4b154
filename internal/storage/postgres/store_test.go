package postgres_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memkb/memkb/internal/storage"
	"github.com/memkb/memkb/internal/storage/postgres"
	"github.com/memkb/memkb/pkg/types"
)

// newTestStore connects to the database named by MEMKB_TEST_POSTGRES_DSN.
// Tests are skipped when the variable is unset so the suite stays runnable
// without a live PostgreSQL instance.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := os.Getenv("MEMKB_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MEMKB_TEST_POSTGRES_DSN not set; skipping postgres integration tests")
	}
	store, err := postgres.New(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCollectionLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	name := fmt.Sprintf("pgtest_%d", time.Now().UnixNano())
	schema := &types.CollectionSchema{
		CollectionName: name,
		Description:    "postgres integration test",
		EventTypes: map[string]*types.EventTypeSchema{
			"study_demo": {
				EventType: "study_demo",
				Properties: []types.PropertyDef{
					{PropertyName: "rating_score", PropertyValueType: types.ValueInt64},
				},
			},
		},
		EntityTypes: map[string]*types.EntityTypeSchema{},
	}

	require.NoError(t, store.CreateCollection(ctx, schema))
	assert.ErrorIs(t, store.CreateCollection(ctx, schema), types.ErrConflict)

	got, err := store.GetCollection(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, name, got.CollectionName)
}

func TestEventAndEntityRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	collection := fmt.Sprintf("pgtest_evt_%d", time.Now().UnixNano())
	event := &types.Event{
		Collection:  collection,
		EventType:   "study_demo",
		SessionID:   "s1",
		EventID:     "evt-1",
		LogicalTime: 100,
		Properties:  types.Properties{"rating_score": int64(7)},
	}

	inserted, err := store.InsertEvent(ctx, event)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = store.InsertEvent(ctx, event)
	require.NoError(t, err)
	assert.False(t, inserted)

	events, err := store.ListEvents(ctx, collection, storage.EventListOptions{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, events, 1)

	ent := types.NewEntity(collection, "knowledge_point", "1")
	ent.Provided["knowledge_point_name"] = "taco"
	ent.Applied["evt-1"] = struct{}{}
	require.NoError(t, store.PutEntity(ctx, ent))

	got, err := store.GetEntity(ctx, collection, "knowledge_point", "1")
	require.NoError(t, err)
	assert.Equal(t, "taco", got.Provided["knowledge_point_name"])
}
