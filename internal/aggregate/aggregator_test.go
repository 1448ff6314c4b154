package aggregate

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memkb/memkb/internal/storage/sqlite"
	"github.com/memkb/memkb/pkg/types"
)

func newTestAggregator(t *testing.T) *Aggregator {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store)
}

func knowledgePointSchema() *types.EntityTypeSchema {
	return &types.EntityTypeSchema{
		EntityType:           "knowledge_point",
		AssociatedEventTypes: []string{"study_demo"},
		Properties: []types.PropertyDef{
			{PropertyName: "id", PropertyValueType: types.ValueInt64, IsPrimaryKey: true, UseProvided: true},
			{PropertyName: "knowledge_point_name", PropertyValueType: types.ValueString, UseProvided: true},
			{
				PropertyName:      "max_rating_score",
				PropertyValueType: types.ValueInt64,
				Aggregate: &types.AggregateExpression{
					Op:                types.OpMax,
					EventType:         "study_demo",
					EventPropertyName: "rating_score",
				},
			},
			{
				PropertyName:      "study_count",
				PropertyValueType: types.ValueInt64,
				Aggregate: &types.AggregateExpression{
					Op:                types.OpCount,
					EventType:         "study_demo",
					EventPropertyName: "rating_score",
				},
			},
			{
				PropertyName:      "avg_rating_score",
				PropertyValueType: types.ValueFloat32,
				Aggregate: &types.AggregateExpression{
					Op:                types.OpAvg,
					EventType:         "study_demo",
					EventPropertyName: "rating_score",
				},
			},
		},
	}
}

func studyEvent(id string, score int64, logical int64) *types.Event {
	return &types.Event{
		Collection: "study",
		EventType:  "study_demo",
		Version:    1,
		SessionID:  "s1",
		EventID:    id,
		Properties: types.Properties{
			"id":           int64(1),
			"rating_score": score,
		},
		LogicalTime: logical,
		CreatedAt:   time.Now().UTC(),
	}
}

func TestApplyAggregates(t *testing.T) {
	agg := newTestAggregator(t)
	schema := knowledgePointSchema()
	ctx := context.Background()

	for i, score := range []int64{3, 7, 5} {
		_, err := agg.Apply(ctx, schema, studyEvent(fmt.Sprintf("ev-%d", i), score, int64(i)))
		require.NoError(t, err)
	}

	ent, err := agg.Apply(ctx, schema, studyEvent("ev-0", 3, 0)) // duplicate, returns current state
	require.NoError(t, err)

	v, ok := ent.Value(schema.Property("max_rating_score"))
	require.True(t, ok)
	assert.Equal(t, int64(7), v)

	v, ok = ent.Value(schema.Property("study_count"))
	require.True(t, ok)
	assert.Equal(t, int64(3), v)

	v, ok = ent.Value(schema.Property("avg_rating_score"))
	require.True(t, ok)
	assert.Equal(t, float32(5), v)

	assert.Equal(t, int64(2), ent.LastLogical)
}

// Any delivery order of the same event set must converge to the same state.
func TestApplyOrderIndependent(t *testing.T) {
	schema := knowledgePointSchema()
	ctx := context.Background()

	orders := [][]int{{0, 1, 2}, {2, 1, 0}, {1, 0, 2}, {2, 0, 1}}
	scores := []int64{4, 9, 2}

	var want *types.Entity
	for _, order := range orders {
		agg := newTestAggregator(t)
		var ent *types.Entity
		var err error
		for _, i := range order {
			ent, err = agg.Apply(ctx, schema, studyEvent(fmt.Sprintf("ev-%d", i), scores[i], int64(i)))
			require.NoError(t, err)
		}
		if want == nil {
			want = ent
			continue
		}
		assert.Equal(t, want.Aggregates, ent.Aggregates)
		assert.Equal(t, want.LastLogical, ent.LastLogical)
	}
}

func TestApplyIdempotent(t *testing.T) {
	agg := newTestAggregator(t)
	schema := knowledgePointSchema()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := agg.Apply(ctx, schema, studyEvent("same", 6, 1))
		require.NoError(t, err)
	}

	ent, err := agg.Apply(ctx, schema, studyEvent("same", 6, 1))
	require.NoError(t, err)
	v, ok := ent.Value(schema.Property("study_count"))
	require.True(t, ok)
	assert.Equal(t, int64(1), v)
}

func TestSeedOverwritesProvidedOnly(t *testing.T) {
	agg := newTestAggregator(t)
	schema := knowledgePointSchema()
	ctx := context.Background()

	_, out, err := agg.Seed(ctx, "study", schema, types.Properties{
		"id":                   int64(1),
		"knowledge_point_name": "math",
	})
	require.NoError(t, err)
	assert.True(t, out.Created)

	_, err = agg.Apply(ctx, schema, studyEvent("ev-1", 8, 1))
	require.NoError(t, err)

	// Re-seeding updates the provided name but leaves the accumulator alone.
	ent, out, err := agg.Seed(ctx, "study", schema, types.Properties{
		"id":                   int64(1),
		"knowledge_point_name": "mathematics",
	})
	require.NoError(t, err)
	assert.False(t, out.Created)
	assert.Equal(t, "mathematics", ent.Provided["knowledge_point_name"])

	v, ok := ent.Value(schema.Property("max_rating_score"))
	require.True(t, ok)
	assert.Equal(t, int64(8), v)
}

func TestSeedMissingPrimaryKey(t *testing.T) {
	agg := newTestAggregator(t)
	_, _, err := agg.Seed(context.Background(), "study", knowledgePointSchema(), types.Properties{
		"knowledge_point_name": "math",
	})
	assert.ErrorIs(t, err, types.ErrValidationRejected)
}

// Events that carry no primary-key value resolve to a seeded entity through
// the property names they share with it.
func TestApplyResolvesBySharedProperties(t *testing.T) {
	agg := newTestAggregator(t)
	schema := knowledgePointSchema()
	ctx := context.Background()

	_, _, err := agg.Seed(ctx, "study", schema, types.Properties{
		"id":                   int64(42),
		"knowledge_point_name": "algebra",
	})
	require.NoError(t, err)

	ev := &types.Event{
		Collection: "study",
		EventType:  "study_demo",
		EventID:    "ev-shared",
		Properties: types.Properties{
			"knowledge_point_name": "algebra",
			"rating_score":         int64(9),
		},
		LogicalTime: 5,
	}
	ent, err := agg.Apply(ctx, schema, ev)
	require.NoError(t, err)

	key, err := types.PrimaryKeyTuple(schema, types.Properties{"id": int64(42)})
	require.NoError(t, err)
	assert.Equal(t, key, ent.Key)

	v, ok := ent.Value(schema.Property("max_rating_score"))
	require.True(t, ok)
	assert.Equal(t, int64(9), v)
}

func TestApplyUnresolvableEvent(t *testing.T) {
	agg := newTestAggregator(t)
	schema := knowledgePointSchema()

	ev := &types.Event{
		Collection:  "study",
		EventType:   "study_demo",
		EventID:     "ev-lost",
		Properties:  types.Properties{"knowledge_point_name": "geometry", "rating_score": int64(1)},
		LogicalTime: 1,
	}
	_, err := agg.Apply(context.Background(), schema, ev)
	assert.ErrorIs(t, err, types.ErrInternal)
}

func TestAvgUnsetWithoutSamples(t *testing.T) {
	ent := types.NewEntity("study", "knowledge_point", "1")
	schema := knowledgePointSchema()
	_, ok := ent.Value(schema.Property("avg_rating_score"))
	assert.False(t, ok)
}
