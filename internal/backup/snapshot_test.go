package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memkb/memkb/internal/storage/sqlite"
	"github.com/memkb/memkb/pkg/types"
)

func newTestDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memkb.db")

	store, err := sqlite.New(path)
	require.NoError(t, err)
	defer store.Close()

	err = store.CreateCollection(context.Background(), &types.CollectionSchema{
		CollectionName: "chat",
		EventTypes:     map[string]*types.EventTypeSchema{},
		EntityTypes:    map[string]*types.EntityTypeSchema{},
	})
	require.NoError(t, err)
	return path
}

func TestCreateAndVerify(t *testing.T) {
	dbPath := newTestDB(t)
	destDir := filepath.Join(t.TempDir(), "backups")

	snap, err := Create(dbPath, destDir)
	require.NoError(t, err)
	assert.FileExists(t, snap.Path)
	assert.Greater(t, snap.SizeBytes, int64(0))

	require.NoError(t, Verify(snap.Path))
}

func TestRestore(t *testing.T) {
	dbPath := newTestDB(t)
	destDir := t.TempDir()

	snap, err := Create(dbPath, destDir)
	require.NoError(t, err)

	target := filepath.Join(t.TempDir(), "restored.db")
	require.NoError(t, Restore(snap.Path, target))

	store, err := sqlite.New(target)
	require.NoError(t, err)
	defer store.Close()

	schema, err := store.GetCollection(context.Background(), "chat")
	require.NoError(t, err)
	assert.Equal(t, "chat", schema.CollectionName)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.db")
	require.NoError(t, os.WriteFile(path, []byte("not a database"), 0o644))
	assert.Error(t, Verify(path))
}

func TestListAndPrune(t *testing.T) {
	dbPath := newTestDB(t)
	destDir := t.TempDir()

	// Snapshot names have second resolution; same-second snapshots
	// overwrite, which is fine for this test as long as one survives.
	_, err := Create(dbPath, destDir)
	require.NoError(t, err)

	snaps, err := List(destDir)
	require.NoError(t, err)
	require.NotEmpty(t, snaps)

	removed, err := Prune(destDir, 0)
	require.NoError(t, err)
	assert.Equal(t, len(snaps), removed)

	snaps, err = List(destDir)
	require.NoError(t, err)
	assert.Empty(t, snaps)
}
