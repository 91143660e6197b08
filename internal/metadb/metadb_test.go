package metadb_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repertory/internal/metadb"
	"repertory/internal/models"
)

func openTestDB(t *testing.T) *metadb.DB {
	t.Helper()
	db, err := metadb.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSetAndGetRoundTrip(t *testing.T) {
	db := openTestDB(t)

	meta := models.FileMeta{}
	meta.SetBool(models.MetaDirectory, false)
	meta.SetBool(models.MetaPinned, true)
	meta.SetUint64(models.MetaSize, 4096)
	meta[models.MetaSource] = "/cache/abc-123"
	meta[models.MetaMode] = "0644"

	require.NoError(t, db.Set("/a/b.txt", meta))

	got, err := db.Get("/a/b.txt")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Bool(models.MetaPinned))
	assert.Equal(t, uint64(4096), got.Uint64(models.MetaSize))
	assert.Equal(t, "/cache/abc-123", got[models.MetaSource])
	assert.Equal(t, "0644", got[models.MetaMode])
}

func TestGetMissingReturnsNil(t *testing.T) {
	db := openTestDB(t)
	got, err := db.Get("/missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSetValuePreservesOtherKeys(t *testing.T) {
	db := openTestDB(t)
	meta := models.FileMeta{models.MetaMode: "0644"}
	require.NoError(t, db.Set("/x", meta))

	require.NoError(t, db.SetValue("/x", models.MetaUID, "1000"))

	got, err := db.Get("/x")
	require.NoError(t, err)
	assert.Equal(t, "0644", got[models.MetaMode])
	assert.Equal(t, "1000", got[models.MetaUID])
}

func TestRemove(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Set("/gone", models.FileMeta{}))

	exists, err := db.Exists("/gone")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, db.Remove("/gone"))
	exists, err = db.Exists("/gone")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRename(t *testing.T) {
	db := openTestDB(t)
	meta := models.FileMeta{models.MetaMode: "0755"}
	require.NoError(t, db.Set("/old", meta))

	require.NoError(t, db.Rename("/old", "/new"))

	exists, err := db.Exists("/old")
	require.NoError(t, err)
	assert.False(t, exists)

	got, err := db.Get("/new")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "0755", got[models.MetaMode])
}

func TestRenameMissingErrors(t *testing.T) {
	db := openTestDB(t)
	err := db.Rename("/nope", "/new")
	assert.Error(t, err)
}
