package rconfig_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repertory/internal/rconfig"
)

func TestOpenCreatesDefaultsWhenMissing(t *testing.T) {
	dir := t.TempDir()
	store, err := rconfig.Open(dir)
	require.NoError(t, err)

	cfg := store.Get()
	assert.Equal(t, rconfig.DownloadDirect, cfg.PreferredDownloadType)
	assert.GreaterOrEqual(t, cfg.MaxUploadCount, uint8(1))

	_, statErr := os.Stat(filepath.Join(dir, "config.json"))
	assert.NoError(t, statErr)
}

func TestClampRingBufferFileSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"RingBufferFileSize": 4096}`), 0o600))

	store, err := rconfig.Open(dir)
	require.NoError(t, err)

	cfg := store.Get()
	assert.Equal(t, uint16(1024), cfg.RingBufferFileSize)
}

func TestUnknownKeysSurviveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"SomeFutureKey": "keepme"}`), 0o600))

	store, err := rconfig.Open(dir)
	require.NoError(t, err)

	require.NoError(t, store.Update(func(c *rconfig.Config) {
		c.ApiPort = 16000
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Contains(t, raw, "SomeFutureKey")
	assert.JSONEq(t, `"keepme"`, string(raw["SomeFutureKey"]))
}

func TestUpdatePersists(t *testing.T) {
	dir := t.TempDir()
	store, err := rconfig.Open(dir)
	require.NoError(t, err)

	require.NoError(t, store.Update(func(c *rconfig.Config) {
		c.MaxUploadCount = 9
	}))

	reopened, err := rconfig.Open(dir)
	require.NoError(t, err)
	assert.Equal(t, uint8(9), reopened.Get().MaxUploadCount)
}

func TestMaxUploadCountClampedToOne(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"MaxUploadCount": 0}`), 0o600))

	store, err := rconfig.Open(dir)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), store.Get().MaxUploadCount)
}
