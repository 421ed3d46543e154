package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	s := New("roundtrip", store)
	require.NoError(t, s.AddMessage(Message{Role: "user", Content: "persist me"}))
	require.NoError(t, s.Checkpoint())

	loaded, err := store.Load("roundtrip")
	require.NoError(t, err)
	assert.Equal(t, s.ID, loaded.ID)
	assert.Equal(t, s.Version, loaded.Version)
	require.Len(t, loaded.Messages, 1)
	assert.Equal(t, "persist me", loaded.Messages[0].Content)

	// The loaded session keeps working against the same store.
	require.NoError(t, loaded.AddMessage(Message{Role: "assistant", Content: "ok"}))
	require.NoError(t, loaded.Checkpoint())
}

func TestFileStoreLoadRejectsTamperedFile(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	s := New("victim", store)
	require.NoError(t, s.AddMessage(Message{Role: "user", Content: "original"}))
	require.NoError(t, s.Checkpoint())

	path := filepath.Join(dir, "victim.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	raw["messages"].([]interface{})[0].(map[string]interface{})["content"] = "forged"
	tampered, err := json.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, tampered, 0o644))

	_, err = store.Load("victim")
	require.ErrorIs(t, err, ErrIntegrity)
}

func TestFileStoreLoadMissing(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	_, err = store.Load("nope")
	require.Error(t, err)
}

func TestFileStoreListOrdersByRecency(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	old := New("old", store)
	old.UpdatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, store.Save(old))

	recent := New("recent", store)
	require.NoError(t, store.Save(recent))

	list, err := store.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "recent", list[0].Name)
	assert.Equal(t, "old", list[1].Name)
}
