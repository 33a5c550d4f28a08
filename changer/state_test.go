package changer

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStateStoreLoadMissingFile(t *testing.T) {
	store := NewStateStore(filepath.Join(t.TempDir(), "changer.state"), testLogger())
	st, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, State{LoadedSlot: 0, Slots: DefaultSlots}, st)
}

func TestStateStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "changer.state")
	store := NewStateStore(path, testLogger())

	require.NoError(t, store.Save(State{LoadedSlot: 7, Slots: 150}))

	st, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, State{LoadedSlot: 7, Slots: 150}, st)

	// the document is the YAML mapping other tooling expects
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "loadedSlot: 7")
	assert.Contains(t, string(data), "slots: 150")
}

func TestStateStoreSaveOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "changer.state")
	store := NewStateStore(path, testLogger())

	require.NoError(t, store.Save(State{LoadedSlot: 123, Slots: 9999}))
	require.NoError(t, store.Save(State{LoadedSlot: 0, Slots: 5}))

	st, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, State{LoadedSlot: 0, Slots: 5}, st)
}

func TestStateStoreDefaultsZeroSlots(t *testing.T) {
	path := filepath.Join(t.TempDir(), "changer.state")
	require.NoError(t, os.WriteFile(path, []byte("loadedSlot: 3\nslots: 0\n"), 0644))

	st, err := NewStateStore(path, testLogger()).Load()
	require.NoError(t, err)
	assert.Equal(t, 3, st.LoadedSlot)
	assert.Equal(t, DefaultSlots, st.Slots)
}

func TestStateStoreRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "changer.state")
	require.NoError(t, os.WriteFile(path, []byte("{not yaml: ["), 0644))

	_, err := NewStateStore(path, testLogger()).Load()
	require.Error(t, err)
}
