package profile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/applyflow/applyflow/pkg/models"
)

func TestStoreSaveAndLoadRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	p, err := store.Create(models.CreateProfileRequest{Name: "linkedin"})
	require.NoError(t, err)

	// Fake user-data dir with nested browser state.
	dataDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "Default"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "Default", "Cookies"), []byte("session=abc123"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "Local State"), []byte("{}"), 0644))

	require.NoError(t, store.Save(p.ID, dataDir))

	extracted, err := store.Load(p.ID)
	require.NoError(t, err)
	defer os.RemoveAll(extracted)

	cookies, err := os.ReadFile(filepath.Join(extracted, "Default", "Cookies"))
	require.NoError(t, err)
	assert.Equal(t, "session=abc123", string(cookies))
}

func TestStoreLoadWithoutDataReturnsEmptyDir(t *testing.T) {
	store, err := NewStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	p, err := store.Create(models.CreateProfileRequest{})
	require.NoError(t, err)

	dir, err := store.Load(p.ID)
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStoreRestoresArchivesAcrossRestart(t *testing.T) {
	base := t.TempDir()

	store, err := NewStore(base, zerolog.Nop())
	require.NoError(t, err)

	p, err := store.Create(models.CreateProfileRequest{Name: "greenhouse"})
	require.NoError(t, err)

	dataDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "Cookies"), []byte("x"), 0644))
	require.NoError(t, store.Save(p.ID, dataDir))

	// A fresh store over the same path sees the archive.
	reopened, err := NewStore(base, zerolog.Nop())
	require.NoError(t, err)

	got, err := reopened.Get(p.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, got.DataPath)
}

func TestStoreDeleteRemovesArchive(t *testing.T) {
	store, err := NewStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	p, err := store.Create(models.CreateProfileRequest{})
	require.NoError(t, err)

	dataDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "Cookies"), []byte("x"), 0644))
	require.NoError(t, store.Save(p.ID, dataDir))

	path, err := store.Get(p.ID)
	require.NoError(t, err)

	require.NoError(t, store.Delete(p.ID))
	_, err = store.Get(p.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, statErr := os.Stat(path.DataPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestStoreGetUnknown(t *testing.T) {
	store, err := NewStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	_, err = store.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
