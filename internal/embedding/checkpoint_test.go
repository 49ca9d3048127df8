package embedding

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fashion-similarity/internal/vectorindex"
)

func testSnapshot(t *testing.T, gen uint64) *Snapshot {
	t.Helper()
	idx := vectorindex.NewFlatL2(2)
	for _, v := range [][]float32{{1, 0}, {0, 1}, {1, 1}} {
		_, err := idx.Add(v)
		require.NoError(t, err)
	}
	require.NoError(t, idx.Remove(1))
	return &Snapshot{Generation: gen, Index: idx, Rows: []int64{7, 0, 9}}
}

func TestCheckpointer_SaveLoad(t *testing.T) {
	c, err := NewCheckpointer(t.TempDir())
	require.NoError(t, err)

	m, err := c.Save(testSnapshot(t, 3))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), m.Generation)
	assert.Equal(t, "index-3.bin", m.IndexFile)

	snap, err := c.Load()
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, uint64(3), snap.Generation)
	assert.Equal(t, []int64{7, 0, 9}, snap.Rows)
	assert.Equal(t, 3, snap.Index.Len())
	assert.Equal(t, 2, snap.Index.Live())
}

func TestCheckpointer_LoadWithoutCheckpoint(t *testing.T) {
	c, err := NewCheckpointer(filepath.Join(t.TempDir(), "nested", "index"))
	require.NoError(t, err)

	snap, err := c.Load()
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestCheckpointer_PrunesOldGenerations(t *testing.T) {
	dir := t.TempDir()
	c, err := NewCheckpointer(dir)
	require.NoError(t, err)

	_, err = c.Save(testSnapshot(t, 1))
	require.NoError(t, err)
	_, err = c.Save(testSnapshot(t, 2))
	require.NoError(t, err)

	assert.NoFileExists(t, filepath.Join(dir, "index-1.bin"))
	assert.NoFileExists(t, filepath.Join(dir, "mapping-1.msgpack"))
	assert.FileExists(t, filepath.Join(dir, "index-2.bin"))
	assert.FileExists(t, filepath.Join(dir, "mapping-2.msgpack"))
}

func TestCheckpointer_DetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	c, err := NewCheckpointer(dir)
	require.NoError(t, err)
	m, err := c.Save(testSnapshot(t, 4))
	require.NoError(t, err)

	path := filepath.Join(dir, m.IndexFile)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, err = c.Load()
	assert.ErrorIs(t, err, ErrIncompatibleCheckpoint)
}

func TestCheckpointer_RejectsUnknownSchema(t *testing.T) {
	dir := t.TempDir()
	c, err := NewCheckpointer(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifestName),
		[]byte(`{"schema":"faiss/flat/v0","generation":1}`), 0o644))

	_, err = c.Load()
	assert.ErrorIs(t, err, ErrIncompatibleCheckpoint)
}

func TestCheckpointer_LocksDirectoryForOneWriter(t *testing.T) {
	dir := t.TempDir()
	c, err := NewCheckpointer(dir)
	require.NoError(t, err)
	_, err = c.Save(testSnapshot(t, 1))
	require.NoError(t, err)

	_, err = NewCheckpointer(dir)
	assert.ErrorIs(t, err, ErrCheckpointLocked)

	reader := OpenCheckpointReader(dir)
	m, err := reader.ReadManifest()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), m.Generation)
	_, err = reader.Save(testSnapshot(t, 2))
	assert.Error(t, err)
	assert.FileExists(t, filepath.Join(dir, "index-1.bin"))

	require.NoError(t, c.Close())
	again, err := NewCheckpointer(dir)
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestManager_CloseReleasesOwnedCheckpointer(t *testing.T) {
	dir := t.TempDir()
	ckpt, err := NewCheckpointer(dir)
	require.NoError(t, err)
	m, err := NewManager(context.Background(), NewMemoryStore(2), ckpt, ManagerOptions{Dim: 2, CloseCheckpointer: true})
	require.NoError(t, err)

	_, err = NewCheckpointer(dir)
	require.ErrorIs(t, err, ErrCheckpointLocked)

	require.NoError(t, m.Close())
	again, err := NewCheckpointer(dir)
	require.NoError(t, err)
	require.NoError(t, again.Close())
}
