package checkpoint

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mysqlevp/internal/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newFileStore(t *testing.T) (*FileStore, string) {
	path := filepath.Join(t.TempDir(), "state", "mysqlevp.pos")
	store, err := NewFileStore(path, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, path
}

func TestFileStore_FirstRun(t *testing.T) {
	store, _ := newFileStore(t)

	pos, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, pos)
}

func TestFileStore_SaveLoad(t *testing.T) {
	store, path := newFileStore(t)

	first := models.Position{File: "mysql-bin.000001", Offset: 120}
	second := models.Position{File: "mysql-bin.000001", Offset: 880, TxnOffset: 500}
	require.NoError(t, store.Save(first))
	require.NoError(t, store.Save(second))

	pos, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, second, *pos)

	// No temporary files are left behind after successful saves.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"mysqlevp.pos", "mysqlevp.pos.lock"}, names)
}

func TestFileStore_CrashDuringSave(t *testing.T) {
	store, path := newFileStore(t)

	prior := models.Position{File: "mysql-bin.000002", Offset: 4000}
	require.NoError(t, store.Save(prior))

	// A crash between writing the temporary file and renaming it leaves a
	// partial temp file next to the intact checkpoint.
	partial, err := encode(models.Position{File: "mysql-bin.000002", Offset: 4800})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path+".123456.tmp", partial[:len(partial)/2], 0o644))

	pos, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, prior, *pos)

	// The next save still succeeds and wins.
	next := models.Position{File: "mysql-bin.000002", Offset: 4800}
	require.NoError(t, store.Save(next))
	pos, err = store.Load()
	require.NoError(t, err)
	assert.Equal(t, next, *pos)
}

func TestFileStore_SaveFailure(t *testing.T) {
	store, path := newFileStore(t)

	// A non-empty directory at the checkpoint path makes the rename fail.
	require.NoError(t, os.Mkdir(path, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(path, "keep"), []byte("x"), 0o644))

	assert.Error(t, store.Save(models.Position{File: "mysql-bin.000003", Offset: 99}))

	matches, err := filepath.Glob(path + ".*.tmp")
	require.NoError(t, err)
	assert.Empty(t, matches, "failed saves clean up their temporary file")
}

func TestFileStore_LegacyFormats(t *testing.T) {
	tests := []struct {
		content  string
		expected models.Position
	}{
		{"mysql-bin.000007:1543", models.Position{File: "mysql-bin.000007", Offset: 1543}},
		{"mysql-bin.000007:1543\n", models.Position{File: "mysql-bin.000007", Offset: 1543}},
		{"mysql-bin.000007", models.Position{File: "mysql-bin.000007", Offset: 4}},
		{`{"version":7,"file":"mysql-bin.000009","offset":10,"gtid":"abc"}`, models.Position{File: "mysql-bin.000009", Offset: 10}},
	}

	for _, tc := range tests {
		store, path := newFileStore(t)
		require.NoError(t, os.WriteFile(path, []byte(tc.content), 0o644))

		pos, err := store.Load()
		require.NoError(t, err, tc.content)
		require.NotNil(t, pos, tc.content)
		assert.Equal(t, tc.expected, *pos, tc.content)
	}
}

func TestFileStore_Corrupt(t *testing.T) {
	store, path := newFileStore(t)

	require.NoError(t, os.WriteFile(path, []byte(`{"version":1,"file":"mysql-bin`), 0o644))
	_, err := store.Load()
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("   \n"), 0o644))
	pos, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, pos)
}

func TestFileStore_SingleOwner(t *testing.T) {
	store, path := newFileStore(t)

	_, err := NewFileStore(path, testLogger())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLocked))

	require.NoError(t, store.Close())
	other, err := NewFileStore(path, testLogger())
	require.NoError(t, err)
	assert.NoError(t, other.Close())
}
