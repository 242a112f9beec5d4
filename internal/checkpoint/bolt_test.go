package checkpoint

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mysqlevp/internal/models"
)

func TestBoltStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mysqlevp.db")
	store, err := NewBoltStore(path, testLogger())
	require.NoError(t, err)

	pos, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, pos)

	expected := models.Position{File: "mysql-bin.000010", Offset: 2048, TxnOffset: 1900}
	require.NoError(t, store.Save(expected))
	require.NoError(t, store.Close())

	store, err = NewBoltStore(path, testLogger())
	require.NoError(t, err)
	defer store.Close()

	pos, err = store.Load()
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, expected, *pos)
}

func TestBoltStore_SingleOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mysqlevp.db")
	store, err := NewBoltStore(path, testLogger())
	require.NoError(t, err)
	defer store.Close()

	_, err = NewBoltStore(path, testLogger())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLocked))
}
