package prefs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStore(t *testing.T) {
	store := NewMemStore()

	_, ok, err := store.Get(1, KeyForward)
	require.NoError(t, err)
	assert.False(t, ok)

	store.Set(1, KeyForward, "fred@bedrock.edu")
	v, ok, err := store.Get(1, "forwardto")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "fred@bedrock.edu", v)
}

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, ok, err := store.Get(1, KeyForward)
	require.NoError(t, err)
	assert.False(t, ok, "missing preference file must not be an error")

	require.NoError(t, store.Set(1, KeyForward, "fred@bedrock.edu"))
	require.NoError(t, store.Set(1, KeyVacation, "Gone fishing"))

	v, ok, err := store.Get(1, KeyForward)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "fred@bedrock.edu", v)

	// Keys match case-insensitively.
	v, ok, err = store.Get(1, "vacation")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Gone fishing", v)

	// Identities are isolated.
	_, ok, err = store.Get(2, KeyForward)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStoreReplace(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Set(1, KeyForward, "old@bedrock.edu"))
	require.NoError(t, store.Set(1, KeyVacation, "Gone fishing"))
	require.NoError(t, store.Set(1, "ForwardTo", "new@bedrock.edu"))

	v, ok, err := store.Get(1, KeyForward)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "new@bedrock.edu", v)

	// The other key survives the replacement.
	v, ok, err = store.Get(1, KeyVacation)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Gone fishing", v)
}
