package mlist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFileStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestFileStorePublic(t *testing.T) {
	store := testFileStore(t)

	_, ok, err := store.Public("hikers")
	require.NoError(t, err)
	assert.False(t, ok, "missing list must not exist")

	require.NoError(t, store.SetPublic("Hikers", "Fred Flintstone\nBarney Rubble\n"))

	// Lookup is case-insensitive via Key.
	contents, ok, err := store.Public("HIKERS")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Fred Flintstone\nBarney Rubble\n", contents)
}

func TestFileStorePersonal(t *testing.T) {
	store := testFileStore(t)

	_, ok, err := store.Personal(7, "pals")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.SetPersonal(7, "Pals", "Barney Rubble\n"))

	contents, ok, err := store.Personal(7, "pals")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Barney Rubble\n", contents)

	// Another identity has its own namespace.
	_, ok, err = store.Personal(8, "pals")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStoreOpenAccess(t *testing.T) {
	store := testFileStore(t)
	require.NoError(t, store.SetPublic("hikers", "Fred Flintstone\n"))

	// No ACL file: anyone may send, no owner.
	access, err := store.SendAccess(-1, "hikers")
	require.NoError(t, err)
	assert.Equal(t, AccessSend, access&AccessSend)
	_, ok, err := store.Owner("hikers")
	require.NoError(t, err)
	assert.False(t, ok)

	// Missing list grants nothing.
	access, err = store.SendAccess(1, "ghosts")
	require.NoError(t, err)
	assert.Equal(t, Access(0), access)
}

func TestFileStoreACL(t *testing.T) {
	store := testFileStore(t)
	require.NoError(t, store.SetPublic("board", "Wilma Flintstone\n"))
	require.NoError(t, store.SetACL("board", 3, false, 5))

	uid, ok, err := store.Owner("board")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, uid)

	tests := []struct {
		name string
		uid  int
		want bool
	}{
		{"owner", 3, true},
		{"granted sender", 5, true},
		{"other identity", 9, false},
		{"anonymous", -1, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			access, err := store.SendAccess(tc.uid, "board")
			require.NoError(t, err)
			assert.Equal(t, tc.want, access&AccessSend != 0)
		})
	}

	// send=* keeps the owner but opens sending.
	require.NoError(t, store.SetACL("board", 3, true))
	access, err := store.SendAccess(-1, "board")
	require.NoError(t, err)
	assert.NotZero(t, access&AccessSend)
}

func TestFileStoreRemove(t *testing.T) {
	store := testFileStore(t)
	require.NoError(t, store.SetPublic("doomed", "Fred Flintstone\n"))
	require.NoError(t, store.SetACL("doomed", 3, false))

	require.NoError(t, store.Remove("doomed"))
	_, ok, err := store.Public("doomed")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = store.Owner("doomed")
	require.NoError(t, err)
	assert.False(t, ok)

	// Removing a missing list is not an error.
	require.NoError(t, store.Remove("doomed"))
}

func TestFileStoreRejectsUnsafeNames(t *testing.T) {
	store := testFileStore(t)
	for _, name := range []string{"", "../escape", "a/b", "x.acl", "y.tmp", ".", ".."} {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, store.SetPublic(name, "x\n"), ErrBadName)
			_, ok, err := store.Public(name)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestFileStoreWriteIsAtomic(t *testing.T) {
	store := testFileStore(t)
	require.NoError(t, store.SetPublic("hikers", "Fred Flintstone\n"))
	require.NoError(t, store.SetPublic("hikers", "Barney Rubble\n"))

	contents, ok, err := store.Public("hikers")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Barney Rubble\n", contents)

	// No stray temp file left behind.
	entries, err := os.ReadDir(filepath.Join(store.root, "lists"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "hikers", entries[0].Name())
}
