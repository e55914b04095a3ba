package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	t.Setenv("LOFT_TEST", "1")
	s, err := Open(t.TempDir(), Options{})
	require.NoError(t, err)
	return s
}

func newTestUser(t *testing.T, s *Store, name string) *User {
	t.Helper()
	u, err := s.CreateUser(name)
	require.NoError(t, err)
	return u
}

func TestOpenCreatesLayout(t *testing.T) {
	t.Setenv("LOFT_TEST", "1")
	dir := t.TempDir()

	s, err := Open(dir, Options{})
	require.NoError(t, err)
	assert.Equal(t, dir, s.DataDir())

	for _, sub := range []string{"meta", "files"} {
		info, err := os.Stat(filepath.Join(dir, sub))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestCreateUser(t *testing.T) {
	s := newTestStore(t)

	u, err := s.CreateUser("alice")
	require.NoError(t, err)
	assert.NotEmpty(t, u.ID)
	assert.Equal(t, "alice", u.Name)
	assert.Zero(t, u.StorageUsed)
	assert.False(t, u.CreatedAt.IsZero())
}

func TestCreateUserDuplicateName(t *testing.T) {
	s := newTestStore(t)
	newTestUser(t, s, "alice")

	_, err := s.CreateUser("alice")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestGetUserByName(t *testing.T) {
	s := newTestStore(t)
	u := newTestUser(t, s, "alice")

	got, err := s.GetUserByName("alice")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = s.GetUserByName("bob")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetFolderWrongOwner(t *testing.T) {
	s := newTestStore(t)
	alice := newTestUser(t, s, "alice")
	bob := newTestUser(t, s, "bob")

	f, err := s.CreateFolder(alice.ID, "docs", "")
	require.NoError(t, err)

	// Another user's lookup is indistinguishable from a missing folder.
	_, err = s.GetFolder(f.ID, bob.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListFolderRoot(t *testing.T) {
	s := newTestStore(t)
	u := newTestUser(t, s, "alice")

	_, err := s.CreateFolder(u.ID, "beta", "")
	require.NoError(t, err)
	_, err = s.CreateFolder(u.ID, "alpha", "")
	require.NoError(t, err)
	_, err = s.SaveFile(u.ID, []byte("hi"), "note.txt", "", "note.txt")
	require.NoError(t, err)

	files, folders, err := s.ListFolder(u.ID, "")
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Len(t, folders, 2)
	assert.Equal(t, "alpha", folders[0].Name)
	assert.Equal(t, "beta", folders[1].Name)
	assert.Equal(t, "note.txt", files[0].OriginalName)
}

func TestListFolderUnknownID(t *testing.T) {
	s := newTestStore(t)
	u := newTestUser(t, s, "alice")

	_, _, err := s.ListFolder(u.ID, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReopenRestoresState(t *testing.T) {
	t.Setenv("LOFT_TEST", "1")
	dir := t.TempDir()

	s, err := Open(dir, Options{})
	require.NoError(t, err)
	u := newTestUser(t, s, "alice")
	folder, err := s.CreateFolder(u.ID, "docs", "")
	require.NoError(t, err)
	f, err := s.SaveFile(u.ID, []byte("hello"), "a.txt", folder.ID, "a.txt")
	require.NoError(t, err)

	s2, err := Open(dir, Options{})
	require.NoError(t, err)

	u2, err := s2.GetUser(u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), u2.StorageUsed)

	f2, data, err := s2.ReadFile(f.ID, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", f2.OriginalName)
	assert.Equal(t, []byte("hello"), data)

	got, err := s2.FolderByPath(u.ID, "docs")
	require.NoError(t, err)
	assert.Equal(t, folder.ID, got.ID)
}

func TestReopenReconcilesUsage(t *testing.T) {
	t.Setenv("LOFT_TEST", "1")
	dir := t.TempDir()

	s, err := Open(dir, Options{})
	require.NoError(t, err)
	u := newTestUser(t, s, "alice")
	_, err = s.SaveFile(u.ID, []byte("hello"), "a.txt", "", "a.txt")
	require.NoError(t, err)

	// Corrupt the recorded usage and reopen; the ledger is rebuilt from
	// the file rows.
	s.mu.Lock()
	s.users[u.ID].StorageUsed = 9999
	require.NoError(t, s.saveUsersLocked())
	s.mu.Unlock()

	s2, err := Open(dir, Options{})
	require.NoError(t, err)
	used, _, err := s2.Usage(u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), used)
}

func TestFilesUnder(t *testing.T) {
	s := newTestStore(t)
	u := newTestUser(t, s, "alice")

	docs, err := s.CreateFolder(u.ID, "docs", "")
	require.NoError(t, err)
	sub, err := s.CreateFolder(u.ID, "sub", docs.ID)
	require.NoError(t, err)
	_, err = s.SaveFile(u.ID, []byte("a"), "a.txt", docs.ID, "a.txt")
	require.NoError(t, err)
	_, err = s.SaveFile(u.ID, []byte("b"), "b.txt", sub.ID, "b.txt")
	require.NoError(t, err)
	_, err = s.SaveFile(u.ID, []byte("c"), "c.txt", "", "c.txt")
	require.NoError(t, err)

	under := s.FilesUnder(u.ID, "docs")
	assert.Len(t, under, 2)
}

func TestEntriesUnder(t *testing.T) {
	s := newTestStore(t)
	u := newTestUser(t, s, "alice")

	docs, err := s.CreateFolder(u.ID, "docs", "")
	require.NoError(t, err)
	sub, err := s.CreateFolder(u.ID, "sub", docs.ID)
	require.NoError(t, err)
	_, err = s.SaveFile(u.ID, []byte("a"), "a.txt", docs.ID, "a.txt")
	require.NoError(t, err)
	_, err = s.SaveFile(u.ID, []byte("b"), "b.txt", sub.ID, "b.txt")
	require.NoError(t, err)

	entries := s.EntriesUnder(u.ID, "docs")
	require.Len(t, entries, 2)
	assert.Equal(t, "a.txt", entries[0].DisplayPath)
	assert.Equal(t, "sub/b.txt", entries[1].DisplayPath)
}

func TestEntriesUnderWholeAccount(t *testing.T) {
	s := newTestStore(t)
	u := newTestUser(t, s, "alice")

	docs, err := s.CreateFolder(u.ID, "docs", "")
	require.NoError(t, err)
	_, err = s.SaveFile(u.ID, []byte("a"), "a.txt", docs.ID, "a.txt")
	require.NoError(t, err)
	_, err = s.SaveFile(u.ID, []byte("b"), "b.txt", "", "b.txt")
	require.NoError(t, err)

	entries := s.EntriesUnder(u.ID, "")
	require.Len(t, entries, 2)
	assert.Equal(t, "b.txt", entries[0].DisplayPath)
	assert.Equal(t, "docs/a.txt", entries[1].DisplayPath)
}

func TestEntriesUnderReflectsLogicalMove(t *testing.T) {
	s := newTestStore(t)
	u := newTestUser(t, s, "alice")

	docs, err := s.CreateFolder(u.ID, "docs", "")
	require.NoError(t, err)
	f, err := s.SaveFile(u.ID, []byte("a"), "a.txt", "", "a.txt")
	require.NoError(t, err)

	// Logical move only; the blob stays at the old physical path.
	_, err = s.MoveFile(f.ID, u.ID, docs.ID)
	require.NoError(t, err)

	entries := s.EntriesUnder(u.ID, "docs")
	require.Len(t, entries, 1)
	assert.Equal(t, "a.txt", entries[0].DisplayPath)
}
