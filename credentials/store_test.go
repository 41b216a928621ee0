package credentials

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type profile struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// failingStore fails every Remove so Clear's error aggregation can be checked
type failingStore struct {
	*MemoryStore
	removeCalls int
}

func (s *failingStore) Remove(key string) error {
	s.removeCalls++
	return errors.New("remove " + key)
}

func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()
	fileStore, err := NewFileStore(filepath.Join(t.TempDir(), "nested", "credentials.json"))
	require.NoError(t, err)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"file":   fileStore,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := store.Get(KeyAccessToken)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, store.Set(KeyAccessToken, "a-1"))
			v, ok, err := store.Get(KeyAccessToken)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "a-1", v)

			require.NoError(t, store.Remove(KeyAccessToken))
			require.NoError(t, store.Remove(KeyAccessToken), "removing a missing key is not an error")
			_, ok, err = store.Get(KeyAccessToken)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestSaveLoadClear(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, Save(store, Credentials{AccessToken: "a-1", RefreshToken: "r-1"}))
			require.NoError(t, SaveUser(store, profile{ID: 7, Name: "Ana", Role: "operador"}))

			creds, err := Load(store)
			require.NoError(t, err)
			assert.Equal(t, Credentials{AccessToken: "a-1", RefreshToken: "r-1"}, creds)

			// refresh token without rotation keeps the previous one
			require.NoError(t, Save(store, Credentials{AccessToken: "a-2"}))
			creds, err = Load(store)
			require.NoError(t, err)
			assert.Equal(t, "a-2", creds.AccessToken)
			assert.Equal(t, "r-1", creds.RefreshToken)

			var p profile
			ok, err := LoadUser(store, &p)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "Ana", p.Name)

			require.NoError(t, Clear(store))
			creds, err = Load(store)
			require.NoError(t, err)
			assert.Empty(t, creds.AccessToken)
			assert.Empty(t, creds.RefreshToken)
			ok, err = LoadUser(store, &p)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestClearAttemptsEveryKey(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore()}
	err := Clear(store)
	require.Error(t, err)
	assert.Equal(t, 3, store.removeCalls)
	assert.Contains(t, err.Error(), KeyUser)
}

func TestLoadUserRejectsCorruptProfile(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Set(KeyUser, "{not json"))
	var p profile
	ok, err := LoadUser(store, &p)
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestFileStorePersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")

	first, err := NewFileStore(path)
	require.NoError(t, err)
	require.NoError(t, Save(first, Credentials{AccessToken: "a-1", RefreshToken: "r-1"}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(fileMode), info.Mode().Perm())

	second, err := NewFileStore(path)
	require.NoError(t, err)
	creds, err := Load(second)
	require.NoError(t, err)
	assert.Equal(t, "r-1", creds.RefreshToken)
	assert.Equal(t, path, second.Path())
}

func TestFileStoreKeepsMemoryInLineWithDiskOnFlushFailure(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "session")
	store, err := NewFileStore(filepath.Join(dir, "credentials.json"))
	require.NoError(t, err)
	require.NoError(t, Save(store, Credentials{AccessToken: "a-1", RefreshToken: "r-1"}))

	// Replacing the directory with a plain file makes every later flush fail
	require.NoError(t, os.RemoveAll(dir))
	require.NoError(t, os.WriteFile(dir, []byte("x"), 0o600))

	assert.Error(t, store.Set(KeyAccessToken, "a-2"))
	assert.Error(t, store.Set(KeyUser, `{"id":1}`))
	assert.Error(t, store.Remove(KeyRefreshToken))

	creds, err := Load(store)
	require.NoError(t, err)
	assert.Equal(t, Credentials{AccessToken: "a-1", RefreshToken: "r-1"}, creds)
	_, ok, err := store.Get(KeyUser)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStoreErrors(t *testing.T) {
	t.Run("empty_path", func(t *testing.T) {
		_, err := NewFileStore("")
		assert.Error(t, err)
	})

	t.Run("corrupt_file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "credentials.json")
		require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))
		store, err := NewFileStore(path)
		require.NoError(t, err)
		_, _, err = store.Get(KeyAccessToken)
		assert.ErrorContains(t, err, "failed to parse credentials file")
	})
}
