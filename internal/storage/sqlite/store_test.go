package sqlite_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vault "github.com/pmidvault/vault-go"
	"github.com/pmidvault/vault-go/internal/storage/sqlite"
)

func openStore(t *testing.T, dir string) *sqlite.AccountStore {
	t.Helper()
	store, err := sqlite.OpenAccountStore(dir)
	require.NoError(t, err)
	return store
}

func key(group, name string) vault.EntryKey {
	return vault.EntryKey{Group: vault.GroupName(group), Type: vault.DataTypeImmutable, Name: name}
}

func TestAccountStore(t *testing.T) {
	ctx := context.Background()

	t.Run("SaveAndLoad", func(t *testing.T) {
		dir := t.TempDir()
		store := openStore(t, dir)

		md := vault.Metadata{Group: "pmid-1", StoredCount: 2, StoredTotalSize: 30}
		require.NoError(t, store.SaveAccount(ctx, md, []vault.EntryChange{
			{Key: key("pmid-1", "b"), Value: vault.Value{Size: 20}},
			{Key: key("pmid-1", "a"), Value: vault.Value{Size: 10}},
		}))
		require.NoError(t, store.Close())

		// Reopen to prove the account survived
		store = openStore(t, dir)
		defer func() { _ = store.Close() }()

		accounts, err := store.LoadAccounts(ctx)
		require.NoError(t, err)
		require.Len(t, accounts, 1)
		assert.Equal(t, md, accounts[0].Metadata)
		require.Len(t, accounts[0].Entries, 2)
		assert.Equal(t, "a", accounts[0].Entries[0].Key.Name)
		assert.Equal(t, int64(10), accounts[0].Entries[0].Value.Size)
		assert.Equal(t, "b", accounts[0].Entries[1].Key.Name)
	})

	t.Run("SaveAppliesDeletes", func(t *testing.T) {
		store := openStore(t, t.TempDir())
		defer func() { _ = store.Close() }()

		md := vault.Metadata{Group: "pmid-1", StoredCount: 2, StoredTotalSize: 30}
		require.NoError(t, store.SaveAccount(ctx, md, []vault.EntryChange{
			{Key: key("pmid-1", "a"), Value: vault.Value{Size: 10}},
			{Key: key("pmid-1", "b"), Value: vault.Value{Size: 20}},
		}))

		md = vault.Metadata{Group: "pmid-1", StoredCount: 1, StoredTotalSize: 20}
		require.NoError(t, store.SaveAccount(ctx, md, []vault.EntryChange{
			{Key: key("pmid-1", "a"), Deleted: true},
		}))

		accounts, err := store.LoadAccounts(ctx)
		require.NoError(t, err)
		require.Len(t, accounts, 1)
		assert.Equal(t, int64(1), accounts[0].Metadata.StoredCount)
		require.Len(t, accounts[0].Entries, 1)
		assert.Equal(t, "b", accounts[0].Entries[0].Key.Name)
	})

	t.Run("ReplaceAccount", func(t *testing.T) {
		store := openStore(t, t.TempDir())
		defer func() { _ = store.Close() }()

		require.NoError(t, store.SaveAccount(ctx,
			vault.Metadata{Group: "pmid-1", StoredCount: 1, StoredTotalSize: 5},
			[]vault.EntryChange{{Key: key("pmid-1", "old"), Value: vault.Value{Size: 5}}}))

		replacement := vault.Contents{
			Metadata: vault.Metadata{Group: "pmid-1", StoredCount: 1, StoredTotalSize: 7},
			Entries:  []vault.Entry{{Key: key("pmid-1", "new"), Value: vault.Value{Size: 7}}},
		}
		require.NoError(t, store.ReplaceAccount(ctx, replacement))

		accounts, err := store.LoadAccounts(ctx)
		require.NoError(t, err)
		require.Len(t, accounts, 1)
		assert.Equal(t, replacement, accounts[0])
	})

	t.Run("DeleteAccountCascades", func(t *testing.T) {
		store := openStore(t, t.TempDir())
		defer func() { _ = store.Close() }()

		require.NoError(t, store.SaveAccount(ctx,
			vault.Metadata{Group: "pmid-1", StoredCount: 1, StoredTotalSize: 5},
			[]vault.EntryChange{{Key: key("pmid-1", "a"), Value: vault.Value{Size: 5}}}))
		require.NoError(t, store.SaveAccount(ctx,
			vault.Metadata{Group: "pmid-2", StoredCount: 1, StoredTotalSize: 6},
			[]vault.EntryChange{{Key: key("pmid-2", "a"), Value: vault.Value{Size: 6}}}))

		require.NoError(t, store.DeleteAccount(ctx, "pmid-1"))

		accounts, err := store.LoadAccounts(ctx)
		require.NoError(t, err)
		require.Len(t, accounts, 1)
		assert.Equal(t, vault.GroupName("pmid-2"), accounts[0].Metadata.Group)
		require.Len(t, accounts[0].Entries, 1)
	})

	t.Run("BacksGroupDb", func(t *testing.T) {
		dir := t.TempDir()
		store := openStore(t, dir)

		db, err := vault.NewGroupDb(ctx, vault.GroupDbOptions{Backend: store})
		require.NoError(t, err)
		require.NoError(t, db.Commit(ctx, "pmid-1", func(md *vault.Metadata, entries *vault.Entries) error {
			entries.Put(vault.DataName{Type: vault.DataTypeImmutable, Name: "chunk"}, vault.Value{Size: 10})
			md.PutData(10)
			return nil
		}))
		require.NoError(t, store.Close())

		store = openStore(t, dir)
		defer func() { _ = store.Close() }()

		db, err = vault.NewGroupDb(ctx, vault.GroupDbOptions{Backend: store})
		require.NoError(t, err)
		contents, err := db.GetContents("pmid-1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), contents.Metadata.StoredCount)
		assert.Equal(t, int64(10), contents.Metadata.StoredTotalSize)
		require.Len(t, contents.Entries, 1)
		assert.Equal(t, "chunk", contents.Entries[0].Key.Name)
	})
}
