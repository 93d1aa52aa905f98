package keystore_test

import (
	"path/filepath"
	"testing"

	"github.com/DIMO-Network/tpm-attestation/pkg/keystore"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *keystore.SQLite {
	t.Helper()
	store, err := keystore.Open(filepath.Join(t.TempDir(), "keys", "user_keys.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store
}

func TestReadWriteDelete(t *testing.T) {
	t.Parallel()
	store := openStore(t)
	ctx := t.Context()

	_, err := store.Read(ctx, "alice", "attest-ent-user")
	require.ErrorIs(t, err, keystore.ErrNotFound)

	require.NoError(t, store.Write(ctx, "alice", "attest-ent-user", []byte("v1")))
	require.NoError(t, store.Write(ctx, "alice", "attest-ent-user", []byte("v2")))
	data, err := store.Read(ctx, "alice", "attest-ent-user")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), data)

	// Names are scoped per user.
	_, err = store.Read(ctx, "bob", "attest-ent-user")
	require.ErrorIs(t, err, keystore.ErrNotFound)

	require.NoError(t, store.Delete(ctx, "alice", "attest-ent-user"))
	require.NoError(t, store.Delete(ctx, "alice", "attest-ent-user"))
	_, err = store.Read(ctx, "alice", "attest-ent-user")
	require.ErrorIs(t, err, keystore.ErrNotFound)
}

func TestDeleteByPrefix(t *testing.T) {
	t.Parallel()
	store := openStore(t)
	ctx := t.Context()

	for _, name := range []string{"attest-a", "attest-b", "attest_c", "other"} {
		require.NoError(t, store.Write(ctx, "alice", name, []byte(name)))
	}
	require.NoError(t, store.Write(ctx, "bob", "attest-a", []byte("bob")))

	require.NoError(t, store.DeleteByPrefix(ctx, "alice", "attest-"))

	for name, present := range map[string]bool{"attest-a": false, "attest-b": false, "attest_c": true, "other": true} {
		_, err := store.Read(ctx, "alice", name)
		if present {
			require.NoError(t, err, name)
		} else {
			require.ErrorIs(t, err, keystore.ErrNotFound, name)
		}
	}
	_, err := store.Read(ctx, "bob", "attest-a")
	require.NoError(t, err)
}

func TestRegister(t *testing.T) {
	t.Parallel()
	store := openStore(t)
	ctx := t.Context()

	_, err := store.Registered(ctx, "alice", "key")
	require.ErrorIs(t, err, keystore.ErrNotFound)

	reg := keystore.Registration{KeyName: "key", KeyBlob: []byte("blob"), PublicKeyDER: []byte("der"), Certificate: []byte("cert")}
	require.NoError(t, store.Register(ctx, "alice", reg))
	got, err := store.Registered(ctx, "alice", "key")
	require.NoError(t, err)
	require.Equal(t, &reg, got)
}
