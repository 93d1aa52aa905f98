// Package keyregistry resolves certified keys by name. Device keys live in the
// attestation database, user keys in the per-user key store.
package keyregistry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/DIMO-Network/tpm-attestation/pkg/database"
	"github.com/DIMO-Network/tpm-attestation/pkg/keystore"
)

// Error is a sentinel error of this package.
type Error string

func (e Error) Error() string {
	return string(e)
}

const (
	// ErrKeyNotFound is returned when no key has the requested name.
	ErrKeyNotFound Error = "key not found"
	// ErrNoKeyStore is returned for user keys when no key store is configured.
	ErrNoKeyStore Error = "no user key store configured"
)

// Registry reads and writes certified keys. Device key operations mutate the
// database they are given; the caller persists it when a change is reported.
type Registry struct {
	store keystore.KeyStore
}

// New returns a registry using store for user keys. store may be nil when
// only device keys are needed.
func New(store keystore.KeyStore) *Registry {
	return &Registry{store: store}
}

// IsDeviceKey reports whether username selects the device scope.
func IsDeviceKey(username string) bool {
	return username == ""
}

// Find returns the key named keyName.
func (r *Registry) Find(ctx context.Context, db *database.AttestationDatabase, username, keyName string) (*database.CertifiedKey, error) {
	if IsDeviceKey(username) {
		key, ok := db.FindDeviceKey(keyName)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyName)
		}
		return key, nil
	}
	if r.store == nil {
		return nil, ErrNoKeyStore
	}
	data, err := r.store.Read(ctx, username, keyName)
	if errors.Is(err, keystore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyName)
	}
	if err != nil {
		return nil, err
	}
	return database.UnmarshalKey(data)
}

// Save stores key under key.KeyName, replacing a key of the same name. It
// reports whether db changed.
func (r *Registry) Save(ctx context.Context, db *database.AttestationDatabase, username string, key *database.CertifiedKey) (bool, error) {
	if IsDeviceKey(username) {
		db.DeviceKeys = slices.DeleteFunc(db.DeviceKeys, func(k *database.CertifiedKey) bool {
			return k.KeyName == key.KeyName
		})
		db.DeviceKeys = append(db.DeviceKeys, key)
		return true, nil
	}
	if r.store == nil {
		return false, ErrNoKeyStore
	}
	data, err := database.MarshalKey(key)
	if err != nil {
		return false, err
	}
	return false, r.store.Write(ctx, username, key.KeyName, data)
}

// Delete removes the key named keyName. It reports whether db changed.
func (r *Registry) Delete(ctx context.Context, db *database.AttestationDatabase, username, keyName string) (bool, error) {
	return r.deleteMatching(db, username, func(name string) bool { return name == keyName },
		func(s keystore.KeyStore) error { return s.Delete(ctx, username, keyName) })
}

// DeleteByPrefix removes every key whose name starts with prefix. It reports
// whether db changed.
func (r *Registry) DeleteByPrefix(ctx context.Context, db *database.AttestationDatabase, username, prefix string) (bool, error) {
	return r.deleteMatching(db, username, func(name string) bool { return strings.HasPrefix(name, prefix) },
		func(s keystore.KeyStore) error { return s.DeleteByPrefix(ctx, username, prefix) })
}

func (r *Registry) deleteMatching(db *database.AttestationDatabase, username string,
	match func(string) bool, storeDelete func(keystore.KeyStore) error) (bool, error) {
	if IsDeviceKey(username) {
		before := len(db.DeviceKeys)
		db.DeviceKeys = slices.DeleteFunc(db.DeviceKeys, func(k *database.CertifiedKey) bool {
			if match(k.KeyName) {
				k.Clear()
				return true
			}
			return false
		})
		return len(db.DeviceKeys) != before, nil
	}
	if r.store == nil {
		return false, ErrNoKeyStore
	}
	return false, storeDelete(r.store)
}

// Register hands a user key to the user's token.
func (r *Registry) Register(ctx context.Context, username string, key *database.CertifiedKey) error {
	if IsDeviceKey(username) {
		return fmt.Errorf("%w: device keys cannot be registered", ErrNoKeyStore)
	}
	if r.store == nil {
		return ErrNoKeyStore
	}
	return r.store.Register(ctx, username, keystore.Registration{
		KeyName:      key.KeyName,
		KeyBlob:      key.KeyBlob,
		PublicKeyDER: key.PublicKeyDER,
		Certificate:  key.CertifiedKeyCredential,
	})
}
