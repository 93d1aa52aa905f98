package database

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/DIMO-Network/tpm-attestation/pkg/cryptoutil"
	"github.com/DIMO-Network/tpm-attestation/pkg/storage"
	"github.com/DIMO-Network/tpm-attestation/pkg/tpm"
	"github.com/fxamacker/cbor/v2"
)

// Error is a sentinel error of this package.
type Error string

func (e Error) Error() string {
	return string(e)
}

const (
	// ErrUnsupportedVersion is returned for a database written by a newer release.
	ErrUnsupportedVersion Error = "unsupported database version"
	// ErrNoSealedKey is returned when an envelope carries no sealed key.
	ErrNoSealedKey Error = "database envelope has no sealed key"
	// ErrUnseal is returned when the TPM refuses to release the database key.
	ErrUnseal Error = "failed to unseal database key"
	// ErrNotFound is returned by Store.Load when no database exists yet.
	ErrNotFound Error = "database not found"
	// ErrPersist is returned when the database could not be written.
	ErrPersist Error = "failed to persist database"
)

const envelopeVersion = 1

// EncryptedDatabase is the on-disk envelope.
type EncryptedDatabase struct {
	Version       int    `cbor:"1,keyasint"`
	SealedKey     []byte `cbor:"2,keyasint"`
	IV            []byte `cbor:"3,keyasint"`
	EncryptedData []byte `cbor:"4,keyasint"`
	MAC           []byte `cbor:"5,keyasint"`
}

// Codec encrypts databases under a TPM-sealed key. The key is generated on the
// first Encrypt, or recovered on the first Decrypt, and cached until Clear.
type Codec struct {
	tpm tpm.TPM

	mu        sync.Mutex
	key       []byte
	sealedKey []byte
}

// NewCodec returns a codec using t for sealing.
func NewCodec(t tpm.TPM) *Codec {
	return &Codec{tpm: t}
}

// Encrypt serializes and encrypts db.
func (c *Codec) Encrypt(ctx context.Context, db *AttestationDatabase) ([]byte, error) {
	plaintext, err := Encode(db)
	if err != nil {
		return nil, err
	}
	defer cryptoutil.Zero(plaintext)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.key == nil {
		key, sealed, err := c.tpm.CreateSealedKey(ctx, cryptoutil.SeedSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create database key: %w", err)
		}
		c.key, c.sealedKey = key, sealed
	}
	sealed, err := cryptoutil.EncryptWithSeed(c.key, plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt database: %w", err)
	}
	out, err := encMode.Marshal(&EncryptedDatabase{
		Version:       envelopeVersion,
		SealedKey:     bytes.Clone(c.sealedKey),
		IV:            sealed.IV,
		EncryptedData: sealed.EncryptedData,
		MAC:           sealed.MAC,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode database envelope: %w", err)
	}
	return out, nil
}

// Decrypt authenticates, decrypts and parses an envelope produced by Encrypt.
func (c *Codec) Decrypt(ctx context.Context, data []byte) (*AttestationDatabase, error) {
	var env EncryptedDatabase
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode database envelope: %w", err)
	}
	if len(env.SealedKey) == 0 {
		return nil, ErrNoSealedKey
	}

	c.mu.Lock()
	if c.key == nil || !bytes.Equal(c.sealedKey, env.SealedKey) {
		key, err := c.tpm.Unseal(ctx, env.SealedKey)
		if err != nil {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: %w", ErrUnseal, err)
		}
		cryptoutil.Zero(c.key)
		c.key, c.sealedKey = key, bytes.Clone(env.SealedKey)
	}
	plaintext, err := cryptoutil.DecryptWithSeed(c.key, &cryptoutil.EncryptedData{
		IV:            env.IV,
		EncryptedData: env.EncryptedData,
		MAC:           env.MAC,
	})
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt database: %w", err)
	}
	defer cryptoutil.Zero(plaintext)
	return Decode(plaintext)
}

// Clear zeroes the cached key.
func (c *Codec) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	cryptoutil.Zero(c.key)
	c.key, c.sealedKey = nil, nil
}

// Store persists encrypted databases in a blob.
type Store struct {
	codec *Codec
	blob  storage.Blob
}

// NewStore returns a store writing through codec to blob.
func NewStore(codec *Codec, blob storage.Blob) *Store {
	return &Store{codec: codec, blob: blob}
}

// Load reads and decrypts the database. It returns ErrNotFound when nothing
// has been persisted yet.
func (s *Store) Load(ctx context.Context) (*AttestationDatabase, error) {
	data, err := s.blob.Read(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read database: %w", err)
	}
	return s.codec.Decrypt(ctx, data)
}

// Save encrypts and atomically writes db.
func (s *Store) Save(ctx context.Context, db *AttestationDatabase) error {
	data, err := s.codec.Encrypt(ctx, db)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	if err := s.blob.Write(ctx, data); err != nil {
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	return nil
}

// Clear zeroes the cached database key.
func (s *Store) Clear() {
	s.codec.Clear()
}
