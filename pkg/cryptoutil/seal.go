// Package cryptoutil holds the symmetric envelope, hybrid RSA encryption and
// key parsing helpers shared by the attestation components.
package cryptoutil

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // OAEP-SHA1 is the PCA wire contract.
	"crypto/sha512"
	"fmt"
)

// Error is a sentinel error of this package.
type Error string

func (e Error) Error() string {
	return string(e)
}

const (
	// ErrMAC is returned when an envelope fails authentication.
	ErrMAC Error = "envelope mac mismatch"
	// ErrPadding is returned when decrypted data has invalid padding.
	ErrPadding Error = "invalid padding"
	// ErrKeySize is returned for a seed of the wrong length.
	ErrKeySize Error = "seed must be 32 bytes"
	// ErrNoData is returned when there is no envelope to decrypt.
	ErrNoData Error = "no encrypted data"
)

// SeedSize is the length of the AES-256 and HMAC key.
const SeedSize = 32

// EncryptedData is the hybrid envelope used for every encrypted blob that
// leaves the device.
type EncryptedData struct {
	WrappedKey    []byte `cbor:"1,keyasint,omitempty" json:"wrappedKey,omitempty"`
	IV            []byte `cbor:"2,keyasint" json:"iv"`
	MAC           []byte `cbor:"3,keyasint" json:"mac"`
	EncryptedData []byte `cbor:"4,keyasint" json:"encryptedData"`
	WrappingKeyID []byte `cbor:"5,keyasint,omitempty" json:"wrappingKeyId,omitempty"`
}

// Clear zeroes the envelope.
func (e *EncryptedData) Clear() {
	if e == nil {
		return
	}
	Zero(e.WrappedKey)
	Zero(e.IV)
	Zero(e.MAC)
	Zero(e.EncryptedData)
	Zero(e.WrappingKeyID)
}

// Zero overwrites b in place.
func Zero(b []byte) {
	clear(b)
}

// RandomBytes returns n bytes from the system CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}

func pad(data []byte) []byte {
	n := aes.BlockSize - len(data)%aes.BlockSize
	return append(bytes.Clone(data), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, ErrPadding
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, ErrPadding
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrPadding
		}
	}
	return data[:len(data)-n], nil
}

// AESCBCEncrypt encrypts plaintext with PKCS#7 padding.
func AESCBCEncrypt(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	padded := pad(plaintext)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	Zero(padded)
	return out, nil
}

// AESCBCDecrypt reverses AESCBCEncrypt.
func AESCBCDecrypt(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 || len(iv) != aes.BlockSize {
		return nil, ErrPadding
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return unpad(out)
}

func envelopeMAC(key, iv, ciphertext []byte) []byte {
	mac := hmac.New(sha512.New, key)
	mac.Write(iv)
	mac.Write(ciphertext)
	return mac.Sum(nil)
}

// EncryptWithSeed encrypts plaintext under seed with AES-256-CBC and
// authenticates IV and ciphertext with HMAC-SHA512 under the same seed.
func EncryptWithSeed(seed, plaintext []byte) (*EncryptedData, error) {
	if len(seed) != SeedSize {
		return nil, ErrKeySize
	}
	iv, err := RandomBytes(aes.BlockSize)
	if err != nil {
		return nil, err
	}
	ciphertext, err := AESCBCEncrypt(seed, iv, plaintext)
	if err != nil {
		return nil, err
	}
	return &EncryptedData{
		IV:            iv,
		EncryptedData: ciphertext,
		MAC:           envelopeMAC(seed, iv, ciphertext),
	}, nil
}

// DecryptWithSeed authenticates and decrypts an envelope produced by
// EncryptWithSeed.
func DecryptWithSeed(seed []byte, data *EncryptedData) ([]byte, error) {
	if len(seed) != SeedSize {
		return nil, ErrKeySize
	}
	if data == nil {
		return nil, ErrNoData
	}
	if !hmac.Equal(envelopeMAC(seed, data.IV, data.EncryptedData), data.MAC) {
		return nil, ErrMAC
	}
	return AESCBCDecrypt(seed, data.IV, data.EncryptedData)
}

// EncryptForKey seals plaintext under a fresh seed and wraps the seed for
// pub with RSA-OAEP (SHA-1, empty label).
func EncryptForKey(pub *rsa.PublicKey, keyID, plaintext []byte) (*EncryptedData, error) {
	seed, err := RandomBytes(SeedSize)
	if err != nil {
		return nil, err
	}
	defer Zero(seed)
	out, err := EncryptWithSeed(seed, plaintext)
	if err != nil {
		return nil, err
	}
	out.WrappedKey, err = rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, seed, nil) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("failed to wrap key: %w", err)
	}
	out.WrappingKeyID = bytes.Clone(keyID)
	return out, nil
}

// DecryptWithKey unwraps and decrypts an envelope produced by EncryptForKey.
func DecryptWithKey(priv *rsa.PrivateKey, data *EncryptedData) ([]byte, error) {
	if data == nil {
		return nil, ErrNoData
	}
	seed, err := rsa.DecryptOAEP(sha1.New(), rand.Reader, priv, data.WrappedKey, nil) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap key: %w", err)
	}
	defer Zero(seed)
	return DecryptWithSeed(seed, data)
}
