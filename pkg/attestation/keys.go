package attestation

import (
	"bytes"
	"context"
	"crypto/x509"
	"fmt"

	"github.com/DIMO-Network/tpm-attestation/pkg/challenge"
	"github.com/DIMO-Network/tpm-attestation/pkg/cryptoutil"
	"github.com/DIMO-Network/tpm-attestation/pkg/database"
	"github.com/DIMO-Network/tpm-attestation/pkg/keyregistry"
)

// KeyInfo describes a certified key. PublicKey is a DER
// SubjectPublicKeyInfo.
type KeyInfo struct {
	KeyType          database.KeyType  `json:"keyType"`
	KeyUsage         database.KeyUsage `json:"keyUsage"`
	PublicKey        []byte            `json:"publicKey"`
	CertifyInfo      []byte            `json:"certifyInfo"`
	CertifyInfoProof []byte            `json:"certifyInfoProof"`
	CertificateChain string            `json:"certificateChain"`
	Payload          []byte            `json:"payload,omitempty"`
}

// EnterpriseChallenge is an enterprise challenge to answer with a stored key.
type EnterpriseChallenge struct {
	// Username selects a user key; empty selects a device key.
	Username               string
	KeyName                string
	VAType                 challenge.VAType
	Domain                 string
	DeviceID               []byte
	IncludeSignedPublicKey bool
	Challenge              []byte
}

func (e *Engine) findKey(ctx context.Context, username, keyName string) (*database.CertifiedKey, error) {
	if err := e.loaded(); err != nil {
		return nil, err
	}
	return e.keys.Find(ctx, e.db, username, keyName)
}

// SetKeyPayload attaches an opaque payload to a stored key.
func (e *Engine) SetKeyPayload(ctx context.Context, username, keyName string, payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.findKey(ctx, username, keyName); err != nil {
		return err
	}
	return e.update(ctx, func(db *database.AttestationDatabase) (bool, error) {
		key, err := e.keys.Find(ctx, db, username, keyName)
		if err != nil {
			return false, err
		}
		if !keyregistry.IsDeviceKey(username) {
			key = key.Clone()
		}
		key.Payload = bytes.Clone(payload)
		return e.keys.Save(ctx, db, username, key)
	})
}

// DeleteKey removes a stored key. Deleting a missing key is not an error.
func (e *Engine) DeleteKey(ctx context.Context, username, keyName string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.loaded(); err != nil {
		return err
	}
	return e.update(ctx, func(db *database.AttestationDatabase) (bool, error) {
		return e.keys.Delete(ctx, db, username, keyName)
	})
}

// DeleteKeys removes every stored key whose name starts with prefix.
func (e *Engine) DeleteKeys(ctx context.Context, username, prefix string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.loaded(); err != nil {
		return err
	}
	return e.update(ctx, func(db *database.AttestationDatabase) (bool, error) {
		return e.keys.DeleteByPrefix(ctx, db, username, prefix)
	})
}

// GetKeyInfo describes the stored key named keyName.
func (e *Engine) GetKeyInfo(ctx context.Context, username, keyName string) (*KeyInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key, err := e.findKey(ctx, username, keyName)
	if err != nil {
		return nil, err
	}
	pub, err := cryptoutil.ParseRSAPublicKey(key.PublicKeyDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	spki, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to encode public key: %w", err)
	}
	return &KeyInfo{
		KeyType:          key.KeyType,
		KeyUsage:         key.KeyUsage,
		PublicKey:        spki,
		CertifyInfo:      bytes.Clone(key.CertifiedKeyInfo),
		CertifyInfoProof: bytes.Clone(key.CertifiedKeyProof),
		CertificateChain: key.CertificateChain(),
		Payload:          bytes.Clone(key.Payload),
	}, nil
}

// RegisterKeyWithToken hands a user key to the user's token and removes it
// from the key store.
func (e *Engine) RegisterKeyWithToken(ctx context.Context, username, keyName string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	key, err := e.findKey(ctx, username, keyName)
	if err != nil {
		return err
	}
	if err := e.keys.Register(ctx, username, key); err != nil {
		return fmt.Errorf("failed to register key: %w", err)
	}
	return e.update(ctx, func(db *database.AttestationDatabase) (bool, error) {
		return e.keys.Delete(ctx, db, username, keyName)
	})
}

// SignSimpleChallenge signs challenge with a stored key. A random nonce is
// appended before signing.
func (e *Engine) SignSimpleChallenge(ctx context.Context, username, keyName string, data []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key, err := e.findKey(ctx, username, keyName)
	if err != nil {
		return nil, err
	}
	if !e.tpm.IsReady(ctx) {
		return nil, ErrTPMNotReady
	}
	return e.challenges.SignSimple(ctx, key, data)
}

// SignEnterpriseChallenge answers an enterprise challenge with a stored key.
// A user key produces a user-specific response.
func (e *Engine) SignEnterpriseChallenge(ctx context.Context, req EnterpriseChallenge) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key, err := e.findKey(ctx, req.Username, req.KeyName)
	if err != nil {
		return nil, err
	}
	if !e.tpm.IsReady(ctx) {
		return nil, ErrTPMNotReady
	}
	return e.challenges.SignEnterprise(ctx, key, &challenge.EnterpriseRequest{
		VAType:                 req.VAType,
		UserSpecific:           !keyregistry.IsDeviceKey(req.Username),
		Domain:                 req.Domain,
		DeviceID:               req.DeviceID,
		IncludeSignedPublicKey: req.IncludeSignedPublicKey,
		Challenge:              req.Challenge,
	})
}
