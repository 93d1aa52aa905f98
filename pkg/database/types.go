// Package database holds the attestation database model, its versioned CBOR
// serializer, the TPM-sealed envelope it is persisted in, and the migration
// from the single-identity layout.
package database

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/DIMO-Network/tpm-attestation/pkg/cryptoutil"
	"github.com/DIMO-Network/tpm-attestation/pkg/pca"
	"github.com/fxamacker/cbor/v2"
)

// Feature is a bit in Identity.Features.
type Feature uint32

const (
	// FeatureEnterpriseEnrollmentID marks identities whose enrollment
	// request carries the enterprise enrollment nonce.
	FeatureEnterpriseEnrollmentID Feature = 1 << 0
)

// KeyType is the algorithm of a certified key.
type KeyType int

const (
	// KeyTypeRSA is an RSA key.
	KeyTypeRSA KeyType = iota
	// KeyTypeECC is an elliptic curve key.
	KeyTypeECC
)

// KeyUsage is the capability of a certified key.
type KeyUsage int

const (
	// KeyUsageSign is a signing key.
	KeyUsageSign KeyUsage = iota
	// KeyUsageDecrypt is a decryption key.
	KeyUsageDecrypt
)

// Credentials holds the endorsement key material.
type Credentials struct {
	EndorsementPublicKey  []byte `cbor:"1,keyasint,omitempty"`
	EndorsementCredential []byte `cbor:"2,keyasint,omitempty"`
	// EncryptedEndorsementCredentials is the endorsement certificate
	// encrypted for each PCA.
	EncryptedEndorsementCredentials map[pca.Type]*cryptoutil.EncryptedData `cbor:"3,keyasint,omitempty"`
}

// IdentityBinding ties an identity key to the label and PCA key it was made for.
type IdentityBinding struct {
	IdentityPublicKeyDER []byte `cbor:"1,keyasint,omitempty"`
	IdentityPublicKeyTPM []byte `cbor:"2,keyasint,omitempty"`
	IdentityBinding      []byte `cbor:"3,keyasint,omitempty"`
	IdentityLabel        []byte `cbor:"4,keyasint,omitempty"`
	PCAPublicKey         []byte `cbor:"5,keyasint,omitempty"`
}

// IdentityKey is the wrapped identity key.
type IdentityKey struct {
	IdentityKeyBlob []byte `cbor:"1,keyasint,omitempty"`
	// IdentityCredential is only populated in the single-identity layout.
	IdentityCredential []byte `cbor:"2,keyasint,omitempty"`
	EnrollmentID       []byte `cbor:"3,keyasint,omitempty"`
}

// Identity is one attestation identity and its boot-state quotes.
type Identity struct {
	Features        Feature            `cbor:"1,keyasint,omitempty"`
	IdentityBinding *IdentityBinding   `cbor:"2,keyasint,omitempty"`
	IdentityKey     *IdentityKey       `cbor:"3,keyasint,omitempty"`
	PCRQuotes       map[int]*pca.Quote `cbor:"4,keyasint,omitempty"`
}

// IdentityCertificate is the credential a PCA issued for an identity.
type IdentityCertificate struct {
	Identity           int      `cbor:"1,keyasint"`
	PCA                pca.Type `cbor:"2,keyasint"`
	IdentityCredential []byte   `cbor:"3,keyasint,omitempty"`
}

// Delegation is an owner delegate usable for identity activation.
type Delegation struct {
	Blob   []byte `cbor:"1,keyasint,omitempty"`
	Secret []byte `cbor:"2,keyasint,omitempty"`
}

// CertifiedKey is a TPM key certified by an identity and, once the PCA has
// answered, by the PCA.
type CertifiedKey struct {
	KeyBlob                       []byte   `cbor:"1,keyasint,omitempty"`
	PublicKeyDER                  []byte   `cbor:"2,keyasint,omitempty"`
	PublicKeyTPM                  []byte   `cbor:"3,keyasint,omitempty"`
	CertifiedKeyInfo              []byte   `cbor:"4,keyasint,omitempty"`
	CertifiedKeyProof             []byte   `cbor:"5,keyasint,omitempty"`
	CertifiedKeyCredential        []byte   `cbor:"6,keyasint,omitempty"`
	IntermediateCACert            []byte   `cbor:"7,keyasint,omitempty"`
	AdditionalIntermediateCACerts [][]byte `cbor:"8,keyasint,omitempty"`
	KeyName                       string   `cbor:"9,keyasint,omitempty"`
	KeyType                       KeyType  `cbor:"10,keyasint,omitempty"`
	KeyUsage                      KeyUsage `cbor:"11,keyasint,omitempty"`
	Payload                       []byte   `cbor:"12,keyasint,omitempty"`
}

// TemporalIndexRecord assigns a temporal index to a (user, origin) pair.
type TemporalIndexRecord struct {
	UserHash      []byte `cbor:"1,keyasint"`
	OriginHash    []byte `cbor:"2,keyasint"`
	TemporalIndex int    `cbor:"3,keyasint"`
}

// Legacy is the single-identity layout. Its fields are read from old
// databases, carried through unchanged, and never written by new code.
type Legacy struct {
	IdentityBinding                       *IdentityBinding          `cbor:"101,keyasint,omitempty"`
	IdentityKey                           *IdentityKey              `cbor:"102,keyasint,omitempty"`
	PCR0Quote                             *pca.Quote                `cbor:"103,keyasint,omitempty"`
	PCR1Quote                             *pca.Quote                `cbor:"104,keyasint,omitempty"`
	DefaultEncryptedEndorsementCredential *cryptoutil.EncryptedData `cbor:"105,keyasint,omitempty"`
	TestEncryptedEndorsementCredential    *cryptoutil.EncryptedData `cbor:"106,keyasint,omitempty"`
}

// AttestationDatabase is the root of all persisted attestation state.
type AttestationDatabase struct {
	Version              int                                `cbor:"1,keyasint,omitempty"`
	Credentials          *Credentials                       `cbor:"2,keyasint,omitempty"`
	Identities           []*Identity                        `cbor:"3,keyasint,omitempty"`
	IdentityCertificates map[pca.Type]*IdentityCertificate `cbor:"4,keyasint,omitempty"`
	Delegate             *Delegation                        `cbor:"5,keyasint,omitempty"`
	DeviceKeys           []*CertifiedKey                    `cbor:"6,keyasint,omitempty"`
	TemporalIndexRecords []*TemporalIndexRecord             `cbor:"7,keyasint,omitempty"`
	EnrollmentID         []byte                             `cbor:"8,keyasint,omitempty"`
	Legacy
}

const (
	// VersionSingleIdentity is the layout without Identities.
	VersionSingleIdentity = 1
	// CurrentVersion is the layout every write produces.
	CurrentVersion = 2
)

var encMode = func() cbor.EncMode {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

// Encode serializes db in the current layout.
func Encode(db *AttestationDatabase) ([]byte, error) {
	out := *db
	out.Version = CurrentVersion
	data, err := encMode.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode database: %w", err)
	}
	return data, nil
}

// Decode parses either layout. A missing version is the single-identity layout.
func Decode(data []byte) (*AttestationDatabase, error) {
	var db AttestationDatabase
	if err := cbor.Unmarshal(data, &db); err != nil {
		return nil, fmt.Errorf("failed to decode database: %w", err)
	}
	if db.Version == 0 {
		db.Version = VersionSingleIdentity
	}
	if db.Version > CurrentVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, db.Version)
	}
	return &db, nil
}

// Clone returns a deep copy of db.
func (db *AttestationDatabase) Clone() (*AttestationDatabase, error) {
	data, err := encMode.Marshal(db)
	if err != nil {
		return nil, fmt.Errorf("failed to clone database: %w", err)
	}
	defer cryptoutil.Zero(data)
	var out AttestationDatabase
	if err := cbor.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to clone database: %w", err)
	}
	return &out, nil
}

// FindDeviceKey returns the device key named name.
func (db *AttestationDatabase) FindDeviceKey(name string) (*CertifiedKey, bool) {
	i := slices.IndexFunc(db.DeviceKeys, func(k *CertifiedKey) bool { return k.KeyName == name })
	if i < 0 {
		return nil, false
	}
	return db.DeviceKeys[i], true
}

// Clone returns a deep copy of the key.
func (k *CertifiedKey) Clone() *CertifiedKey {
	out := *k
	out.KeyBlob = bytes.Clone(k.KeyBlob)
	out.PublicKeyDER = bytes.Clone(k.PublicKeyDER)
	out.PublicKeyTPM = bytes.Clone(k.PublicKeyTPM)
	out.CertifiedKeyInfo = bytes.Clone(k.CertifiedKeyInfo)
	out.CertifiedKeyProof = bytes.Clone(k.CertifiedKeyProof)
	out.CertifiedKeyCredential = bytes.Clone(k.CertifiedKeyCredential)
	out.IntermediateCACert = bytes.Clone(k.IntermediateCACert)
	out.AdditionalIntermediateCACerts = make([][]byte, 0, len(k.AdditionalIntermediateCACerts))
	for _, c := range k.AdditionalIntermediateCACerts {
		out.AdditionalIntermediateCACerts = append(out.AdditionalIntermediateCACerts, bytes.Clone(c))
	}
	out.Payload = bytes.Clone(k.Payload)
	return &out
}

// CertificateChain returns the key's PEM chain, leaf first.
func (k *CertifiedKey) CertificateChain() string {
	certs := append([][]byte{k.CertifiedKeyCredential, k.IntermediateCACert}, k.AdditionalIntermediateCACerts...)
	return cryptoutil.PEMChain(certs...)
}

// MarshalKey encodes a key for the per-user key store.
func MarshalKey(k *CertifiedKey) ([]byte, error) {
	data, err := encMode.Marshal(k)
	if err != nil {
		return nil, fmt.Errorf("failed to encode key: %w", err)
	}
	return data, nil
}

// UnmarshalKey decodes a key produced by MarshalKey.
func UnmarshalKey(data []byte) (*CertifiedKey, error) {
	var k CertifiedKey
	if err := cbor.Unmarshal(data, &k); err != nil {
		return nil, fmt.Errorf("failed to decode key: %w", err)
	}
	return &k, nil
}

// Clear zeroes every secret held by db.
func (db *AttestationDatabase) Clear() {
	if db == nil {
		return
	}
	if c := db.Credentials; c != nil {
		for _, enc := range c.EncryptedEndorsementCredentials {
			enc.Clear()
		}
	}
	for _, identity := range db.Identities {
		identity.IdentityKey.Clear()
	}
	for _, cert := range db.IdentityCertificates {
		cryptoutil.Zero(cert.IdentityCredential)
	}
	if db.Delegate != nil {
		cryptoutil.Zero(db.Delegate.Blob)
		cryptoutil.Zero(db.Delegate.Secret)
	}
	for _, k := range db.DeviceKeys {
		k.Clear()
	}
	db.Legacy.IdentityKey.Clear()
	db.DefaultEncryptedEndorsementCredential.Clear()
	db.TestEncryptedEndorsementCredential.Clear()
	cryptoutil.Zero(db.EnrollmentID)
}

// Clear zeroes the identity key blob and credential.
func (k *IdentityKey) Clear() {
	if k == nil {
		return
	}
	cryptoutil.Zero(k.IdentityKeyBlob)
	cryptoutil.Zero(k.IdentityCredential)
}

// Clear zeroes the wrapped key blob.
func (k *CertifiedKey) Clear() {
	if k == nil {
		return
	}
	cryptoutil.Zero(k.KeyBlob)
}
