package database

import (
	"bytes"
	"context"
	"fmt"

	"github.com/DIMO-Network/tpm-attestation/pkg/cryptoutil"
	"github.com/DIMO-Network/tpm-attestation/pkg/pca"
	"github.com/DIMO-Network/tpm-attestation/pkg/tpm"
	"github.com/DIMO-Network/tpm-attestation/pkg/tpm/tpm12"
	"github.com/rs/zerolog"
)

// PCR indices quoted for every identity.
const (
	PCRBootMode   = 0
	PCRHardwareID = 1
)

// QuoteFromTPM converts a TPM quote into its wire form.
func QuoteFromTPM(q *tpm.Quote, sourceHint []byte) *pca.Quote {
	return &pca.Quote{
		Quote:          q.Signature,
		QuotedData:     q.QuotedData,
		QuotedPCRValue: q.PCRValue,
		PCRSourceHint:  bytes.Clone(sourceHint),
	}
}

// Migrate upgrades a single-identity database in place. Legacy fields are
// never removed. It reports whether anything changed and the caller should
// persist db.
func Migrate(ctx context.Context, db *AttestationDatabase, t tpm.TPM, hwid []byte) (bool, error) {
	logger := zerolog.Ctx(ctx).With().Str("component", "database-migration").Logger()
	migrated := false

	if db.Credentials == nil {
		db.Credentials = &Credentials{}
	}
	legacyCreds := map[pca.Type]*cryptoutil.EncryptedData{
		pca.Default: db.DefaultEncryptedEndorsementCredential,
		pca.Test:    db.TestEncryptedEndorsementCredential,
	}
	for typ, cred := range legacyCreds {
		if cred == nil {
			continue
		}
		if _, ok := db.Credentials.EncryptedEndorsementCredentials[typ]; ok {
			continue
		}
		if db.Credentials.EncryptedEndorsementCredentials == nil {
			db.Credentials.EncryptedEndorsementCredentials = map[pca.Type]*cryptoutil.EncryptedData{}
		}
		clone := *cred
		clone.WrappedKey = bytes.Clone(cred.WrappedKey)
		clone.IV = bytes.Clone(cred.IV)
		clone.MAC = bytes.Clone(cred.MAC)
		clone.EncryptedData = bytes.Clone(cred.EncryptedData)
		clone.WrappingKeyID = bytes.Clone(cred.WrappingKeyID)
		db.Credentials.EncryptedEndorsementCredentials[typ] = &clone
		logger.Info().Stringer("pca", typ).Msg("Migrated encrypted endorsement credential.")
		migrated = true
	}

	if len(db.Identities) == 0 && (db.Legacy.IdentityKey != nil || db.Legacy.IdentityBinding != nil) {
		if err := migrateIdentity(ctx, db, t, hwid); err != nil {
			return migrated, err
		}
		logger.Info().Msg("Migrated identity data.")
		migrated = true
	}
	return migrated, nil
}

// migrateIdentity copies the legacy identity into Identities[0]. On failure db
// is left as it was.
func migrateIdentity(ctx context.Context, db *AttestationDatabase, t tpm.TPM, hwid []byte) error {
	identity := &Identity{
		Features:  FeatureEnterpriseEnrollmentID,
		PCRQuotes: map[int]*pca.Quote{},
	}
	if b := db.Legacy.IdentityBinding; b != nil {
		identity.IdentityBinding = &IdentityBinding{
			IdentityPublicKeyDER: bytes.Clone(b.IdentityPublicKeyDER),
			IdentityPublicKeyTPM: bytes.Clone(b.IdentityPublicKeyTPM),
			IdentityBinding:      bytes.Clone(b.IdentityBinding),
			IdentityLabel:        bytes.Clone(b.IdentityLabel),
			PCAPublicKey:         bytes.Clone(b.PCAPublicKey),
		}
	}
	var credential []byte
	if k := db.Legacy.IdentityKey; k != nil {
		identity.IdentityKey = &IdentityKey{
			IdentityKeyBlob: bytes.Clone(k.IdentityKeyBlob),
			EnrollmentID:    bytes.Clone(k.EnrollmentID),
		}
		credential = bytes.Clone(k.IdentityCredential)
	}

	legacyQuotes := map[int]*pca.Quote{PCRBootMode: db.Legacy.PCR0Quote, PCRHardwareID: db.Legacy.PCR1Quote}
	for pcr, q := range legacyQuotes {
		if q != nil {
			clone := *q
			identity.PCRQuotes[pcr] = &clone
			continue
		}
		// Older releases could persist an identity before its quotes.
		if identity.IdentityKey == nil {
			return fmt.Errorf("cannot regenerate PCR%d quote without an identity key", pcr)
		}
		var hint []byte
		if pcr == PCRHardwareID {
			hint = hwid
		}
		nonce, err := t.GetRandomData(ctx, tpm12.DigestSize)
		if err != nil {
			return fmt.Errorf("failed to regenerate PCR%d quote: %w", pcr, err)
		}
		quote, err := t.QuotePCR(ctx, pcr, identity.IdentityKey.IdentityKeyBlob, nonce)
		if err != nil {
			return fmt.Errorf("failed to regenerate PCR%d quote: %w", pcr, err)
		}
		identity.PCRQuotes[pcr] = QuoteFromTPM(quote, hint)
		zerolog.Ctx(ctx).Info().Int("pcr", pcr).Msg("Regenerated missing legacy quote.")
	}

	db.Identities = append(db.Identities, identity)
	if len(credential) > 0 {
		if db.IdentityCertificates == nil {
			db.IdentityCertificates = map[pca.Type]*IdentityCertificate{}
		}
		if _, ok := db.IdentityCertificates[pca.Default]; !ok {
			db.IdentityCertificates[pca.Default] = &IdentityCertificate{
				Identity:           0,
				PCA:                pca.Default,
				IdentityCredential: credential,
			}
		}
	}
	if identity.IdentityKey != nil && len(identity.IdentityKey.EnrollmentID) > 0 && len(db.EnrollmentID) == 0 {
		db.EnrollmentID = bytes.Clone(identity.IdentityKey.EnrollmentID)
	}
	return nil
}

// EncryptAllEndorsementCredentials encrypts the endorsement certificate for
// every authority in registry that has no entry yet. It reports whether any
// entry was added.
func EncryptAllEndorsementCredentials(db *AttestationDatabase, registry pca.Registry) (bool, error) {
	if db.Credentials == nil || len(db.Credentials.EndorsementCredential) == 0 {
		return false, nil
	}
	added := false
	for _, typ := range registry.Types() {
		if _, ok := db.Credentials.EncryptedEndorsementCredentials[typ]; ok {
			continue
		}
		authority, _ := registry.Lookup(typ)
		pub, err := authority.PublicKey()
		if err != nil {
			return added, err
		}
		enc, err := cryptoutil.EncryptForKey(pub, authority.PublicKeyID, db.Credentials.EndorsementCredential)
		if err != nil {
			return added, fmt.Errorf("failed to encrypt endorsement credential for %s: %w", typ, err)
		}
		if db.Credentials.EncryptedEndorsementCredentials == nil {
			db.Credentials.EncryptedEndorsementCredentials = map[pca.Type]*cryptoutil.EncryptedData{}
		}
		db.Credentials.EncryptedEndorsementCredentials[typ] = enc
		added = true
	}
	return added, nil
}
