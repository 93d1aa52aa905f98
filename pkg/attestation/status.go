package attestation

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/DIMO-Network/tpm-attestation/pkg/cryptoutil"
	"github.com/DIMO-Network/tpm-attestation/pkg/database"
	"github.com/DIMO-Network/tpm-attestation/pkg/pca"
	"github.com/DIMO-Network/tpm-attestation/pkg/verify"
	"github.com/rs/zerolog"
)

// Status summarizes the attestation state. EnrollmentPreparations reports
// preparedness per known Privacy CA. VerifiedBoot is only filled in extended
// status.
type Status struct {
	PreparedForEnrollment  bool                                   `json:"preparedForEnrollment"`
	Enrolled               bool                                   `json:"enrolled"`
	Identities             []IdentityStatus                       `json:"identities"`
	IdentityCertificates   map[pca.Type]IdentityCertificateStatus `json:"identityCertificates"`
	EnrollmentPreparations map[pca.Type]bool                      `json:"enrollmentPreparations"`
	VerifiedBoot           bool                                   `json:"verifiedBoot"`
}

// IdentityStatus describes one identity.
type IdentityStatus struct {
	Features database.Feature `json:"features"`
}

// IdentityCertificateStatus names the identity a Privacy CA certified.
type IdentityCertificateStatus struct {
	Identity int      `json:"identity"`
	PCA      pca.Type `json:"pca"`
}

// EndorsementInfo is the endorsement key as a DER SubjectPublicKeyInfo, its
// certificate, and a printable PEM certificate with its SHA-256 hash.
type EndorsementInfo struct {
	PublicKey   []byte `json:"publicKey"`
	Certificate []byte `json:"certificate"`
	Info        string `json:"info"`
}

// AttestationKeyInfo describes the identity key certified by a Privacy CA.
type AttestationKeyInfo struct {
	PublicKey          []byte     `json:"publicKey,omitempty"`
	PublicKeyTPMFormat []byte     `json:"publicKeyTpmFormat,omitempty"`
	Certificate        []byte     `json:"certificate,omitempty"`
	PCR0Quote          *pca.Quote `json:"pcr0Quote,omitempty"`
	PCR1Quote          *pca.Quote `json:"pcr1Quote,omitempty"`
}

// GetStatus reports preparation and enrollment state. extended adds the
// verified boot check, which reads PCR0.
func (e *Engine) GetStatus(ctx context.Context, extended bool) (*Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.loaded(); err != nil {
		return nil, err
	}
	status := &Status{
		PreparedForEnrollment:  e.prepared(),
		Identities:             make([]IdentityStatus, 0, len(e.db.Identities)),
		IdentityCertificates:   make(map[pca.Type]IdentityCertificateStatus, len(e.db.IdentityCertificates)),
		EnrollmentPreparations: map[pca.Type]bool{},
	}
	for _, identity := range e.db.Identities {
		status.Identities = append(status.Identities, IdentityStatus{Features: identity.Features})
	}
	for t, cert := range e.db.IdentityCertificates {
		status.IdentityCertificates[t] = IdentityCertificateStatus{Identity: cert.Identity, PCA: cert.PCA}
	}
	for _, t := range e.registry.Types() {
		status.EnrollmentPreparations[t] = e.preparedWithPCA(t)
		if e.hasIdentityCertificate(t) {
			status.Enrolled = true
		}
	}
	if extended {
		status.VerifiedBoot = e.verifiedBoot(ctx)
	}
	return status, nil
}

func (e *Engine) verifiedBoot(ctx context.Context) bool {
	if !e.tpm.IsReady(ctx) {
		return false
	}
	value, err := e.tpm.ReadPCR(ctx, database.PCRBootMode)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("component", "attestation").Msg("Failed to read PCR0.")
		return false
	}
	return bytes.Equal(value, e.verifier.PCRValue(verify.VerifiedBootMode))
}

func (e *Engine) endorsementPublicKey(ctx context.Context) ([]byte, error) {
	if creds := e.db.Credentials; creds != nil && len(creds.EndorsementPublicKey) > 0 {
		return creds.EndorsementPublicKey, nil
	}
	publicKey, err := e.tpm.GetEndorsementPublicKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: endorsement public key: %w", ErrNotAvailable, err)
	}
	return publicKey, nil
}

// endorsement returns the endorsement public key and certificate, read from
// the database when recorded and from the TPM otherwise.
func (e *Engine) endorsement(ctx context.Context) (publicKey, certificate []byte, err error) {
	if publicKey, err = e.endorsementPublicKey(ctx); err != nil {
		return nil, nil, err
	}
	if creds := e.db.Credentials; creds != nil {
		certificate = creds.EndorsementCredential
	}
	if len(certificate) == 0 {
		if certificate, err = e.tpm.GetEndorsementCredential(ctx); err != nil {
			return nil, nil, fmt.Errorf("failed to get endorsement credential: %w", err)
		}
	}
	return publicKey, certificate, nil
}

func subjectPublicKeyInfo(der []byte) ([]byte, error) {
	pub, err := cryptoutil.ParseRSAPublicKey(der)
	if err != nil {
		return nil, err
	}
	return x509.MarshalPKIXPublicKey(pub)
}

// GetEndorsementInfo returns the endorsement key, its certificate and a
// printable summary.
func (e *Engine) GetEndorsementInfo(ctx context.Context) (*EndorsementInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.loaded(); err != nil {
		return nil, err
	}
	publicKey, certificate, err := e.endorsement(ctx)
	if err != nil {
		return nil, err
	}
	spki, err := subjectPublicKeyInfo(publicKey)
	if err != nil {
		return nil, fmt.Errorf("bad endorsement public key: %w", err)
	}
	hash := sha256.Sum256(certificate)
	return &EndorsementInfo{
		PublicKey:   spki,
		Certificate: bytes.Clone(certificate),
		Info: fmt.Sprintf("EK Certificate:\n%s\nHash:\n%s\n",
			cryptoutil.PEMChain(certificate), strings.ToUpper(hex.EncodeToString(hash[:]))),
	}, nil
}

// GetAttestationKeyInfo describes the identity key enrolled with t.
func (e *Engine) GetAttestationKeyInfo(ctx context.Context, t pca.Type) (*AttestationKeyInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.loaded(); err != nil {
		return nil, err
	}
	cert, ok := e.db.IdentityCertificates[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotEnrolled, t)
	}
	if !e.prepared() || cert.Identity < 0 || cert.Identity >= len(e.db.Identities) {
		return nil, ErrNotAvailable
	}
	identity := e.db.Identities[cert.Identity]
	if identity.IdentityKey == nil {
		return nil, ErrNotAvailable
	}
	info := &AttestationKeyInfo{
		Certificate: bytes.Clone(cert.IdentityCredential),
		PCR0Quote:   identity.PCRQuotes[database.PCRBootMode],
		PCR1Quote:   identity.PCRQuotes[database.PCRHardwareID],
	}
	if binding := identity.IdentityBinding; binding != nil {
		if len(binding.IdentityPublicKeyDER) > 0 {
			spki, err := subjectPublicKeyInfo(binding.IdentityPublicKeyDER)
			if err != nil {
				return nil, fmt.Errorf("bad identity public key: %w", err)
			}
			info.PublicKey = spki
		}
		info.PublicKeyTPMFormat = bytes.Clone(binding.IdentityPublicKeyTPM)
	}
	return info, nil
}

// GetEnrollmentID returns the enterprise enrollment id, an HMAC of the
// endorsement key modulus under the enrollment nonce. The id is cached in
// the database unless ignoreCache is set, which always recomputes it.
func (e *Engine) GetEnrollmentID(ctx context.Context, ignoreCache bool) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.loaded(); err != nil {
		return nil, err
	}
	if !ignoreCache && len(e.db.EnrollmentID) > 0 {
		return bytes.Clone(e.db.EnrollmentID), nil
	}
	id := e.computeEnrollmentID(ctx)
	if len(id) == 0 {
		return nil, ErrNotAvailable
	}
	if !ignoreCache {
		err := e.update(ctx, func(db *database.AttestationDatabase) (bool, error) {
			db.EnrollmentID = bytes.Clone(id)
			return true, nil
		})
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("component", "attestation").Msg("Failed to persist enrollment id.")
		}
	}
	return id, nil
}

func (e *Engine) computeEnrollmentID(ctx context.Context) []byte {
	nonce := e.enrollmentNonce(ctx)
	if len(nonce) == 0 {
		return nil
	}
	publicKey, err := e.endorsementPublicKey(ctx)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("component", "attestation").Msg("No endorsement key for enrollment id.")
		return nil
	}
	pub, err := cryptoutil.ParseRSAPublicKey(publicKey)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("component", "attestation").Msg("Bad endorsement public key.")
		return nil
	}
	mac := hmac.New(sha256.New, nonce)
	mac.Write(pub.N.Bytes())
	return mac.Sum(nil)
}
