package attestation

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/DIMO-Network/tpm-attestation/pkg/database"
	"github.com/DIMO-Network/tpm-attestation/pkg/pca"
	"github.com/DIMO-Network/tpm-attestation/pkg/tpm"
	"github.com/DIMO-Network/tpm-attestation/pkg/tpm/tpm12"
	"github.com/rs/zerolog"
)

const enrollmentContext = "attestation_based_enrollment"

func (e *Engine) prepared() bool {
	if len(e.db.Identities) == 0 || e.db.Credentials == nil {
		return false
	}
	return len(e.db.Credentials.EndorsementCredential) > 0 ||
		len(e.db.Credentials.EncryptedEndorsementCredentials) > 0
}

func (e *Engine) preparedWithPCA(t pca.Type) bool {
	if len(e.db.Identities) == 0 || e.db.Credentials == nil {
		return false
	}
	_, ok := e.db.Credentials.EncryptedEndorsementCredentials[t]
	return ok
}

// IsPreparedForEnrollment reports whether an identity and the endorsement
// credential exist.
func (e *Engine) IsPreparedForEnrollment() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.db != nil && e.prepared()
}

// IsPreparedForEnrollmentWithPCA reports whether an enrollment request for t
// can be built.
func (e *Engine) IsPreparedForEnrollmentWithPCA(t pca.Type) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.db != nil && e.preparedWithPCA(t)
}

// PrepareForEnrollment creates the first identity: an identity key, its PCR0
// and PCR1 quotes, the owner delegate and the endorsement credential
// encrypted for every known Privacy CA. It returns nil at once when already
// prepared. The TPM work runs without holding the engine lock.
func (e *Engine) PrepareForEnrollment(ctx context.Context) (err error) {
	logger := zerolog.Ctx(ctx).With().Str("component", "enrollment").Logger()
	e.mu.Lock()
	if err := e.loaded(); err != nil {
		e.mu.Unlock()
		return err
	}
	if e.prepared() {
		e.mu.Unlock()
		return nil
	}
	if e.preparing {
		e.mu.Unlock()
		return ErrPreparationInProgress
	}
	if !e.tpm.IsReady(ctx) {
		e.mu.Unlock()
		return ErrTPMNotReady
	}
	if !e.platform.InstallAttributesFinalized(ctx) {
		e.mu.Unlock()
		return ErrNotFinalized
	}
	e.preparing = true
	enrollmentID := bytes.Clone(e.db.EnrollmentID)
	hwid := bytes.Clone(e.hwid)
	needDelegate := e.db.Delegate == nil
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.preparing = false
		e.mu.Unlock()
		result := resultOK
		if err != nil {
			result = resultError
		}
		preparationsTotal.WithLabelValues(result).Inc()
	}()

	start := time.Now()
	logger.Info().Msg("Preparing for enrollment.")
	ekPublicKey, err := e.tpm.GetEndorsementPublicKey(ctx)
	if err != nil {
		return fmt.Errorf("failed to get endorsement public key: %w", err)
	}
	ekCertificate, err := e.tpm.GetEndorsementCredential(ctx)
	if err != nil {
		return fmt.Errorf("failed to get endorsement credential: %w", err)
	}
	identity, err := e.createIdentity(ctx, enrollmentID, hwid)
	if err != nil {
		return err
	}
	var delegate *tpm.Delegate
	if needDelegate {
		delegate, err = e.tpm.CreateDelegate(ctx, identity.IdentityKey.IdentityKeyBlob)
		if err != nil {
			return fmt.Errorf("failed to create owner delegate: %w", err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// Close may have run while the TPM work was in flight.
	if err := e.loaded(); err != nil {
		return err
	}
	err = e.update(ctx, func(db *database.AttestationDatabase) (bool, error) {
		if db.Credentials == nil {
			db.Credentials = &database.Credentials{}
		}
		db.Credentials.EndorsementPublicKey = ekPublicKey
		db.Credentials.EndorsementCredential = ekCertificate
		db.Identities = append(db.Identities, identity)
		if delegate != nil && db.Delegate == nil {
			db.Delegate = &database.Delegation{Blob: delegate.Blob, Secret: delegate.Secret}
		}
		if _, err := database.EncryptAllEndorsementCredentials(db, e.registry); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	logger.Info().Dur("took", time.Since(start)).Msg("Prepared for enrollment.")
	return nil
}

// createIdentity makes an identity key and quotes PCR0 and PCR1 with one
// shared nonce.
func (e *Engine) createIdentity(ctx context.Context, enrollmentID, hwid []byte) (*database.Identity, error) {
	made, err := e.tpm.MakeIdentity(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to make identity: %w", err)
	}
	identity := &database.Identity{
		Features: e.features,
		IdentityBinding: &database.IdentityBinding{
			IdentityPublicKeyDER: made.PublicKeyDER,
			IdentityPublicKeyTPM: made.PublicKeyTPM,
			IdentityBinding:      made.Binding,
			IdentityLabel:        made.Label,
			PCAPublicKey:         made.PCAPublicKey,
		},
		IdentityKey: &database.IdentityKey{IdentityKeyBlob: made.KeyBlob},
		PCRQuotes:   map[int]*pca.Quote{},
	}
	if e.features&database.FeatureEnterpriseEnrollmentID != 0 {
		identity.IdentityKey.EnrollmentID = enrollmentID
	}
	nonce, err := e.tpm.GetRandomData(ctx, tpm12.DigestSize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate quote nonce: %w", err)
	}
	for _, pcr := range []int{database.PCRBootMode, database.PCRHardwareID} {
		quote, err := e.tpm.QuotePCR(ctx, pcr, made.KeyBlob, nonce)
		if err != nil {
			return nil, fmt.Errorf("failed to quote PCR%d: %w", pcr, err)
		}
		var hint []byte
		if pcr == database.PCRHardwareID {
			hint = hwid
		}
		identity.PCRQuotes[pcr] = database.QuoteFromTPM(quote, hint)
	}
	return identity, nil
}

// CreateEnrollRequest builds an encoded enrollment request for t.
func (e *Engine) CreateEnrollRequest(ctx context.Context, t pca.Type) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.loaded(); err != nil {
		return nil, err
	}
	if _, ok := e.registry.Lookup(t); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPCA, t)
	}
	if !e.preparedWithPCA(t) {
		return nil, fmt.Errorf("%w: %s", ErrNotPrepared, t)
	}
	_, identity, ok := e.identity(t)
	if !ok || identity.IdentityBinding == nil {
		return nil, fmt.Errorf("%w: identity missing", ErrNotPrepared)
	}
	req := &pca.EnrollmentRequest{
		EncryptedEndorsementCredential: e.db.Credentials.EncryptedEndorsementCredentials[t],
		IdentityPublicKey:              identity.IdentityBinding.IdentityPublicKeyTPM,
		PCR0Quote:                      identity.PCRQuotes[database.PCRBootMode],
		PCR1Quote:                      identity.PCRQuotes[database.PCRHardwareID],
		TPMVersion:                     e.tpm.Version(),
	}
	if identity.Features&database.FeatureEnterpriseEnrollmentID != 0 {
		req.EnterpriseEnrollmentNonce = e.enrollmentNonce(ctx)
	}
	return pca.Marshal(req)
}

// enrollmentNonce derives the enterprise enrollment nonce from the device
// secret. Devices without one get nil.
func (e *Engine) enrollmentNonce(ctx context.Context) []byte {
	data, err := e.platform.EnrollmentData(ctx)
	if err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Str("component", "enrollment").Msg("No enrollment nonce.")
		return nil
	}
	mac := hmac.New(sha256.New, []byte(enrollmentContext))
	mac.Write(data)
	return mac.Sum(nil)
}

// Enroll consumes an encoded enrollment response from t: the identity
// credential is activated with the owner delegate and stored.
func (e *Engine) Enroll(ctx context.Context, t pca.Type, response []byte) (err error) {
	logger := zerolog.Ctx(ctx).With().Str("component", "enrollment").Stringer("pca", t).Logger()
	defer func() {
		result := resultOK
		if err != nil {
			result = resultError
		}
		enrollmentsTotal.WithLabelValues(t.String(), result).Inc()
	}()

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.loaded(); err != nil {
		return err
	}
	if !e.tpm.IsReady(ctx) {
		return ErrTPMNotReady
	}
	if _, ok := e.registry.Lookup(t); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPCA, t)
	}
	index, identity, ok := e.identity(t)
	if !ok {
		return ErrNotPrepared
	}
	var resp pca.EnrollmentResponse
	if err := pca.Unmarshal(response, &resp); err != nil {
		return fmt.Errorf("%w: %w", ErrParse, err)
	}
	if resp.Status != pca.StatusOK {
		logger.Error().Stringer("status", resp.Status).Str("detail", resp.Detail).
			Str("extraDetails", resp.ExtraDetails).Msg("Enrollment refused by Privacy CA.")
		return &CAError{Status: resp.Status, Detail: resp.Detail}
	}
	encrypted := resp.EncryptedIdentityCredential
	if encrypted == nil {
		return fmt.Errorf("%w: missing identity credential", ErrParse)
	}
	if encrypted.TPMVersion != e.tpm.Version() {
		return fmt.Errorf("%w: credential for version %d", ErrVersionMismatch, encrypted.TPMVersion)
	}
	credential, err := e.activate(ctx, identity, encrypted)
	if err != nil {
		return err
	}
	err = e.update(ctx, func(db *database.AttestationDatabase) (bool, error) {
		if db.IdentityCertificates == nil {
			db.IdentityCertificates = map[pca.Type]*database.IdentityCertificate{}
		}
		db.IdentityCertificates[t] = &database.IdentityCertificate{
			Identity:           index,
			PCA:                t,
			IdentityCredential: credential,
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	logger.Info().Int("identity", index).Msg("Enrollment complete.")
	return nil
}

func (e *Engine) activate(ctx context.Context, identity *database.Identity, encrypted *pca.EncryptedIdentityCredential) ([]byte, error) {
	if e.db.Delegate == nil || identity.IdentityKey == nil {
		return nil, fmt.Errorf("%w: no owner delegate", ErrNotPrepared)
	}
	delegate := &tpm.Delegate{Blob: e.db.Delegate.Blob, Secret: e.db.Delegate.Secret}
	credential, err := e.tpm.ActivateIdentity(ctx, delegate, identity.IdentityKey.IdentityKeyBlob,
		encrypted.AsymCAContents, encrypted.SymCAAttestation)
	if err != nil {
		return nil, fmt.Errorf("failed to activate identity: %w", err)
	}
	return credential, nil
}

func (e *Engine) hasIdentityCertificate(t pca.Type) bool {
	cert, ok := e.db.IdentityCertificates[t]
	return ok && len(cert.IdentityCredential) > 0
}

// HasIdentityCertificate reports whether t issued a credential for the
// identity.
func (e *Engine) HasIdentityCertificate(t pca.Type) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.db != nil && e.hasIdentityCertificate(t)
}

// IsEnrolledWithPCA is HasIdentityCertificate.
func (e *Engine) IsEnrolledWithPCA(t pca.Type) bool {
	return e.HasIdentityCertificate(t)
}

// IsEnrolled reports whether any known Privacy CA issued a credential.
func (e *Engine) IsEnrolled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.db == nil {
		return false
	}
	for _, t := range e.registry.Types() {
		if e.hasIdentityCertificate(t) {
			return true
		}
	}
	return false
}

// EnrollWithPCA runs a full enrollment with t. The engine lock is released
// while the request is in flight.
func (e *Engine) EnrollWithPCA(ctx context.Context, t pca.Type) error {
	req, err := e.CreateEnrollRequest(ctx, t)
	if err != nil {
		return err
	}
	authority, _ := e.registry.Lookup(t)
	resp, err := e.transport.RoundTrip(ctx, authority, pca.EndpointEnroll, req)
	if err != nil {
		enrollmentsTotal.WithLabelValues(t.String(), resultError).Inc()
		return fmt.Errorf("failed to send enrollment request: %w", err)
	}
	return e.Enroll(ctx, t, resp)
}
