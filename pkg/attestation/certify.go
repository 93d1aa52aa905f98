package attestation

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/DIMO-Network/tpm-attestation/pkg/cryptoutil"
	"github.com/DIMO-Network/tpm-attestation/pkg/database"
	"github.com/DIMO-Network/tpm-attestation/pkg/keyregistry"
	"github.com/DIMO-Network/tpm-attestation/pkg/pca"
	"github.com/DIMO-Network/tpm-attestation/pkg/tpm"
	"github.com/DIMO-Network/tpm-attestation/pkg/tpm/tpm12"
	"github.com/rs/zerolog"
)

// NumTemporalValues is the number of distinct temporal indices.
const NumTemporalValues = 5

// CertificateOptions selects the certificate GetCertificate obtains.
type CertificateOptions struct {
	PCA      pca.Type
	Profile  pca.CertificateProfile
	Username string
	Origin   string
	KeyName  string
	// ForceNew requests a new certificate even when KeyName exists.
	ForceNew bool
}

// CreateCertRequest creates a key certified by the identity enrolled with t
// and returns an encoded certificate request for it. The key is kept in
// memory until FinishCertRequest consumes the response.
func (e *Engine) CreateCertRequest(ctx context.Context, t pca.Type, profile pca.CertificateProfile, username, origin string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	req, _, err := e.createCertRequest(ctx, t, profile, username, origin)
	return req, err
}

func (e *Engine) createCertRequest(ctx context.Context, t pca.Type, profile pca.CertificateProfile, username, origin string) ([]byte, []byte, error) {
	if err := e.loaded(); err != nil {
		return nil, nil, err
	}
	if !e.tpm.IsReady(ctx) {
		return nil, nil, ErrTPMNotReady
	}
	if _, ok := e.registry.Lookup(t); !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownPCA, t)
	}
	if !e.hasIdentityCertificate(t) {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotEnrolled, t)
	}
	cert := e.db.IdentityCertificates[t]
	_, identity, ok := e.identity(t)
	if !ok || identity.IdentityKey == nil {
		return nil, nil, fmt.Errorf("%w: identity %d missing", ErrNotEnrolled, cert.Identity)
	}
	// Choosing a temporal index swaps e.db, so nothing may point into it.
	credential := bytes.Clone(cert.IdentityCredential)
	aikBlob := bytes.Clone(identity.IdentityKey.IdentityKeyBlob)
	defer cryptoutil.Zero(aikBlob)

	messageID, err := e.tpm.GetRandomData(ctx, tpm12.DigestSize)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate message id: %w", err)
	}
	nonce, err := e.tpm.GetRandomData(ctx, tpm12.DigestSize)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	certified, err := e.tpm.CreateCertifiedKey(ctx, aikBlob, nonce, tpm.KeyUsageSign)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certified key: %w", err)
	}
	key := &database.CertifiedKey{
		KeyBlob:           certified.KeyBlob,
		PublicKeyDER:      certified.PublicKeyDER,
		PublicKeyTPM:      certified.PublicKeyTPM,
		CertifiedKeyInfo:  certified.KeyInfo,
		CertifiedKeyProof: certified.Proof,
		KeyName:           hex.EncodeToString(messageID),
		KeyType:           database.KeyTypeRSA,
		KeyUsage:          database.KeyUsageSign,
	}
	req := &pca.CertificateRequest{
		IdentityCredential: credential,
		CertifiedPublicKey: certified.PublicKeyTPM,
		CertifiedKeyInfo:   certified.KeyInfo,
		CertifiedKeyProof:  certified.Proof,
		MessageID:          messageID,
		Profile:            profile,
		TPMVersion:         e.tpm.Version(),
	}
	var record *database.TemporalIndexRecord
	if origin != "" && profile == pca.ProfileContentProtectionWithStableID {
		var index int
		index, record = e.temporalIndex(ctx, username, origin)
		req.Origin = origin
		req.TemporalIndex = &index
	}
	data, err := pca.Marshal(req)
	if err != nil {
		key.Clear()
		return nil, nil, err
	}
	// The index is recorded only once the request exists.
	if err := e.recordTemporalIndex(ctx, record); err != nil {
		key.Clear()
		return nil, nil, err
	}
	e.pending.SetDefault(string(messageID), key)
	return data, messageID, nil
}

// takePending removes the pending key for messageID and returns a copy.
func (e *Engine) takePending(messageID []byte) (*database.CertifiedKey, bool) {
	v, ok := e.pending.Get(string(messageID))
	if !ok {
		return nil, false
	}
	key := v.(*database.CertifiedKey).Clone()
	e.pending.Delete(string(messageID))
	return key, true
}

// FinishCertRequest consumes an encoded certificate response, stores the
// certified key as keyName and returns its PEM chain. The pending request is
// discarded whether or not this succeeds.
func (e *Engine) FinishCertRequest(ctx context.Context, response []byte, username, keyName string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.loaded(); err != nil {
		return "", err
	}
	var resp pca.CertificateResponse
	if err := pca.Unmarshal(response, &resp); err != nil {
		certificatesTotal.WithLabelValues(resultError).Inc()
		return "", fmt.Errorf("%w: %w", ErrParse, err)
	}
	return e.finishCertRequest(ctx, &resp, username, keyName)
}

func (e *Engine) finishCertRequest(ctx context.Context, resp *pca.CertificateResponse, username, keyName string) (chain string, err error) {
	logger := zerolog.Ctx(ctx).With().Str("component", "certification").Logger()
	defer func() {
		result := resultOK
		if err != nil {
			result = resultError
		}
		certificatesTotal.WithLabelValues(result).Inc()
	}()
	key, ok := e.takePending(resp.MessageID)
	if !ok {
		return "", ErrUnknownMessageID
	}
	if resp.Status != pca.StatusOK {
		key.Clear()
		logger.Error().Stringer("status", resp.Status).Str("detail", resp.Detail).
			Str("extraDetails", resp.ExtraDetails).Msg("Certificate request refused by Privacy CA.")
		return "", &CAError{Status: resp.Status, Detail: resp.Detail}
	}
	if len(resp.CertifiedKeyCredential) == 0 {
		key.Clear()
		return "", fmt.Errorf("%w: missing certificate", ErrParse)
	}
	key.KeyName = keyName
	key.CertifiedKeyCredential = resp.CertifiedKeyCredential
	key.IntermediateCACert = resp.IntermediateCACert
	key.AdditionalIntermediateCACerts = append(key.AdditionalIntermediateCACerts, resp.AdditionalIntermediateCACerts...)
	chain = key.CertificateChain()
	if err := e.saveKey(ctx, username, key); err != nil {
		return "", err
	}
	logger.Info().Str("key", keyName).Bool("device", keyregistry.IsDeviceKey(username)).Msg("Certified key stored.")
	return chain, nil
}

func (e *Engine) saveKey(ctx context.Context, username string, key *database.CertifiedKey) error {
	return e.update(ctx, func(db *database.AttestationDatabase) (bool, error) {
		return e.keys.Save(ctx, db, username, key)
	})
}

// GetCertificate returns the PEM chain of the key named opts.KeyName,
// obtaining a new certificate from the Privacy CA when the key does not
// exist or opts.ForceNew is set. The engine lock is released while the
// request is in flight.
func (e *Engine) GetCertificate(ctx context.Context, opts CertificateOptions) (string, error) {
	e.mu.Lock()
	if err := e.loaded(); err != nil {
		e.mu.Unlock()
		return "", err
	}
	if !opts.ForceNew {
		key, err := e.keys.Find(ctx, e.db, opts.Username, opts.KeyName)
		if err == nil {
			chain := key.CertificateChain()
			e.mu.Unlock()
			return chain, nil
		}
		if !errors.Is(err, keyregistry.ErrKeyNotFound) {
			e.mu.Unlock()
			return "", err
		}
	}
	req, messageID, err := e.createCertRequest(ctx, opts.PCA, opts.Profile, opts.Username, opts.Origin)
	e.mu.Unlock()
	if err != nil {
		return "", err
	}

	authority, _ := e.registry.Lookup(opts.PCA)
	response, err := e.transport.RoundTrip(ctx, authority, pca.EndpointSign, req)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.discardPending(messageID)
		certificatesTotal.WithLabelValues(resultError).Inc()
		return "", fmt.Errorf("failed to send certificate request: %w", err)
	}
	var resp pca.CertificateResponse
	if err := pca.Unmarshal(response, &resp); err != nil {
		e.discardPending(messageID)
		certificatesTotal.WithLabelValues(resultError).Inc()
		return "", fmt.Errorf("%w: %w", ErrParse, err)
	}
	if !bytes.Equal(resp.MessageID, messageID) {
		e.discardPending(messageID)
		certificatesTotal.WithLabelValues(resultError).Inc()
		return "", ErrMessageIDMismatch
	}
	if err := e.loaded(); err != nil {
		return "", err
	}
	return e.finishCertRequest(ctx, &resp, opts.Username, opts.KeyName)
}

func (e *Engine) discardPending(messageID []byte) {
	e.pending.Delete(string(messageID))
}

// PendingCertRequests returns the number of requests awaiting a response.
func (e *Engine) PendingCertRequests() int {
	return e.pending.ItemCount()
}

// ChooseTemporalIndex returns the temporal index of user for origin,
// assigning and recording one on first use.
func (e *Engine) ChooseTemporalIndex(ctx context.Context, user, origin string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.loaded(); err != nil {
		return 0, err
	}
	return e.chooseTemporalIndex(ctx, user, origin)
}

func (e *Engine) chooseTemporalIndex(ctx context.Context, user, origin string) (int, error) {
	index, record := e.temporalIndex(ctx, user, origin)
	if err := e.recordTemporalIndex(ctx, record); err != nil {
		return 0, err
	}
	return index, nil
}

// temporalIndex returns the index recorded for the user, or picks the index
// least used by other users of origin, smallest first, together with the
// record that assigns it.
func (e *Engine) temporalIndex(ctx context.Context, user, origin string) (int, *database.TemporalIndexRecord) {
	userHash := sha256.Sum256([]byte(user))
	originHash := sha256.Sum256([]byte(origin))
	var histogram [NumTemporalValues]int
	for _, r := range e.db.TemporalIndexRecords {
		if r.TemporalIndex < 0 || r.TemporalIndex >= NumTemporalValues {
			continue
		}
		if !bytes.Equal(r.OriginHash, originHash[:]) {
			continue
		}
		if bytes.Equal(r.UserHash, userHash[:]) {
			return r.TemporalIndex, nil
		}
		histogram[r.TemporalIndex]++
	}
	least := 0
	for i := 1; i < NumTemporalValues; i++ {
		if histogram[i] < histogram[least] {
			least = i
		}
	}
	if histogram[least] > 0 {
		zerolog.Ctx(ctx).Warn().Str("component", "certification").Msg("Origin-specific identifiers exhausted.")
		temporalIndexExhaustedTotal.Inc()
	}
	return least, &database.TemporalIndexRecord{
		UserHash:      userHash[:],
		OriginHash:    originHash[:],
		TemporalIndex: least,
	}
}

func (e *Engine) recordTemporalIndex(ctx context.Context, record *database.TemporalIndexRecord) error {
	if record == nil {
		return nil
	}
	return e.update(ctx, func(db *database.AttestationDatabase) (bool, error) {
		db.TemporalIndexRecords = append(db.TemporalIndexRecords, record)
		return true, nil
	})
}
