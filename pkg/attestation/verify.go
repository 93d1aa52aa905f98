package attestation

import (
	"bytes"
	"context"

	"github.com/DIMO-Network/tpm-attestation/pkg/cryptoutil"
	"github.com/DIMO-Network/tpm-attestation/pkg/database"
	"github.com/DIMO-Network/tpm-attestation/pkg/pca"
	"github.com/DIMO-Network/tpm-attestation/pkg/tpm"
	"github.com/DIMO-Network/tpm-attestation/pkg/tpm/tpm12"
	"github.com/rs/zerolog"
)

const testCredential = "test credential"

// Verify checks the endorsement credential against the known endorsement
// CAs, or the locked-platform table when crosCore is set. Unless ekOnly it
// then checks the first identity: its binding, its PCR quotes, a freshly
// certified key and a round trip through ActivateIdentity.
func (e *Engine) Verify(ctx context.Context, ekOnly, crosCore bool) bool {
	logger := zerolog.Ctx(ctx).With().Str("component", "verify").Logger()
	ctx = logger.WithContext(ctx)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loaded() != nil {
		return false
	}
	fail := func(check string) bool {
		verificationFailuresTotal.WithLabelValues(check).Inc()
		logger.Error().Str("check", check).Msg("Verification failed.")
		return false
	}

	ekPublicKey, ekCertificate, err := e.endorsement(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Endorsement credential not available.")
		return fail("endorsement-credential")
	}
	table := e.ekCAs
	if crosCore {
		table = e.lockedEKCAs
	}
	if !e.verifier.EndorsementCredential(ctx, ekCertificate, ekPublicKey, table) {
		return fail("endorsement-credential")
	}
	if ekOnly {
		return true
	}

	if len(e.db.Identities) == 0 {
		logger.Error().Msg("No identity to verify.")
		return fail("identity")
	}
	identity := e.db.Identities[0]
	if identity.IdentityBinding == nil || identity.IdentityKey == nil {
		return fail("identity")
	}
	aikDER := identity.IdentityBinding.IdentityPublicKeyDER
	if !e.verifier.IdentityBinding(ctx, identity.IdentityBinding) {
		return fail("identity-binding")
	}
	if !e.verifier.PCR0Quote(ctx, aikDER, identity.PCRQuotes[database.PCRBootMode]) {
		return fail("pcr0-quote")
	}
	if !e.verifier.PCR1Quote(ctx, aikDER, identity.PCRQuotes[database.PCRHardwareID], e.hwid) {
		// Many devices leave PCR1 unused.
		verificationFailuresTotal.WithLabelValues("pcr1-quote").Inc()
		logger.Warn().Msg("Bad PCR1 quote.")
	}
	if !e.verifyCertifiedKeyGeneration(ctx, identity.IdentityKey.IdentityKeyBlob, aikDER) {
		return fail("certified-key")
	}
	if !e.verifyActivateIdentity(ctx, ekPublicKey, identity) {
		return fail("activate-identity")
	}
	logger.Info().Msg("Verified OK.")
	return true
}

func (e *Engine) verifyCertifiedKeyGeneration(ctx context.Context, aikBlob, aikDER []byte) bool {
	logger := zerolog.Ctx(ctx)
	nonce, err := e.tpm.GetRandomData(ctx, tpm12.DigestSize)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to generate nonce.")
		return false
	}
	key, err := e.tpm.CreateCertifiedKey(ctx, aikBlob, nonce, tpm.KeyUsageSign)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create certified key.")
		return false
	}
	defer cryptoutil.Zero(key.KeyBlob)
	return e.verifier.CertifiedKey(ctx, aikDER, key.PublicKeyDER, key.PublicKeyTPM, key.KeyInfo, key.Proof)
}

func (e *Engine) verifyActivateIdentity(ctx context.Context, ekPublicKey []byte, identity *database.Identity) bool {
	logger := zerolog.Ctx(ctx)
	ek, err := cryptoutil.ParseRSAPublicKey(ekPublicKey)
	if err != nil {
		logger.Error().Err(err).Msg("Bad endorsement public key.")
		return false
	}
	asym, sym, err := cryptoutil.EncryptIdentityCredential(ek, identity.IdentityBinding.IdentityPublicKeyTPM, []byte(testCredential))
	if err != nil {
		logger.Error().Err(err).Msg("Failed to encrypt test credential.")
		return false
	}
	credential, err := e.activate(ctx, identity, &pca.EncryptedIdentityCredential{
		AsymCAContents:   asym,
		SymCAAttestation: sym,
		TPMVersion:       e.tpm.Version(),
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to activate identity.")
		return false
	}
	if !bytes.Equal(credential, []byte(testCredential)) {
		logger.Error().Msg("Activated credential does not match.")
		return false
	}
	return true
}
