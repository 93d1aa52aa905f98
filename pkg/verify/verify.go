// Package verify checks endorsement certificates, identity bindings, PCR
// quotes and certified-key proofs. Every check returns a boolean and logs the
// reason for a failure through the context logger; nothing here mutates state
// or talks to the TPM.
package verify

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // TPM 1.2 measurements are SHA-1.
	"crypto/sha256"
	"crypto/x509"
	"fmt"

	"github.com/DIMO-Network/tpm-attestation/pkg/cryptoutil"
	"github.com/DIMO-Network/tpm-attestation/pkg/database"
	"github.com/DIMO-Network/tpm-attestation/pkg/pca"
	"github.com/DIMO-Network/tpm-attestation/pkg/tpm"
	"github.com/DIMO-Network/tpm-attestation/pkg/tpm/tpm12"
	"github.com/rs/zerolog"
)

// BootMode is the firmware state measured into PCR0.
type BootMode struct {
	Developer bool
	Recovery  bool
	Verified  bool
}

func (m BootMode) bytes() []byte {
	b := func(v bool) byte {
		if v {
			return 1
		}
		return 0
	}
	return []byte{b(m.Developer), b(m.Recovery), b(m.Verified)}
}

func (m BootMode) String() string {
	onOff := func(v bool) string {
		if v {
			return "On"
		}
		return "Off"
	}
	fw := "Developer"
	if m.Verified {
		fw = "Verified"
	}
	return fmt.Sprintf("Developer Mode: %s, Recovery Mode: %s, Firmware Type: %s", onOff(m.Developer), onOff(m.Recovery), fw)
}

// VerifiedBootMode is normal mode with verified firmware.
var VerifiedBootMode = BootMode{Verified: true}

// KnownBootModes lists every combination a device can boot in.
func KnownBootModes() []BootMode {
	modes := make([]BootMode, 0, 8)
	for i := range 8 {
		modes = append(modes, BootMode{Developer: i&4 != 0, Recovery: i&2 != 0, Verified: i&1 != 0})
	}
	return modes
}

// Verifier checks artifacts produced by a TPM of the given family.
type Verifier struct {
	Version tpm.Version
}

func logger(ctx context.Context, check string) *zerolog.Logger {
	l := zerolog.Ctx(ctx).With().Str("component", "verify").Str("check", check).Logger()
	return &l
}

func (v Verifier) hash() (crypto.Hash, bool) {
	switch v.Version {
	case tpm.Version12:
		return crypto.SHA1, true
	case tpm.Version20:
		return crypto.SHA256, true
	default:
		return 0, false
	}
}

// Signature verifies an RSASSA-PKCS1-v1_5 signature using the digest of the
// TPM family: SHA-1 for 1.2 and SHA-256 for 2.0.
func (v Verifier) Signature(pub *rsa.PublicKey, data, signature []byte) bool {
	h, ok := v.hash()
	if !ok {
		return false
	}
	hasher := h.New()
	hasher.Write(data)
	return rsa.VerifyPKCS1v15(pub, h, hasher.Sum(nil), signature) == nil
}

func (v Verifier) signatureDER(publicKeyDER, data, signature []byte) bool {
	pub, err := cryptoutil.ParseRSAPublicKey(publicKeyDER)
	if err != nil {
		return false
	}
	return v.Signature(pub, data, signature)
}

// PCRValue returns the PCR0 value a device booted in mode reports.
func (v Verifier) PCRValue(mode BootMode) []byte {
	modeDigest := sha1.Sum(mode.bytes()) //nolint:gosec
	switch v.Version {
	case tpm.Version12:
		initial := make([]byte, sha1.Size, sha1.Size*2)
		sum := sha1.Sum(append(initial, modeDigest[:]...)) //nolint:gosec
		return sum[:]
	case tpm.Version20:
		extend := make([]byte, sha256.Size*2)
		copy(extend[sha256.Size:], modeDigest[:])
		sum := sha256.Sum256(extend)
		return sum[:]
	default:
		return nil
	}
}

// BootMode classifies a PCR0 value.
func (v Verifier) BootMode(pcrValue []byte) (BootMode, bool) {
	for _, mode := range KnownBootModes() {
		if bytes.Equal(v.PCRValue(mode), pcrValue) {
			return mode, true
		}
	}
	return BootMode{}, false
}

var certHashes = map[x509.SignatureAlgorithm]crypto.Hash{
	x509.SHA1WithRSA:   crypto.SHA1,
	x509.SHA256WithRSA: crypto.SHA256,
	x509.SHA384WithRSA: crypto.SHA384,
	x509.SHA512WithRSA: crypto.SHA512,
}

// EndorsementCredential checks that certDER was issued by a CA in table and
// carries exactly ekPublicKey.
func (v Verifier) EndorsementCredential(ctx context.Context, certDER, ekPublicKey []byte, table CATable) bool {
	log := logger(ctx, "endorsement-credential")
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		log.Error().Err(err).Msg("Failed to parse endorsement certificate.")
		return false
	}
	issuer := cert.Issuer.CommonName
	ca, ok := table.Lookup(issuer)
	if !ok {
		log.Error().Str("issuer", issuer).Msg("Unknown endorsement credential issuer.")
		return false
	}
	root, err := cryptoutil.PublicKeyFromHex(ca.ModulusHex)
	if err != nil {
		log.Error().Err(err).Str("issuer", issuer).Msg("Failed to decode issuer key.")
		return false
	}
	h, ok := certHashes[cert.SignatureAlgorithm]
	if !ok {
		log.Error().Stringer("algorithm", cert.SignatureAlgorithm).Msg("Unsupported endorsement certificate signature.")
		return false
	}
	hasher := h.New()
	hasher.Write(cert.RawTBSCertificate)
	if err := rsa.VerifyPKCS1v15(root, h, hasher.Sum(nil), cert.Signature); err != nil {
		log.Error().Str("issuer", issuer).Msg("Bad endorsement credential signature.")
		return false
	}
	bits, err := cryptoutil.SubjectPublicKeyBits(cert)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read endorsement certificate key.")
		return false
	}
	if !bytes.Equal(bits, ekPublicKey) {
		log.Error().Msg("Bad endorsement credential public key.")
		return false
	}
	return true
}

// IdentityBinding checks the signature a fresh identity key made over its own
// TPM_IDENTITY_CONTENTS. TPM 2.0 identities carry no binding.
func (v Verifier) IdentityBinding(ctx context.Context, binding *database.IdentityBinding) bool {
	log := logger(ctx, "identity-binding")
	switch v.Version {
	case tpm.Version12:
	case tpm.Version20:
		return true
	default:
		log.Error().Int("version", int(v.Version)).Msg("Unsupported TPM version.")
		return false
	}
	if binding == nil {
		log.Error().Msg("Missing identity binding.")
		return false
	}
	contents := tpm12.IdentityContents(binding.IdentityLabel, binding.PCAPublicKey, binding.IdentityPublicKeyTPM)
	if !v.signatureDER(binding.IdentityPublicKeyDER, contents, binding.IdentityBinding) {
		log.Error().Msg("Failed to verify identity binding signature.")
		return false
	}
	return true
}

// Quote checks the quote signature and that the quoted data commits to the
// claimed PCR value.
func (v Verifier) Quote(ctx context.Context, aikDER []byte, quote *pca.Quote, pcr int) bool {
	log := logger(ctx, "quote").With().Int("pcr", pcr).Logger()
	if quote == nil {
		log.Error().Msg("Missing quote.")
		return false
	}
	if !v.signatureDER(aikDER, quote.QuotedData, quote.Quote) {
		log.Error().Msg("Quote signature mismatch.")
		return false
	}
	digest, err := tpm12.CompositeDigest(pcr, quote.QuotedPCRValue)
	if err != nil {
		log.Error().Err(err).Msg("Failed to rebuild PCR composite.")
		return false
	}
	end := tpm12.QuoteDigestOffset + len(digest)
	if len(quote.QuotedData) < end || !bytes.Equal(quote.QuotedData[tpm12.QuoteDigestOffset:end], digest) {
		log.Error().Msg("Quoted data does not match the PCR value.")
		return false
	}
	return true
}

// PCR0Quote verifies a PCR0 quote. An unrecognized boot mode is logged but
// not fatal.
func (v Verifier) PCR0Quote(ctx context.Context, aikDER []byte, quote *pca.Quote) bool {
	if !v.Quote(ctx, aikDER, quote, database.PCRBootMode) {
		return false
	}
	log := logger(ctx, "pcr0")
	if mode, ok := v.BootMode(quote.QuotedPCRValue); ok {
		log.Info().Stringer("mode", mode).Msg("PCR0 boot mode.")
	} else {
		log.Warn().Msg("PCR0 value not recognized.")
	}
	return true
}

// PCR1Quote verifies a PCR1 quote and that its source hint is hwid.
func (v Verifier) PCR1Quote(ctx context.Context, aikDER []byte, quote *pca.Quote, hwid []byte) bool {
	if !v.Quote(ctx, aikDER, quote, database.PCRHardwareID) {
		return false
	}
	log := logger(ctx, "pcr1")
	if !bytes.Equal(quote.PCRSourceHint, hwid) {
		log.Error().Str("hwid", string(hwid)).Msg("PCR1 source hint does not match hardware id.")
		return false
	}
	log.Info().Str("hwid", string(hwid)).Msg("PCR1 verified.")
	return true
}

// CertifiedKey checks the identity signature over keyInfo and that keyInfo
// names the certified key.
func (v Verifier) CertifiedKey(ctx context.Context, aikDER, publicKeyDER, publicKeyTPM, keyInfo, proof []byte) bool {
	log := logger(ctx, "certified-key")
	if !v.signatureDER(aikDER, keyInfo, proof) {
		log.Error().Msg("Bad key signature.")
		return false
	}
	var digest []byte
	switch v.Version {
	case tpm.Version12:
		pub, err := cryptoutil.ParseRSAPublicKey(publicKeyDER)
		if err != nil {
			log.Error().Err(err).Msg("Failed to parse certified key.")
			return false
		}
		digest = cryptoutil.ModulusDigest(pub)
	case tpm.Version20:
		sum := sha256.Sum256(publicKeyTPM)
		// TPM_ALG_SHA256 name prefix.
		digest = append([]byte{0x00, 0x0b}, sum[:]...)
	default:
		log.Error().Int("version", int(v.Version)).Msg("Unsupported TPM version.")
		return false
	}
	if !bytes.Contains(keyInfo, digest) {
		log.Error().Msg("Public key mismatch.")
		return false
	}
	return true
}
