package cryptoutil

import (
	"bytes"
	"crypto/aes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // TPM 1.2 OAEP uses SHA-1.
	"crypto/subtle"
	"crypto/x509"
	"encoding/asn1"
	"fmt"

	"github.com/DIMO-Network/tpm-attestation/pkg/tpm/tpm12"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

const (
	// ErrIdentityMismatch is returned when a credential is bound to another identity key.
	ErrIdentityMismatch Error = "credential is bound to a different identity key"
	// ErrMalformedSPKAC is returned for an unparseable SignedPublicKeyAndChallenge.
	ErrMalformedSPKAC Error = "malformed signed public key and challenge"
)

// oaepLabel is the OAEP encoding parameter TPM 1.2 uses for credential wrapping.
var oaepLabel = []byte("TCPA")

// EncryptIdentityCredential encrypts credential so that only the TPM holding
// the endorsement key, and only for the given identity key, can recover it
// through ActivateIdentity.
func EncryptIdentityCredential(ek *rsa.PublicKey, identityPublicKeyTPM, credential []byte) (asymCAContents, symCAAttestation []byte, err error) {
	sessionKey, err := RandomBytes(SeedSize)
	if err != nil {
		return nil, nil, err
	}
	defer Zero(sessionKey)
	contents, err := tpm12.PackAsymCAContents(sessionKey, identityPublicKeyTPM)
	if err != nil {
		return nil, nil, err
	}
	defer Zero(contents)
	asymCAContents, err = rsa.EncryptOAEP(sha1.New(), rand.Reader, ek, contents, oaepLabel) //nolint:gosec
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encrypt session key: %w", err)
	}
	iv, err := RandomBytes(aes.BlockSize)
	if err != nil {
		return nil, nil, err
	}
	ciphertext, err := AESCBCEncrypt(sessionKey, iv, credential)
	if err != nil {
		return nil, nil, err
	}
	symCAAttestation, err = tpm12.PackSymCAAttestation(append(iv, ciphertext...))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to pack attestation: %w", err)
	}
	return asymCAContents, symCAAttestation, nil
}

// DecryptIdentityCredential is the TPM side of EncryptIdentityCredential.
func DecryptIdentityCredential(ek *rsa.PrivateKey, identityPublicKeyTPM, asymCAContents, symCAAttestation []byte) ([]byte, error) {
	contents, err := rsa.DecryptOAEP(sha1.New(), rand.Reader, ek, asymCAContents, oaepLabel) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt session key: %w", err)
	}
	defer Zero(contents)
	sessionKey, digest, err := tpm12.ParseAsymCAContents(contents)
	if err != nil {
		return nil, err
	}
	expected := sha1.Sum(identityPublicKeyTPM) //nolint:gosec
	if subtle.ConstantTimeCompare(expected[:], digest) != 1 {
		return nil, ErrIdentityMismatch
	}
	blob, err := tpm12.ParseSymCAAttestation(symCAAttestation)
	if err != nil {
		return nil, err
	}
	if len(blob) < aes.BlockSize {
		return nil, ErrPadding
	}
	return AESCBCDecrypt(sessionKey, blob[:aes.BlockSize], blob[aes.BlockSize:])
}

var oidSHA256WithRSA = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}

// BuildSPKAC builds a DER SignedPublicKeyAndChallenge for the key, signing
// the PublicKeyAndChallenge with sign. Signatures are expected to be
// RSASSA-PKCS1-v1_5 over SHA-256.
func BuildSPKAC(publicKeyDER []byte, challenge string, sign func(tbs []byte) ([]byte, error)) ([]byte, error) {
	pub, err := ParseRSAPublicKey(publicKeyDER)
	if err != nil {
		return nil, err
	}
	spki, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key: %w", err)
	}
	var tbs cryptobyte.Builder
	tbs.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddBytes(spki)
		b.AddASN1(cbasn1.IA5String, func(b *cryptobyte.Builder) {
			b.AddBytes([]byte(challenge))
		})
	})
	pkac, err := tbs.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to build public key and challenge: %w", err)
	}
	signature, err := sign(pkac)
	if err != nil {
		return nil, fmt.Errorf("failed to sign public key and challenge: %w", err)
	}
	var out cryptobyte.Builder
	out.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddBytes(pkac)
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(oidSHA256WithRSA)
			b.AddASN1NULL()
		})
		b.AddASN1BitString(signature)
	})
	return out.Bytes()
}

// ParseSPKAC returns the signed PublicKeyAndChallenge, the challenge string
// and the signature from a DER SignedPublicKeyAndChallenge.
func ParseSPKAC(der []byte) (pkac []byte, challenge string, signature []byte, err error) {
	input := cryptobyte.String(der)
	var outer, tbs, algorithm cryptobyte.String
	var bits asn1.BitString
	if !input.ReadASN1(&outer, cbasn1.SEQUENCE) ||
		!outer.ReadASN1Element(&tbs, cbasn1.SEQUENCE) ||
		!outer.ReadASN1(&algorithm, cbasn1.SEQUENCE) ||
		!outer.ReadASN1BitString(&bits) {
		return nil, "", nil, ErrMalformedSPKAC
	}
	inner := bytes.Clone(tbs)
	var body, spki, ia5 cryptobyte.String
	if !tbs.ReadASN1(&body, cbasn1.SEQUENCE) ||
		!body.ReadASN1Element(&spki, cbasn1.SEQUENCE) ||
		!body.ReadASN1(&ia5, cbasn1.IA5String) {
		return nil, "", nil, ErrMalformedSPKAC
	}
	return inner, string(ia5), bits.RightAlign(), nil
}
