package cryptoutil

import (
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // TPM 1.2 key digests are SHA-1.
	"crypto/x509"
	"encoding/asn1"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

const (
	// ErrNotRSA is returned when a DER key is not an RSA public key.
	ErrNotRSA Error = "not an rsa public key"
	// ErrBadHexKey is returned for a malformed hex modulus.
	ErrBadHexKey Error = "invalid hex modulus"
	// ErrMalformedSPKI is returned when a certificate key cannot be extracted.
	ErrMalformedSPKI Error = "malformed subject public key info"
)

// DefaultExponent is the public exponent of every hex-modulus key.
const DefaultExponent = 65537

// ParseRSAPublicKey parses a PKCS#1 RSAPublicKey, falling back to a
// SubjectPublicKeyInfo.
func ParseRSAPublicKey(der []byte) (*rsa.PublicKey, error) {
	if pub, err := x509.ParsePKCS1PublicKey(der); err == nil {
		return pub, nil
	}
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, ErrNotRSA
	}
	return pub, nil
}

// MarshalRSAPublicKey encodes pub as PKCS#1 RSAPublicKey.
func MarshalRSAPublicKey(pub *rsa.PublicKey) []byte {
	return x509.MarshalPKCS1PublicKey(pub)
}

// PublicKeyFromHex builds an RSA key from a hex modulus and exponent 65537.
func PublicKeyFromHex(modulus string) (*rsa.PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(modulus))
	if err != nil || len(raw) == 0 {
		return nil, ErrBadHexKey
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(raw), E: DefaultExponent}, nil
}

// ModulusHex is the inverse of PublicKeyFromHex.
func ModulusHex(pub *rsa.PublicKey) string {
	return strings.ToUpper(hex.EncodeToString(pub.N.Bytes()))
}

// ModulusDigest is SHA-1 over the big-endian modulus without leading zeros.
func ModulusDigest(pub *rsa.PublicKey) []byte {
	sum := sha1.Sum(pub.N.Bytes()) //nolint:gosec
	return sum[:]
}

// SubjectPublicKeyBits returns the raw contents of the certificate's
// subjectPublicKey BIT STRING. Endorsement certificates use an algorithm
// identifier the standard parser does not understand, so the key can only
// be compared byte for byte.
func SubjectPublicKeyBits(cert *x509.Certificate) ([]byte, error) {
	input := cryptobyte.String(cert.RawSubjectPublicKeyInfo)
	var spki, algorithm cryptobyte.String
	var bits asn1.BitString
	if !input.ReadASN1(&spki, cbasn1.SEQUENCE) ||
		!spki.ReadASN1(&algorithm, cbasn1.SEQUENCE) ||
		!spki.ReadASN1BitString(&bits) {
		return nil, ErrMalformedSPKI
	}
	return bits.RightAlign(), nil
}

// PEMChain encodes DER certificates as a concatenated PEM chain, leaf first.
func PEMChain(certs ...[]byte) string {
	var sb strings.Builder
	for _, der := range certs {
		if len(der) == 0 {
			continue
		}
		_ = pem.Encode(&sb, &pem.Block{Type: "CERTIFICATE", Bytes: der})
	}
	return sb.String()
}
