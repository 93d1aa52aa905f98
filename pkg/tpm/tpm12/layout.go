// Package tpm12 packs and parses the TPM 1.2 structures that cross the
// attestation boundary: public keys, PCR composites, quote and certify info,
// and the identity activation blobs.
package tpm12

import (
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // TPM 1.2 structures are defined over SHA-1.
	"errors"
	"fmt"
	"math/big"

	"github.com/google/go-tpm/tpmutil"
	"golang.org/x/crypto/cryptobyte"
)

// ErrMalformed is returned when a structure cannot be parsed.
var ErrMalformed = errors.New("malformed tpm 1.2 structure")

const (
	algRSA         uint32 = 0x00000001
	algAES256      uint32 = 0x00000009
	esNone         uint16 = 0x0001
	esSymCTR       uint16 = 0x0002
	ssPKCS1SHA1    uint16 = 0x0002
	defaultExpBits        = 65537

	// KeyUsageSigning is TPM_KEY_SIGNING.
	KeyUsageSigning uint16 = 0x0010
	// KeyUsageBind is TPM_KEY_BIND.
	KeyUsageBind uint16 = 0x0014

	// DigestSize is the size of every TPM 1.2 digest and nonce.
	DigestSize = sha1.Size
	// QuoteDigestOffset is where the composite digest sits in TPM_QUOTE_INFO.
	QuoteDigestOffset = 8
)

var (
	structVersion = [4]byte{1, 1, 0, 0}
	quoteFixed    = [4]byte{'Q', 'U', 'O', 'T'}

	// IdentityContentsHeader is TPM_STRUCT_VER followed by TPM_ORD_MakeIdentity.
	IdentityContentsHeader = [8]byte{1, 1, 0, 0, 0, 0, 0, 0x79}
)

func rsaParms(pub *rsa.PublicKey) ([]byte, error) {
	var exp []byte
	if pub.E != defaultExpBits {
		exp = big.NewInt(int64(pub.E)).Bytes()
	}
	return tpmutil.Pack(uint32(pub.N.BitLen()), uint32(2), tpmutil.U32Bytes(exp)) //nolint:gosec // bit length fits.
}

// PackPubKey encodes pub as a TPM_PUBKEY.
func PackPubKey(pub *rsa.PublicKey) ([]byte, error) {
	parms, err := rsaParms(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to pack rsa parameters: %w", err)
	}
	return tpmutil.Pack(algRSA, esNone, ssPKCS1SHA1, tpmutil.U32Bytes(parms), tpmutil.U32Bytes(pub.N.Bytes()))
}

func readU32Bytes(s *cryptobyte.String, out *[]byte) bool {
	var n uint32
	return s.ReadUint32(&n) && s.ReadBytes(out, int(n))
}

// ParsePubKey decodes a TPM_PUBKEY holding an RSA key.
func ParsePubKey(b []byte) (*rsa.PublicKey, error) {
	s := cryptobyte.String(b)
	var (
		alg            uint32
		enc, sig       uint16
		parms, modulus []byte
	)
	if !s.ReadUint32(&alg) || !s.ReadUint16(&enc) || !s.ReadUint16(&sig) ||
		!readU32Bytes(&s, &parms) || !readU32Bytes(&s, &modulus) {
		return nil, ErrMalformed
	}
	if alg != algRSA {
		return nil, fmt.Errorf("%w: algorithm %d is not rsa", ErrMalformed, alg)
	}
	p := cryptobyte.String(parms)
	var keyBits, primes uint32
	var exp []byte
	if !p.ReadUint32(&keyBits) || !p.ReadUint32(&primes) || !readU32Bytes(&p, &exp) {
		return nil, fmt.Errorf("%w: rsa parameters", ErrMalformed)
	}
	pub := &rsa.PublicKey{N: new(big.Int).SetBytes(modulus), E: defaultExpBits}
	if len(exp) > 0 {
		e := new(big.Int).SetBytes(exp)
		if !e.IsInt64() || e.Int64() > 1<<31-1 {
			return nil, fmt.Errorf("%w: exponent too large", ErrMalformed)
		}
		pub.E = int(e.Int64())
	}
	return pub, nil
}

// IdentityContents is the TPM_IDENTITY_CONTENTS signed by a fresh AIK.
func IdentityContents(label, pcaPublicKey, identityPublicKeyTPM []byte) []byte {
	h := sha1.New() //nolint:gosec
	h.Write(label)
	h.Write(pcaPublicKey)
	out := make([]byte, 0, len(IdentityContentsHeader)+DigestSize+len(identityPublicKeyTPM))
	out = append(out, IdentityContentsHeader[:]...)
	out = h.Sum(out)
	return append(out, identityPublicKeyTPM...)
}

// PCRComposite is the TPM_PCR_COMPOSITE for a single selected register.
func PCRComposite(pcr int, value []byte) ([]byte, error) {
	if pcr < 0 || pcr > 15 {
		return nil, fmt.Errorf("pcr %d out of range", pcr)
	}
	var bitmap [2]byte
	bitmap[pcr/8] = 1 << (pcr % 8)
	return tpmutil.Pack(uint16(len(bitmap)), bitmap, tpmutil.U32Bytes(value))
}

// CompositeDigest is SHA-1 over PCRComposite.
func CompositeDigest(pcr int, value []byte) ([]byte, error) {
	composite, err := PCRComposite(pcr, value)
	if err != nil {
		return nil, err
	}
	sum := sha1.Sum(composite) //nolint:gosec
	return sum[:], nil
}

// QuoteInfo is the TPM_QUOTE_INFO a TPM signs for TPM_Quote.
func QuoteInfo(compositeDigest, externalData []byte) ([]byte, error) {
	if len(compositeDigest) != DigestSize || len(externalData) != DigestSize {
		return nil, fmt.Errorf("quote digests must be %d bytes", DigestSize)
	}
	return tpmutil.Pack(structVersion, quoteFixed, tpmutil.RawBytes(compositeDigest), tpmutil.RawBytes(externalData))
}

// CertifyInfo is the TPM_CERTIFY_INFO produced by TPM_CertifyKey.
func CertifyInfo(pub *rsa.PublicKey, usage uint16, nonce []byte) ([]byte, error) {
	if len(nonce) != DigestSize {
		return nil, fmt.Errorf("certify nonce must be %d bytes", DigestSize)
	}
	parms, err := rsaParms(pub)
	if err != nil {
		return nil, err
	}
	digest := sha1.Sum(pub.N.Bytes()) //nolint:gosec
	return tpmutil.Pack(structVersion, usage, uint32(0), uint8(0),
		algRSA, esNone, ssPKCS1SHA1, tpmutil.U32Bytes(parms),
		digest, tpmutil.RawBytes(nonce), uint8(0))
}

// PackAsymCAContents builds TPM_ASYM_CA_CONTENTS: the AES-256 session key
// and the digest of the identity key it may be released to.
func PackAsymCAContents(sessionKey, identityPublicKeyTPM []byte) ([]byte, error) {
	if len(sessionKey) != 32 {
		return nil, errors.New("session key must be 32 bytes")
	}
	digest := sha1.Sum(identityPublicKeyTPM) //nolint:gosec
	return tpmutil.Pack(algAES256, esSymCTR, uint16(len(sessionKey)), tpmutil.RawBytes(sessionKey), digest)
}

// ParseAsymCAContents returns the session key and identity key digest.
func ParseAsymCAContents(b []byte) (sessionKey, identityDigest []byte, err error) {
	s := cryptobyte.String(b)
	var alg uint32
	var scheme uint16
	if !s.ReadUint32(&alg) || !s.ReadUint16(&scheme) ||
		!s.ReadUint16LengthPrefixed((*cryptobyte.String)(&sessionKey)) ||
		!s.ReadBytes(&identityDigest, DigestSize) || !s.Empty() {
		return nil, nil, ErrMalformed
	}
	if alg != algAES256 {
		return nil, nil, fmt.Errorf("%w: session key algorithm %d", ErrMalformed, alg)
	}
	return sessionKey, identityDigest, nil
}

// PackSymCAAttestation builds TPM_SYM_CA_ATTESTATION around an
// IV-prefixed credential ciphertext.
func PackSymCAAttestation(credential []byte) ([]byte, error) {
	var parms [12]byte
	return tpmutil.Pack(uint32(len(credential)), parms, tpmutil.RawBytes(credential)) //nolint:gosec
}

// ParseSymCAAttestation returns the IV-prefixed credential ciphertext.
func ParseSymCAAttestation(b []byte) ([]byte, error) {
	s := cryptobyte.String(b)
	var size uint32
	var credential []byte
	if !s.ReadUint32(&size) || !s.Skip(12) || !s.ReadBytes(&credential, int(size)) {
		return nil, ErrMalformed
	}
	return credential, nil
}
