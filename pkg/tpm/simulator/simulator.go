// Package simulator is a software TPM 1.2 implementing tpm.TPM. It backs the
// test suites and the development daemon; keys are real RSA keys wrapped
// under an in-memory storage root key.
package simulator

import (
	"bytes"
	"context"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // TPM 1.2 primitives.
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/DIMO-Network/tpm-attestation/pkg/cryptoutil"
	"github.com/DIMO-Network/tpm-attestation/pkg/tpm"
	"github.com/DIMO-Network/tpm-attestation/pkg/tpm/tpm12"
	"github.com/fxamacker/cbor/v2"
)

// Operation names accepted by FailNext.
const (
	OpGetEndorsementPublicKey  = "get_endorsement_public_key"
	OpGetEndorsementCredential = "get_endorsement_credential"
	OpMakeIdentity             = "make_identity"
	OpQuotePCR                 = "quote_pcr"
	OpCreateDelegate           = "create_delegate"
	OpActivateIdentity         = "activate_identity"
	OpCreateCertifiedKey       = "create_certified_key"
	OpSign                     = "sign"
	OpGetRandomData            = "get_random_data"
	OpReadPCR                  = "read_pcr"
	OpExtendPCR                = "extend_pcr"
	OpCreateSealedKey          = "create_sealed_key"
	OpUnseal                   = "unseal"
)

// DefaultRootName is the common name of the generated endorsement root.
const DefaultRootName = "Simulated TPM EK Root CA"

const numPCRs = 24

var errBlobTooShort = errors.New("blob too short")

// Options configures a Simulator.
type Options struct {
	// KeyBits is the RSA size of every generated key. Defaults to 2048.
	KeyBits int
	// Version is the reported TPM family. Defaults to tpm.Version12.
	Version tpm.Version
	// RootName is the issuer common name of the endorsement certificate.
	RootName string
}

// Simulator is a software tpm.TPM.
type Simulator struct {
	mu      sync.Mutex
	bits    int
	version tpm.Version
	ready   bool
	srk     cipher.AEAD
	ek      *rsa.PrivateKey
	ekCert  []byte
	root    *x509.Certificate
	pcrs    [numPCRs][tpm12.DigestSize]byte
	faults  map[string][]tpm.RetryAction
	calls   map[string]int
	reloads int
}

var _ tpm.TPM = (*Simulator)(nil)

// New creates a ready, owned Simulator with a fresh endorsement key and
// certificate.
func New(opts Options) (*Simulator, error) {
	if opts.KeyBits == 0 {
		opts.KeyBits = 2048
	}
	if opts.Version == 0 {
		opts.Version = tpm.Version12
	}
	if opts.RootName == "" {
		opts.RootName = DefaultRootName
	}
	srkKey := make([]byte, 32)
	if _, err := rand.Read(srkKey); err != nil {
		return nil, fmt.Errorf("failed to create storage root key: %w", err)
	}
	block, err := aes.NewCipher(srkKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage root key: %w", err)
	}
	srk, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage root key: %w", err)
	}
	s := &Simulator{
		bits:    opts.KeyBits,
		version: opts.Version,
		ready:   true,
		srk:     srk,
		faults:  map[string][]tpm.RetryAction{},
		calls:   map[string]int{},
	}
	if err := s.issueEndorsement(opts.RootName); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Simulator) issueEndorsement(rootName string) error {
	rootKey, err := rsa.GenerateKey(rand.Reader, s.bits)
	if err != nil {
		return fmt.Errorf("failed to generate endorsement root: %w", err)
	}
	rootTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: rootName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(20, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTemplate, rootTemplate, &rootKey.PublicKey, rootKey)
	if err != nil {
		return fmt.Errorf("failed to create endorsement root: %w", err)
	}
	s.root, err = x509.ParseCertificate(rootDER)
	if err != nil {
		return fmt.Errorf("failed to parse endorsement root: %w", err)
	}
	s.ek, err = rsa.GenerateKey(rand.Reader, s.bits)
	if err != nil {
		return fmt.Errorf("failed to generate endorsement key: %w", err)
	}
	ekTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(20, 0, 0),
		KeyUsage:     x509.KeyUsageKeyEncipherment,
	}
	s.ekCert, err = x509.CreateCertificate(rand.Reader, ekTemplate, s.root, &s.ek.PublicKey, rootKey)
	if err != nil {
		return fmt.Errorf("failed to create endorsement certificate: %w", err)
	}
	return nil
}

// EndorsementRoot returns the issuer common name and hex modulus of the root
// that signed the endorsement certificate.
func (s *Simulator) EndorsementRoot() (commonName, modulusHex string) {
	return s.root.Subject.CommonName, cryptoutil.ModulusHex(s.root.PublicKey.(*rsa.PublicKey))
}

// EndorsementKey exposes the private endorsement key for CA-side tests.
func (s *Simulator) EndorsementKey() *rsa.PrivateKey {
	return s.ek
}

// SetReady toggles whether the TPM reports itself enabled and owned.
func (s *Simulator) SetReady(ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = ready
}

// FailNext queues failures for the next calls of op, one action per call.
func (s *Simulator) FailNext(op string, actions ...tpm.RetryAction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], actions...)
}

// Calls returns how many times op has been invoked.
func (s *Simulator) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Reloads returns how many times Reload has been invoked.
func (s *Simulator) Reloads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloads
}

func (s *Simulator) enter(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	if queued := s.faults[op]; len(queued) > 0 {
		s.faults[op] = queued[1:]
		return &tpm.Error{Op: op, Action: queued[0]}
	}
	return nil
}

func fail(op string) error {
	return &tpm.Error{Op: op, Action: tpm.RetryFailNoRetry}
}

// IsReady reports the readiness set by SetReady.
func (s *Simulator) IsReady(context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Version reports the configured TPM family.
func (s *Simulator) Version() tpm.Version {
	return s.version
}

// Reload counts the reload; the simulator holds no stale handles.
func (s *Simulator) Reload(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloads++
	return nil
}

type wrappedKey struct {
	Private []byte `cbor:"1,keyasint"`
	Usage   int    `cbor:"2,keyasint"`
}

type sealedData struct {
	Data []byte `cbor:"1,keyasint"`
	PCR0 []byte `cbor:"2,keyasint"`
}

func (s *Simulator) wrap(v any) ([]byte, error) {
	plaintext, err := cbor.Marshal(v)
	if err != nil {
		return nil, err
	}
	defer cryptoutil.Zero(plaintext)
	nonce := make([]byte, s.srk.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return s.srk.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *Simulator) unwrap(blob []byte, v any) error {
	if len(blob) < s.srk.NonceSize() {
		return errBlobTooShort
	}
	n := s.srk.NonceSize()
	plaintext, err := s.srk.Open(nil, blob[:n], blob[n:], nil)
	if err != nil {
		return err
	}
	defer cryptoutil.Zero(plaintext)
	return cbor.Unmarshal(plaintext, v)
}

func (s *Simulator) newKey(usage tpm.KeyUsage) (*rsa.PrivateKey, []byte, error) {
	key, err := rsa.GenerateKey(rand.Reader, s.bits)
	if err != nil {
		return nil, nil, err
	}
	blob, err := s.wrap(wrappedKey{Private: x509.MarshalPKCS1PrivateKey(key), Usage: int(usage)})
	if err != nil {
		return nil, nil, err
	}
	return key, blob, nil
}

func (s *Simulator) loadKey(op string, blob []byte) (*rsa.PrivateKey, error) {
	var wk wrappedKey
	if err := s.unwrap(blob, &wk); err != nil {
		return nil, &tpm.Error{Op: op, Action: tpm.RetryLoadFail}
	}
	defer cryptoutil.Zero(wk.Private)
	key, err := x509.ParsePKCS1PrivateKey(wk.Private)
	if err != nil {
		return nil, &tpm.Error{Op: op, Action: tpm.RetryLoadFail}
	}
	return key, nil
}

func signSHA1(key *rsa.PrivateKey, data []byte) ([]byte, error) {
	digest := sha1.Sum(data) //nolint:gosec
	return rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA1, digest[:])
}

// GetEndorsementPublicKey returns the PKCS#1 endorsement public key.
func (s *Simulator) GetEndorsementPublicKey(context.Context) ([]byte, error) {
	if err := s.enter(OpGetEndorsementPublicKey); err != nil {
		return nil, err
	}
	return x509.MarshalPKCS1PublicKey(&s.ek.PublicKey), nil
}

// GetEndorsementCredential returns the DER endorsement certificate.
func (s *Simulator) GetEndorsementCredential(context.Context) ([]byte, error) {
	if err := s.enter(OpGetEndorsementCredential); err != nil {
		return nil, err
	}
	return bytes.Clone(s.ekCert), nil
}

// MakeIdentity creates an identity key bound to a random label and a
// placeholder PCA key.
func (s *Simulator) MakeIdentity(context.Context) (*tpm.Identity, error) {
	if err := s.enter(OpMakeIdentity); err != nil {
		return nil, err
	}
	key, blob, err := s.newKey(tpm.KeyUsageSign)
	if err != nil {
		return nil, fail(OpMakeIdentity)
	}
	pubTPM, err := tpm12.PackPubKey(&key.PublicKey)
	if err != nil {
		return nil, fail(OpMakeIdentity)
	}
	label, err := cryptoutil.RandomBytes(tpm12.DigestSize)
	if err != nil {
		return nil, fail(OpMakeIdentity)
	}
	pcaKey, err := cryptoutil.RandomBytes(s.bits / 8)
	if err != nil {
		return nil, fail(OpMakeIdentity)
	}
	binding, err := signSHA1(key, tpm12.IdentityContents(label, pcaKey, pubTPM))
	if err != nil {
		return nil, fail(OpMakeIdentity)
	}
	return &tpm.Identity{
		PublicKeyDER: x509.MarshalPKCS1PublicKey(&key.PublicKey),
		PublicKeyTPM: pubTPM,
		KeyBlob:      blob,
		Binding:      binding,
		Label:        label,
		PCAPublicKey: pcaKey,
	}, nil
}

// QuotePCR signs TPM_QUOTE_INFO over one PCR with the identity key.
func (s *Simulator) QuotePCR(_ context.Context, pcr int, identityKeyBlob, externalData []byte) (*tpm.Quote, error) {
	if err := s.enter(OpQuotePCR); err != nil {
		return nil, err
	}
	key, err := s.loadKey(OpQuotePCR, identityKeyBlob)
	if err != nil {
		return nil, err
	}
	if pcr < 0 || pcr >= numPCRs {
		return nil, fail(OpQuotePCR)
	}
	s.mu.Lock()
	value := bytes.Clone(s.pcrs[pcr][:])
	s.mu.Unlock()
	digest, err := tpm12.CompositeDigest(pcr, value)
	if err != nil {
		return nil, fail(OpQuotePCR)
	}
	info, err := tpm12.QuoteInfo(digest, externalData)
	if err != nil {
		return nil, fail(OpQuotePCR)
	}
	sig, err := signSHA1(key, info)
	if err != nil {
		return nil, fail(OpQuotePCR)
	}
	return &tpm.Quote{PCRValue: value, QuotedData: info, Signature: sig}, nil
}

type delegateBlob struct {
	Secret []byte `cbor:"1,keyasint"`
}

// CreateDelegate returns an owner delegate usable with ActivateIdentity.
func (s *Simulator) CreateDelegate(_ context.Context, identityKeyBlob []byte) (*tpm.Delegate, error) {
	if err := s.enter(OpCreateDelegate); err != nil {
		return nil, err
	}
	if _, err := s.loadKey(OpCreateDelegate, identityKeyBlob); err != nil {
		return nil, err
	}
	secret, err := cryptoutil.RandomBytes(tpm12.DigestSize)
	if err != nil {
		return nil, fail(OpCreateDelegate)
	}
	blob, err := s.wrap(delegateBlob{Secret: secret})
	if err != nil {
		return nil, fail(OpCreateDelegate)
	}
	return &tpm.Delegate{Blob: blob, Secret: secret}, nil
}

// ActivateIdentity releases a credential encrypted for this TPM's
// endorsement key and the given identity key.
func (s *Simulator) ActivateIdentity(_ context.Context, delegate *tpm.Delegate, identityKeyBlob, asymCAContents, symCAAttestation []byte) ([]byte, error) {
	if err := s.enter(OpActivateIdentity); err != nil {
		return nil, err
	}
	var db delegateBlob
	if delegate == nil || s.unwrap(delegate.Blob, &db) != nil || !bytes.Equal(db.Secret, delegate.Secret) {
		return nil, fail(OpActivateIdentity)
	}
	key, err := s.loadKey(OpActivateIdentity, identityKeyBlob)
	if err != nil {
		return nil, err
	}
	pubTPM, err := tpm12.PackPubKey(&key.PublicKey)
	if err != nil {
		return nil, fail(OpActivateIdentity)
	}
	credential, err := cryptoutil.DecryptIdentityCredential(s.ek, pubTPM, asymCAContents, symCAAttestation)
	if err != nil {
		return nil, fail(OpActivateIdentity)
	}
	return credential, nil
}

// CreateCertifiedKey creates a key and certifies it with the identity key
// over externalData.
func (s *Simulator) CreateCertifiedKey(_ context.Context, identityKeyBlob, externalData []byte, usage tpm.KeyUsage) (*tpm.CertifiedKey, error) {
	if err := s.enter(OpCreateCertifiedKey); err != nil {
		return nil, err
	}
	aik, err := s.loadKey(OpCreateCertifiedKey, identityKeyBlob)
	if err != nil {
		return nil, err
	}
	key, blob, err := s.newKey(usage)
	if err != nil {
		return nil, fail(OpCreateCertifiedKey)
	}
	keyUsage := tpm12.KeyUsageSigning
	if usage == tpm.KeyUsageDecrypt {
		keyUsage = tpm12.KeyUsageBind
	}
	info, err := tpm12.CertifyInfo(&key.PublicKey, keyUsage, externalData)
	if err != nil {
		return nil, fail(OpCreateCertifiedKey)
	}
	proof, err := signSHA1(aik, info)
	if err != nil {
		return nil, fail(OpCreateCertifiedKey)
	}
	pubTPM, err := tpm12.PackPubKey(&key.PublicKey)
	if err != nil {
		return nil, fail(OpCreateCertifiedKey)
	}
	return &tpm.CertifiedKey{
		KeyBlob:      blob,
		PublicKeyDER: x509.MarshalPKCS1PublicKey(&key.PublicKey),
		PublicKeyTPM: pubTPM,
		KeyInfo:      info,
		Proof:        proof,
	}, nil
}

// Sign produces an RSASSA-PKCS1-v1_5 SHA-256 signature over data.
func (s *Simulator) Sign(_ context.Context, keyBlob, data []byte) ([]byte, error) {
	if err := s.enter(OpSign); err != nil {
		return nil, err
	}
	key, err := s.loadKey(OpSign, keyBlob)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fail(OpSign)
	}
	return sig, nil
}

// GetRandomData returns size random bytes.
func (s *Simulator) GetRandomData(_ context.Context, size int) ([]byte, error) {
	if err := s.enter(OpGetRandomData); err != nil {
		return nil, err
	}
	b, err := cryptoutil.RandomBytes(size)
	if err != nil {
		return nil, fail(OpGetRandomData)
	}
	return b, nil
}

// ReadPCR returns the current value of a PCR.
func (s *Simulator) ReadPCR(_ context.Context, pcr int) ([]byte, error) {
	if err := s.enter(OpReadPCR); err != nil {
		return nil, err
	}
	if pcr < 0 || pcr >= numPCRs {
		return nil, fail(OpReadPCR)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.pcrs[pcr][:]), nil
}

// ExtendPCR sets pcr to SHA1(pcr || data).
func (s *Simulator) ExtendPCR(_ context.Context, pcr int, data []byte) error {
	if err := s.enter(OpExtendPCR); err != nil {
		return err
	}
	if pcr < 0 || pcr >= numPCRs {
		return fail(OpExtendPCR)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h := sha1.New() //nolint:gosec
	h.Write(s.pcrs[pcr][:])
	h.Write(data)
	copy(s.pcrs[pcr][:], h.Sum(nil))
	return nil
}

// CreateSealedKey returns a random key sealed to the current PCR0.
func (s *Simulator) CreateSealedKey(_ context.Context, size int) ([]byte, []byte, error) {
	if err := s.enter(OpCreateSealedKey); err != nil {
		return nil, nil, err
	}
	key, err := cryptoutil.RandomBytes(size)
	if err != nil {
		return nil, nil, fail(OpCreateSealedKey)
	}
	s.mu.Lock()
	pcr0 := bytes.Clone(s.pcrs[0][:])
	s.mu.Unlock()
	sealed, err := s.wrap(sealedData{Data: key, PCR0: pcr0})
	if err != nil {
		return nil, nil, fail(OpCreateSealedKey)
	}
	return key, sealed, nil
}

// Unseal recovers a key sealed by CreateSealedKey while PCR0 is unchanged.
func (s *Simulator) Unseal(_ context.Context, sealed []byte) ([]byte, error) {
	if err := s.enter(OpUnseal); err != nil {
		return nil, err
	}
	var sd sealedData
	if err := s.unwrap(sealed, &sd); err != nil {
		return nil, fail(OpUnseal)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !bytes.Equal(sd.PCR0, s.pcrs[0][:]) {
		cryptoutil.Zero(sd.Data)
		return nil, fail(OpUnseal)
	}
	return sd.Data, nil
}
