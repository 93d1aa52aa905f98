// Package simca is an in-process Privacy CA. It answers enrollment and
// certificate requests with real certificates issued from a throwaway root,
// over HTTP or as a pca.Transport.
package simca

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/DIMO-Network/tpm-attestation/pkg/cryptoutil"
	"github.com/DIMO-Network/tpm-attestation/pkg/pca"
	"github.com/DIMO-Network/tpm-attestation/pkg/tpm/tpm12"
	"github.com/DIMO-Network/tpm-attestation/pkg/verify"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"
)

// Options configures a CA.
type Options struct {
	Type pca.Type
	// KeyBits is the size of every CA key. Defaults to 2048.
	KeyBits int
	// EndorsementCAs, when set, must vouch for every endorsement certificate.
	EndorsementCAs verify.CATable
}

type rejection struct {
	status pca.ResponseStatus
	detail string
}

// CA is a simulated Privacy CA.
type CA struct {
	typ     pca.Type
	key     *rsa.PrivateKey
	keyID   []byte
	ekRoots verify.CATable

	rootKey         *rsa.PrivateKey
	root            *x509.Certificate
	intermediateKey *rsa.PrivateKey
	intermediate    *x509.Certificate
	intermediateDER []byte

	mu      sync.Mutex
	reject  map[pca.Endpoint]rejection
	serial  int64
	enrolls int
	signs   int
}

var _ pca.Transport = (*CA)(nil)

// New creates a CA with fresh keys.
func New(opts Options) (*CA, error) {
	if opts.KeyBits == 0 {
		opts.KeyBits = 2048
	}
	keys := make([]*rsa.PrivateKey, 3)
	for i := range keys {
		k, err := rsa.GenerateKey(rand.Reader, opts.KeyBits)
		if err != nil {
			return nil, fmt.Errorf("failed to generate ca key: %w", err)
		}
		keys[i] = k
	}
	keyID, err := cryptoutil.RandomBytes(5)
	if err != nil {
		return nil, err
	}
	ca := &CA{
		typ:             opts.Type,
		key:             keys[0],
		keyID:           keyID,
		ekRoots:         opts.EndorsementCAs,
		rootKey:         keys[1],
		intermediateKey: keys[2],
		reject:          map[pca.Endpoint]rejection{},
	}
	rootTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: fmt.Sprintf("Simulated %s Privacy CA", opts.Type)},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTemplate, rootTemplate, &ca.rootKey.PublicKey, ca.rootKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create root: %w", err)
	}
	if ca.root, err = x509.ParseCertificate(rootDER); err != nil {
		return nil, fmt.Errorf("failed to parse root: %w", err)
	}
	intermediateTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(2),
		Subject:               pkix.Name{CommonName: fmt.Sprintf("Simulated %s Privacy CA Intermediate", opts.Type)},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	ca.intermediateDER, err = x509.CreateCertificate(rand.Reader, intermediateTemplate, ca.root, &ca.intermediateKey.PublicKey, ca.rootKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create intermediate: %w", err)
	}
	if ca.intermediate, err = x509.ParseCertificate(ca.intermediateDER); err != nil {
		return nil, fmt.Errorf("failed to parse intermediate: %w", err)
	}
	ca.serial = 2
	return ca, nil
}

// Authority describes this CA for a pca.Registry.
func (ca *CA) Authority(url string) pca.Authority {
	return pca.Authority{
		Type:         ca.typ,
		PublicKeyHex: cryptoutil.ModulusHex(&ca.key.PublicKey),
		PublicKeyID:  ca.keyID,
		URL:          url,
	}
}

// Root returns the DER root certificate.
func (ca *CA) Root() []byte {
	return ca.root.Raw
}

// Intermediate returns the DER intermediate certificate.
func (ca *CA) Intermediate() []byte {
	return ca.intermediateDER
}

// Reject makes every later request to endpoint fail with status. StatusOK
// restores normal operation.
func (ca *CA) Reject(endpoint pca.Endpoint, status pca.ResponseStatus, detail string) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	if status == pca.StatusOK {
		delete(ca.reject, endpoint)
		return
	}
	ca.reject[endpoint] = rejection{status: status, detail: detail}
}

// Counts returns how many enroll and sign requests were answered.
func (ca *CA) Counts() (enrolls, signs int) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	return ca.enrolls, ca.signs
}

func (ca *CA) rejection(endpoint pca.Endpoint) (rejection, bool) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	switch endpoint {
	case pca.EndpointEnroll:
		ca.enrolls++
	case pca.EndpointSign:
		ca.signs++
	}
	r, ok := ca.reject[endpoint]
	return r, ok
}

func (ca *CA) nextSerial() *big.Int {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	ca.serial++
	return big.NewInt(ca.serial)
}

// RoundTrip answers a request in process.
func (ca *CA) RoundTrip(ctx context.Context, _ pca.Authority, endpoint pca.Endpoint, request []byte) ([]byte, error) {
	switch endpoint {
	case pca.EndpointEnroll:
		return pca.Marshal(ca.Enroll(ctx, request))
	case pca.EndpointSign:
		return pca.Marshal(ca.Sign(ctx, request))
	default:
		return nil, fmt.Errorf("unknown endpoint %q", endpoint)
	}
}

func enrollFailure(status pca.ResponseStatus, detail string) *pca.EnrollmentResponse {
	return &pca.EnrollmentResponse{Status: status, Detail: detail}
}

// Enroll certifies the identity key in an encoded EnrollmentRequest.
func (ca *CA) Enroll(ctx context.Context, request []byte) *pca.EnrollmentResponse {
	logger := zerolog.Ctx(ctx).With().Str("component", "simca").Stringer("pca", ca.typ).Logger()
	if r, ok := ca.rejection(pca.EndpointEnroll); ok {
		return enrollFailure(r.status, r.detail)
	}
	var req pca.EnrollmentRequest
	if err := pca.Unmarshal(request, &req); err != nil {
		return enrollFailure(pca.StatusBadRequest, "malformed enrollment request")
	}
	if req.EncryptedEndorsementCredential == nil {
		return enrollFailure(pca.StatusBadRequest, "missing endorsement credential")
	}
	ekCertDER, err := cryptoutil.DecryptWithKey(ca.key, req.EncryptedEndorsementCredential)
	if err != nil {
		return enrollFailure(pca.StatusBadRequest, "endorsement credential not encrypted for this ca")
	}
	ekCert, err := x509.ParseCertificate(ekCertDER)
	if err != nil {
		return enrollFailure(pca.StatusBadRequest, "malformed endorsement credential")
	}
	ekPub, ok := ekCert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return enrollFailure(pca.StatusBadRequest, "endorsement key is not rsa")
	}
	verifier := verify.Verifier{Version: req.TPMVersion}
	if ca.ekRoots != nil {
		bits, err := cryptoutil.SubjectPublicKeyBits(ekCert)
		if err != nil || !verifier.EndorsementCredential(ctx, ekCertDER, bits, ca.ekRoots) {
			return enrollFailure(pca.StatusReject, "unknown endorsement credential")
		}
	}
	aik, err := tpm12.ParsePubKey(req.IdentityPublicKey)
	if err != nil {
		return enrollFailure(pca.StatusBadRequest, "malformed identity key")
	}
	aikDER := x509.MarshalPKCS1PublicKey(aik)
	if !verifier.Quote(ctx, aikDER, req.PCR0Quote, 0) || !verifier.Quote(ctx, aikDER, req.PCR1Quote, 1) {
		return enrollFailure(pca.StatusReject, "invalid pcr quote")
	}

	template := &x509.Certificate{
		SerialNumber: ca.nextSerial(),
		Subject:      pkix.Name{CommonName: "Attestation Identity Key"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(5, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	if len(req.EnterpriseEnrollmentNonce) > 0 {
		template.Subject.SerialNumber = fmt.Sprintf("%x", req.EnterpriseEnrollmentNonce)
	}
	credential, err := x509.CreateCertificate(rand.Reader, template, ca.root, aik, ca.rootKey)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to issue identity credential.")
		return enrollFailure(pca.StatusServerError, "failed to issue identity credential")
	}
	asym, sym, err := cryptoutil.EncryptIdentityCredential(ekPub, req.IdentityPublicKey, credential)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to encrypt identity credential.")
		return enrollFailure(pca.StatusServerError, "failed to encrypt identity credential")
	}
	logger.Info().Msg("Issued identity credential.")
	return &pca.EnrollmentResponse{
		Status: pca.StatusOK,
		EncryptedIdentityCredential: &pca.EncryptedIdentityCredential{
			AsymCAContents:   asym,
			SymCAAttestation: sym,
			TPMVersion:       req.TPMVersion,
		},
	}
}

func signFailure(messageID []byte, status pca.ResponseStatus, detail string) *pca.CertificateResponse {
	return &pca.CertificateResponse{Status: status, Detail: detail, MessageID: messageID}
}

// Sign certifies the key in an encoded CertificateRequest.
func (ca *CA) Sign(ctx context.Context, request []byte) *pca.CertificateResponse {
	logger := zerolog.Ctx(ctx).With().Str("component", "simca").Stringer("pca", ca.typ).Logger()
	var req pca.CertificateRequest
	if err := pca.Unmarshal(request, &req); err != nil {
		return signFailure(nil, pca.StatusBadRequest, "malformed certificate request")
	}
	if r, ok := ca.rejection(pca.EndpointSign); ok {
		return signFailure(req.MessageID, r.status, r.detail)
	}
	identity, err := x509.ParseCertificate(req.IdentityCredential)
	if err != nil || identity.CheckSignatureFrom(ca.root) != nil {
		return signFailure(req.MessageID, pca.StatusReject, "identity credential not issued by this ca")
	}
	aik, ok := identity.PublicKey.(*rsa.PublicKey)
	if !ok {
		return signFailure(req.MessageID, pca.StatusBadRequest, "identity key is not rsa")
	}
	pub, err := tpm12.ParsePubKey(req.CertifiedPublicKey)
	if err != nil {
		return signFailure(req.MessageID, pca.StatusBadRequest, "malformed certified key")
	}
	verifier := verify.Verifier{Version: req.TPMVersion}
	if !verifier.CertifiedKey(ctx, x509.MarshalPKCS1PublicKey(aik), x509.MarshalPKCS1PublicKey(pub),
		req.CertifiedPublicKey, req.CertifiedKeyInfo, req.CertifiedKeyProof) {
		return signFailure(req.MessageID, pca.StatusReject, "invalid certified key proof")
	}

	subject := pkix.Name{CommonName: strings.ToLower(req.Profile.String())}
	if req.Origin != "" {
		subject.OrganizationalUnit = []string{req.Origin}
	}
	if req.TemporalIndex != nil {
		subject.SerialNumber = strconv.Itoa(*req.TemporalIndex)
	}
	template := &x509.Certificate{
		SerialNumber: ca.nextSerial(),
		Subject:      subject,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	leaf, err := x509.CreateCertificate(rand.Reader, template, ca.intermediate, pub, ca.intermediateKey)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to issue certificate.")
		return signFailure(req.MessageID, pca.StatusServerError, "failed to issue certificate")
	}
	logger.Info().Stringer("profile", req.Profile).Msg("Issued certificate.")
	return &pca.CertificateResponse{
		Status:                        pca.StatusOK,
		CertifiedKeyCredential:        leaf,
		IntermediateCACert:            ca.intermediateDER,
		AdditionalIntermediateCACerts: [][]byte{ca.root.Raw},
		MessageID:                     req.MessageID,
	}
}

// App serves the CA over HTTP: POST /enroll and POST /sign with CBOR bodies.
func (ca *CA) App(logger *zerolog.Logger) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var e *fiber.Error
			if errors.As(err, &e) {
				code = e.Code
			}
			if code != fiber.StatusNotFound {
				logger.Err(err).Int("httpStatusCode", code).Str("httpPath", c.Path()).Msg("caught an error from http request")
			}
			return c.SendStatus(code)
		},
	})
	app.Use(recover.New())
	handle := func(endpoint pca.Endpoint) fiber.Handler {
		return func(c *fiber.Ctx) error {
			if !strings.HasPrefix(c.Get(fiber.HeaderContentType), pca.ContentType) {
				return fiber.ErrUnsupportedMediaType
			}
			ctx := logger.WithContext(c.UserContext())
			out, err := ca.RoundTrip(ctx, pca.Authority{}, endpoint, c.Body())
			if err != nil {
				return err
			}
			c.Set(fiber.HeaderContentType, pca.ContentType)
			return c.Send(out)
		}
	}
	app.Post("/"+string(pca.EndpointEnroll), handle(pca.EndpointEnroll))
	app.Post("/"+string(pca.EndpointSign), handle(pca.EndpointSign))
	return app
}
