package attestation_test

import (
	"context"
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DIMO-Network/tpm-attestation/pkg/attestation"
	"github.com/DIMO-Network/tpm-attestation/pkg/challenge"
	"github.com/DIMO-Network/tpm-attestation/pkg/cryptoutil"
	"github.com/DIMO-Network/tpm-attestation/pkg/database"
	"github.com/DIMO-Network/tpm-attestation/pkg/keyregistry"
	"github.com/DIMO-Network/tpm-attestation/pkg/keystore"
	"github.com/DIMO-Network/tpm-attestation/pkg/pca"
	"github.com/DIMO-Network/tpm-attestation/pkg/pca/simca"
	"github.com/DIMO-Network/tpm-attestation/pkg/platform"
	"github.com/DIMO-Network/tpm-attestation/pkg/storage"
	"github.com/DIMO-Network/tpm-attestation/pkg/tpm"
	"github.com/DIMO-Network/tpm-attestation/pkg/tpm/simulator"
	"github.com/DIMO-Network/tpm-attestation/pkg/verify"
	"github.com/stretchr/testify/require"
)

const machineKey = "attest-ent-machine"

type transportFunc func(ctx context.Context, authority pca.Authority, endpoint pca.Endpoint, request []byte) ([]byte, error)

func (f transportFunc) RoundTrip(ctx context.Context, authority pca.Authority, endpoint pca.Endpoint, request []byte) ([]byte, error) {
	return f(ctx, authority, endpoint, request)
}

// flakyBlob fails writes while fail is set.
type flakyBlob struct {
	storage.Blob
	fail atomic.Bool
}

func (b *flakyBlob) Write(ctx context.Context, data []byte) error {
	if b.fail.Load() {
		return errors.New("disk full")
	}
	return b.Blob.Write(ctx, data)
}

type fixture struct {
	sim      *simulator.Simulator
	ca       *simca.CA
	blob     *flakyBlob
	keys     *keystore.SQLite
	platform *platform.Static
	cfg      attestation.Config
	engine   *attestation.Engine
}

func newFixture(t *testing.T, opts ...func(*fixture)) *fixture {
	t.Helper()
	sim, err := simulator.New(simulator.Options{KeyBits: 1024})
	require.NoError(t, err)
	issuer, modulus := sim.EndorsementRoot()
	roots := verify.CATable{{Issuer: issuer, ModulusHex: modulus}}
	ca, err := simca.New(simca.Options{Type: pca.Default, KeyBits: 1024, EndorsementCAs: roots})
	require.NoError(t, err)
	dir := t.TempDir()
	keys, err := keystore.Open(filepath.Join(dir, "keys.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = keys.Close() })

	f := &fixture{
		sim:      sim,
		ca:       ca,
		blob:     &flakyBlob{Blob: storage.NewFile(filepath.Join(dir, "attestation.db"))},
		keys:     keys,
		platform: &platform.Static{Finalized: true, HWID: []byte("SIMULATED TEST 0001")},
	}
	f.cfg = attestation.Config{
		TPM:            sim,
		Blob:           f.blob,
		Platform:       f.platform,
		KeyStore:       keys,
		Registry:       pca.Registry{pca.Default: ca.Authority("")},
		Transport:      ca,
		EndorsementCAs: roots,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.engine = f.open(t)
	return f
}

// open starts an engine over the fixture's TPM and storage.
func (f *fixture) open(t *testing.T) *attestation.Engine {
	t.Helper()
	engine, err := attestation.New(f.cfg)
	require.NoError(t, err)
	require.NoError(t, engine.Initialize(t.Context()))
	t.Cleanup(engine.Close)
	return engine
}

func (f *fixture) enroll(t *testing.T) {
	t.Helper()
	require.NoError(t, f.engine.PrepareForEnrollment(t.Context()))
	require.NoError(t, f.engine.EnrollWithPCA(t.Context(), pca.Default))
}

func (f *fixture) machineCertificate(t *testing.T) string {
	t.Helper()
	chain, err := f.engine.GetCertificate(t.Context(), attestation.CertificateOptions{
		PCA:     pca.Default,
		Profile: pca.ProfileEnterpriseMachine,
		KeyName: machineKey,
	})
	require.NoError(t, err)
	return chain
}

func leaf(t *testing.T, chain string) *x509.Certificate {
	t.Helper()
	block, _ := pem.Decode([]byte(chain))
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return cert
}

func keyPublic(t *testing.T, engine *attestation.Engine, username, keyName string) *rsa.PublicKey {
	t.Helper()
	info, err := engine.GetKeyInfo(t.Context(), username, keyName)
	require.NoError(t, err)
	pub, err := x509.ParsePKIXPublicKey(info.PublicKey)
	require.NoError(t, err)
	return pub.(*rsa.PublicKey)
}

func TestNotInitialized(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	engine, err := attestation.New(f.cfg)
	require.NoError(t, err)

	require.ErrorIs(t, engine.PrepareForEnrollment(t.Context()), attestation.ErrNotInitialized)
	_, err = engine.CreateEnrollRequest(t.Context(), pca.Default)
	require.ErrorIs(t, err, attestation.ErrNotInitialized)
	_, err = engine.GetStatus(t.Context(), false)
	require.ErrorIs(t, err, attestation.ErrNotInitialized)
	require.False(t, engine.IsPreparedForEnrollment())
	require.False(t, engine.Verify(t.Context(), true, false))

	_, err = attestation.New(attestation.Config{})
	require.Error(t, err)
}

func TestPrepareForEnrollment(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()

	require.False(t, f.engine.IsPreparedForEnrollment())
	require.NoError(t, f.engine.PrepareForEnrollment(ctx))
	require.True(t, f.engine.IsPreparedForEnrollment())
	require.True(t, f.engine.IsPreparedForEnrollmentWithPCA(pca.Default))
	require.False(t, f.engine.IsPreparedForEnrollmentWithPCA(pca.Test))
	require.False(t, f.engine.IsEnrolled())

	// A second call changes nothing.
	require.NoError(t, f.engine.PrepareForEnrollment(ctx))
	require.Equal(t, 1, f.sim.Calls(simulator.OpMakeIdentity))
	require.Equal(t, 1, f.sim.Calls(simulator.OpCreateDelegate))

	status, err := f.engine.GetStatus(ctx, false)
	require.NoError(t, err)
	require.True(t, status.PreparedForEnrollment)
	require.Len(t, status.Identities, 1)
	require.Equal(t, database.FeatureEnterpriseEnrollmentID, status.Identities[0].Features)
	require.True(t, status.EnrollmentPreparations[pca.Default])

	// The preparation survives a restart.
	reopened := f.open(t)
	require.True(t, reopened.IsPreparedForEnrollment())
}

func TestPrepareDeclines(t *testing.T) {
	t.Parallel()

	t.Run("tpm not ready", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.sim.SetReady(false)
		require.ErrorIs(t, f.engine.PrepareForEnrollment(t.Context()), attestation.ErrTPMNotReady)
		require.False(t, f.engine.IsPreparedForEnrollment())
		require.Zero(t, f.sim.Calls(simulator.OpMakeIdentity))
	})

	t.Run("install attributes not finalized", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.platform.Finalized = false
		require.ErrorIs(t, f.engine.PrepareForEnrollment(t.Context()), attestation.ErrNotFinalized)
		require.False(t, f.engine.IsPreparedForEnrollment())
	})

	t.Run("tpm failure", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.sim.FailNext(simulator.OpMakeIdentity, tpm.RetryFatal)
		err := f.engine.PrepareForEnrollment(t.Context())
		require.Error(t, err)
		require.Equal(t, tpm.RetryFatal, tpm.ActionOf(err))
		require.False(t, f.engine.IsPreparedForEnrollment())

		require.NoError(t, f.engine.PrepareForEnrollment(t.Context()))
		require.True(t, f.engine.IsPreparedForEnrollment())
	})

	t.Run("transient tpm failure is retried", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.sim.FailNext(simulator.OpMakeIdentity, tpm.RetryLoadFail)
		require.NoError(t, f.engine.PrepareForEnrollment(t.Context()))
		require.Equal(t, 2, f.sim.Calls(simulator.OpMakeIdentity))
		require.Equal(t, 1, f.sim.Reloads())
	})

	t.Run("persist failure leaves state untouched", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.blob.fail.Store(true)
		err := f.engine.PrepareForEnrollment(t.Context())
		require.ErrorIs(t, err, database.ErrPersist)
		require.False(t, f.engine.IsPreparedForEnrollment())

		f.blob.fail.Store(false)
		require.NoError(t, f.engine.PrepareForEnrollment(t.Context()))
		require.True(t, f.engine.IsPreparedForEnrollment())
	})
}

func TestEnroll(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()

	_, err := f.engine.CreateEnrollRequest(ctx, pca.Default)
	require.ErrorIs(t, err, attestation.ErrNotPrepared)
	_, err = f.engine.CreateEnrollRequest(ctx, pca.Test)
	require.ErrorIs(t, err, attestation.ErrUnknownPCA)

	f.enroll(t)
	require.True(t, f.engine.IsEnrolled())
	require.True(t, f.engine.IsEnrolledWithPCA(pca.Default))
	require.True(t, f.engine.HasIdentityCertificate(pca.Default))
	enrolls, _ := f.ca.Counts()
	require.Equal(t, 1, enrolls)

	status, err := f.engine.GetStatus(ctx, false)
	require.NoError(t, err)
	require.True(t, status.Enrolled)
	require.Equal(t, attestation.IdentityCertificateStatus{Identity: 0, PCA: pca.Default}, status.IdentityCertificates[pca.Default])

	reopened := f.open(t)
	require.True(t, reopened.IsEnrolledWithPCA(pca.Default))
}

func TestEnrollResponses(t *testing.T) {
	t.Parallel()

	t.Run("ca refuses", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		require.NoError(t, f.engine.PrepareForEnrollment(t.Context()))
		f.ca.Reject(pca.EndpointEnroll, pca.StatusReject, "device blocked")

		err := f.engine.EnrollWithPCA(t.Context(), pca.Default)
		require.ErrorIs(t, err, attestation.ErrCAStatus)
		var caErr *attestation.CAError
		require.ErrorAs(t, err, &caErr)
		require.Equal(t, pca.StatusReject, caErr.Status)
		require.Equal(t, "device blocked", caErr.Detail)
		require.False(t, f.engine.IsEnrolled())
	})

	t.Run("malformed response", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		require.NoError(t, f.engine.PrepareForEnrollment(t.Context()))
		err := f.engine.Enroll(t.Context(), pca.Default, []byte("not cbor"))
		require.ErrorIs(t, err, attestation.ErrParse)
		require.False(t, f.engine.IsEnrolled())
	})

	t.Run("credential for another tpm family", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		require.NoError(t, f.engine.PrepareForEnrollment(t.Context()))
		resp, err := pca.Marshal(&pca.EnrollmentResponse{
			Status: pca.StatusOK,
			EncryptedIdentityCredential: &pca.EncryptedIdentityCredential{
				AsymCAContents:   []byte{1},
				SymCAAttestation: []byte{2},
				TPMVersion:       tpm.Version20,
			},
		})
		require.NoError(t, err)
		require.ErrorIs(t, f.engine.Enroll(t.Context(), pca.Default, resp), attestation.ErrVersionMismatch)
	})

	t.Run("tpm not ready", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		require.NoError(t, f.engine.PrepareForEnrollment(t.Context()))
		req, err := f.engine.CreateEnrollRequest(t.Context(), pca.Default)
		require.NoError(t, err)
		resp, err := f.ca.RoundTrip(t.Context(), pca.Authority{}, pca.EndpointEnroll, req)
		require.NoError(t, err)

		f.sim.SetReady(false)
		require.ErrorIs(t, f.engine.Enroll(t.Context(), pca.Default, resp), attestation.ErrTPMNotReady)
		f.sim.SetReady(true)
		require.NoError(t, f.engine.Enroll(t.Context(), pca.Default, resp))
		require.True(t, f.engine.IsEnrolled())
	})
}

func TestEnterpriseEnrollmentNonce(t *testing.T) {
	t.Parallel()
	var seen []byte
	f := newFixture(t, func(f *fixture) {
		f.platform.ABEData = []byte("device secret")
		f.cfg.Transport = transportFunc(func(ctx context.Context, a pca.Authority, ep pca.Endpoint, req []byte) ([]byte, error) {
			var enroll pca.EnrollmentRequest
			if err := pca.Unmarshal(req, &enroll); err != nil {
				return nil, err
			}
			seen = enroll.EnterpriseEnrollmentNonce
			return f.ca.RoundTrip(ctx, a, ep, req)
		})
	})
	f.enroll(t)

	mac := hmac.New(sha256.New, []byte("attestation_based_enrollment"))
	mac.Write([]byte("device secret"))
	require.Equal(t, mac.Sum(nil), seen)
}

func TestCertificateBeforeEnrollment(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.engine.PrepareForEnrollment(t.Context()))

	_, err := f.engine.CreateCertRequest(t.Context(), pca.Default, pca.ProfileEnterpriseMachine, "", "")
	require.ErrorIs(t, err, attestation.ErrNotEnrolled)
	_, err = f.engine.GetCertificate(t.Context(), attestation.CertificateOptions{PCA: pca.Default, KeyName: machineKey})
	require.ErrorIs(t, err, attestation.ErrNotEnrolled)
	require.Zero(t, f.engine.PendingCertRequests())
}

func TestGetCertificate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.enroll(t)

	chain := f.machineCertificate(t)
	require.Contains(t, chain, "-----BEGIN CERTIFICATE-----")
	cert := leaf(t, chain)
	require.True(t, keyPublic(t, f.engine, "", machineKey).Equal(cert.PublicKey))
	require.NoError(t, cert.CheckSignatureFrom(mustParse(t, f.ca.Intermediate())))
	require.Zero(t, f.engine.PendingCertRequests())

	// An existing key is returned without asking the CA.
	require.Equal(t, chain, f.machineCertificate(t))
	_, signs := f.ca.Counts()
	require.Equal(t, 1, signs)

	renewed, err := f.engine.GetCertificate(t.Context(), attestation.CertificateOptions{
		PCA:      pca.Default,
		Profile:  pca.ProfileEnterpriseMachine,
		KeyName:  machineKey,
		ForceNew: true,
	})
	require.NoError(t, err)
	require.NotEqual(t, chain, renewed)
	_, signs = f.ca.Counts()
	require.Equal(t, 2, signs)

	reopened := f.open(t)
	info, err := reopened.GetKeyInfo(t.Context(), "", machineKey)
	require.NoError(t, err)
	require.Equal(t, renewed, info.CertificateChain)
}

func mustParse(t *testing.T, der []byte) *x509.Certificate {
	t.Helper()
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func TestCertRequestRoundTrip(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.enroll(t)
	ctx := t.Context()

	req, err := f.engine.CreateCertRequest(ctx, pca.Default, pca.ProfileContentProtection, "alice", "")
	require.NoError(t, err)
	require.Equal(t, 1, f.engine.PendingCertRequests())

	resp, err := f.ca.RoundTrip(ctx, pca.Authority{}, pca.EndpointSign, req)
	require.NoError(t, err)
	chain, err := f.engine.FinishCertRequest(ctx, resp, "alice", "content")
	require.NoError(t, err)
	require.Zero(t, f.engine.PendingCertRequests())
	require.True(t, keyPublic(t, f.engine, "alice", "content").Equal(leaf(t, chain).PublicKey))

	// User keys live in the key store, not the device database.
	_, err = f.engine.GetKeyInfo(ctx, "", "content")
	require.ErrorIs(t, err, keyregistry.ErrKeyNotFound)
	_, err = f.keys.Read(ctx, "alice", "content")
	require.NoError(t, err)

	// A response is consumed once.
	_, err = f.engine.FinishCertRequest(ctx, resp, "alice", "again")
	require.ErrorIs(t, err, attestation.ErrUnknownMessageID)
}

func TestUnknownMessageID(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.enroll(t)
	ctx := t.Context()
	f.machineCertificate(t)
	before, err := f.engine.GetKeyInfo(ctx, "", machineKey)
	require.NoError(t, err)

	_, err = f.engine.CreateCertRequest(ctx, pca.Default, pca.ProfileEnterpriseMachine, "", "")
	require.NoError(t, err)
	resp, err := pca.Marshal(&pca.CertificateResponse{
		Status:                 pca.StatusOK,
		CertifiedKeyCredential: []byte("leaf"),
		MessageID:              []byte("someone else's request"),
	})
	require.NoError(t, err)
	_, err = f.engine.FinishCertRequest(ctx, resp, "", machineKey)
	require.ErrorIs(t, err, attestation.ErrUnknownMessageID)

	after, err := f.engine.GetKeyInfo(ctx, "", machineKey)
	require.NoError(t, err)
	require.Equal(t, before, after)
	require.Equal(t, 1, f.engine.PendingCertRequests())
}

func TestCertificateRefused(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.enroll(t)
	f.ca.Reject(pca.EndpointSign, pca.StatusQuotaLimitExceeded, "")

	_, err := f.engine.GetCertificate(t.Context(), attestation.CertificateOptions{PCA: pca.Default, KeyName: machineKey})
	var caErr *attestation.CAError
	require.ErrorAs(t, err, &caErr)
	require.Equal(t, pca.StatusQuotaLimitExceeded, caErr.Status)
	require.Zero(t, f.engine.PendingCertRequests())
	_, err = f.engine.GetKeyInfo(t.Context(), "", machineKey)
	require.ErrorIs(t, err, keyregistry.ErrKeyNotFound)
}

func TestMessageIDMismatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(f *fixture) {
		f.cfg.Transport = transportFunc(func(ctx context.Context, a pca.Authority, ep pca.Endpoint, req []byte) ([]byte, error) {
			if ep != pca.EndpointSign {
				return f.ca.RoundTrip(ctx, a, ep, req)
			}
			resp := f.ca.Sign(ctx, req)
			resp.MessageID = []byte("stale")
			return pca.Marshal(resp)
		})
	})
	f.enroll(t)

	_, err := f.engine.GetCertificate(t.Context(), attestation.CertificateOptions{PCA: pca.Default, KeyName: machineKey})
	require.ErrorIs(t, err, attestation.ErrMessageIDMismatch)
	require.Zero(t, f.engine.PendingCertRequests())
}

func TestPendingTTL(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(f *fixture) { f.cfg.PendingTTL = 50 * time.Millisecond })
	f.enroll(t)

	req, err := f.engine.CreateCertRequest(t.Context(), pca.Default, pca.ProfileEnterpriseMachine, "", "")
	require.NoError(t, err)
	require.Equal(t, 1, f.engine.PendingCertRequests())
	require.Eventually(t, func() bool { return f.engine.PendingCertRequests() == 0 }, 5*time.Second, 20*time.Millisecond)

	resp, err := f.ca.RoundTrip(t.Context(), pca.Authority{}, pca.EndpointSign, req)
	require.NoError(t, err)
	_, err = f.engine.FinishCertRequest(t.Context(), resp, "", machineKey)
	require.ErrorIs(t, err, attestation.ErrUnknownMessageID)
}

func TestChooseTemporalIndex(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()
	const origin = "https://media.example.com"

	for i, user := range []string{"u0", "u1", "u2", "u3", "u4"} {
		index, err := f.engine.ChooseTemporalIndex(ctx, user, origin)
		require.NoError(t, err)
		require.Equal(t, i, index, user)
	}
	// Every index is taken once, so the smallest is shared.
	index, err := f.engine.ChooseTemporalIndex(ctx, "u5", origin)
	require.NoError(t, err)
	require.Zero(t, index)
	index, err = f.engine.ChooseTemporalIndex(ctx, "u6", origin)
	require.NoError(t, err)
	require.Equal(t, 1, index)

	index, err = f.engine.ChooseTemporalIndex(ctx, "u3", origin)
	require.NoError(t, err)
	require.Equal(t, 3, index)
	index, err = f.engine.ChooseTemporalIndex(ctx, "u3", "https://other.example.com")
	require.NoError(t, err)
	require.Zero(t, index)

	reopened := f.open(t)
	index, err = reopened.ChooseTemporalIndex(ctx, "u4", origin)
	require.NoError(t, err)
	require.Equal(t, 4, index)
}

func TestStableIDCertificate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.enroll(t)
	ctx := t.Context()
	const origin = "https://media.example.com"

	_, err := f.engine.ChooseTemporalIndex(ctx, "bob", origin)
	require.NoError(t, err)
	chain, err := f.engine.GetCertificate(ctx, attestation.CertificateOptions{
		PCA:      pca.Default,
		Profile:  pca.ProfileContentProtectionWithStableID,
		Username: "alice",
		Origin:   origin,
		KeyName:  "stable",
	})
	require.NoError(t, err)
	cert := leaf(t, chain)
	require.Equal(t, []string{origin}, cert.Subject.OrganizationalUnit)
	require.Equal(t, "1", cert.Subject.SerialNumber)

	index, err := f.engine.ChooseTemporalIndex(ctx, "alice", origin)
	require.NoError(t, err)
	require.Equal(t, 1, index)
}

func TestStableIDRequestRecordsIndex(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.enroll(t)
	ctx := t.Context()
	const origin = "https://media.example.com"

	f.blob.fail.Store(true)
	_, err := f.engine.CreateCertRequest(ctx, pca.Default, pca.ProfileContentProtectionWithStableID, "alice", origin)
	require.ErrorIs(t, err, database.ErrPersist)
	require.Zero(t, f.engine.PendingCertRequests())
	f.blob.fail.Store(false)

	_, err = f.engine.CreateCertRequest(ctx, pca.Default, pca.ProfileContentProtectionWithStableID, "alice", origin)
	require.NoError(t, err)
	require.Equal(t, 1, f.engine.PendingCertRequests())
	index, err := f.engine.ChooseTemporalIndex(ctx, "bob", origin)
	require.NoError(t, err)
	require.Equal(t, 1, index)
	index, err = f.engine.ChooseTemporalIndex(ctx, "alice", origin)
	require.NoError(t, err)
	require.Zero(t, index)
}

func TestSignSimpleChallenge(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.enroll(t)
	f.machineCertificate(t)

	out, err := f.engine.SignSimpleChallenge(t.Context(), "", machineKey, []byte("challenge123"))
	require.NoError(t, err)
	var signed pca.SignedData
	require.NoError(t, pca.Unmarshal(out, &signed))
	require.Equal(t, []byte("challenge123"), signed.Data[:len("challenge123")])
	require.Len(t, signed.Data, len("challenge123")+challenge.NonceSize)
	digest := sha256.Sum256(signed.Data)
	require.NoError(t, rsa.VerifyPKCS1v15(keyPublic(t, f.engine, "", machineKey), crypto.SHA256, digest[:], signed.Signature))

	_, err = f.engine.SignSimpleChallenge(t.Context(), "", "missing", []byte("challenge123"))
	require.ErrorIs(t, err, keyregistry.ErrKeyNotFound)
}

func TestSignEnterpriseChallenge(t *testing.T) {
	t.Parallel()
	signingKey, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	encryptKey, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	f := newFixture(t, func(f *fixture) {
		f.cfg.VATable = challenge.Table{challenge.TestVA: {
			SigningPublicKeyHex:    cryptoutil.ModulusHex(&signingKey.PublicKey),
			EncryptionPublicKeyHex: cryptoutil.ModulusHex(&encryptKey.PublicKey),
			EncryptionPublicKeyID:  []byte{7},
		}}
	})
	f.enroll(t)
	f.machineCertificate(t)
	userChain, err := f.engine.GetCertificate(t.Context(), attestation.CertificateOptions{
		PCA:      pca.Default,
		Profile:  pca.ProfileEnterpriseUser,
		Username: "alice",
		KeyName:  "attest-ent-user",
	})
	require.NoError(t, err)

	data, err := pca.Marshal(&challenge.Challenge{Prefix: challenge.EnterprisePrefix, Nonce: []byte("va nonce")})
	require.NoError(t, err)
	digest := sha1.Sum(data) //nolint:gosec
	sig, err := rsa.SignPKCS1v15(rand.Reader, signingKey, crypto.SHA1, digest[:])
	require.NoError(t, err)
	signedChallenge, err := pca.Marshal(&pca.SignedData{Data: data, Signature: sig})
	require.NoError(t, err)

	keyInfo := func(t *testing.T, out []byte) *challenge.KeyInfo {
		t.Helper()
		var signed pca.SignedData
		require.NoError(t, pca.Unmarshal(out, &signed))
		var response challenge.Response
		require.NoError(t, pca.Unmarshal(signed.Data, &response))
		plain, err := cryptoutil.DecryptWithKey(encryptKey, response.EncryptedKeyInfo)
		require.NoError(t, err)
		var info challenge.KeyInfo
		require.NoError(t, pca.Unmarshal(plain, &info))
		return &info
	}

	out, err := f.engine.SignEnterpriseChallenge(t.Context(), attestation.EnterpriseChallenge{
		KeyName:   machineKey,
		VAType:    challenge.TestVA,
		Domain:    "example.com",
		DeviceID:  []byte("device-1"),
		Challenge: signedChallenge,
	})
	require.NoError(t, err)
	machine := keyInfo(t, out)
	require.Equal(t, challenge.KeyTypeEMK, machine.KeyType)
	require.Equal(t, "example.com", machine.Domain)
	require.Empty(t, machine.Certificate)

	out, err = f.engine.SignEnterpriseChallenge(t.Context(), attestation.EnterpriseChallenge{
		Username:               "alice",
		KeyName:                "attest-ent-user",
		VAType:                 challenge.TestVA,
		IncludeSignedPublicKey: true,
		Challenge:              signedChallenge,
	})
	require.NoError(t, err)
	user := keyInfo(t, out)
	require.Equal(t, challenge.KeyTypeEUK, user.KeyType)
	require.Equal(t, userChain, user.Certificate)
	require.NotEmpty(t, user.SignedPublicKeyAndChallenge)

	_, err = f.engine.SignEnterpriseChallenge(t.Context(), attestation.EnterpriseChallenge{
		KeyName:   machineKey,
		VAType:    challenge.DefaultVA,
		Challenge: signedChallenge,
	})
	require.ErrorIs(t, err, challenge.ErrUnknownVA)
}

func TestKeyManagement(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.enroll(t)
	ctx := t.Context()
	for _, name := range []string{"app-1", "app-2", "other"} {
		_, err := f.engine.GetCertificate(ctx, attestation.CertificateOptions{PCA: pca.Default, KeyName: name})
		require.NoError(t, err)
		_, err = f.engine.GetCertificate(ctx, attestation.CertificateOptions{PCA: pca.Default, Username: "alice", KeyName: name})
		require.NoError(t, err)
	}

	require.NoError(t, f.engine.SetKeyPayload(ctx, "", "app-1", []byte("payload")))
	require.NoError(t, f.engine.SetKeyPayload(ctx, "alice", "app-1", []byte("user payload")))
	info, err := f.engine.GetKeyInfo(ctx, "", "app-1")
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), info.Payload)
	require.Equal(t, database.KeyTypeRSA, info.KeyType)
	require.Equal(t, database.KeyUsageSign, info.KeyUsage)
	info, err = f.engine.GetKeyInfo(ctx, "alice", "app-1")
	require.NoError(t, err)
	require.Equal(t, []byte("user payload"), info.Payload)
	require.ErrorIs(t, f.engine.SetKeyPayload(ctx, "", "missing", nil), keyregistry.ErrKeyNotFound)

	require.NoError(t, f.engine.DeleteKeys(ctx, "", "app-"))
	for _, name := range []string{"app-1", "app-2"} {
		_, err = f.engine.GetKeyInfo(ctx, "", name)
		require.ErrorIs(t, err, keyregistry.ErrKeyNotFound)
		_, err = f.engine.GetKeyInfo(ctx, "alice", name)
		require.NoError(t, err)
	}
	require.NoError(t, f.engine.DeleteKey(ctx, "", "other"))
	_, err = f.engine.GetKeyInfo(ctx, "", "other")
	require.ErrorIs(t, err, keyregistry.ErrKeyNotFound)
	require.NoError(t, f.engine.DeleteKey(ctx, "", "other"))

	require.NoError(t, f.engine.RegisterKeyWithToken(ctx, "alice", "other"))
	reg, err := f.keys.Registered(ctx, "alice", "other")
	require.NoError(t, err)
	require.NotEmpty(t, reg.Certificate)
	_, err = f.engine.GetKeyInfo(ctx, "alice", "other")
	require.ErrorIs(t, err, keyregistry.ErrKeyNotFound)

	require.ErrorIs(t, f.engine.RegisterKeyWithToken(ctx, "", "app-1"), keyregistry.ErrKeyNotFound)
}

func TestVerify(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()

	require.True(t, f.engine.Verify(ctx, true, false))
	require.False(t, f.engine.Verify(ctx, true, true))
	require.False(t, f.engine.Verify(ctx, false, false))

	require.NoError(t, f.engine.PrepareForEnrollment(ctx))
	require.True(t, f.engine.Verify(ctx, false, false))
	require.False(t, f.engine.Verify(ctx, false, true))

	f.sim.FailNext(simulator.OpActivateIdentity, tpm.RetryFailNoRetry)
	require.False(t, f.engine.Verify(ctx, false, false))
}

func TestVerifyWithoutHardwareID(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.engine.PrepareForEnrollment(t.Context()))

	// The PCR1 hint no longer matches; that alone does not fail verification.
	f.platform.HWID = []byte("REPLACED BOARD")
	reopened := f.open(t)
	require.True(t, reopened.Verify(t.Context(), false, false))
}

func TestVerifiedBootStatus(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()

	status, err := f.engine.GetStatus(ctx, true)
	require.NoError(t, err)
	require.False(t, status.VerifiedBoot)

	modeDigest := sha1.Sum([]byte{0, 0, 1}) //nolint:gosec
	require.NoError(t, f.sim.ExtendPCR(ctx, 0, modeDigest[:]))
	status, err = f.engine.GetStatus(ctx, true)
	require.NoError(t, err)
	require.True(t, status.VerifiedBoot)

	status, err = f.engine.GetStatus(ctx, false)
	require.NoError(t, err)
	require.False(t, status.VerifiedBoot)
}

func TestGetEndorsementInfo(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	info, err := f.engine.GetEndorsementInfo(t.Context())
	require.NoError(t, err)
	pub, err := x509.ParsePKIXPublicKey(info.PublicKey)
	require.NoError(t, err)
	require.True(t, f.sim.EndorsementKey().PublicKey.Equal(pub))
	hash := sha256.Sum256(info.Certificate)
	require.Contains(t, info.Info, "EK Certificate:\n-----BEGIN CERTIFICATE-----")
	require.Contains(t, info.Info, "\nHash:\n"+strings.ToUpper(hex.EncodeToString(hash[:]))+"\n")
}

func TestGetAttestationKeyInfo(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()
	require.NoError(t, f.engine.PrepareForEnrollment(ctx))

	_, err := f.engine.GetAttestationKeyInfo(ctx, pca.Default)
	require.ErrorIs(t, err, attestation.ErrNotEnrolled)

	require.NoError(t, f.engine.EnrollWithPCA(ctx, pca.Default))
	info, err := f.engine.GetAttestationKeyInfo(ctx, pca.Default)
	require.NoError(t, err)
	require.NotEmpty(t, info.PublicKeyTPMFormat)
	require.NotNil(t, info.PCR0Quote)
	require.Equal(t, []byte("SIMULATED TEST 0001"), info.PCR1Quote.PCRSourceHint)
	cert := mustParse(t, info.Certificate)
	require.NoError(t, cert.CheckSignatureFrom(mustParse(t, f.ca.Root())))
	pub, err := x509.ParsePKIXPublicKey(info.PublicKey)
	require.NoError(t, err)
	require.True(t, cert.PublicKey.(*rsa.PublicKey).Equal(pub))
}

func TestGetEnrollmentID(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()

	_, err := f.engine.GetEnrollmentID(ctx, false)
	require.ErrorIs(t, err, attestation.ErrNotAvailable)

	f.platform.ABEData = []byte("device secret")
	expected := func(secret string) []byte {
		nonce := hmac.New(sha256.New, []byte("attestation_based_enrollment"))
		nonce.Write([]byte(secret))
		id := hmac.New(sha256.New, nonce.Sum(nil))
		id.Write(f.sim.EndorsementKey().N.Bytes())
		return id.Sum(nil)
	}
	id, err := f.engine.GetEnrollmentID(ctx, false)
	require.NoError(t, err)
	require.Equal(t, expected("device secret"), id)

	// The cached id outlives a change of the device secret.
	f.platform.ABEData = []byte("rotated secret")
	id, err = f.engine.GetEnrollmentID(ctx, false)
	require.NoError(t, err)
	require.Equal(t, expected("device secret"), id)
	id, err = f.engine.GetEnrollmentID(ctx, true)
	require.NoError(t, err)
	require.Equal(t, expected("rotated secret"), id)

	reopened := f.open(t)
	id, err = reopened.GetEnrollmentID(ctx, false)
	require.NoError(t, err)
	require.Equal(t, expected("device secret"), id)
}

func TestStartEnrollment(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	f := newFixture(t, func(f *fixture) {
		f.cfg.Transport = transportFunc(func(ctx context.Context, a pca.Authority, ep pca.Endpoint, req []byte) ([]byte, error) {
			<-release
			return f.ca.RoundTrip(ctx, a, ep, req)
		})
	})
	ctx := t.Context()

	task, started := f.engine.StartEnrollment(ctx, pca.Default)
	require.True(t, started)
	require.NoError(t, task.Err())

	again, started := f.engine.StartEnrollment(ctx, pca.Default)
	require.False(t, started)
	require.Equal(t, task.ID, again.ID)
	_, started = f.engine.StartPreparation(ctx)
	require.False(t, started)
	require.Equal(t, task, f.engine.Task())

	close(release)
	require.NoError(t, task.Wait(ctx))
	require.True(t, f.engine.IsEnrolled())
	enrolls, _ := f.ca.Counts()
	require.Equal(t, 1, enrolls)

	next, started := f.engine.StartEnrollment(ctx, pca.Default)
	require.True(t, started)
	require.NotEqual(t, task.ID, next.ID)
	require.NoError(t, next.Wait(ctx))
	enrolls, _ = f.ca.Counts()
	require.Equal(t, 1, enrolls)
}

func TestStartPreparationFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.sim.SetReady(false)

	task, started := f.engine.StartPreparation(t.Context())
	require.True(t, started)
	require.ErrorIs(t, task.Wait(t.Context()), attestation.ErrTPMNotReady)
	<-task.Done()
	require.ErrorIs(t, task.Err(), attestation.ErrTPMNotReady)
}
