package app_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/DIMO-Network/tpm-attestation/internal/app"
	"github.com/DIMO-Network/tpm-attestation/pkg/attestation"
	"github.com/DIMO-Network/tpm-attestation/pkg/keystore"
	"github.com/DIMO-Network/tpm-attestation/pkg/pca"
	"github.com/DIMO-Network/tpm-attestation/pkg/pca/simca"
	"github.com/DIMO-Network/tpm-attestation/pkg/platform"
	"github.com/DIMO-Network/tpm-attestation/pkg/storage"
	"github.com/DIMO-Network/tpm-attestation/pkg/tpm/simulator"
	"github.com/DIMO-Network/tpm-attestation/pkg/verify"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newApp(t *testing.T) *fiber.App {
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

	engine, err := attestation.New(attestation.Config{
		TPM:            sim,
		Blob:           storage.NewFile(filepath.Join(dir, "attestation.db")),
		Platform:       &platform.Static{Finalized: true, HWID: []byte("SIMULATED TEST 0001")},
		KeyStore:       keys,
		Registry:       pca.Registry{pca.Default: ca.Authority("")},
		Transport:      ca,
		EndorsementCAs: roots,
	})
	require.NoError(t, err)
	require.NoError(t, engine.Initialize(t.Context()))
	t.Cleanup(engine.Close)
	logger := zerolog.Nop()
	return app.CreateAttestationServer(&logger, engine)
}

func do(t *testing.T, a *fiber.App, method, path string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	resp, err := a.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close() //nolint:errcheck
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

type codeResp struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func enroll(t *testing.T, a *fiber.App) {
	t.Helper()
	resp := do(t, a, "POST", "/v1/enrollment?pca=default", nil)
	require.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	started := decode[app.TaskResponse](t, resp)
	require.True(t, started.Started)

	deadline := time.Now().Add(30 * time.Second)
	for {
		task := decode[app.TaskResponse](t, do(t, a, "GET", "/v1/enrollment/task", nil))
		require.Equal(t, started.TaskID, task.TaskID)
		if task.Done {
			require.Empty(t, task.Error)
			return
		}
		require.True(t, time.Now().Before(deadline), "enrollment did not finish")
		time.Sleep(20 * time.Millisecond)
	}
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()
	a := newApp(t)
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(fiber.HeaderXRequestID, "req-1")
	resp, err := a.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, "req-1", resp.Header.Get(fiber.HeaderXRequestID))

	resp, err = a.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	require.NotEmpty(t, resp.Header.Get(fiber.HeaderXRequestID))
}

func TestPrepareAndStatus(t *testing.T) {
	t.Parallel()
	a := newApp(t)

	status := decode[attestation.Status](t, do(t, a, "GET", "/v1/status", nil))
	require.False(t, status.PreparedForEnrollment)
	require.False(t, status.Enrolled)

	resp := do(t, a, "POST", "/v1/enrollment/prepare", nil)
	require.Equal(t, fiber.StatusNoContent, resp.StatusCode)

	status = decode[attestation.Status](t, do(t, a, "GET", "/v1/status?extended=true", nil))
	require.True(t, status.PreparedForEnrollment)
	require.Len(t, status.Identities, 1)

	resp = do(t, a, "POST", "/v1/enrollment/request?pca=default", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.NotEmpty(t, decode[app.EncodedResponse](t, resp).Request)
}

func TestErrors(t *testing.T) {
	t.Parallel()
	a := newApp(t)

	resp := do(t, a, "GET", "/v1/enrollment/task", nil)
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp = do(t, a, "POST", "/v1/enrollment/request?pca=bogus", nil)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp = do(t, a, "POST", "/v1/enrollment/request?pca=test", nil)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	body := decode[codeResp](t, resp)
	require.Equal(t, fiber.StatusBadRequest, body.Code)
	require.Contains(t, body.Message, attestation.ErrUnknownPCA.Error())

	resp = do(t, a, "POST", "/v1/enrollment/request", nil)
	require.Equal(t, fiber.StatusConflict, resp.StatusCode)

	resp = do(t, a, "POST", "/v1/certificates", app.CertificateRequest{KeyName: "attest-ent-machine"})
	require.Equal(t, fiber.StatusConflict, resp.StatusCode)

	resp = do(t, a, "POST", "/v1/certificates", app.CertificateRequest{})
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp = do(t, a, "GET", "/v1/keys/missing", nil)
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp = do(t, a, "POST", "/v1/certificates/response", app.FinishCertificateRequest{Response: []byte{0xff}, KeyName: "k"})
	require.Equal(t, fiber.StatusBadGateway, resp.StatusCode)

	resp = do(t, a, "DELETE", "/v1/keys", nil)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestEnrollAndCertify(t *testing.T) {
	t.Parallel()
	a := newApp(t)
	enroll(t, a)

	status := decode[attestation.Status](t, do(t, a, "GET", "/v1/status", nil))
	require.True(t, status.Enrolled)

	resp := do(t, a, "POST", "/v1/certificates", app.CertificateRequest{
		PCA:     "default",
		Profile: pca.ProfileEnterpriseMachine.String(),
		KeyName: "attest-ent-machine",
	})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	chain := decode[app.CertificateResponse](t, resp).CertificateChain
	require.Contains(t, chain, "BEGIN CERTIFICATE")

	info := decode[attestation.KeyInfo](t, do(t, a, "GET", "/v1/keys/attest-ent-machine", nil))
	require.Equal(t, chain, info.CertificateChain)
	require.NotEmpty(t, info.PublicKey)

	resp = do(t, a, "PUT", "/v1/keys/attest-ent-machine/payload", app.PayloadRequest{Payload: []byte("payload")})
	require.Equal(t, fiber.StatusNoContent, resp.StatusCode)
	info = decode[attestation.KeyInfo](t, do(t, a, "GET", "/v1/keys/attest-ent-machine", nil))
	require.Equal(t, []byte("payload"), info.Payload)

	resp = do(t, a, "POST", "/v1/keys/attest-ent-machine/challenges/simple", app.SimpleChallengeRequest{Challenge: []byte("challenge123")})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.NotEmpty(t, decode[app.SignedResponse](t, resp).Response)

	resp = do(t, a, "POST", "/v1/keys/attest-ent-machine/challenges/enterprise", app.EnterpriseChallengeRequest{
		VAType:    "default",
		Challenge: []byte("not signed by the va"),
	})
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp = do(t, a, "DELETE", "/v1/keys/attest-ent-machine", nil)
	require.Equal(t, fiber.StatusNoContent, resp.StatusCode)
	resp = do(t, a, "GET", "/v1/keys/attest-ent-machine", nil)
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	identity := decode[attestation.AttestationKeyInfo](t, do(t, a, "GET", "/v1/identity", nil))
	require.NotEmpty(t, identity.Certificate)
	require.NotNil(t, identity.PCR0Quote)

	resp = do(t, a, "GET", "/.well-known/attestation/identity", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestVerifyAndEndorsement(t *testing.T) {
	t.Parallel()
	a := newApp(t)

	resp := do(t, a, "POST", "/v1/verify", app.VerifyRequest{EKOnly: true})
	require.True(t, decode[app.VerifyResponse](t, resp).Verified)

	resp = do(t, a, "POST", "/v1/verify", nil)
	require.False(t, decode[app.VerifyResponse](t, resp).Verified)

	enroll(t, a)
	resp = do(t, a, "POST", "/v1/verify", nil)
	require.True(t, decode[app.VerifyResponse](t, resp).Verified)

	info := decode[attestation.EndorsementInfo](t, do(t, a, "GET", "/v1/endorsement", nil))
	require.NotEmpty(t, info.PublicKey)
	require.Contains(t, info.Info, "EK Certificate:")

	resp = do(t, a, "GET", "/v1/enrollment/id", nil)
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}
