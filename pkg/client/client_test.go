package client_test

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/DIMO-Network/tpm-attestation/internal/app"
	"github.com/DIMO-Network/tpm-attestation/pkg/attestation"
	"github.com/DIMO-Network/tpm-attestation/pkg/client"
	"github.com/DIMO-Network/tpm-attestation/pkg/pca"
	"github.com/DIMO-Network/tpm-attestation/pkg/pca/simca"
	"github.com/DIMO-Network/tpm-attestation/pkg/platform"
	"github.com/DIMO-Network/tpm-attestation/pkg/storage"
	"github.com/DIMO-Network/tpm-attestation/pkg/tpm/simulator"
	"github.com/DIMO-Network/tpm-attestation/pkg/verify"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) *client.Client {
	t.Helper()
	sim, err := simulator.New(simulator.Options{KeyBits: 1024})
	require.NoError(t, err)
	issuer, modulus := sim.EndorsementRoot()
	roots := verify.CATable{{Issuer: issuer, ModulusHex: modulus}}
	ca, err := simca.New(simca.Options{Type: pca.Default, KeyBits: 1024})
	require.NoError(t, err)

	engine, err := attestation.New(attestation.Config{
		TPM:            sim,
		Blob:           storage.NewFile(filepath.Join(t.TempDir(), "attestation.db")),
		Platform:       &platform.Static{Finalized: true},
		Registry:       pca.Registry{pca.Default: ca.Authority("")},
		Transport:      ca,
		EndorsementCAs: roots,
	})
	require.NoError(t, err)
	require.NoError(t, engine.Initialize(t.Context()))
	t.Cleanup(engine.Close)

	logger := zerolog.Nop()
	srv := httptest.NewServer(adaptor.FiberApp(app.CreateAttestationServer(&logger, engine)))
	t.Cleanup(srv.Close)
	return client.New(srv.URL, srv.Client())
}

func TestClient(t *testing.T) {
	t.Parallel()
	c := newClient(t)
	ctx := t.Context()

	status, err := c.Status(ctx, false)
	require.NoError(t, err)
	require.False(t, status.Enrolled)

	task, err := c.StartEnrollment(ctx, "default")
	require.NoError(t, err)
	require.True(t, task.Started)
	done, err := c.WaitTask(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, task.TaskID, done.TaskID)
	require.Empty(t, done.Error)

	status, err = c.Status(ctx, true)
	require.NoError(t, err)
	require.True(t, status.Enrolled)

	chain, err := c.Certificate(ctx, app.CertificateRequest{KeyName: "attest-ent-machine"})
	require.NoError(t, err)
	require.Contains(t, chain, "BEGIN CERTIFICATE")

	info, err := c.KeyInfo(ctx, "", "attest-ent-machine")
	require.NoError(t, err)
	require.Equal(t, chain, info.CertificateChain)

	signed, err := c.SignSimpleChallenge(ctx, "", "attest-ent-machine", []byte("challenge123"))
	require.NoError(t, err)
	require.NotEmpty(t, signed)

	verified, err := c.Verify(ctx, false, false)
	require.NoError(t, err)
	require.True(t, verified)

	require.NoError(t, c.DeleteKeys(ctx, "", "attest-"))
	_, err = c.KeyInfo(ctx, "", "attest-ent-machine")
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusNotFound, apiErr.Code)
}

func TestClientUserKeysWithoutStore(t *testing.T) {
	t.Parallel()
	c := newClient(t)
	_, err := c.KeyInfo(t.Context(), "alice", "k")
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusNotImplemented, apiErr.Code)
}
