package main

import (
	"bytes"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/DIMO-Network/tpm-attestation/internal/app"
	"github.com/DIMO-Network/tpm-attestation/pkg/attestation"
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

func startDaemon(t *testing.T) string {
	t.Helper()
	sim, err := simulator.New(simulator.Options{KeyBits: 1024})
	require.NoError(t, err)
	issuer, modulus := sim.EndorsementRoot()
	ca, err := simca.New(simca.Options{Type: pca.Default, KeyBits: 1024})
	require.NoError(t, err)
	engine, err := attestation.New(attestation.Config{
		TPM:            sim,
		Blob:           storage.NewFile(filepath.Join(t.TempDir(), "attestation.db")),
		Platform:       &platform.Static{Finalized: true},
		Registry:       pca.Registry{pca.Default: ca.Authority("")},
		Transport:      ca,
		EndorsementCAs: verify.CATable{{Issuer: issuer, ModulusHex: modulus}},
	})
	require.NoError(t, err)
	require.NoError(t, engine.Initialize(t.Context()))
	t.Cleanup(engine.Close)
	logger := zerolog.Nop()
	srv := httptest.NewServer(adaptor.FiberApp(app.CreateAttestationServer(&logger, engine)))
	t.Cleanup(srv.Close)
	return srv.URL
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(t.Context())
	return out.String(), err
}

func TestCommands(t *testing.T) {
	t.Parallel()
	url := startDaemon(t)

	out, err := run(t, "--url", url, "verify", "--ek-only")
	require.NoError(t, err)
	require.Equal(t, "verified: true\n", out)

	out, err = run(t, "--url", url, "enroll", "--wait")
	require.NoError(t, err)
	require.Contains(t, out, `"done": true`)

	out, err = run(t, "--url", url, "status")
	require.NoError(t, err)
	require.Contains(t, out, `"enrolled": true`)

	out, err = run(t, "--url", url, "get-certificate", "--key", "attest-ent-machine")
	require.NoError(t, err)
	require.Contains(t, out, "BEGIN CERTIFICATE")

	out, err = run(t, "--url", url, "endorsement-info")
	require.NoError(t, err)
	require.Contains(t, out, "EK Certificate:")

	_, err = run(t, "--url", url, "key-info", "--key", "missing")
	require.Error(t, err)
}
