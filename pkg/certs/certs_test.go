package certs_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DIMO-Network/tpm-attestation/pkg/certs"
	"github.com/DIMO-Network/tpm-attestation/pkg/config"
	"github.com/stretchr/testify/require"
)

func writeKeyPair(t *testing.T) config.LocalCertConfig {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	cfg := config.LocalCertConfig{
		CertFile: filepath.Join(dir, "cert.pem"),
		KeyFile:  filepath.Join(dir, "key.pem"),
	}
	require.NoError(t, os.WriteFile(cfg.CertFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(cfg.KeyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return cfg
}

func TestTLSConfigFromSettings(t *testing.T) {
	t.Parallel()

	t.Run("disabled", func(t *testing.T) {
		t.Parallel()
		tlsConfig, err := certs.TLSConfigFromSettings(&config.TLSConfig{})
		require.NoError(t, err)
		require.Nil(t, tlsConfig)
	})

	t.Run("local certs", func(t *testing.T) {
		t.Parallel()
		tlsConfig, err := certs.TLSConfigFromSettings(&config.TLSConfig{Enabled: true, LocalCerts: writeKeyPair(t)})
		require.NoError(t, err)
		require.NotNil(t, tlsConfig)
		cert, err := tlsConfig.GetCertificate(nil)
		require.NoError(t, err)
		require.NotEmpty(t, cert.Certificate)
	})

	t.Run("missing files", func(t *testing.T) {
		t.Parallel()
		_, err := certs.TLSConfigFromSettings(&config.TLSConfig{
			Enabled:    true,
			LocalCerts: config.LocalCertConfig{CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem"},
		})
		require.Error(t, err)
	})
}
