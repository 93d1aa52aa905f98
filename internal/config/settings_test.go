package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DIMO-Network/tpm-attestation/internal/config"
	"github.com/DIMO-Network/tpm-attestation/pkg/pca"
	"github.com/stretchr/testify/require"
)

const settingsYAML = `
LOG_LEVEL: debug
PORT: 9000
DATABASE_PATH: /tmp/attestation.bin
HARDWARE_ID: "SIMULATED TEST 0001"
TPM:
  simulated: true
  keyBits: 1024
PCA:
  enroll: test
  pendingTtl: 30s
  test:
    url: http://127.0.0.1:8090
SCHEDULER:
  enabled: true
  interval: 5s
`

func writeSettings(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("ATTESTATION_PORT", "9100")
	t.Setenv("ATTESTATION_SCHEDULER_INTERVAL", "2s")

	settings, err := config.Load(writeSettings(t, settingsYAML))
	require.NoError(t, err)
	require.Equal(t, "debug", settings.LogLevel)
	require.Equal(t, 9100, settings.Port)
	require.Equal(t, 8888, settings.MonPort)
	require.Equal(t, "/tmp/attestation.bin", settings.DatabasePath)
	require.Equal(t, "SIMULATED TEST 0001", settings.HardwareID)
	require.True(t, settings.TPM.Simulated)
	require.Equal(t, 1024, settings.TPM.KeyBits)
	require.True(t, settings.Scheduler.Enabled)
	require.Equal(t, 2*time.Second, settings.Scheduler.Interval)
	require.Equal(t, 30*time.Second, settings.PCA.PendingTTL)

	enroll, err := settings.PCA.EnrollType()
	require.NoError(t, err)
	require.Equal(t, pca.Test, enroll)

	registry, err := settings.PCA.Registry()
	require.NoError(t, err)
	require.Equal(t, "http://127.0.0.1:8090", registry[pca.Test].URL)
	require.Equal(t, pca.DefaultRegistry()[pca.Default], registry[pca.Default])
}

func TestLoadEnvironmentOnly(t *testing.T) {
	t.Setenv("ATTESTATION_TPM_SIMULATED", "true")
	t.Setenv("ATTESTATION_PCA_DEFAULT_PUBLIC_KEY_ID", "00aabbccdd")

	settings, err := config.Load("")
	require.NoError(t, err)
	require.Equal(t, 8080, settings.Port)
	require.Equal(t, time.Minute, settings.Scheduler.Interval)

	registry, err := settings.PCA.Registry()
	require.NoError(t, err)
	require.Equal(t, []byte{0x00, 0xaa, 0xbb, 0xcc, 0xdd}, registry[pca.Default].PublicKeyID)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "hardware tpm", env: map[string]string{}},
		{name: "unknown pca", env: map[string]string{"ATTESTATION_TPM_SIMULATED": "true", "ATTESTATION_PCA_ENROLL": "other"}},
		{name: "tls without certs", env: map[string]string{"ATTESTATION_TPM_SIMULATED": "true", "ATTESTATION_TLS_ENABLED": "true"}},
		{name: "bad key id", env: map[string]string{"ATTESTATION_TPM_SIMULATED": "true", "ATTESTATION_PCA_TEST_PUBLIC_KEY_ID": "xyz"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := config.Load("")
			require.Error(t, err)
		})
	}
}
