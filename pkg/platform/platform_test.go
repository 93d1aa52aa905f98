package platform_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/DIMO-Network/tpm-attestation/pkg/platform"
	"github.com/stretchr/testify/require"
)

func TestFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := &platform.Files{
		InstallAttributesPath: filepath.Join(dir, "install_attributes.pb"),
		HardwareIDPath:        filepath.Join(dir, "hwid"),
		EnrollmentDataPath:    filepath.Join(dir, "abe"),
	}
	ctx := t.Context()

	require.False(t, p.InstallAttributesFinalized(ctx))
	require.NoError(t, os.WriteFile(p.InstallAttributesPath, nil, 0o600))
	require.False(t, p.InstallAttributesFinalized(ctx))
	require.NoError(t, os.WriteFile(p.InstallAttributesPath, []byte{1}, 0o600))
	require.True(t, p.InstallAttributesFinalized(ctx))

	require.Nil(t, p.HardwareID(ctx))
	require.NoError(t, os.WriteFile(p.HardwareIDPath, []byte("SAMUS E25-Q3B\n"), 0o600))
	require.Equal(t, []byte("SAMUS E25-Q3B"), p.HardwareID(ctx))
	p.FixedHardwareID = "OVERRIDE"
	require.Equal(t, []byte("OVERRIDE"), p.HardwareID(ctx))

	_, err := p.EnrollmentData(ctx)
	require.Error(t, err)
	require.NoError(t, os.WriteFile(p.EnrollmentDataPath, []byte("\n"), 0o600))
	_, err = p.EnrollmentData(ctx)
	require.ErrorIs(t, err, platform.ErrNoEnrollmentData)
	require.NoError(t, os.WriteFile(p.EnrollmentDataPath, []byte("secret\n"), 0o600))
	data, err := p.EnrollmentData(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("secret"), data)
}

func TestUnconfiguredFiles(t *testing.T) {
	t.Parallel()
	p := &platform.Files{}
	require.True(t, p.InstallAttributesFinalized(t.Context()))
	require.Nil(t, p.HardwareID(t.Context()))
	_, err := p.EnrollmentData(t.Context())
	require.ErrorIs(t, err, platform.ErrNoEnrollmentData)
}

func TestStatic(t *testing.T) {
	t.Parallel()
	p := &platform.Static{Finalized: true, HWID: []byte("hwid")}
	require.True(t, p.InstallAttributesFinalized(t.Context()))
	require.Equal(t, []byte("hwid"), p.HardwareID(t.Context()))
	_, err := p.EnrollmentData(t.Context())
	require.ErrorIs(t, err, platform.ErrNoEnrollmentData)
}
