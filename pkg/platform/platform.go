// Package platform reads the device configuration the attestation engine
// depends on: the install-attributes state, the hardware id and the
// attestation-based enrollment secret.
package platform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
)

// Platform describes the device the engine runs on.
type Platform interface {
	// InstallAttributesFinalized reports whether device ownership
	// configuration is locked. Identities are not created before that.
	InstallAttributesFinalized(ctx context.Context) bool
	// HardwareID returns the value measured into PCR1.
	HardwareID(ctx context.Context) []byte
	// EnrollmentData returns the attestation-based enrollment secret.
	EnrollmentData(ctx context.Context) ([]byte, error)
}

// Files reads platform state from the filesystem.
type Files struct {
	// InstallAttributesPath exists and is non-empty once install attributes
	// are finalized.
	InstallAttributesPath string
	// HardwareIDPath holds the hardware id. FixedHardwareID takes precedence.
	HardwareIDPath  string
	FixedHardwareID string
	// EnrollmentDataPath holds the enrollment secret.
	EnrollmentDataPath string
}

var _ Platform = (*Files)(nil)

// InstallAttributesFinalized implements Platform.
func (f *Files) InstallAttributesFinalized(ctx context.Context) bool {
	if f.InstallAttributesPath == "" {
		return true
	}
	info, err := os.Stat(f.InstallAttributesPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			zerolog.Ctx(ctx).Warn().Err(err).Str("component", "platform").Msg("Failed to stat install attributes.")
		}
		return false
	}
	return info.Size() > 0
}

// HardwareID implements Platform.
func (f *Files) HardwareID(ctx context.Context) []byte {
	if f.FixedHardwareID != "" {
		return []byte(f.FixedHardwareID)
	}
	if f.HardwareIDPath == "" {
		return nil
	}
	data, err := os.ReadFile(f.HardwareIDPath)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("component", "platform").Msg("Failed to read hardware id.")
		return nil
	}
	return bytes.TrimSpace(data)
}

// EnrollmentData implements Platform.
func (f *Files) EnrollmentData(context.Context) ([]byte, error) {
	if f.EnrollmentDataPath == "" {
		return nil, ErrNoEnrollmentData
	}
	data, err := os.ReadFile(f.EnrollmentDataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read enrollment data: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, ErrNoEnrollmentData
	}
	return data, nil
}

// Error is a sentinel error of this package.
type Error string

func (e Error) Error() string {
	return string(e)
}

// ErrNoEnrollmentData is returned when the device has no enrollment secret.
const ErrNoEnrollmentData Error = "no attestation-based enrollment data"

// Static is a fixed Platform.
type Static struct {
	Finalized bool
	HWID      []byte
	ABEData   []byte
}

var _ Platform = (*Static)(nil)

// InstallAttributesFinalized implements Platform.
func (s *Static) InstallAttributesFinalized(context.Context) bool {
	return s.Finalized
}

// HardwareID implements Platform.
func (s *Static) HardwareID(context.Context) []byte {
	return s.HWID
}

// EnrollmentData implements Platform.
func (s *Static) EnrollmentData(context.Context) ([]byte, error) {
	if len(s.ABEData) == 0 {
		return nil, ErrNoEnrollmentData
	}
	return s.ABEData, nil
}
