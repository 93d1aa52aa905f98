// Package config holds the settings blocks shared by the attestation
// binaries.
package config

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/DIMO-Network/tpm-attestation/pkg/pca"
)

// AuthoritySettings overrides the built-in description of one Privacy CA.
// Empty fields keep the built-in value.
type AuthoritySettings struct {
	// URL is the base URL of the enroll and sign endpoints.
	URL string `env:"URL" yaml:"url"`
	// PublicKeyHex is the RSA modulus of the CA encryption key.
	PublicKeyHex string `env:"PUBLIC_KEY" yaml:"publicKey"`
	// PublicKeyIDHex identifies PublicKeyHex, hex encoded.
	PublicKeyIDHex string `env:"PUBLIC_KEY_ID" yaml:"publicKeyId"`
}

// PCASettings configures the known Privacy CAs.
type PCASettings struct {
	Default AuthoritySettings `envPrefix:"DEFAULT_" yaml:"default"`
	Test    AuthoritySettings `envPrefix:"TEST_" yaml:"test"`
	// Enroll is the CA the scheduler enrolls with.
	Enroll string `env:"ENROLL" yaml:"enroll"`
	// PendingTTL bounds how long an unanswered certificate request is kept.
	PendingTTL time.Duration `env:"PENDING_TTL" yaml:"pendingTtl"`
}

// Registry applies the overrides to the built-in registry.
func (s *PCASettings) Registry() (pca.Registry, error) {
	registry := pca.DefaultRegistry()
	for t, override := range map[pca.Type]AuthoritySettings{pca.Default: s.Default, pca.Test: s.Test} {
		authority := registry[t]
		if override.URL != "" {
			authority.URL = override.URL
		}
		if override.PublicKeyHex != "" {
			authority.PublicKeyHex = override.PublicKeyHex
			if _, err := authority.PublicKey(); err != nil {
				return nil, err
			}
		}
		if override.PublicKeyIDHex != "" {
			id, err := hex.DecodeString(override.PublicKeyIDHex)
			if err != nil {
				return nil, fmt.Errorf("pca %s: invalid public key id: %w", t, err)
			}
			authority.PublicKeyID = id
		}
		registry = registry.With(authority)
	}
	return registry, nil
}

// EnrollType parses Enroll.
func (s *PCASettings) EnrollType() (pca.Type, error) {
	return pca.ParseType(s.Enroll)
}

// SchedulerSettings configures background enrollment.
type SchedulerSettings struct {
	// Enabled starts the scheduler with the daemon.
	Enabled bool `env:"ENABLED" yaml:"enabled"`
	// Interval is the delay between enrollment attempts.
	Interval time.Duration `env:"INTERVAL" yaml:"interval"`
}

// TPMSettings selects the TPM backend.
type TPMSettings struct {
	// Simulated runs against the in-process software TPM. Its keys live only
	// as long as the process, so a database it sealed cannot be read after a
	// restart.
	Simulated bool `env:"SIMULATED" yaml:"simulated"`
	// KeyBits is the RSA size of keys created by the software TPM.
	KeyBits int `env:"KEY_BITS" yaml:"keyBits"`
}
