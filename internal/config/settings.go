package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/DIMO-Network/shared"
	"github.com/DIMO-Network/tpm-attestation/pkg/config"
	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ATTESTATION_"

const (
	defaultPort              = 8080
	defaultMonPort           = 8888
	defaultDatabasePath      = "/var/lib/attestation/database.bin"
	defaultSchedulerInterval = time.Minute
	defaultPendingTTL        = 10 * time.Minute
	defaultKeyBits           = 2048
)

// Settings contains the application config
type Settings struct {
	Environment string `env:"ENVIRONMENT" yaml:"ENVIRONMENT"`
	LogLevel    string `env:"LOG_LEVEL"   yaml:"LOG_LEVEL"`
	Port        int    `env:"PORT"        yaml:"PORT"`
	MonPort     int    `env:"MON_PORT"    yaml:"MON_PORT"`

	// DatabasePath is the sealed attestation database file.
	DatabasePath string `env:"DATABASE_PATH"  yaml:"DATABASE_PATH"`
	// KeyStorePath is the SQLite file holding user keys. Empty disables
	// user keys.
	KeyStorePath string `env:"KEY_STORE_PATH" yaml:"KEY_STORE_PATH"`

	InstallAttributesPath string `env:"INSTALL_ATTRIBUTES_PATH" yaml:"INSTALL_ATTRIBUTES_PATH"`
	HardwareID            string `env:"HARDWARE_ID"             yaml:"HARDWARE_ID"`
	HardwareIDPath        string `env:"HARDWARE_ID_PATH"        yaml:"HARDWARE_ID_PATH"`
	EnrollmentDataPath    string `env:"ENROLLMENT_DATA_PATH"    yaml:"ENROLLMENT_DATA_PATH"`

	TPM       config.TPMSettings       `envPrefix:"TPM_"       yaml:"TPM"`
	PCA       config.PCASettings       `envPrefix:"PCA_"       yaml:"PCA"`
	Scheduler config.SchedulerSettings `envPrefix:"SCHEDULER_" yaml:"SCHEDULER"`
	TLS       config.TLSConfig         `envPrefix:"TLS_"       yaml:"TLS"`
}

// Load reads settings from the YAML file at path, when given, and then from
// ATTESTATION_ prefixed environment variables. Unset values get defaults.
func Load(path string) (*Settings, error) {
	var settings Settings
	if path != "" {
		var err error
		settings, err = shared.LoadConfig[Settings](path)
		if err != nil {
			return nil, fmt.Errorf("failed to load settings file: %w", err)
		}
	}
	if err := env.ParseWithOptions(&settings, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	settings.setDefaults()
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return &settings, nil
}

func (s *Settings) setDefaults() {
	if s.Port == 0 {
		s.Port = defaultPort
	}
	if s.MonPort == 0 {
		s.MonPort = defaultMonPort
	}
	if s.DatabasePath == "" {
		s.DatabasePath = defaultDatabasePath
	}
	if s.Scheduler.Interval == 0 {
		s.Scheduler.Interval = defaultSchedulerInterval
	}
	if s.PCA.PendingTTL == 0 {
		s.PCA.PendingTTL = defaultPendingTTL
	}
	if s.TPM.KeyBits == 0 {
		s.TPM.KeyBits = defaultKeyBits
	}
}

// Validate reports settings the daemon cannot start with.
func (s *Settings) Validate() error {
	if !s.TPM.Simulated {
		return errors.New("no hardware tpm backend is available, set TPM.simulated")
	}
	if s.TLS.Enabled && (s.TLS.LocalCerts.CertFile == "" || s.TLS.LocalCerts.KeyFile == "") {
		return errors.New("tls requires a certificate and key file")
	}
	if _, err := s.PCA.EnrollType(); err != nil {
		return err
	}
	if _, err := s.PCA.Registry(); err != nil {
		return err
	}
	return nil
}
