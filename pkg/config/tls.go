package config

// TLSConfig contains the settings for serving the local API over TLS.
type TLSConfig struct {
	// Enabled is whether TLS is enabled.
	Enabled bool `env:"ENABLED" yaml:"enabled"`
	// LocalCerts is the configuration for the local certificates.
	LocalCerts LocalCertConfig `envPrefix:"LOCAL_" yaml:"localCerts"`
}

// LocalCertConfig contains the settings for the local certificates.
type LocalCertConfig struct {
	// CertFile is the path to the certificate file.
	CertFile string `env:"CERT_FILE" yaml:"certFile"`
	// KeyFile is the path to the key file for the certificate.
	KeyFile string `env:"KEY_FILE"  yaml:"keyFile"`
}
