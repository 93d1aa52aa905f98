// Package certs builds the TLS configuration of the local API.
package certs

import (
	"crypto/tls"
	"fmt"

	"github.com/DIMO-Network/tpm-attestation/pkg/config"
)

// GetCertificateFunc is a function that returns a certificate for the given settings.
type GetCertificateFunc func(*tls.ClientHelloInfo) (*tls.Certificate, error)

// GetCertificatesFromSettings returns a function that returns a certificate for the given settings.
func GetCertificatesFromSettings(settings *config.LocalCertConfig) (GetCertificateFunc, error) {
	cert, err := tls.LoadX509KeyPair(settings.CertFile, settings.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}

	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		return &cert, nil
	}, nil
}

// TLSConfigFromSettings returns the server TLS configuration, or nil when TLS
// is disabled.
func TLSConfigFromSettings(settings *config.TLSConfig) (*tls.Config, error) {
	if !settings.Enabled {
		return nil, nil
	}
	getCert, err := GetCertificatesFromSettings(&settings.LocalCerts)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		GetCertificate: getCert,
		MinVersion:     tls.VersionTLS12,
	}, nil
}
