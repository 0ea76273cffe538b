// Package tlsconfig builds the mutual TLS configuration shared by the
// supervisor's health endpoint and fleetctl.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// Config locates the certificate material for one side of the connection.
type Config struct {
	CertPath   string
	KeyPath    string
	CACertPath string

	// ServerName is verified against the server certificate by clients.
	ServerName string
	Server     bool
}

// Enabled reports whether any TLS material was configured.
func (c *Config) Enabled() bool {
	return c.CertPath != "" || c.KeyPath != "" || c.CACertPath != ""
}

// Validate checks that either all or none of the paths are set.
func (c *Config) Validate() error {
	if !c.Enabled() {
		return nil
	}

	if c.CertPath == "" || c.KeyPath == "" || c.CACertPath == "" {
		return errors.New("tls needs a certificate, key and CA certificate")
	}

	return nil
}

// Setup loads the certificates for config. Servers require and verify
// client certificates signed by the CA; clients verify the server against it.
func Setup(config *Config) (*tls.Config, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	cert, err := tls.LoadX509KeyPair(config.CertPath, config.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}

	caCert, err := os.ReadFile(config.CACertPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate %s", config.CACertPath)
	}

	tlsConfig := &tls.Config{
		MinVersion:   tls.VersionTLS13,
		ServerName:   config.ServerName,
		Certificates: []tls.Certificate{cert},
	}

	if config.Server {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		tlsConfig.ClientCAs = caCertPool
	} else {
		tlsConfig.RootCAs = caCertPool
	}

	return tlsConfig, nil
}
