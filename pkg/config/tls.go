package config

import (
	"crypto/tls"
	"fmt"
	"strings"
)

// TLSConfig represents TLS termination for the federation listener.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	MinVersion string `yaml:"min_version,omitempty"`
}

// ParseTLSVersion converts "1.2" or "1.3" to a crypto/tls version. Empty
// selects TLS 1.2.
func ParseTLSVersion(version string) (uint16, error) {
	switch strings.TrimSpace(version) {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported TLS version %q", version)
	}
}

// Validate checks that an enabled listener names its key pair.
func (c *TLSConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	if strings.TrimSpace(c.CertFile) == "" {
		return NewConfigMissingError("server.tls.cert_file").
			WithSuggestion("Point cert_file at the PEM certificate chain served to remote servers")
	}
	if strings.TrimSpace(c.KeyFile) == "" {
		return NewConfigMissingError("server.tls.key_file").
			WithSuggestion("Point key_file at the PEM private key of cert_file")
	}
	if _, err := ParseTLSVersion(c.MinVersion); err != nil {
		return NewConfigValidationError("server.tls.min_version", c.MinVersion, err.Error()).
			WithSuggestion("Use 1.2 or 1.3")
	}
	return nil
}

// ServerTLS builds the crypto/tls configuration for the listener. It returns
// nil when TLS is disabled.
func (c *TLSConfig) ServerTLS() (*tls.Config, error) {
	if c == nil || !c.Enabled {
		return nil, nil
	}
	minVersion, err := ParseTLSVersion(c.MinVersion)
	if err != nil {
		return nil, err
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load TLS key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   minVersion,
		Certificates: []tls.Certificate{cert},
	}, nil
}
