package mqtt

import (
	"errors"
	"time"
)

const defaultPort = "8883"

// ConnectConfig holds the material needed to open one broker session.
type ConnectConfig struct {
	// Endpoint is the broker host, optionally with a port. Defaults to :8883.
	Endpoint string

	// ClientID identifies this client to the broker.
	ClientID string

	// CAFile, CertFile and KeyFile are paths to the PEM encoded CA
	// certificate, client certificate and client private key.
	CAFile   string
	CertFile string
	KeyFile  string

	// KeepAlive in seconds. Default is 30.
	KeepAlive uint16

	// ConnectTimeout for the TLS dial and MQTT handshake. Default is 10s.
	ConnectTimeout time.Duration
}

// setDefaultConfig applies safe default values to the configuration.
func setDefaultConfig(cfg *ConnectConfig) {
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 30
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
}

// Validate checks if the configuration is valid.
func (c *ConnectConfig) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if c.ClientID == "" {
		return errors.New("client id is required")
	}
	if c.CAFile == "" || c.CertFile == "" || c.KeyFile == "" {
		return errors.New("ca certificate, client certificate and client key are required")
	}
	return nil
}
