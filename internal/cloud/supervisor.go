package cloud

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"hearth.io/hearth/pkg/log"
)

// SupervisorState is the coarse cloud availability state exposed to the rest
// of the hub and to users.
type SupervisorState string

const (
	// CloudDisabled means the cloud link is switched off.
	CloudDisabled SupervisorState = "disabled"

	// CloudUnconfigured means the link is enabled but certificate material
	// or the endpoint is missing.
	CloudUnconfigured SupervisorState = "unconfigured"

	// CloudConnecting means a session is being established.
	CloudConnecting SupervisorState = "connecting"

	// CloudConnected means the session is fully established.
	CloudConnected SupervisorState = "connected"
)

// SupervisorConfig carries the static identity and the initial certificate
// configuration of the hub.
type SupervisorConfig struct {
	HubID   string
	HubName string

	Endpoint          string
	CACertificate     string
	ClientCertificate string
	ClientKey         string

	// StorageDir is where installed certificate sets are persisted.
	StorageDir string
}

// Supervisor decides when the cloud link should be up. It combines the
// enable switch, configuration completeness and network availability, and
// owns the installation of new certificate sets.
type Supervisor struct {
	mu  sync.Mutex
	log log.Logger

	connector *Connector
	store     Store
	cfg       SupervisorConfig

	enabled   bool
	networkUp bool
}

// NewSupervisor creates a Supervisor. Certificate paths and the endpoint
// fall back to the last installed set from the store when the config leaves
// them empty.
func NewSupervisor(cfg SupervisorConfig, connector *Connector, store Store, logger log.Logger) *Supervisor {
	if cfg.Endpoint == "" {
		cfg.Endpoint = store.Endpoint()
	}
	if cfg.CACertificate == "" && cfg.ClientCertificate == "" && cfg.ClientKey == "" {
		cfg.CACertificate, cfg.ClientCertificate, cfg.ClientKey = store.CertificatePaths()
	}

	return &Supervisor{
		log:       logger.WithName("cloudsupervisor"),
		connector: connector,
		store:     store,
		cfg:       cfg,
		networkUp: true,
	}
}

// SetEnabled switches the cloud link on or off. Enabling connects right away
// when the configuration is complete and the network is up.
func (s *Supervisor) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if enabled == s.enabled {
		return
	}
	s.enabled = enabled

	if !enabled {
		s.log.Info("Cloud link disabled")
		s.connector.Disconnect()
		return
	}

	s.log.Info("Cloud link enabled")
	if !s.configCompleteLocked() {
		return
	}
	if !s.networkUp {
		s.log.Info("Deferring cloud connect until the network is up")
		return
	}
	s.connectLocked()
}

// Enabled reports whether the cloud link is switched on.
func (s *Supervisor) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// OnNetworkStateChanged reacts to connectivity transitions. The connector's
// own reconnect loop covers drops; this hook only covers the case where the
// network came up after a connect was deferred.
func (s *Supervisor) OnNetworkStateChanged(up bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if up == s.networkUp {
		return
	}
	s.networkUp = up
	s.log.Info("Network state changed", "up", up)

	if up && s.enabled && s.configCompleteLocked() && s.connector.State() == StateDisconnected {
		s.connectLocked()
	}
}

// InstallClientCertificates persists a freshly provisioned certificate set
// under a new numbered directory, activates it and reconnects when the link
// is enabled. The active configuration is left untouched when any write
// fails.
func (s *Supervisor) InstallClientCertificates(rootCA, certificatePEM, publicKey, privateKey []byte, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	base := filepath.Join(s.cfg.StorageDir, "certs", "cloud")
	var dir string
	for i := 0; ; i++ {
		dir = filepath.Join(base, strconv.Itoa(i))
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			break
		}
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create certificate directory: %w", err)
	}

	caPath := filepath.Join(dir, "relay-ca.crt")
	certPath := filepath.Join(dir, "client.crt")
	pubPath := filepath.Join(dir, "client.pub")
	keyPath := filepath.Join(dir, "client.key")

	files := []struct {
		path string
		data []byte
	}{
		{caPath, rootCA},
		{certPath, certificatePEM},
		{pubPath, publicKey},
		{keyPath, privateKey},
	}
	for _, f := range files {
		if err := os.WriteFile(f.path, f.data, 0o600); err != nil {
			return fmt.Errorf("write %s: %w", filepath.Base(f.path), err)
		}
	}

	s.cfg.Endpoint = endpoint
	s.cfg.CACertificate = caPath
	s.cfg.ClientCertificate = certPath
	s.cfg.ClientKey = keyPath
	s.store.SetCertificatePaths(caPath, certPath, keyPath)
	s.store.SetEndpoint(endpoint)
	s.log.Info("Cloud certificates installed", "dir", dir, "endpoint", endpoint)

	// Connect even while the network probe says down; the connector's own
	// retry loop picks the new material up as soon as the link works.
	if s.enabled {
		s.connectLocked()
	}
	return nil
}

// ReloadCertificates redials with the current certificate set. Used when the
// files change on disk.
func (s *Supervisor) ReloadCertificates() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled || !s.configCompleteLocked() {
		return
	}
	// connectLocked would be a no-op here: a rewrite in place leaves the
	// configuration unchanged, so the session has to be torn down by hand.
	s.log.Info("Certificate files changed, reconnecting")
	s.connector.Reconnect()
}

// CertificateFiles returns the active certificate file paths.
func (s *Supervisor) CertificateFiles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var files []string
	for _, f := range []string{s.cfg.CACertificate, s.cfg.ClientCertificate, s.cfg.ClientKey} {
		if f != "" {
			files = append(files, f)
		}
	}
	return files
}

// ConnectionState derives the externally visible cloud state.
func (s *Supervisor) ConnectionState() SupervisorState {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case !s.enabled:
		return CloudDisabled
	case !s.configCompleteLocked():
		return CloudUnconfigured
	case s.connector.State() == StateConnected:
		return CloudConnected
	default:
		return CloudConnecting
	}
}

// SetHubName forwards a display name change to the connector.
func (s *Supervisor) SetHubName(name string) {
	s.mu.Lock()
	s.cfg.HubName = name
	s.mu.Unlock()

	s.connector.SetHubName(name)
}

// Pair forwards a pairing request.
func (s *Supervisor) Pair(idToken, userID string) {
	s.connector.PairDevice(idToken, userID)
}

// SendPushNotification forwards a push notification and returns its
// transaction id.
func (s *Supervisor) SendPushNotification(endpoint PushEndpoint, title, text string) uint64 {
	return s.connector.SendPushNotification(endpoint, title, text)
}

// configCompleteLocked validates the connection material, logging what is
// missing. Caller holds s.mu.
func (s *Supervisor) configCompleteLocked() bool {
	complete := true
	if s.cfg.HubID == "" {
		s.log.Warn("Cloud configuration incomplete, hub id missing")
		complete = false
	}
	if s.cfg.HubName == "" {
		s.log.Warn("Cloud configuration incomplete, hub name missing")
		complete = false
	}
	if s.cfg.Endpoint == "" {
		s.log.Warn("Cloud configuration incomplete, endpoint missing")
		complete = false
	}
	if s.cfg.CACertificate == "" || s.cfg.ClientCertificate == "" || s.cfg.ClientKey == "" {
		s.log.Warn("Cloud configuration incomplete, certificate material missing")
		complete = false
	}
	return complete
}

// connectLocked hands the active configuration to the connector. Caller
// holds s.mu.
func (s *Supervisor) connectLocked() {
	s.connector.Connect(ConnectionConfig{
		Endpoint:          s.cfg.Endpoint,
		ClientID:          s.cfg.HubID,
		HubName:           s.cfg.HubName,
		CACertificate:     s.cfg.CACertificate,
		ClientCertificate: s.cfg.ClientCertificate,
		ClientKey:         s.cfg.ClientKey,
	})
}
