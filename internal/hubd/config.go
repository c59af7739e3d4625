package hubd

import (
	"fmt"
	"os"
	"path/filepath"

	"hearth.io/hearth/internal/cloud"
	"hearth.io/hearth/pkg/log"
	"hearth.io/hearth/pkg/mqtt"
)

// Config is the fully resolved configuration of the hub daemon.
type Config struct {
	// Identity
	HubID   string
	HubName string

	// Cloud connection material. Empty values fall back to the last
	// installed certificate set.
	CloudEndpoint     string
	CACertificate     string
	ClientCertificate string
	ClientKey         string

	// CloudEnabled starts the cloud link at boot.
	CloudEnabled bool

	// StorageDir holds the state file and installed certificates.
	StorageDir string

	// ListenAddress for the local status and metrics HTTP server.
	ListenAddress string
}

// NewServer assembles the daemon from the configuration.
func (cfg *Config) NewServer() (*Server, error) {
	if cfg.HubID == "" {
		return nil, fmt.Errorf("hub-id is required")
	}
	if cfg.StorageDir == "" {
		return nil, fmt.Errorf("storage-dir is required")
	}

	logger := log.Std()

	if err := os.MkdirAll(cfg.StorageDir, 0o700); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	store, err := cloud.NewFileStore(filepath.Join(cfg.StorageDir, "cloud.yaml"), logger)
	if err != nil {
		return nil, fmt.Errorf("open cloud state store: %w", err)
	}

	s := &Server{
		cfg: cfg,
		log: logger.WithName("hubd"),
	}

	s.connector = cloud.NewConnector(store, mqtt.Dial, cloud.Callbacks{
		OnConnected:    s.onCloudConnected,
		OnDisconnected: s.onCloudDisconnected,
		OnDevicePaired: s.onDevicePaired,
		OnPushEndpointsUpdated: func(endpoints []cloud.PushEndpoint) {
			s.setPushEndpoints(endpoints)
		},
		OnPushEndpointAdded: func(ep cloud.PushEndpoint) {
			s.addPushEndpoint(ep)
		},
		OnPushNotificationSent:   s.onPushNotificationSent,
		OnTurnCredentials:        s.onTurnCredentials,
		OnRelayConnectionRequest: s.onRelayConnectionRequest,
	}, logger)

	s.supervisor = cloud.NewSupervisor(cloud.SupervisorConfig{
		HubID:             cfg.HubID,
		HubName:           cfg.HubName,
		Endpoint:          cfg.CloudEndpoint,
		CACertificate:     cfg.CACertificate,
		ClientCertificate: cfg.ClientCertificate,
		ClientKey:         cfg.ClientKey,
		StorageDir:        cfg.StorageDir,
	}, s.connector, store, logger)

	return s, nil
}
