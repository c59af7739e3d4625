package hubd

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"hearth.io/hearth/internal/cloud"
	"hearth.io/hearth/pkg/log"
)

// Server is the hub daemon: the cloud supervisor and connector, the local
// status HTTP server, the certificate watcher and the network probe.
type Server struct {
	cfg *Config
	log log.Logger

	connector  *cloud.Connector
	supervisor *cloud.Supervisor

	mu        sync.Mutex
	endpoints []cloud.PushEndpoint
}

// Run starts all components and blocks until ctx is done or a component
// fails.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("Starting hearth-hubd", "hubId", s.cfg.HubID, "name", s.cfg.HubName)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.runHTTPServer(ctx)
	})

	g.Go(func() error {
		return s.runNetworkProbe(ctx)
	})

	if files := s.supervisor.CertificateFiles(); len(files) > 0 {
		watcher, err := cloud.NewCertWatcher(files, s.supervisor.ReloadCertificates, s.log)
		if err != nil {
			s.log.Error(err, "Certificate watcher unavailable, rotation requires a restart")
		} else {
			g.Go(func() error {
				err := watcher.Run(ctx)
				if err == context.Canceled {
					return nil
				}
				return err
			})
		}
	}

	s.supervisor.SetEnabled(s.cfg.CloudEnabled)

	g.Go(func() error {
		<-ctx.Done()
		s.log.Info("Shutting down hearth-hubd")
		s.supervisor.SetEnabled(false)
		return nil
	})

	return g.Wait()
}

func (s *Server) onCloudConnected() {
	s.log.Info("Cloud connection established")
}

func (s *Server) onCloudDisconnected() {
	s.log.Info("Cloud connection lost")
}

func (s *Server) onDevicePaired(userID string, status int, message string) {
	s.log.Info("Device pairing finished", "userId", userID, "status", status, "message", message)
}

func (s *Server) onPushNotificationSent(id uint64, status int) {
	s.log.Debug("Push notification delivered", "id", id, "status", status)
}

func (s *Server) onTurnCredentials(creds cloud.TurnCredentials) {
	s.log.Debug("Relay credentials updated")
}

func (s *Server) onRelayConnectionRequest(token, nonce string) {
	// Remote access sessions are established by a relay client that is not
	// part of this daemon yet. Surface the request for now.
	s.log.Info("Relay connection requested", "nonce", nonce)
}

func (s *Server) setPushEndpoints(endpoints []cloud.PushEndpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints = endpoints
}

func (s *Server) addPushEndpoint(ep cloud.PushEndpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints = append(s.endpoints, ep)
}

// PushEndpoints returns the last known push endpoint list.
func (s *Server) PushEndpoints() []cloud.PushEndpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]cloud.PushEndpoint(nil), s.endpoints...)
}
