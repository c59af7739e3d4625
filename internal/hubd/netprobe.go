package hubd

import (
	"context"
	"net"
	"time"
)

const (
	probeInterval = 30 * time.Second
	probeTimeout  = 5 * time.Second
)

// runNetworkProbe periodically checks reachability of the cloud endpoint and
// feeds transitions into the supervisor, so a connect that was deferred for
// lack of network happens as soon as connectivity returns.
func (s *Server) runNetworkProbe(ctx context.Context) error {
	endpoint := s.cfg.CloudEndpoint
	if endpoint == "" {
		s.log.Debug("No cloud endpoint configured, skipping network probe")
		return nil
	}
	if _, _, err := net.SplitHostPort(endpoint); err != nil {
		endpoint = net.JoinHostPort(endpoint, "8883")
	}

	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			conn, err := net.DialTimeout("tcp", endpoint, probeTimeout)
			if err != nil {
				s.supervisor.OnNetworkStateChanged(false)
				continue
			}
			conn.Close()
			s.supervisor.OnNetworkStateChanged(true)
		}
	}
}
