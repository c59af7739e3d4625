package hubd

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hearth.io/hearth/internal/cloud"
)

type cloudStatusResponse struct {
	State     cloud.SupervisorState `json:"state"`
	Enabled   bool                  `json:"enabled"`
	Endpoints int                   `json:"pushEndpoints"`
}

type pairRequest struct {
	IDToken string `json:"idToken"`
	UserID  string `json:"userId"`
}

// runHTTPServer serves the local status and control API plus the Prometheus
// metrics endpoint.
func (s *Server) runHTTPServer(ctx context.Context) error {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	r.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/v1/cloud/status", s.handleCloudStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/cloud/pair", s.handleCloudPair).Methods(http.MethodPost)

	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Status server listening", "address", s.cfg.ListenAddress)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleCloudStatus(w http.ResponseWriter, _ *http.Request) {
	resp := cloudStatusResponse{
		State:     s.supervisor.ConnectionState(),
		Enabled:   s.supervisor.Enabled(),
		Endpoints: len(s.PushEndpoints()),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Error(err, "Failed to write status response")
	}
}

func (s *Server) handleCloudPair(w http.ResponseWriter, r *http.Request) {
	var req pairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.IDToken == "" || req.UserID == "" {
		http.Error(w, "idToken and userId are required", http.StatusBadRequest)
		return
	}
	s.supervisor.Pair(req.IDToken, req.UserID)
	w.WriteHeader(http.StatusAccepted)
}
