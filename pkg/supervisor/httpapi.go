package supervisor

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/core-tools/hsu-stack/pkg/errors"
	"github.com/core-tools/hsu-stack/pkg/logging"
	"github.com/core-tools/hsu-stack/pkg/units"
)

// StatusServer serves the operator API: unit states, blockage reports and
// metrics. It is read-only; the supervisor is driven by its configuration
// and OS signals, not by HTTP.
type StatusServer struct {
	supervisor *Supervisor
	server     *http.Server
	logger     logging.Logger
}

func NewStatusServer(supervisor *Supervisor, listenAddress string, logger logging.Logger) *StatusServer {
	s := &StatusServer{
		supervisor: supervisor,
		logger:     logger,
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/healthz", s.handleHealthz)
	router.Get("/status", s.handleStatus)
	router.Get("/status/{unit}", s.handleUnitStatus)
	router.Handle("/metrics", supervisor.Metrics().Handler())

	s.server = &http.Server{
		Addr:              listenAddress,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start begins serving in the background.
func (s *StatusServer) Start() {
	s.logger.Infof("Status API listening, address: %s", s.server.Addr)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("Status API server failed, error: %v", err)
		}
	}()
}

// Stop shuts the server down, waiting for in-flight requests.
func (s *StatusServer) Stop(ctx context.Context) {
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warnf("Status API shutdown failed, error: %v", err)
	}
}

func (s *StatusServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	// The API is healthy when it answers; unit health lives under /status.
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type statusResponse struct {
	Units    []UnitStatus `json:"units"`
	Batches  [][]string   `json:"batches"`
	Failures []string     `json:"failures,omitempty"`
}

func (s *StatusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	failures := s.supervisor.Failures()
	messages := make([]string, 0, len(failures))
	for _, failure := range failures {
		messages = append(messages, failure.Error())
	}

	s.writeJSON(w, http.StatusOK, statusResponse{
		Units:    s.supervisor.UnitStatuses(),
		Batches:  s.supervisor.StartupBatches(),
		Failures: messages,
	})
}

func (s *StatusServer) handleUnitStatus(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "unit")
	status, err := s.supervisor.UnitStatus(name)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.IsNotFoundError(err) {
			code = http.StatusNotFound
		}
		s.writeJSON(w, code, map[string]string{"error": err.Error()})
		return
	}

	// Surface non-healthy units to probes via the status code as well.
	code := http.StatusOK
	if status.State == units.UnitStateBlocked {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, status)
}

func (s *StatusServer) writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warnf("Failed to encode status response, error: %v", err)
	}
}
