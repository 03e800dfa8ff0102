// Package status serves the agent's local status API: the monitored
// endpoints with their latest result, Prometheus metrics and probes.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/pingsantohq/healthagent/internal/logging"
	"github.com/pingsantohq/healthagent/internal/metrics"
	"github.com/pingsantohq/healthagent/internal/registry"
	"github.com/pingsantohq/healthagent/pkg/types"
)

const DefaultAddr = "127.0.0.1:9102"

// EndpointSource lists the endpoints currently registered.
type EndpointSource interface {
	Endpoints() []*registry.MonitorableEndpoint
	Get(id string) *registry.MonitorableEndpoint
}

// Readiness reports whether the agent is ready and why not.
type Readiness interface {
	Ready(now time.Time) (bool, []string)
}

type Config struct {
	Addr string
}

type Dependencies struct {
	Endpoints EndpointSource
	Metrics   *metrics.Store
	Readiness Readiness
	Logger    *zerolog.Logger
	Now       func() time.Time
}

// EndpointView is the JSON shape of one endpoint.
type EndpointView struct {
	ID          string              `json:"id"`
	Address     string              `json:"address"`
	MonitorType string              `json:"monitorType"`
	Latest      *types.HealthUpdate `json:"latest,omitempty"`
}

type Server struct {
	srv    *http.Server
	logger zerolog.Logger
}

// New builds the status server. Endpoints is required; the other
// dependencies disable their route when nil.
func New(cfg Config, deps Dependencies) (*Server, error) {
	if deps.Endpoints == nil {
		return nil, errors.New("status: endpoint source is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	logger := zerolog.Nop()
	if deps.Logger != nil {
		logger = *deps.Logger
	}

	return &Server{
		srv:    &http.Server{Addr: cfg.Addr, Handler: NewRouter(deps), ReadHeaderTimeout: 5 * time.Second},
		logger: logging.Component(logger, "status"),
	}, nil
}

// NewRouter returns the status routes.
func NewRouter(deps Dependencies) *mux.Router {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	r := mux.NewRouter()
	r.HandleFunc("/endpoints", listEndpoints(deps.Endpoints)).Methods(http.MethodGet)
	r.HandleFunc("/endpoints/{id}", getEndpoint(deps.Endpoints)).Methods(http.MethodGet)
	if deps.Metrics != nil {
		r.Handle("/metrics", metrics.NewHTTPHandler(deps.Metrics))
	}
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if deps.Readiness == nil {
			w.WriteHeader(http.StatusOK)
			return
		}
		ready, reasons := deps.Readiness.Ready(deps.Now().UTC())
		if !ready {
			http.Error(w, strings.Join(reasons, "; "), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return r
}

// Serve listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.srv.Addr).Msg("status API listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func listEndpoints(source EndpointSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eps := source.Endpoints()
		views := make([]EndpointView, 0, len(eps))
		for _, ep := range eps {
			views = append(views, viewOf(ep))
		}
		writeJSON(w, http.StatusOK, struct {
			Items []EndpointView `json:"items"`
		}{Items: views})
	}
}

func getEndpoint(source EndpointSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ep := source.Get(mux.Vars(r)["id"])
		if ep == nil {
			http.Error(w, "endpoint not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, viewOf(ep))
	}
}

func viewOf(ep *registry.MonitorableEndpoint) EndpointView {
	view := EndpointView{
		ID:          ep.Identity.ID,
		Address:     ep.Identity.Address,
		MonitorType: ep.Identity.MonitorType,
	}
	if latest, ok := ep.Latest(); ok {
		view.Latest = &latest
	}
	return view
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
