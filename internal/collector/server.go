package collector

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/pingsantohq/healthagent/internal/logging"
	"github.com/pingsantohq/healthagent/internal/uplink"
	"github.com/pingsantohq/healthagent/pkg/types"
)

const maxBatchBody = 8 << 20

// SignedConfig is a config document served verbatim together with its
// minisign signature. While set, the config cannot be changed over the
// admin API.
type SignedConfig struct {
	Payload   []byte
	Signature []byte
}

// Config controls HTTP server settings.
type Config struct {
	Addr             string
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	IdleTimeout      time.Duration
	AdminBearerToken string
	SignedConfig     *SignedConfig
}

// Dependencies holds external collaborators required by the server.
type Dependencies struct {
	Logger *zerolog.Logger
	Store  Store
	Now    func() time.Time
}

// Server wraps http.Server for convenience.
type Server struct {
	*http.Server
	cfg  Config
	deps Dependencies
}

type handlerEnv struct {
	cfg    Config
	store  Store
	now    func() time.Time
	logger zerolog.Logger
}

// New constructs the collector HTTP server.
func New(cfg Config, deps Dependencies) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if deps.Store == nil {
		deps.Store = NewMemoryStore()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	logger := zerolog.Nop()
	if deps.Logger != nil {
		logger = *deps.Logger
	}
	env := handlerEnv{cfg: cfg, store: deps.Store, now: deps.Now, logger: logging.Component(logger, "collector")}

	r := mux.NewRouter()
	r.HandleFunc("/register-monitor-types", env.registerMonitorTypes).Methods(http.MethodPost)
	r.HandleFunc("/endpoint-identities", env.endpointIdentities).Methods(http.MethodGet)
	r.HandleFunc("/config", env.config).Methods(http.MethodGet)
	r.HandleFunc("/health-updates", env.healthUpdates).Methods(http.MethodPost)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(env.requireAdmin)
	admin.HandleFunc("/endpoint-identities", env.adminReplaceIdentities).Methods(http.MethodPut)
	admin.HandleFunc("/endpoint-identities", env.adminUpsertIdentity).Methods(http.MethodPost)
	admin.HandleFunc("/endpoint-identities/{id}", env.adminDeleteIdentity).Methods(http.MethodDelete)
	admin.HandleFunc("/config", env.adminUpdateConfig).Methods(http.MethodPut)
	admin.HandleFunc("/health", env.adminLatestHealth).Methods(http.MethodGet)
	admin.HandleFunc("/agents/{agent_id}/monitor-types", env.adminMonitorTypes).Methods(http.MethodGet)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	s := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return &Server{Server: s, cfg: cfg, deps: deps}
}

func (e handlerEnv) registerMonitorTypes(w http.ResponseWriter, r *http.Request) {
	agentID, err := extractAgentID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	var monitorTypes []string
	if err := json.NewDecoder(r.Body).Decode(&monitorTypes); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := e.store.RegisterMonitorTypes(r.Context(), agentID, monitorTypes); err != nil {
		e.logger.Error().Err(err).Str("agent_id", agentID).Msg("register monitor types failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	e.logger.Info().Str("agent_id", agentID).Strs("monitor_types", monitorTypes).Msg("monitor types registered")
	w.WriteHeader(http.StatusNoContent)
}

// endpointIdentities serves the identities whose monitor type the agent
// registered. Agents that registered nothing see the full list.
func (e handlerEnv) endpointIdentities(w http.ResponseWriter, r *http.Request) {
	agentID, err := extractAgentID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	identities, err := e.store.EndpointIdentities(r.Context())
	if err != nil {
		e.logger.Error().Err(err).Msg("list endpoint identities failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	registered, err := e.store.MonitorTypes(r.Context(), agentID)
	if err != nil {
		e.logger.Error().Err(err).Str("agent_id", agentID).Msg("load monitor types failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	identities = filterByMonitorType(identities, registered)

	etag := computeETag(identities)
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("ETag", etag)
	_ = json.NewEncoder(w).Encode(identities)
}

func (e handlerEnv) config(w http.ResponseWriter, r *http.Request) {
	if signed := e.cfg.SignedConfig; signed != nil {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set(uplink.HeaderConfigSignature, uplink.EncodeSignatureHeader(signed.Signature))
		_, _ = w.Write(signed.Payload)
		return
	}
	cfg, err := e.store.Config(r.Context())
	if err != nil {
		e.logger.Error().Err(err).Msg("load config failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(cfg)
}

func (e handlerEnv) healthUpdates(w http.ResponseWriter, r *http.Request) {
	agentID, err := extractAgentID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	var updates []types.HealthUpdate
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBatchBody)).Decode(&updates); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	for _, u := range updates {
		if strings.TrimSpace(u.EndpointID) == "" {
			http.Error(w, "endpointId required", http.StatusBadRequest)
			return
		}
		if !u.Outcome.Status.Valid() {
			http.Error(w, "unknown status "+string(u.Outcome.Status), http.StatusBadRequest)
			return
		}
	}
	batchID := r.Header.Get(uplink.HeaderBatchID)
	if err := e.store.RecordHealthUpdates(r.Context(), agentID, batchID, e.now(), updates); err != nil {
		e.logger.Error().Err(err).Str("agent_id", agentID).Str("batch_id", batchID).Msg("record health updates failed")
		http.Error(w, "unable to record updates", http.StatusInternalServerError)
		return
	}
	e.logger.Debug().Str("agent_id", agentID).Str("batch_id", batchID).Int("updates", len(updates)).Msg("health updates recorded")
	w.WriteHeader(http.StatusNoContent)
}

func (e handlerEnv) adminReplaceIdentities(w http.ResponseWriter, r *http.Request) {
	var identities []types.EndpointIdentity
	if err := json.NewDecoder(r.Body).Decode(&identities); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := e.store.ReplaceEndpointIdentities(r.Context(), identities); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (e handlerEnv) adminUpsertIdentity(w http.ResponseWriter, r *http.Request) {
	var identity types.EndpointIdentity
	if err := json.NewDecoder(r.Body).Decode(&identity); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := e.store.UpsertEndpointIdentity(r.Context(), identity); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (e handlerEnv) adminDeleteIdentity(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := e.store.DeleteEndpointIdentity(r.Context(), id); err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			http.Error(w, "endpoint not found", http.StatusNotFound)
			return
		}
		e.logger.Error().Err(err).Str(logging.FieldEndpointID, id).Msg("delete identity failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (e handlerEnv) adminUpdateConfig(w http.ResponseWriter, r *http.Request) {
	if e.cfg.SignedConfig != nil {
		http.Error(w, "config is pinned to a signed document", http.StatusConflict)
		return
	}
	var cfg types.CollectorConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := e.store.UpdateConfig(r.Context(), cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (e handlerEnv) adminLatestHealth(w http.ResponseWriter, r *http.Request) {
	records, err := e.store.LatestHealth(r.Context())
	if err != nil {
		e.logger.Error().Err(err).Msg("list latest health failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Items []HealthRecord `json:"items"`
	}{Items: records})
}

func (e handlerEnv) adminMonitorTypes(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["agent_id"]
	monitorTypes, err := e.store.MonitorTypes(r.Context(), agentID)
	if err != nil {
		e.logger.Error().Err(err).Str("agent_id", agentID).Msg("load monitor types failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if monitorTypes == nil {
		monitorTypes = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		AgentID      string   `json:"agentId"`
		MonitorTypes []string `json:"monitorTypes"`
	}{AgentID: agentID, MonitorTypes: monitorTypes})
}

func (e handlerEnv) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !authorizeAdmin(r, e.cfg.AdminBearerToken) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func filterByMonitorType(identities []types.EndpointIdentity, monitorTypes []string) []types.EndpointIdentity {
	if len(monitorTypes) == 0 {
		return identities
	}
	allowed := make(map[string]struct{}, len(monitorTypes))
	for _, t := range monitorTypes {
		allowed[strings.ToLower(t)] = struct{}{}
	}
	out := make([]types.EndpointIdentity, 0, len(identities))
	for _, identity := range identities {
		if _, ok := allowed[strings.ToLower(identity.MonitorType)]; ok {
			out = append(out, identity)
		}
	}
	return out
}

func extractAgentID(r *http.Request) (string, error) {
	id := r.Header.Get(uplink.HeaderAgentID)
	if strings.TrimSpace(id) == "" {
		return "", errors.New("missing X-Agent-ID header")
	}
	return id, nil
}

func authorizeAdmin(r *http.Request, token string) bool {
	if strings.TrimSpace(token) == "" {
		return false
	}
	const prefix = "Bearer "
	value := r.Header.Get("Authorization")
	if !strings.HasPrefix(value, prefix) {
		return false
	}
	return strings.TrimSpace(strings.TrimPrefix(value, prefix)) == token
}
