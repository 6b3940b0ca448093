// Package api is the competitor-facing HTTP surface: submissions, status
// lookups, and the admin audit switches.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"code.cloudfoundry.org/lager/v3"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/aixcc-sc/capi"
	"github.com/aixcc-sc/capi/capi/audit"
	"github.com/aixcc-sc/capi/capi/config"
	"github.com/aixcc-sc/capi/capi/db"
	"github.com/aixcc-sc/capi/capi/flatfile"
	"github.com/aixcc-sc/capi/capi/metric"
	"github.com/aixcc-sc/capi/capi/queue"
	"github.com/aixcc-sc/capi/capi/registry"
)

// Database is everything the handlers need from the Postgres layer.
type Database interface {
	VerifyToken(ctx context.Context, id uuid.UUID, secret string) (bool, error)
	IsAdmin(ctx context.Context, id uuid.UUID) (bool, error)

	InsertVDS(ctx context.Context, vds *db.VulnerabilityDiscovery) error
	GetVDS(ctx context.Context, id uuid.UUID) (*db.VulnerabilityDiscovery, bool, error)
	GetVDSByCPVUuid(ctx context.Context, cpvUUID uuid.UUID) (*db.VulnerabilityDiscovery, bool, error)
	CountAcceptedVDS(ctx context.Context, teamID uuid.UUID, commitSHA1 string) (int, error)
	UpdateVDSStatus(ctx context.Context, id uuid.UUID, status capi.FeedbackStatus, cpvUUID *uuid.UUID) error

	InsertGP(ctx context.Context, gp *db.GeneratedPatch) error
	SetGPCPVUuid(ctx context.Context, id, cpvUUID uuid.UUID) error
	GPStatusForTeam(ctx context.Context, id uuid.UUID) (capi.FeedbackStatus, uuid.UUID, bool, error)
	CountGPForCPVUuid(ctx context.Context, cpvUUID, excludeID uuid.UUID) (int, error)
	UpdateGPStatus(ctx context.Context, id uuid.UUID, status capi.FeedbackStatus) error
}

type Server struct {
	logger   lager.Logger
	config   *config.Config
	database Database
	registry *registry.Registry
	store    *flatfile.Store
	queue    *queue.Queue
	azure    *flatfile.AzureClient
	emitter  audit.Emitter
}

func NewServer(
	logger lager.Logger,
	cfg *config.Config,
	database Database,
	reg *registry.Registry,
	store *flatfile.Store,
	q *queue.Queue,
	azure *flatfile.AzureClient,
	emitter audit.Emitter,
) *Server {
	return &Server{
		logger:   logger.Session("api"),
		config:   cfg,
		database: database,
		registry: reg,
		store:    store,
		queue:    q,
		azure:    azure,
		emitter:  emitter,
	}
}

// Handler builds the full route table.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	route := func(name string, handler http.HandlerFunc) http.Handler {
		return metric.WrapHandler(name, s.authenticated(handler))
	}

	router.Handle("/", metric.WrapHandler("health", http.HandlerFunc(s.handleHealth))).Methods(http.MethodGet)
	router.Handle("/health/", metric.WrapHandler("health", http.HandlerFunc(s.handleHealth))).Methods(http.MethodGet)
	router.Handle("/metadata/", metric.WrapHandler("metadata", http.HandlerFunc(s.handleMetadata))).Methods(http.MethodGet)

	router.Handle("/submission/vds/", route("submit-vds", s.handleVDSUpload)).Methods(http.MethodPost)
	router.Handle("/submission/vds/{vd_uuid}", route("vds-status", s.handleVDSStatus)).Methods(http.MethodGet)
	router.Handle("/submission/gp/", route("submit-gp", s.handleGPUpload)).Methods(http.MethodPost)
	router.Handle("/submission/gp/{gp_uuid}", route("gp-status", s.handleGPStatus)).Methods(http.MethodGet)

	router.Handle("/audit/start/", route("audit-start", s.admin(s.handleAuditStart))).Methods(http.MethodPost)
	router.Handle("/audit/stop/", route("audit-stop", s.admin(s.handleAuditStop))).Methods(http.MethodPost)

	return router
}

type contextKey int

const teamIDKey contextKey = iota

func teamID(r *http.Request) uuid.UUID {
	id, _ := r.Context().Value(teamIDKey).(uuid.UUID)
	return id
}

// authenticated verifies the basic-auth token pair and stashes the team id
// on the request context.
func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, secret, ok := r.BasicAuth()
		if !ok {
			s.unauthorized(w)
			return
		}

		id, err := uuid.Parse(user)
		if err != nil {
			s.unauthorized(w)
			return
		}

		valid, err := s.database.VerifyToken(r.Context(), id, secret)
		if err != nil {
			s.logger.Error("token-verification-failed", err)
			s.writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !valid {
			s.unauthorized(w)
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), teamIDKey, id)))
	}
}

func (s *Server) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		admin, err := s.database.IsAdmin(r.Context(), teamID(r))
		if err != nil {
			s.logger.Error("admin-lookup-failed", err)
			s.writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !admin {
			s.writeError(w, http.StatusForbidden, "admin token required")
			return
		}
		next(w, r)
	}
}

func (s *Server) unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="capi"`)
	s.writeError(w, http.StatusUnauthorized, "invalid token")
}

// decodeBody tolerates an empty body; field validation is the caller's job.
func decodeBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decoding request body: %w", err)
	}
	return nil
}

// teamStore binds the artifact store to the caller's container and mints a
// delegated-access URL for the worker that will pick up the job. Without an
// object-storage account everything stays on the shared local directory.
func (s *Server) teamStore(ctx context.Context, team uuid.UUID) (*flatfile.Store, string, string, error) {
	if s.azure == nil {
		return s.store, "", "", nil
	}

	name := fmt.Sprintf("worker-%s", team)
	remote, err := s.azure.Container(ctx, name)
	if err != nil {
		return nil, "", "", fmt.Errorf("opening team container: %w", err)
	}

	accessURL, err := remote.SignedURL(2 * time.Hour)
	if err != nil {
		return nil, "", "", fmt.Errorf("minting container url: %w", err)
	}

	return s.store.WithRemote(remote), name, accessURL, nil
}

// storePut writes a submission blob to the bound store, mirroring it to the
// remote container when one is attached.
func storePut(ctx context.Context, store *flatfile.Store, content []byte) (string, error) {
	if store.Remote() != nil {
		return store.PutRemote(ctx, content)
	}
	return store.Put(content)
}

// workerQueue routes a submission to the team's dedicated worker when one is
// configured, falling back to the shared default queue.
func (s *Server) workerQueue(logger lager.Logger, team uuid.UUID) string {
	for _, id := range s.config.Workers {
		if id == team.String() {
			return team.String()
		}
	}
	logger.Debug("routing-to-default-queue", lager.Data{"team": team})
	return queue.DefaultWorkerID
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed-to-encode-response", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: message})
}

// auditorFor builds a request-scoped auditor seeded with the caller's team.
func (s *Server) auditorFor(logger lager.Logger, ctx audit.Context) *audit.Auditor {
	return audit.NewAuditor(logger, s.emitter, s.config.RunID, ctx)
}
