// Package tasks holds the scoring job handlers the workers run: check-vds
// validates a vulnerability discovery, check-gp validates a generated patch.
package tasks

import (
	"context"
	"fmt"

	"code.cloudfoundry.org/lager/v3"
	"github.com/google/uuid"

	"github.com/aixcc-sc/capi"
	"github.com/aixcc-sc/capi/capi/audit"
	"github.com/aixcc-sc/capi/capi/db"
	"github.com/aixcc-sc/capi/capi/flatfile"
	"github.com/aixcc-sc/capi/capi/registry"
	"github.com/aixcc-sc/capi/capi/results"
	"github.com/aixcc-sc/capi/capi/workspace"
)

// VDSPayload is the check-vds job body.
type VDSPayload struct {
	AuditContext    audit.Context             `json:"audit_context"`
	VDS             db.VulnerabilityDiscovery `json:"vds"`
	Duplicate       bool                      `json:"duplicate"`
	RemoteContainer string                    `json:"remote_container,omitempty"`
	RemoteAccessURL string                    `json:"remote_access_url,omitempty"`
}

// GPPayload is the check-gp job body.
type GPPayload struct {
	AuditContext    audit.Context             `json:"audit_context"`
	VDS             db.VulnerabilityDiscovery `json:"vds"`
	GP              db.GeneratedPatch         `json:"gp"`
	Duplicate       bool                      `json:"duplicate"`
	RemoteContainer string                    `json:"remote_container,omitempty"`
	RemoteAccessURL string                    `json:"remote_access_url,omitempty"`
}

// Lock is a held distributed mutex.
type Lock interface {
	Release() error
}

// Locker hands out the per-job distributed mutexes.
type Locker interface {
	AcquireLock(ctx context.Context, key string) (Lock, error)
}

// NewDBLocker adapts the Postgres advisory-lock layer.
func NewDBLocker(database *db.DB) Locker {
	return dbLocker{database}
}

type dbLocker struct{ db *db.DB }

func (l dbLocker) AcquireLock(ctx context.Context, key string) (Lock, error) {
	return l.db.AcquireLock(ctx, key)
}

// Workspace is what a handler needs from an acquired CP working copy.
type Workspace interface {
	SelectSource(name string) error
	Checkout(ctx context.Context, ref string) error
	CurrentCommit() string
	Build(ctx context.Context, source, patchSHA string) (bool, error)
	CheckSanitizers(ctx context.Context, blobSHA, harnessID string) ([]string, error)
	RunFunctionalTests(ctx context.Context) (bool, error)
	Release()
}

// WorkspaceFactory acquires a workspace for one job.
type WorkspaceFactory interface {
	Acquire(ctx context.Context, cp *registry.ChallengeProblem, store *flatfile.Store, auditor *audit.Auditor) (Workspace, error)
}

// NewManagerFactory adapts the real workspace manager. The reporter is used
// for the Archive pointers workspaces publish after each command.
func NewManagerFactory(manager *workspace.Manager, reporter *results.Reporter) WorkspaceFactory {
	return managerFactory{manager, reporter}
}

type managerFactory struct {
	manager  *workspace.Manager
	reporter *results.Reporter
}

func (f managerFactory) Acquire(ctx context.Context, cp *registry.ChallengeProblem, store *flatfile.Store, auditor *audit.Auditor) (Workspace, error) {
	return f.manager.Acquire(ctx, cp, store, auditor, f.reporter)
}

// ResultReporter publishes the single terminal Result of a job.
type ResultReporter interface {
	Result(ctx context.Context, result results.Result) error
}

// StatusReader is the replay-guard view of the submission tables.
type StatusReader interface {
	VDSStatus(ctx context.Context, id uuid.UUID) (capi.FeedbackStatus, bool, error)
	GPStatus(ctx context.Context, id uuid.UUID) (capi.FeedbackStatus, bool, error)
}

// HandlerConfig carries the scoring knobs.
type HandlerConfig struct {
	RunID              string
	RejectDuplicateVDS bool
}

// Handler runs the scoring jobs.
type Handler struct {
	logger   lager.Logger
	config   HandlerConfig
	statuses StatusReader
	locker   Locker
	registry *registry.Registry
	store    *flatfile.Store
	factory  WorkspaceFactory
	reporter ResultReporter
	emitter  audit.Emitter
}

func NewHandler(
	logger lager.Logger,
	config HandlerConfig,
	statuses StatusReader,
	locker Locker,
	reg *registry.Registry,
	store *flatfile.Store,
	factory WorkspaceFactory,
	reporter ResultReporter,
	emitter audit.Emitter,
) *Handler {
	return &Handler{
		logger:   logger.Session("tasks"),
		config:   config,
		statuses: statuses,
		locker:   locker,
		registry: reg,
		store:    store,
		factory:  factory,
		reporter: reporter,
		emitter:  emitter,
	}
}

// jobStore binds the artifact store to the job's remote container when the
// payload carries a delegated-access URL.
func (h *Handler) jobStore(logger lager.Logger, accessURL string) (*flatfile.Store, error) {
	if accessURL == "" {
		return h.store, nil
	}

	remote, err := flatfile.NewSASContainer(logger, accessURL)
	if err != nil {
		return nil, fmt.Errorf("opening job container: %w", err)
	}
	return h.store.WithRemote(remote), nil
}

func contains(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
