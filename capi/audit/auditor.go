package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"code.cloudfoundry.org/lager/v3"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SchemaVersion is stamped on every envelope.
const SchemaVersion = "1.0.0"

// Context carries identifiers that accumulate while a submission moves
// through the pipeline. It is merged into events at emission time and
// travels inside job payloads so workers audit under the same identity.
type Context struct {
	TeamID  uuid.UUID `json:"team_id"`
	CPName  string    `json:"cp_name,omitempty"`
	VDUuid  uuid.UUID `json:"vd_uuid,omitempty"`
	GPUuid  uuid.UUID `json:"gp_uuid,omitempty"`
	CPVUuid uuid.UUID `json:"cpv_uuid,omitempty"`
}

// Envelope is the wire format of one audit log line.
type Envelope struct {
	SchemaVersion string    `json:"schema_version"`
	TeamID        uuid.UUID `json:"team_id"`
	RunID         string    `json:"run_id"`
	Timestamp     time.Time `json:"timestamp"`
	EventType     EventType `json:"event_type"`
	Event         Event     `json:"event"`
}

// Emitter transmits one marshalled envelope. FileEmitter appends to the
// audit log directly (in-process mode); RedisEmitter publishes on the audit
// channel for the singleton receiver to merge (worker mode).
type Emitter interface {
	Emit(ctx context.Context, payload []byte) error
}

// fileMu serializes appends across every FileEmitter in the process; the
// audit file is a shared resource.
var fileMu sync.Mutex

type FileEmitter struct {
	Path string
}

func (e *FileEmitter) Emit(_ context.Context, payload []byte) error {
	fileMu.Lock()
	defer fileMu.Unlock()

	f, err := os.OpenFile(e.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening audit file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("appending audit event: %w", err)
	}
	return nil
}

type RedisEmitter struct {
	Client  redis.UniversalClient
	Channel string
}

func (e *RedisEmitter) Emit(ctx context.Context, payload []byte) error {
	if err := e.Client.Publish(ctx, e.Channel, payload).Err(); err != nil {
		return fmt.Errorf("publishing audit event: %w", err)
	}
	return nil
}

// Auditor emits structured events for one submission's lifecycle.
type Auditor struct {
	logger  lager.Logger
	emitter Emitter
	runID   string

	mu      sync.Mutex
	context Context
}

func NewAuditor(logger lager.Logger, emitter Emitter, runID string, ctx Context) *Auditor {
	return &Auditor{
		logger:  logger.Session("auditor"),
		emitter: emitter,
		runID:   runID,
		context: ctx,
	}
}

// PushContext merges the non-zero fields of ctx into the running context.
func (a *Auditor) PushContext(ctx Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ctx.TeamID != uuid.Nil {
		a.context.TeamID = ctx.TeamID
	}
	if ctx.CPName != "" {
		a.context.CPName = ctx.CPName
	}
	if ctx.VDUuid != uuid.Nil {
		a.context.VDUuid = ctx.VDUuid
	}
	if ctx.GPUuid != uuid.Nil {
		a.context.GPUuid = ctx.GPUuid
	}
	if ctx.CPVUuid != uuid.Nil {
		a.context.CPVUuid = ctx.CPVUuid
	}
}

// Context returns a copy of the running context.
func (a *Auditor) Context() Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.context
}

type vdContexter interface{ applyContext(Context) }

// Emit fills the event's contextual fields, validates it, wraps it in the
// envelope, and transmits it.
func (a *Auditor) Emit(ctx context.Context, event Event) error {
	auditCtx := a.Context()

	if scoped, ok := event.(vdContexter); ok {
		scoped.applyContext(auditCtx)
	}

	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid %s event: %w", event.Type(), err)
	}

	envelope := Envelope{
		SchemaVersion: SchemaVersion,
		TeamID:        auditCtx.TeamID,
		RunID:         a.runID,
		Timestamp:     time.Now().UTC(),
		EventType:     event.Type(),
		Event:         event,
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshalling %s event: %w", event.Type(), err)
	}

	a.logger.Debug("emit", lager.Data{"event-type": event.Type()})

	if err := a.emitter.Emit(ctx, payload); err != nil {
		a.logger.Error("failed-to-emit", err, lager.Data{"event-type": event.Type()})
		return err
	}
	return nil
}
