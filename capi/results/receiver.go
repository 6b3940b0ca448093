package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"code.cloudfoundry.org/lager/v3"
	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/aixcc-sc/capi"
	"github.com/aixcc-sc/capi/capi/flatfile"
)

// Updater applies Result messages to the submission tables.
type Updater interface {
	UpdateVDSStatus(ctx context.Context, id uuid.UUID, status capi.FeedbackStatus, cpvUUID *uuid.UUID) error
	UpdateGPStatus(ctx context.Context, id uuid.UUID, status capi.FeedbackStatus) error
}

// ContainerFunc opens a remote container by name for archive pulls.
type ContainerFunc func(ctx context.Context, name string) (flatfile.Remote, error)

// Receiver is the singleton results-channel subscriber. Running more than
// one is safe: status updates are idempotent for a terminal value.
type Receiver struct {
	logger     lager.Logger
	client     redis.UniversalClient
	channel    string
	updater    Updater
	store      *flatfile.Store
	containers ContainerFunc
}

func NewReceiver(
	logger lager.Logger,
	client redis.UniversalClient,
	channel string,
	updater Updater,
	store *flatfile.Store,
	containers ContainerFunc,
) *Receiver {
	return &Receiver{
		logger:     logger.Session("results-receiver"),
		client:     client,
		channel:    channel,
		updater:    updater,
		store:      store,
		containers: containers,
	}
}

// Run consumes the results channel until the context is cancelled,
// reconnecting with exponential backoff.
func (r *Receiver) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	for {
		err := r.listen(ctx)
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return ctx.Err()
		}

		r.logger.Error("listen-failed", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}
}

func (r *Receiver) listen(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to %s: %w", r.channel, err)
	}

	r.logger.Info("listening", lager.Data{"channel": r.channel})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-pubsub.Channel():
			if !ok {
				return fmt.Errorf("results channel closed")
			}
			if err := r.Handle(ctx, []byte(msg.Payload)); err != nil {
				r.logger.Error("failed-to-handle", err)
			}
		}
	}
}

// Handle applies one raw channel payload.
func (r *Receiver) Handle(ctx context.Context, payload []byte) error {
	var msg OutputMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("parsing output message: %w", err)
	}

	switch msg.MessageType {
	case MessageResult:
		var result Result
		if err := json.Unmarshal(msg.Content, &result); err != nil {
			return fmt.Errorf("parsing result: %w", err)
		}
		return r.applyResult(ctx, result)
	case MessageArchive:
		var archive Archive
		if err := json.Unmarshal(msg.Content, &archive); err != nil {
			return fmt.Errorf("parsing archive pointer: %w", err)
		}
		return r.pullArchive(ctx, archive)
	default:
		return fmt.Errorf("unknown message type %q", msg.MessageType)
	}
}

func (r *Receiver) applyResult(ctx context.Context, result Result) error {
	r.logger.Info("applying-result", lager.Data{
		"result_type":     result.ResultType,
		"row_id":          result.RowID,
		"feedback_status": result.FeedbackStatus,
	})

	switch result.ResultType {
	case ResultVDS:
		return r.updater.UpdateVDSStatus(ctx, result.RowID, result.FeedbackStatus, result.CPVUuid)
	case ResultGP:
		return r.updater.UpdateGPStatus(ctx, result.RowID, result.FeedbackStatus)
	default:
		return fmt.Errorf("unknown result type %q", result.ResultType)
	}
}

func (r *Receiver) pullArchive(ctx context.Context, archive Archive) error {
	remote, err := r.containers(ctx, archive.RemoteContainer)
	if err != nil {
		return fmt.Errorf("opening container %s: %w", archive.RemoteContainer, err)
	}

	content, err := remote.Download(ctx, archive.SHA256)
	if err != nil {
		return fmt.Errorf("pulling archive %s: %w", archive.SHA256, err)
	}

	if _, err := r.store.SaveOutput(archive.Filename, content); err != nil {
		return err
	}
	return nil
}
