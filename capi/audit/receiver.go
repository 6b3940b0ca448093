package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"code.cloudfoundry.org/lager/v3"
	"github.com/cenkalti/backoff"
	"github.com/redis/go-redis/v9"
)

// Receiver is the singleton subscriber that merges audit events published by
// workers into the local audit file.
type Receiver struct {
	logger  lager.Logger
	client  redis.UniversalClient
	channel string
	file    *FileEmitter
}

func NewReceiver(logger lager.Logger, client redis.UniversalClient, channel, auditFile string) *Receiver {
	return &Receiver{
		logger:  logger.Session("audit-receiver"),
		client:  client,
		channel: channel,
		file:    &FileEmitter{Path: auditFile},
	}
}

// Run subscribes to the audit channel and appends every payload to the audit
// file until the context is cancelled. Disconnects are retried with
// exponential backoff.
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
				return fmt.Errorf("audit channel closed")
			}
			if err := r.file.Emit(ctx, []byte(msg.Payload)); err != nil {
				r.logger.Error("failed-to-append", err)
			}
		}
	}
}
