package results

import (
	"context"
	"fmt"

	"code.cloudfoundry.org/lager/v3"
	"github.com/redis/go-redis/v9"
)

// Reporter publishes on the results channel. Every job publishes exactly
// one Result through it, plus one Archive per archived output directory.
type Reporter struct {
	logger  lager.Logger
	client  redis.UniversalClient
	channel string
}

func NewReporter(logger lager.Logger, client redis.UniversalClient, channel string) *Reporter {
	return &Reporter{
		logger:  logger.Session("results-reporter"),
		client:  client,
		channel: channel,
	}
}

func (r *Reporter) Result(ctx context.Context, result Result) error {
	payload, err := wrap(MessageResult, result)
	if err != nil {
		return err
	}

	r.logger.Info("reporting-result", lager.Data{
		"result_type":     result.ResultType,
		"row_id":          result.RowID,
		"feedback_status": result.FeedbackStatus,
	})

	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publishing result: %w", err)
	}
	return nil
}

func (r *Reporter) Archive(ctx context.Context, archive Archive) error {
	payload, err := wrap(MessageArchive, archive)
	if err != nil {
		return err
	}

	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publishing archive pointer: %w", err)
	}
	return nil
}
