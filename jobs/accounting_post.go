package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockflow/internal/integration"
	jobmetrics "github.com/odyssey-erp/stockflow/internal/jobs"
)

// AccountingPostJob hands queued postings to the accounting service.
type AccountingPostJob struct {
	Poster  integration.Poster
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewAccountingPostJob initialises the posting handler.
func NewAccountingPostJob(poster integration.Poster, logger *slog.Logger, metrics *jobmetrics.Metrics) *AccountingPostJob {
	return &AccountingPostJob{Poster: poster, Logger: logger, Metrics: metrics}
}

// Handle executes one posting. Malformed payloads are not retried.
func (j *AccountingPostJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Poster == nil {
		return errors.New("accounting post: handler not configured")
	}
	tracker := j.metrics().Track(TaskAccountingPost)
	defer func() { err = tracker.End(err) }()

	var posting integration.Posting
	if err := json.Unmarshal(t.Payload(), &posting); err != nil {
		return fmt.Errorf("accounting post: decode: %v: %w", err, asynq.SkipRetry)
	}
	if err := posting.Validate(); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	logger := j.logger().With(
		slog.String("source_module", posting.SourceModule),
		slog.String("source_id", posting.SourceID.String()),
	)
	if err := j.Poster.Post(ctx, posting); err != nil {
		logger.Error("posting failed", slog.Any("error", err))
		return err
	}
	logger.Info("posting delivered", slog.Int("lines", len(posting.Lines)))
	return nil
}

func (j *AccountingPostJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskAccountingPost))
	}
	return slog.Default().With(slog.String("job", TaskAccountingPost))
}

func (j *AccountingPostJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
