package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/ledgerline/ledgerline/internal/autojournal"
	jobmetrics "github.com/ledgerline/ledgerline/internal/jobs"
	"github.com/ledgerline/ledgerline/internal/shared"
)

const dateLayout = "2006-01-02"

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// AutoJournalRunJob executes generation runs triggered via Asynq.
type AutoJournalRunJob struct {
	service *autojournal.Service
	logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewAutoJournalRunJob constructs the job handler.
func NewAutoJournalRunJob(service *autojournal.Service, logger *slog.Logger, metrics *jobmetrics.Metrics) *AutoJournalRunJob {
	return &AutoJournalRunJob{service: service, logger: logger, Metrics: metrics}
}

func (j *AutoJournalRunJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

// Handle processes TaskAutoJournalRun tasks.
func (j *AutoJournalRunJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload AutoJournalRunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	var from, to time.Time
	if payload.FromDate == "" && payload.ToDate == "" {
		yesterday := time.Now().UTC().AddDate(0, 0, -1).Truncate(24 * time.Hour)
		from, to = yesterday, yesterday
	} else {
		var err error
		from, err = time.Parse(dateLayout, payload.FromDate)
		if err != nil {
			j.logger.Error("invalid from date", slog.String("value", payload.FromDate))
			return asynq.SkipRetry
		}
		to, err = time.Parse(dateLayout, payload.ToDate)
		if err != nil {
			j.logger.Error("invalid to date", slog.String("value", payload.ToDate))
			return asynq.SkipRetry
		}
	}

	tracker := j.metrics().Track(TaskAutoJournalRun)
	result, err := j.service.RunGeneration(ctx, autojournal.RunInput{
		FromDate: from,
		ToDate:   to,
		Operator: payload.Operator,
	})
	j.metrics().AddLineOutcomes(result.Succeeded, result.Failed)
	if err = tracker.End(err); err != nil {
		// Another run holds the lock; let Asynq retry later.
		if errors.Is(err, shared.ErrRunInProgress) {
			return err
		}
		j.logger.Error("scheduled generation run failed",
			slog.String("process", result.ProcessNumber),
			slog.Any("error", err),
		)
		return err
	}
	j.logger.Info("scheduled generation run finished",
		slog.String("process", result.ProcessNumber),
		slog.Int("total", result.Total),
		slog.Int("succeeded", result.Succeeded),
		slog.Int("failed", result.Failed),
	)
	return nil
}
