// Package cli provides manual management helpers for queued jobs.
package cli

import (
	"context"
	"errors"

	"github.com/hibiken/asynq"

	"github.com/ledgerline/ledgerline/jobs"
)

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	client    *jobs.Client
	inspector *asynq.Inspector
}

// NewJobsCLI initialises the CLI helpers using the provided Redis address.
func NewJobsCLI(redisAddr string) (*JobsCLI, error) {
	opts := asynq.RedisClientOpt{Addr: redisAddr}
	client, err := jobs.NewClient(opts)
	if err != nil {
		return nil, err
	}
	return &JobsCLI{client: client, inspector: asynq.NewInspector(opts)}, nil
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var err error
	if c.inspector != nil {
		if closeErr := c.inspector.Close(); closeErr != nil {
			err = closeErr
		}
	}
	if c.client != nil {
		if closeErr := c.client.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

// TriggerRun enqueues a generation run for the given date range.
func (c *JobsCLI) TriggerRun(ctx context.Context, fromDate, toDate, operator string) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	return c.client.EnqueueAutoJournalRun(ctx, jobs.AutoJournalRunPayload{
		FromDate: fromDate,
		ToDate:   toDate,
		Operator: operator,
	})
}

// PendingCount reports queued tasks in the default queue.
func (c *JobsCLI) PendingCount() (int, error) {
	if c == nil || c.inspector == nil {
		return 0, errors.New("jobs cli: inspector not configured")
	}
	stats, err := c.inspector.GetQueueInfo(jobs.QueueDefault)
	if err != nil {
		return 0, err
	}
	return stats.Pending, nil
}
