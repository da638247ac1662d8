package jobs

import (
	"encoding/json"
	"errors"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAutoJournalRun is the task type for auto-journal generation runs.
	TaskAutoJournalRun = "autojournal:run"
)

// AutoJournalRunPayload describes one generation run request. Empty dates
// mean "the previous day", resolved when the task executes, so cron
// registrations keep working across midnight.
type AutoJournalRunPayload struct {
	FromDate string `json:"from_date"`
	ToDate   string `json:"to_date"`
	Operator string `json:"operator"`
}

// NewAutoJournalRunTask constructs an Asynq task for a generation run.
func NewAutoJournalRunTask(payload AutoJournalRunPayload) (*asynq.Task, error) {
	if (payload.FromDate == "") != (payload.ToDate == "") {
		return nil, errors.New("jobs: from/to dates must be set together")
	}
	if payload.Operator == "" {
		return nil, errors.New("jobs: operator required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAutoJournalRun, data), nil
}
