package jobs

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAutoJournalRunTask(t *testing.T) {
	task, err := NewAutoJournalRunTask(AutoJournalRunPayload{
		FromDate: "2025-04-01",
		ToDate:   "2025-04-30",
		Operator: "user01",
	})
	require.NoError(t, err)
	assert.Equal(t, TaskAutoJournalRun, task.Type())

	var payload AutoJournalRunPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, "2025-04-01", payload.FromDate)
	assert.Equal(t, "user01", payload.Operator)
}

func TestNewAutoJournalRunTaskEmptyDatesMeanPreviousDay(t *testing.T) {
	// Cron registrations enqueue with empty dates; the handler resolves
	// them at execution time.
	_, err := NewAutoJournalRunTask(AutoJournalRunPayload{Operator: "scheduler"})
	assert.NoError(t, err)
}

func TestNewAutoJournalRunTaskValidation(t *testing.T) {
	_, err := NewAutoJournalRunTask(AutoJournalRunPayload{
		FromDate: "2025-04-01",
		Operator: "user01",
	})
	assert.Error(t, err, "dates must be set together")

	_, err = NewAutoJournalRunTask(AutoJournalRunPayload{
		FromDate: "2025-04-01",
		ToDate:   "2025-04-30",
	})
	assert.Error(t, err, "operator required")
}
