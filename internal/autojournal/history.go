package autojournal

import (
	"context"
	"errors"
	"time"
)

// Recorder writes the immutable per-run history records.
type Recorder struct {
	store HistoryStore
}

// NewRecorder constructs the history recorder.
func NewRecorder(store HistoryStore) *Recorder {
	return &Recorder{store: store}
}

// Record persists one history record. Records are write-once; attempting to
// record the same process number twice fails with ErrHistoryExists.
func (r *Recorder) Record(ctx context.Context, history History) error {
	if history.ProcessNumber == "" {
		return errors.New("autojournal: process number required")
	}
	if history.Operator == "" {
		return errors.New("autojournal: operator required")
	}
	return r.store.InsertHistory(ctx, history)
}

// Get returns the history record for a process number.
func (r *Recorder) Get(ctx context.Context, processNumber string) (History, error) {
	return r.store.GetHistory(ctx, processNumber)
}

// List returns history records for runs targeting the given date range.
func (r *Recorder) List(ctx context.Context, from, to time.Time) ([]History, error) {
	return r.store.ListHistories(ctx, from, to)
}
