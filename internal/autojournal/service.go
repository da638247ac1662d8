package autojournal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ledgerline/ledgerline/internal/shared"
)

// AuditPort records engine actions in the external change log.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service is the engine facade used by the HTTP surface and background jobs.
type Service struct {
	processor *Processor
	poster    *Poster
	recorder  *Recorder
	store     Store
	audit     AuditPort
	logger    *slog.Logger
	now       func() time.Time
}

// NewService wires the engine facade.
func NewService(processor *Processor, poster *Poster, recorder *Recorder, store Store, audit AuditPort, logger *slog.Logger) *Service {
	return &Service{
		processor: processor,
		poster:    poster,
		recorder:  recorder,
		store:     store,
		audit:     audit,
		logger:    logger,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// RunGeneration executes a generation run and records the action.
func (s *Service) RunGeneration(ctx context.Context, input RunInput) (RunResult, error) {
	result, err := s.processor.Run(ctx, input)
	if err != nil {
		return result, err
	}
	s.recordAudit(ctx, input.Operator, "autojournal.run", "auto_journal_history", result.ProcessNumber, map[string]any{
		"total":     result.Total,
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
		"amount":    result.TotalAmount.String(),
		"cancelled": result.Cancelled,
	})
	return result, nil
}

// PostByProcess posts all live entries created by a run.
func (s *Service) PostByProcess(ctx context.Context, processNumber, operator string) (PostResult, error) {
	result, err := s.poster.PostByProcess(ctx, processNumber)
	if err != nil {
		return result, err
	}
	s.recordAudit(ctx, operator, "autojournal.post", "auto_journal_history", processNumber, map[string]any{
		"posted":   result.PostedCount,
		"vouchers": result.VoucherNumbers,
		"rejected": len(result.Rejected),
	})
	return result, nil
}

// PostEntries posts the identified entries.
func (s *Service) PostEntries(ctx context.Context, numbers []string, operator string) (PostResult, error) {
	result, err := s.poster.PostEntries(ctx, numbers)
	if err != nil {
		return result, err
	}
	s.recordAudit(ctx, operator, "autojournal.post", "auto_journal_entry", joinForAudit(numbers), map[string]any{
		"posted":   result.PostedCount,
		"vouchers": result.VoucherNumbers,
		"rejected": len(result.Rejected),
	})
	return result, nil
}

// GetHistory returns the run history for a process number.
func (s *Service) GetHistory(ctx context.Context, processNumber string) (History, error) {
	return s.recorder.Get(ctx, processNumber)
}

// ListHistories returns histories for runs targeting the date range.
func (s *Service) ListHistories(ctx context.Context, from, to time.Time) ([]History, error) {
	return s.recorder.List(ctx, from, to)
}

// GetEntry returns one entry by auto-journal number.
func (s *Service) GetEntry(ctx context.Context, number string) (Entry, error) {
	return s.store.GetEntry(ctx, number)
}

// ListEntriesBySalesNumber returns all entries for a sales transaction.
func (s *Service) ListEntriesBySalesNumber(ctx context.Context, salesNumber string) ([]Entry, error) {
	return s.store.ListEntriesBySalesNumber(ctx, salesNumber)
}

// ListEntriesByStatus returns live entries in the given status.
func (s *Service) ListEntriesByStatus(ctx context.Context, status Status) ([]Entry, error) {
	return s.store.ListEntriesByStatus(ctx, status)
}

// ListUnpostedByDate returns live unposted entries for a posting date.
func (s *Service) ListUnpostedByDate(ctx context.Context, date time.Time) ([]Entry, error) {
	return s.store.ListUnpostedByDate(ctx, date)
}

func (s *Service) recordAudit(ctx context.Context, actor, action, entity, entityID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		Actor:    actor,
		Action:   action,
		Entity:   entity,
		EntityID: entityID,
		Meta:     meta,
		At:       s.now(),
	}); err != nil && s.logger != nil {
		s.logger.Warn("record audit log", slog.String("action", action), slog.Any("error", err))
	}
}

func joinForAudit(numbers []string) string {
	if len(numbers) == 0 {
		return "-"
	}
	if len(numbers) == 1 {
		return numbers[0]
	}
	return fmt.Sprintf("%s+%d", numbers[0], len(numbers)-1)
}
