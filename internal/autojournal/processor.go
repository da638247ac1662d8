package autojournal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// RunLocker serializes generation runs across processes.
type RunLocker interface {
	Acquire(ctx context.Context, processNumber string) error
	Release(ctx context.Context, processNumber string) error
}

// RunInput describes one engine invocation.
type RunInput struct {
	FromDate time.Time
	ToDate   time.Time
	Operator string
}

// RunResult summarises a run. Counts are always reported, including on
// partial failure.
type RunResult struct {
	ProcessNumber string
	Total         int
	Succeeded     int
	Failed        int
	TotalAmount   decimal.Decimal
	Cancelled     bool
}

// Processor drives a date-ranged generation run: it pulls sales lines,
// resolves a pattern and generates entries per line, isolates per-line
// failures, and records the batch outcome.
type Processor struct {
	store    Store
	sales    SalesSource
	rates    TaxRateSource
	lock     RunLocker
	recorder *Recorder
	gen      *Generator
	logger   *slog.Logger
	workers  int
	now      func() time.Time
}

// ProcessorConfig wires the processor dependencies.
type ProcessorConfig struct {
	Store    Store
	Sales    SalesSource
	Rates    TaxRateSource
	Lock     RunLocker
	Recorder *Recorder
	Logger   *slog.Logger
	Workers  int
}

// NewProcessor constructs the batch processor.
func NewProcessor(cfg ProcessorConfig) *Processor {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	return &Processor{
		store:    cfg.Store,
		sales:    cfg.Sales,
		rates:    cfg.Rates,
		lock:     cfg.Lock,
		recorder: cfg.Recorder,
		gen:      NewGenerator(),
		logger:   cfg.Logger,
		workers:  workers,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// WithNow overrides the clock for testing.
func (p *Processor) WithNow(now func() time.Time) {
	if now != nil {
		p.now = now
	}
}

// NewProcessNumber builds a unique run identifier.
func NewProcessNumber(at time.Time) string {
	suffix := strings.ToUpper(uuid.NewString()[:8])
	return fmt.Sprintf("AJR%s-%s", at.Format("20060102150405"), suffix)
}

type lineResult struct {
	succeeded   bool
	debitAmount decimal.Decimal
	fatal       error
}

// Run executes one generation run over the posting-date range. One line's
// failure never aborts the batch; storage failures do, and the partial
// outcome is still recorded in history.
func (p *Processor) Run(ctx context.Context, input RunInput) (RunResult, error) {
	if input.Operator == "" {
		return RunResult{}, errors.New("autojournal: operator required")
	}
	if input.ToDate.Before(input.FromDate) {
		return RunResult{}, errors.New("autojournal: to date precedes from date")
	}

	processNumber := NewProcessNumber(p.now())
	result := RunResult{ProcessNumber: processNumber, TotalAmount: decimal.Zero}

	if p.lock != nil {
		if err := p.lock.Acquire(ctx, processNumber); err != nil {
			return RunResult{}, err
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := p.lock.Release(releaseCtx, processNumber); err != nil {
				p.log().Warn("release run lock", slog.String("process", processNumber), slog.Any("error", err))
			}
		}()
	}

	patterns, err := p.store.ListPatterns(ctx)
	if err != nil {
		return result, fmt.Errorf("load pattern snapshot for %s: %w", processNumber, err)
	}
	snapshot := NewSnapshot(patterns, p.now())

	lines, err := p.sales.ListLinesByPostingDate(ctx, input.FromDate, input.ToDate)
	if err != nil {
		return result, fmt.Errorf("list sales lines for %s: %w", processNumber, err)
	}
	result.Total = len(lines)

	var (
		mu       sync.Mutex
		fatalErr error
		lastLine string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for _, line := range lines {
		// Cancellation takes effect between line units, never mid-unit.
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res := p.processLine(gctx, processNumber, snapshot, line)
			mu.Lock()
			defer mu.Unlock()
			if res.fatal != nil {
				if fatalErr == nil {
					fatalErr = res.fatal
					lastLine = line.Key()
				}
				return res.fatal
			}
			if res.succeeded {
				result.Succeeded++
				result.TotalAmount = result.TotalAmount.Add(res.debitAmount)
			} else {
				result.Failed++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil && fatalErr == nil {
		fatalErr = err
	}
	if ctx.Err() != nil {
		result.Cancelled = true
	}

	p.record(context.WithoutCancel(ctx), input, result)

	if fatalErr != nil {
		return result, fmt.Errorf("run %s aborted after line %s: %w", processNumber, lastLine, fatalErr)
	}
	p.log().Info("generation run finished",
		slog.String("process", processNumber),
		slog.Int("total", result.Total),
		slog.Int("succeeded", result.Succeeded),
		slog.Int("failed", result.Failed),
		slog.String("amount", result.TotalAmount.String()),
		slog.Bool("cancelled", result.Cancelled),
	)
	return result, nil
}

// processLine runs the per-line state machine. Business failures come back
// as an ERROR entry; only storage failures are fatal to the run.
func (p *Processor) processLine(ctx context.Context, processNumber string, snapshot *Snapshot, line SalesLine) lineResult {
	entries, genErr := p.buildEntries(ctx, snapshot, line)

	if genErr != nil {
		code, ok := errorCode(genErr)
		if !ok {
			// Not a generation outcome: collaborator/storage failure.
			return lineResult{fatal: genErr}
		}
		stub := Entry{
			SalesNumber:     line.SalesNumber,
			SalesLineNumber: line.LineNumber,
			PostingDate:     line.PostingDate,
			Amount:          decimal.Zero,
			TaxAmount:       decimal.Zero,
			Status:          StatusPending,
		}
		entries = []Entry{stub}
		if err := advance(entries, StatusProcessing); err != nil {
			return lineResult{fatal: err}
		}
		if err := advance(entries, StatusError); err != nil {
			return lineResult{fatal: err}
		}
		entries[0].ErrorCode = code
		entries[0].ErrorMessage = genErr.Error()
		if _, err := p.store.SaveLineEntries(ctx, processNumber, line.SalesNumber, line.LineNumber, entries); err != nil {
			return lineResult{fatal: err}
		}
		p.log().Warn("sales line failed",
			slog.String("process", processNumber),
			slog.String("line", line.Key()),
			slog.String("code", code),
			slog.String("reason", genErr.Error()),
		)
		return lineResult{}
	}

	if err := advance(entries, StatusCompleted); err != nil {
		return lineResult{fatal: err}
	}
	if _, err := p.store.SaveLineEntries(ctx, processNumber, line.SalesNumber, line.LineNumber, entries); err != nil {
		return lineResult{fatal: err}
	}

	debit := decimal.Zero
	for _, e := range entries {
		if e.Side == SideDebit {
			debit = debit.Add(e.Amount)
		}
	}
	return lineResult{succeeded: true, debitAmount: debit}
}

// buildEntries resolves and generates for one line, leaving the entries in
// PROCESSING state on success.
func (p *Processor) buildEntries(ctx context.Context, snapshot *Snapshot, line SalesLine) ([]Entry, error) {
	posted, err := p.store.HasPostedEntries(ctx, line.SalesNumber, line.LineNumber)
	if err != nil {
		return nil, err
	}
	if posted {
		return nil, fmt.Errorf("%w: %s requires an explicit reversal", ErrAlreadyPosted, line.Key())
	}

	pattern, err := snapshot.Resolve(line.ProductGroup, line.CustomerGroup, line.SalesType, line.PostingDate)
	if err != nil {
		return nil, err
	}

	rate := decimal.Zero
	if pattern.TaxMode != TaxExempt {
		rate, err = p.rates.RateAt(ctx, line.PostingDate)
		if err != nil {
			// Only a genuinely uncovered date is a line outcome; a failing
			// tax master is a system failure and aborts the run.
			if errors.Is(err, ErrTaxRateMissing) {
				return nil, err
			}
			return nil, fmt.Errorf("tax rate lookup for %s: %w", line.Key(), err)
		}
	}

	entries, err := p.gen.Generate(line, pattern, rate)
	if err != nil {
		return nil, err
	}
	if err := advance(entries, StatusProcessing); err != nil {
		return nil, err
	}
	return entries, nil
}

// advance moves every entry to next, enforcing the transition table.
func advance(entries []Entry, next Status) error {
	for i := range entries {
		if !entries[i].Status.CanTransition(next) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidStatus, entries[i].Status, next)
		}
		entries[i].Status = next
	}
	return nil
}

// errorCode classifies a per-line failure. The second return is false for
// errors that are not line-level generation outcomes.
func errorCode(err error) (string, bool) {
	switch {
	case errors.Is(err, ErrPatternNotFound):
		return ErrCodePatternNotMatched, true
	case errors.Is(err, ErrUnresolvedSubAccount):
		return ErrCodeUnresolvedSub, true
	case errors.Is(err, ErrTaxModeUnknown):
		return ErrCodeTaxModeUnknown, true
	case errors.Is(err, ErrTaxRateMissing):
		return ErrCodeTaxRateMissing, true
	case errors.Is(err, ErrUnbalanced):
		return ErrCodeUnbalanced, true
	case errors.Is(err, ErrAlreadyPosted):
		return ErrCodeAlreadyPosted, true
	default:
		return "", false
	}
}

// record writes the run history. History is observability, not a
// transactional participant: a write failure is logged, not propagated.
func (p *Processor) record(ctx context.Context, input RunInput, result RunResult) {
	if p.recorder == nil {
		return
	}
	history := History{
		ProcessNumber: result.ProcessNumber,
		FromDate:      input.FromDate,
		ToDate:        input.ToDate,
		TotalCount:    result.Total,
		SuccessCount:  result.Succeeded,
		ErrorCount:    result.Failed,
		TotalAmount:   result.TotalAmount,
		Operator:      input.Operator,
		Cancelled:     result.Cancelled,
		CreatedAt:     p.now(),
	}
	if err := p.recorder.Record(ctx, history); err != nil {
		p.log().Error("record run history",
			slog.String("process", result.ProcessNumber),
			slog.Any("error", err),
		)
	}
}

func (p *Processor) log() *slog.Logger {
	if p.logger != nil {
		return p.logger
	}
	return slog.Default()
}
