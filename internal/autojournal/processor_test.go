package autojournal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// MOCK STORE
// ============================================================================

type mockStore struct {
	mu sync.Mutex

	patterns    []Pattern
	patternsErr error

	entries     map[string]Entry
	entrySeq    int
	saveErr     error
	postedLines map[string]bool

	voucherSeq int

	// bumpBeforeMark simulates a concurrent writer: stored versions for this
	// process number are incremented just before MarkPosted checks them.
	bumpBeforeMark string

	histories  map[string]History
	historyErr error
}

func newMockStore() *mockStore {
	return &mockStore{
		entries:     make(map[string]Entry),
		postedLines: make(map[string]bool),
		histories:   make(map[string]History),
	}
}

func (m *mockStore) ListPatterns(_ context.Context) ([]Pattern, error) {
	if m.patternsErr != nil {
		return nil, m.patternsErr
	}
	return m.patterns, nil
}

func (m *mockStore) SaveLineEntries(_ context.Context, processNumber, salesNumber string, lineNumber int, entries []Entry) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return nil, m.saveErr
	}
	lineKey := fmt.Sprintf("%s-%d", salesNumber, lineNumber)
	for number, e := range m.entries {
		if fmt.Sprintf("%s-%d", e.SalesNumber, e.SalesLineNumber) == lineKey && !e.PostedFlag && e.SupersededBy == "" {
			e.SupersededBy = processNumber
			m.entries[number] = e
		}
	}
	saved := make([]Entry, 0, len(entries))
	for _, e := range entries {
		m.entrySeq++
		e.Number = fmt.Sprintf("AJ%010d", m.entrySeq)
		e.ProcessNumber = processNumber
		e.Version = 1
		m.entries[e.Number] = e
		saved = append(saved, e)
	}
	return saved, nil
}

func (m *mockStore) HasPostedEntries(_ context.Context, salesNumber string, lineNumber int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.postedLines[fmt.Sprintf("%s-%d", salesNumber, lineNumber)], nil
}

func (m *mockStore) GetEntry(_ context.Context, number string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[number]
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	return e, nil
}

func (m *mockStore) ListEntriesByProcess(_ context.Context, processNumber string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if e.ProcessNumber == processNumber {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockStore) ListEntriesBySalesNumber(_ context.Context, salesNumber string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if e.SalesNumber == salesNumber {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockStore) ListEntriesByStatus(_ context.Context, status Status) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if e.Status == status && e.SupersededBy == "" {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockStore) ListUnpostedByDate(_ context.Context, date time.Time) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if e.PostingDate.Equal(date) && !e.PostedFlag && e.SupersededBy == "" {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockStore) MarkPosted(_ context.Context, entries []Entry, postedDate time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bumpBeforeMark != "" {
		for number, e := range m.entries {
			if e.ProcessNumber == m.bumpBeforeMark {
				e.Version++
				m.entries[number] = e
			}
		}
	}
	// Version checks happen before the sequence is drawn, mirroring the
	// gap-free allocation of the SQL implementation.
	for _, e := range entries {
		stored, ok := m.entries[e.Number]
		if !ok {
			return "", ErrEntryNotFound
		}
		if stored.Version != e.Version {
			return "", &VersionConflictError{Entity: "auto journal entry", Key: e.Number, Expected: e.Version, Actual: stored.Version}
		}
	}
	m.voucherSeq++
	voucherNumber := fmt.Sprintf("JV%010d", m.voucherSeq)
	for _, e := range entries {
		stored := m.entries[e.Number]
		stored.Status = StatusPosted
		stored.PostedFlag = true
		stored.PostedDate = &postedDate
		stored.VoucherNumber = voucherNumber
		stored.Version++
		m.entries[e.Number] = stored
		m.postedLines[fmt.Sprintf("%s-%d", stored.SalesNumber, stored.SalesLineNumber)] = true
	}
	return voucherNumber, nil
}

func (m *mockStore) InsertHistory(_ context.Context, h History) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.historyErr != nil {
		return m.historyErr
	}
	if _, exists := m.histories[h.ProcessNumber]; exists {
		return ErrHistoryExists
	}
	m.histories[h.ProcessNumber] = h
	return nil
}

func (m *mockStore) GetHistory(_ context.Context, processNumber string) (History, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.histories[processNumber]
	if !ok {
		return History{}, ErrHistoryNotFound
	}
	return h, nil
}

func (m *mockStore) ListHistories(_ context.Context, from, to time.Time) ([]History, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []History
	for _, h := range m.histories {
		if !h.FromDate.Before(from) && !h.FromDate.After(to) {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *mockStore) soleHistory(t *testing.T) History {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.Len(t, m.histories, 1)
	for _, h := range m.histories {
		return h
	}
	return History{}
}

type mockSales struct {
	lines []SalesLine
	err   error
}

func (m *mockSales) ListLinesByPostingDate(_ context.Context, _, _ time.Time) ([]SalesLine, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.lines, nil
}

type mockRates struct {
	rate decimal.Decimal
	err  error
}

func (m *mockRates) RateAt(_ context.Context, _ time.Time) (decimal.Decimal, error) {
	if m.err != nil {
		return decimal.Zero, m.err
	}
	return m.rate, nil
}

func newTestProcessor(store *mockStore, sales *mockSales, rates *mockRates, workers int) *Processor {
	return NewProcessor(ProcessorConfig{
		Store:    store,
		Sales:    sales,
		Rates:    rates,
		Recorder: NewRecorder(store),
		Workers:  workers,
	})
}

// ============================================================================
// RUN TESTS
// ============================================================================

func TestRunGeneratesBalancedEntriesForAllLines(t *testing.T) {
	store := newMockStore()
	store.patterns = []Pattern{testPattern("P001", func(p *Pattern) {
		p.CreditSubAccount = DeriveCustomer
		p.Priority = 10
	})}
	sales := &mockSales{lines: []SalesLine{
		testLine(nil),
		testLine(func(l *SalesLine) { l.LineNumber = 2; l.UnitPrice = decimal.NewFromInt(500) }),
	}}
	proc := newTestProcessor(store, sales, &mockRates{rate: rate10()}, 2)

	result, err := proc.Run(context.Background(), RunInput{
		FromDate: date(2025, 4, 1),
		ToDate:   date(2025, 4, 30),
		Operator: "tester",
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 0, result.Failed)
	assert.False(t, result.Cancelled)
	// 10*1000*1.1 + 10*500*1.1
	assert.True(t, result.TotalAmount.Equal(decimal.NewFromInt(16500)), "got %s", result.TotalAmount)

	entries, err := store.ListEntriesByProcess(context.Background(), result.ProcessNumber)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	for _, e := range entries {
		assert.Equal(t, StatusCompleted, e.Status)
		assert.Equal(t, "P001", e.PatternCode)
	}
	assert.NoError(t, VerifyBalance(entries))

	history := store.soleHistory(t)
	assert.Equal(t, result.ProcessNumber, history.ProcessNumber)
	assert.Equal(t, 2, history.SuccessCount)
	assert.Equal(t, 0, history.ErrorCount)
	assert.Equal(t, "tester", history.Operator)
}

func TestRunIsolatesLineFailures(t *testing.T) {
	store := newMockStore()
	store.patterns = []Pattern{testPattern("P001", func(p *Pattern) {
		p.ProductGroup = "PROCESSED"
	})}
	sales := &mockSales{lines: []SalesLine{
		testLine(nil),
		testLine(func(l *SalesLine) { l.LineNumber = 2; l.ProductGroup = "UNMAPPED" }),
		testLine(func(l *SalesLine) { l.LineNumber = 3; l.ProductGroup = "UNMAPPED" }),
		testLine(func(l *SalesLine) { l.LineNumber = 4 }),
	}}
	proc := newTestProcessor(store, sales, &mockRates{rate: rate10()}, 4)

	result, err := proc.Run(context.Background(), RunInput{
		FromDate: date(2025, 4, 1),
		ToDate:   date(2025, 4, 30),
		Operator: "tester",
	})
	require.NoError(t, err)

	assert.Equal(t, 4, result.Total)
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 2, result.Failed)

	failed, err := store.ListEntriesByStatus(context.Background(), StatusError)
	require.NoError(t, err)
	require.Len(t, failed, 2)
	for _, e := range failed {
		assert.Equal(t, ErrCodePatternNotMatched, e.ErrorCode)
		assert.NotEmpty(t, e.ErrorMessage)
		assert.True(t, e.Amount.IsZero())
	}

	completed, err := store.ListEntriesByStatus(context.Background(), StatusCompleted)
	require.NoError(t, err)
	assert.NoError(t, VerifyBalance(completed))

	history := store.soleHistory(t)
	assert.Equal(t, 2, history.ErrorCount)
	assert.Equal(t, 2, history.SuccessCount)
}

func TestRunRecordsMissingTaxRateAsLineError(t *testing.T) {
	store := newMockStore()
	store.patterns = []Pattern{testPattern("P001", nil)}
	sales := &mockSales{lines: []SalesLine{testLine(nil)}}
	rates := &mockRates{err: fmt.Errorf("%w: no rate covers 2025-04-01", ErrTaxRateMissing)}
	proc := newTestProcessor(store, sales, rates, 1)

	result, err := proc.Run(context.Background(), RunInput{
		FromDate: date(2025, 4, 1),
		ToDate:   date(2025, 4, 30),
		Operator: "tester",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	failed, err := store.ListEntriesByStatus(context.Background(), StatusError)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, ErrCodeTaxRateMissing, failed[0].ErrorCode)
}

func TestRunAbortsOnTaxSourceOutage(t *testing.T) {
	store := newMockStore()
	store.patterns = []Pattern{testPattern("P001", nil)}
	sales := &mockSales{lines: []SalesLine{testLine(nil)}}
	// An unreachable tax master is an infrastructure failure, not a
	// per-line outcome.
	outage := errors.New("connect to tax master: connection refused")
	proc := newTestProcessor(store, sales, &mockRates{err: outage}, 1)

	result, err := proc.Run(context.Background(), RunInput{
		FromDate: date(2025, 4, 1),
		ToDate:   date(2025, 4, 30),
		Operator: "tester",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, outage)
	assert.Contains(t, err.Error(), "aborted")
	assert.Zero(t, result.Succeeded)

	// No ERROR stub is filed for a system failure.
	failed, err := store.ListEntriesByStatus(context.Background(), StatusError)
	require.NoError(t, err)
	assert.Empty(t, failed)

	// The partial outcome is still recorded.
	history := store.soleHistory(t)
	assert.Equal(t, result.ProcessNumber, history.ProcessNumber)
}

func TestRunSkipsExemptTaxLookup(t *testing.T) {
	store := newMockStore()
	store.patterns = []Pattern{testPattern("P001", func(p *Pattern) { p.TaxMode = TaxExempt })}
	sales := &mockSales{lines: []SalesLine{testLine(nil)}}
	// The rate source always fails; exempt patterns must never consult it.
	proc := newTestProcessor(store, sales, &mockRates{err: errors.New("unreachable")}, 1)

	result, err := proc.Run(context.Background(), RunInput{
		FromDate: date(2025, 4, 1),
		ToDate:   date(2025, 4, 30),
		Operator: "tester",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)
}

func TestRunRefusesRegenerationOfPostedLines(t *testing.T) {
	store := newMockStore()
	store.patterns = []Pattern{testPattern("P001", nil)}
	store.postedLines["S0001-1"] = true
	sales := &mockSales{lines: []SalesLine{testLine(nil)}}
	proc := newTestProcessor(store, sales, &mockRates{rate: rate10()}, 1)

	result, err := proc.Run(context.Background(), RunInput{
		FromDate: date(2025, 4, 1),
		ToDate:   date(2025, 4, 30),
		Operator: "tester",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	failed, err := store.ListEntriesByStatus(context.Background(), StatusError)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, ErrCodeAlreadyPosted, failed[0].ErrorCode)
}

func TestRunSupersedesPriorEntriesForSameLine(t *testing.T) {
	store := newMockStore()
	store.patterns = []Pattern{testPattern("P001", nil)}
	sales := &mockSales{lines: []SalesLine{testLine(nil)}}
	proc := newTestProcessor(store, sales, &mockRates{rate: rate10()}, 1)

	first, err := proc.Run(context.Background(), RunInput{
		FromDate: date(2025, 4, 1), ToDate: date(2025, 4, 30), Operator: "tester",
	})
	require.NoError(t, err)
	second, err := proc.Run(context.Background(), RunInput{
		FromDate: date(2025, 4, 1), ToDate: date(2025, 4, 30), Operator: "tester",
	})
	require.NoError(t, err)
	require.NotEqual(t, first.ProcessNumber, second.ProcessNumber)

	firstEntries, err := store.ListEntriesByProcess(context.Background(), first.ProcessNumber)
	require.NoError(t, err)
	for _, e := range firstEntries {
		assert.Equal(t, second.ProcessNumber, e.SupersededBy, "prior entries are invalidated, not deleted")
	}
	secondEntries, err := store.ListEntriesByProcess(context.Background(), second.ProcessNumber)
	require.NoError(t, err)
	for _, e := range secondEntries {
		assert.Empty(t, e.SupersededBy)
	}
}

func TestRunIdempotentResolution(t *testing.T) {
	store := newMockStore()
	store.patterns = []Pattern{
		testPattern("P010", func(p *Pattern) { p.Priority = 10 }),
		testPattern("P020", func(p *Pattern) { p.Priority = 20 }),
	}
	sales := &mockSales{lines: []SalesLine{testLine(nil)}}
	proc := newTestProcessor(store, sales, &mockRates{rate: rate10()}, 1)

	for i := 0; i < 3; i++ {
		result, err := proc.Run(context.Background(), RunInput{
			FromDate: date(2025, 4, 1), ToDate: date(2025, 4, 30), Operator: "tester",
		})
		require.NoError(t, err)
		entries, err := store.ListEntriesByProcess(context.Background(), result.ProcessNumber)
		require.NoError(t, err)
		for _, e := range entries {
			assert.Equal(t, "P010", e.PatternCode)
			assert.True(t, e.Amount.Equal(decimal.NewFromInt(11000)))
		}
	}
}

func TestRunAbortsOnStorageFailure(t *testing.T) {
	store := newMockStore()
	store.patterns = []Pattern{testPattern("P001", nil)}
	store.saveErr = errors.New("connection refused")
	sales := &mockSales{lines: []SalesLine{testLine(nil)}}
	proc := newTestProcessor(store, sales, &mockRates{rate: rate10()}, 1)

	result, err := proc.Run(context.Background(), RunInput{
		FromDate: date(2025, 4, 1), ToDate: date(2025, 4, 30), Operator: "tester",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), result.ProcessNumber)
	assert.Contains(t, err.Error(), "S0001-1")

	// The partial outcome is still recorded.
	history := store.soleHistory(t)
	assert.Equal(t, result.ProcessNumber, history.ProcessNumber)
}

func TestRunCancellationStopsBetweenUnitsAndRecordsHistory(t *testing.T) {
	store := newMockStore()
	store.patterns = []Pattern{testPattern("P001", nil)}
	var lines []SalesLine
	for i := 1; i <= 20; i++ {
		lines = append(lines, testLine(func(l *SalesLine) { l.LineNumber = i }))
	}
	sales := &mockSales{lines: lines}
	proc := newTestProcessor(store, sales, &mockRates{rate: rate10()}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := proc.Run(ctx, RunInput{
		FromDate: date(2025, 4, 1), ToDate: date(2025, 4, 30), Operator: "tester",
	})
	require.NoError(t, err)
	assert.True(t, result.Cancelled)
	assert.Equal(t, 20, result.Total)
	assert.Equal(t, 0, result.Succeeded+result.Failed)

	history := store.soleHistory(t)
	assert.True(t, history.Cancelled)
}

func TestRunValidatesInput(t *testing.T) {
	proc := newTestProcessor(newMockStore(), &mockSales{}, &mockRates{rate: rate10()}, 1)

	_, err := proc.Run(context.Background(), RunInput{
		FromDate: date(2025, 4, 1), ToDate: date(2025, 4, 30),
	})
	assert.Error(t, err, "operator required")

	_, err = proc.Run(context.Background(), RunInput{
		FromDate: date(2025, 4, 30), ToDate: date(2025, 4, 1), Operator: "tester",
	})
	assert.Error(t, err, "inverted range")
}

func TestRunHistoryFailureDoesNotFailRun(t *testing.T) {
	store := newMockStore()
	store.patterns = []Pattern{testPattern("P001", nil)}
	store.historyErr = errors.New("history table unavailable")
	sales := &mockSales{lines: []SalesLine{testLine(nil)}}
	proc := newTestProcessor(store, sales, &mockRates{rate: rate10()}, 1)

	result, err := proc.Run(context.Background(), RunInput{
		FromDate: date(2025, 4, 1), ToDate: date(2025, 4, 30), Operator: "tester",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)
}
