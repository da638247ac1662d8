package autojournal

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PatternSource loads the pattern master. Patterns are maintained by
// master-data tooling and are read-only to the engine.
type PatternSource interface {
	ListPatterns(ctx context.Context) ([]Pattern, error)
}

// EntryStore persists intermediate entries and their lifecycle fields.
type EntryStore interface {
	// SaveLineEntries atomically supersedes prior unposted entries for the
	// sales line and inserts the new set, assigning entry numbers. The
	// persisted entries are returned.
	SaveLineEntries(ctx context.Context, processNumber string, salesNumber string, lineNumber int, entries []Entry) ([]Entry, error)
	// HasPostedEntries reports whether the sales line already owns POSTED
	// entries, which only an explicit reversal may touch.
	HasPostedEntries(ctx context.Context, salesNumber string, lineNumber int) (bool, error)

	GetEntry(ctx context.Context, number string) (Entry, error)
	ListEntriesByProcess(ctx context.Context, processNumber string) ([]Entry, error)
	ListEntriesBySalesNumber(ctx context.Context, salesNumber string) ([]Entry, error)
	ListEntriesByStatus(ctx context.Context, status Status) ([]Entry, error)
	ListUnpostedByDate(ctx context.Context, date time.Time) ([]Entry, error)

	// MarkPosted allocates a voucher number from the shared sequence and
	// transitions the entries to POSTED under optimistic locking, all in one
	// transaction. A rejected group therefore never consumes a number.
	MarkPosted(ctx context.Context, entries []Entry, postedDate time.Time) (string, error)
}

// HistoryStore persists run history. Records are write-once.
type HistoryStore interface {
	InsertHistory(ctx context.Context, history History) error
	GetHistory(ctx context.Context, processNumber string) (History, error)
	ListHistories(ctx context.Context, from, to time.Time) ([]History, error)
}

// Store aggregates the persistence ports implemented by Repository.
type Store interface {
	PatternSource
	EntryStore
	HistoryStore
}

// SalesSource supplies sales lines for a posting-date range. Implemented by
// the salesfeed collaborator.
type SalesSource interface {
	ListLinesByPostingDate(ctx context.Context, from, to time.Time) ([]SalesLine, error)
}

// TaxRateSource resolves the effective tax rate for a posting date.
// Implemented by the taxmaster collaborator. When no rate covers the date
// the error must wrap ErrTaxRateMissing; any other error is treated as an
// infrastructure failure and aborts the run.
type TaxRateSource interface {
	RateAt(ctx context.Context, date time.Time) (decimal.Decimal, error)
}
