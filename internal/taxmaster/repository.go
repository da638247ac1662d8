// Package taxmaster resolves date-effective consumption tax rates. The tax
// master is maintained elsewhere and read-only here.
package taxmaster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ledgerline/ledgerline/internal/autojournal"
)

// ErrRateNotFound indicates no rate covers the requested date. It wraps the
// engine's sentinel so callers classify it as a line-level outcome; any other
// RateAt error is an infrastructure failure.
var ErrRateNotFound = fmt.Errorf("%w: taxmaster has no covering rate", autojournal.ErrTaxRateMissing)

// Repository reads rates from the tax_rates table.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// RateAt returns the rate effective on the given date. When multiple rates
// cover the date the most recently effective one wins.
func (r *Repository) RateAt(ctx context.Context, date time.Time) (decimal.Decimal, error) {
	var rate decimal.Decimal
	err := r.pool.QueryRow(ctx, `SELECT rate FROM tax_rates
WHERE effective_from <= $1 AND (effective_to IS NULL OR effective_to >= $1)
ORDER BY effective_from DESC LIMIT 1`, date).Scan(&rate)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrRateNotFound, date.Format("2006-01-02"))
	}
	return rate, err
}
