// Package salesfeed reads sales transaction lines for the auto-journal
// engine. Sales data is owned by the sales subsystem; this package only
// consumes it.
package salesfeed

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerline/ledgerline/internal/autojournal"
)

// Repository reads sales lines from the sales schema.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListLinesByPostingDate returns sales lines whose posting date falls within
// [from, to], inclusive.
func (r *Repository) ListLinesByPostingDate(ctx context.Context, from, to time.Time) ([]autojournal.SalesLine, error) {
	rows, err := r.pool.Query(ctx, `SELECT sales_number, line_number, posting_date, product_group, customer_group, sales_type,
customer_code, department_code, quantity, unit_price, return_flag
FROM sales_lines
WHERE posting_date >= $1 AND posting_date <= $2
ORDER BY sales_number, line_number`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []autojournal.SalesLine
	for rows.Next() {
		var l autojournal.SalesLine
		if err := rows.Scan(&l.SalesNumber, &l.LineNumber, &l.PostingDate, &l.ProductGroup, &l.CustomerGroup,
			&l.SalesType, &l.CustomerCode, &l.DepartmentCode, &l.Quantity, &l.UnitPrice, &l.ReturnFlag); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}
