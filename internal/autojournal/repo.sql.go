package autojournal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerline/ledgerline/internal/platform/db"
)

const pgUniqueViolation = "23505"

// Repository persists auto-journal entities in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const patternColumns = `pattern_code, pattern_name, product_group, customer_group, sales_type,
debit_account, debit_sub_account, credit_account, credit_sub_account,
return_debit_account, return_debit_sub_account, return_credit_account, return_credit_sub_account,
tax_mode, valid_from, valid_to, priority, version`

// ListPatterns loads the full pattern master for a run snapshot.
func (r *Repository) ListPatterns(ctx context.Context) ([]Pattern, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+patternColumns+` FROM auto_journal_patterns ORDER BY pattern_code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var patterns []Pattern
	for rows.Next() {
		var p Pattern
		if err := rows.Scan(&p.Code, &p.Name, &p.ProductGroup, &p.CustomerGroup, &p.SalesType,
			&p.DebitAccount, &p.DebitSubAccount, &p.CreditAccount, &p.CreditSubAccount,
			&p.ReturnDebitAccount, &p.ReturnDebitSubAccount, &p.ReturnCreditAccount, &p.ReturnCreditSubAccount,
			&p.TaxMode, &p.ValidFrom, &p.ValidTo, &p.Priority, &p.Version); err != nil {
			return nil, err
		}
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}

const entryColumns = `number, sales_number, sales_line_number, pattern_code, process_number,
posting_date, side, account_code, sub_account_code, amount, tax_amount,
status, posted_flag, posted_date, voucher_number, error_code, error_message, superseded_by, version`

func scanEntry(row pgx.Row) (Entry, error) {
	var e Entry
	err := row.Scan(&e.Number, &e.SalesNumber, &e.SalesLineNumber, &e.PatternCode, &e.ProcessNumber,
		&e.PostingDate, &e.Side, &e.AccountCode, &e.SubAccountCode, &e.Amount, &e.TaxAmount,
		&e.Status, &e.PostedFlag, &e.PostedDate, &e.VoucherNumber, &e.ErrorCode, &e.ErrorMessage,
		&e.SupersededBy, &e.Version)
	return e, err
}

func (r *Repository) listEntries(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SaveLineEntries supersedes prior unposted entries for the sales line and
// inserts the new set in one transaction, so a line unit is never partially
// committed.
func (r *Repository) SaveLineEntries(ctx context.Context, processNumber string, salesNumber string, lineNumber int, entries []Entry) ([]Entry, error) {
	saved := make([]Entry, 0, len(entries))
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE auto_journal_entries
SET superseded_by = $1, version = version + 1
WHERE sales_number = $2 AND sales_line_number = $3 AND posted_flag = FALSE AND superseded_by = ''`,
			processNumber, salesNumber, lineNumber); err != nil {
			return fmt.Errorf("supersede entries for %s-%d: %w", salesNumber, lineNumber, err)
		}
		for _, e := range entries {
			var number string
			if err := tx.QueryRow(ctx, `SELECT 'AJ' || lpad(nextval('auto_journal_seq')::text, 10, '0')`).Scan(&number); err != nil {
				return fmt.Errorf("allocate entry number: %w", err)
			}
			e.Number = number
			e.ProcessNumber = processNumber
			e.Version = 1
			if _, err := tx.Exec(ctx, `INSERT INTO auto_journal_entries (`+entryColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
				e.Number, e.SalesNumber, e.SalesLineNumber, e.PatternCode, e.ProcessNumber,
				e.PostingDate, e.Side, e.AccountCode, e.SubAccountCode, e.Amount, e.TaxAmount,
				e.Status, e.PostedFlag, e.PostedDate, e.VoucherNumber, e.ErrorCode, e.ErrorMessage,
				e.SupersededBy, e.Version); err != nil {
				return fmt.Errorf("insert entry %s: %w", e.Number, err)
			}
			saved = append(saved, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// HasPostedEntries reports whether POSTED entries exist for the sales line.
func (r *Repository) HasPostedEntries(ctx context.Context, salesNumber string, lineNumber int) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (
SELECT 1 FROM auto_journal_entries
WHERE sales_number = $1 AND sales_line_number = $2 AND posted_flag = TRUE)`,
		salesNumber, lineNumber).Scan(&exists)
	return exists, err
}

// GetEntry fetches one entry by auto-journal number.
func (r *Repository) GetEntry(ctx context.Context, number string) (Entry, error) {
	e, err := scanEntry(r.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM auto_journal_entries WHERE number = $1`, number))
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrEntryNotFound
	}
	return e, err
}

// ListEntriesByProcess returns all entries created by a run.
func (r *Repository) ListEntriesByProcess(ctx context.Context, processNumber string) ([]Entry, error) {
	return r.listEntries(ctx, `SELECT `+entryColumns+` FROM auto_journal_entries WHERE process_number = $1 ORDER BY number`, processNumber)
}

// ListEntriesBySalesNumber returns all entries for a sales transaction.
func (r *Repository) ListEntriesBySalesNumber(ctx context.Context, salesNumber string) ([]Entry, error) {
	return r.listEntries(ctx, `SELECT `+entryColumns+` FROM auto_journal_entries WHERE sales_number = $1 ORDER BY sales_line_number, number`, salesNumber)
}

// ListEntriesByStatus returns live (non-superseded) entries in a status.
func (r *Repository) ListEntriesByStatus(ctx context.Context, status Status) ([]Entry, error) {
	return r.listEntries(ctx, `SELECT `+entryColumns+` FROM auto_journal_entries WHERE status = $1 AND superseded_by = '' ORDER BY number`, status)
}

// ListUnpostedByDate returns live unposted entries for a posting date.
func (r *Repository) ListUnpostedByDate(ctx context.Context, date time.Time) ([]Entry, error) {
	return r.listEntries(ctx, `SELECT `+entryColumns+` FROM auto_journal_entries
WHERE posting_date = $1 AND posted_flag = FALSE AND superseded_by = '' ORDER BY number`, date)
}

// MarkPosted transitions a voucher's entries to POSTED and stamps a freshly
// allocated voucher number, all in one transaction. Each update carries the
// version the caller read; a stale version fails the whole voucher with a
// VersionConflictError. The sequence is drawn only after every entry passed
// the version check (nextval is not rolled back), so a rejected voucher
// leaves no gap in the JV series.
func (r *Repository) MarkPosted(ctx context.Context, entries []Entry, postedDate time.Time) (string, error) {
	var voucherNumber string
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		numbers := make([]string, 0, len(entries))
		for _, e := range entries {
			tag, err := tx.Exec(ctx, `UPDATE auto_journal_entries
SET status = $1, posted_flag = TRUE, posted_date = $2, version = version + 1
WHERE number = $3 AND version = $4 AND status = $5`,
				StatusPosted, postedDate, e.Number, e.Version, StatusCompleted)
			if err != nil {
				return fmt.Errorf("post entry %s: %w", e.Number, err)
			}
			if tag.RowsAffected() == 0 {
				var stored int
				err := tx.QueryRow(ctx, `SELECT version FROM auto_journal_entries WHERE number = $1`, e.Number).Scan(&stored)
				if errors.Is(err, pgx.ErrNoRows) {
					return fmt.Errorf("post entry %s: %w", e.Number, ErrEntryNotFound)
				}
				if err != nil {
					return err
				}
				return &VersionConflictError{Entity: "auto journal entry", Key: e.Number, Expected: e.Version, Actual: stored}
			}
			numbers = append(numbers, e.Number)
		}
		if err := tx.QueryRow(ctx, `SELECT 'JV' || lpad(nextval('journal_voucher_seq')::text, 10, '0')`).Scan(&voucherNumber); err != nil {
			return fmt.Errorf("allocate voucher number: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE auto_journal_entries SET voucher_number = $1 WHERE number = ANY($2)`, voucherNumber, numbers); err != nil {
			return fmt.Errorf("stamp voucher %s: %w", voucherNumber, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return voucherNumber, nil
}

// InsertHistory writes the run history record. Histories are write-once; a
// duplicate process number is rejected.
func (r *Repository) InsertHistory(ctx context.Context, h History) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO auto_journal_histories
(process_number, from_date, to_date, total_count, success_count, error_count, total_amount, operator, cancelled, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		h.ProcessNumber, h.FromDate, h.ToDate, h.TotalCount, h.SuccessCount, h.ErrorCount,
		h.TotalAmount, h.Operator, h.Cancelled, h.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrHistoryExists
		}
		return err
	}
	return nil
}

// GetHistory fetches one history record by process number.
func (r *Repository) GetHistory(ctx context.Context, processNumber string) (History, error) {
	var h History
	err := r.pool.QueryRow(ctx, `SELECT process_number, from_date, to_date, total_count, success_count, error_count, total_amount, operator, cancelled, created_at
FROM auto_journal_histories WHERE process_number = $1`, processNumber).
		Scan(&h.ProcessNumber, &h.FromDate, &h.ToDate, &h.TotalCount, &h.SuccessCount, &h.ErrorCount,
			&h.TotalAmount, &h.Operator, &h.Cancelled, &h.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return History{}, ErrHistoryNotFound
	}
	return h, err
}

// ListHistories returns history records whose target range starts within
// [from, to].
func (r *Repository) ListHistories(ctx context.Context, from, to time.Time) ([]History, error) {
	rows, err := r.pool.Query(ctx, `SELECT process_number, from_date, to_date, total_count, success_count, error_count, total_amount, operator, cancelled, created_at
FROM auto_journal_histories WHERE from_date >= $1 AND from_date <= $2 ORDER BY created_at DESC`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var histories []History
	for rows.Next() {
		var h History
		if err := rows.Scan(&h.ProcessNumber, &h.FromDate, &h.ToDate, &h.TotalCount, &h.SuccessCount, &h.ErrorCount,
			&h.TotalAmount, &h.Operator, &h.Cancelled, &h.CreatedAt); err != nil {
			return nil, err
		}
		histories = append(histories, h)
	}
	return histories, rows.Err()
}
