// Package autojournal converts sales transactions into balanced journal
// entries by matching them against a prioritized, date-effective pattern
// table, and posts accepted entries into ledger vouchers.
package autojournal

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Wildcard matches any product or customer group in a pattern selector.
const Wildcard = "ALL"

// TaxMode controls how the tax amount is derived for a generated entry.
type TaxMode string

const (
	// TaxExclusive adds tax on top of the line amount.
	TaxExclusive TaxMode = "EXCLUSIVE"
	// TaxInclusive extracts tax already contained in the line amount.
	TaxInclusive TaxMode = "INCLUSIVE"
	// TaxExempt generates no tax.
	TaxExempt TaxMode = "EXEMPT"
)

// Side marks an entry as a debit or a credit.
type Side string

const (
	SideDebit  Side = "DEBIT"
	SideCredit Side = "CREDIT"
)

// Status enumerates the entry lifecycle.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusError      Status = "ERROR"
	StatusPosted     Status = "POSTED"
)

// transitions is the complete set of legal status moves.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusError},
	StatusCompleted:  {StatusPosted},
}

// CanTransition reports whether moving to next is legal.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// statusLabels maps statuses to the operator-facing labels used by the
// external reporting surface. Core logic never dispatches on labels.
var statusLabels = map[Status]string{
	StatusPending:    "未処理",
	StatusProcessing: "処理中",
	StatusCompleted:  "処理済",
	StatusError:      "エラー",
	StatusPosted:     "転記済",
}

// Label returns the display label for the status.
func (s Status) Label() string {
	if label, ok := statusLabels[s]; ok {
		return label
	}
	return string(s)
}

// ParseStatus converts an external status token (code or label) into a Status.
func ParseStatus(raw string) (Status, error) {
	candidate := Status(strings.ToUpper(raw))
	if _, ok := statusLabels[candidate]; ok {
		return candidate, nil
	}
	for status, label := range statusLabels {
		if label == raw {
			return status, nil
		}
	}
	return "", fmt.Errorf("autojournal: unknown status %q", raw)
}

// Sub-account derivation expressions understood by the generator.
const (
	DeriveCustomer   = "@customer"
	DeriveDepartment = "@department"
)

// Pattern is a date-effective conversion rule mapping sales-line attributes
// to a debit/credit account pair. Maintained externally, read-only here.
type Pattern struct {
	Code          string
	Name          string
	ProductGroup  string
	CustomerGroup string
	SalesType     string

	DebitAccount     string
	DebitSubAccount  string
	CreditAccount    string
	CreditSubAccount string

	// Return* accounts replace the normal pair when the sales line is a
	// return, so the reversal nets against the original sale.
	ReturnDebitAccount     string
	ReturnDebitSubAccount  string
	ReturnCreditAccount    string
	ReturnCreditSubAccount string

	TaxMode   TaxMode
	ValidFrom time.Time
	ValidTo   time.Time
	Priority  int
	Version   int
}

// Matches reports whether the pattern selectors accept the given attributes.
func (p Pattern) Matches(productGroup, customerGroup, salesType string) bool {
	if p.ProductGroup != Wildcard && p.ProductGroup != productGroup {
		return false
	}
	if p.CustomerGroup != Wildcard && p.CustomerGroup != customerGroup {
		return false
	}
	return p.SalesType == salesType
}

// ValidAt reports whether date falls inside [ValidFrom, ValidTo], inclusive.
func (p Pattern) ValidAt(date time.Time) bool {
	return !date.Before(p.ValidFrom) && !date.After(p.ValidTo)
}

// Wildcards counts wildcard selectors, used to rank specificity.
func (p Pattern) Wildcards() int {
	n := 0
	if p.ProductGroup == Wildcard {
		n++
	}
	if p.CustomerGroup == Wildcard {
		n++
	}
	return n
}

// SalesLine is one line of a sales transaction supplied by the sales feed.
type SalesLine struct {
	SalesNumber    string
	LineNumber     int
	PostingDate    time.Time
	ProductGroup   string
	CustomerGroup  string
	SalesType      string
	CustomerCode   string
	DepartmentCode string
	Quantity       decimal.Decimal
	UnitPrice      decimal.Decimal
	ReturnFlag     bool
}

// Amount is the untaxed line amount.
func (l SalesLine) Amount() decimal.Decimal {
	return l.Quantity.Mul(l.UnitPrice)
}

// Key identifies the sales line unit an entry batch belongs to.
func (l SalesLine) Key() string {
	return fmt.Sprintf("%s-%d", l.SalesNumber, l.LineNumber)
}

// Entry is an intermediate journal entry. Amounts are fixed-point decimals;
// posted entries are never mutated again.
type Entry struct {
	Number          string
	SalesNumber     string
	SalesLineNumber int
	PatternCode     string
	ProcessNumber   string
	PostingDate     time.Time
	Side            Side
	AccountCode     string
	SubAccountCode  string
	Amount          decimal.Decimal
	TaxAmount       decimal.Decimal
	Status          Status
	PostedFlag      bool
	PostedDate      *time.Time
	VoucherNumber   string
	ErrorCode       string
	ErrorMessage    string
	SupersededBy    string
	Version         int
}

// History is the immutable record of one generation run.
type History struct {
	ProcessNumber string
	FromDate      time.Time
	ToDate        time.Time
	TotalCount    int
	SuccessCount  int
	ErrorCount    int
	TotalAmount   decimal.Decimal
	Operator      string
	Cancelled     bool
	CreatedAt     time.Time
}

// Error codes recorded on ERROR entries.
const (
	ErrCodePatternNotMatched = "AJ001"
	ErrCodeUnresolvedSub     = "AJ002"
	ErrCodeTaxModeUnknown    = "AJ003"
	ErrCodeTaxRateMissing    = "AJ004"
	ErrCodeUnbalanced        = "AJ005"
	ErrCodeAlreadyPosted     = "AJ006"
)

var (
	// ErrPatternNotFound indicates no pattern matched a sales line.
	ErrPatternNotFound = errors.New("autojournal: no pattern matched")
	// ErrUnresolvedSubAccount indicates a derivation had no source value.
	ErrUnresolvedSubAccount = errors.New("autojournal: sub-account derivation unresolved")
	// ErrUnbalanced indicates generated debits and credits differ.
	ErrUnbalanced = errors.New("autojournal: entries do not balance")
	// ErrTaxModeUnknown indicates a pattern with an unconfigured tax mode.
	ErrTaxModeUnknown = errors.New("autojournal: unknown tax mode")
	// ErrTaxRateMissing indicates the tax master had no rate for the date.
	ErrTaxRateMissing = errors.New("autojournal: tax rate missing")
	// ErrInvalidStatus indicates an illegal lifecycle transition.
	ErrInvalidStatus = errors.New("autojournal: invalid status transition")
	// ErrAlreadyPosted indicates a posted entry was submitted again.
	ErrAlreadyPosted = errors.New("autojournal: entry already posted")
	// ErrEntryNotFound indicates a missing entry.
	ErrEntryNotFound = errors.New("autojournal: entry not found")
	// ErrHistoryExists indicates a duplicate process number.
	ErrHistoryExists = errors.New("autojournal: history already recorded")
	// ErrHistoryNotFound indicates a missing history record.
	ErrHistoryNotFound = errors.New("autojournal: history not found")
)

// VersionConflictError reports an optimistic-lock failure at the
// persistence boundary.
type VersionConflictError struct {
	Entity   string
	Key      string
	Expected int
	Actual   int
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("autojournal: version conflict on %s %s: expected %d, stored %d",
		e.Entity, e.Key, e.Expected, e.Actual)
}
