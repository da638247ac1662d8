package autojournal

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Generator applies a resolved pattern to a sales line and emits the
// balanced debit/credit entry pair for it.
type Generator struct{}

// NewGenerator constructs a Generator.
func NewGenerator() *Generator {
	return &Generator{}
}

// Generate produces the intermediate entries for one sales line. taxRate is
// the effective rate from the tax master (e.g. 0.10 for 10%). The returned
// set always balances; any imbalance is reported as an error, never emitted.
func (g *Generator) Generate(line SalesLine, pattern Pattern, taxRate decimal.Decimal) ([]Entry, error) {
	amount, tax, err := computeAmounts(line.Amount(), pattern.TaxMode, taxRate)
	if err != nil {
		return nil, err
	}

	debitAccount, debitSub := pattern.DebitAccount, pattern.DebitSubAccount
	creditAccount, creditSub := pattern.CreditAccount, pattern.CreditSubAccount
	if line.ReturnFlag {
		debitAccount, debitSub = pattern.ReturnDebitAccount, pattern.ReturnDebitSubAccount
		creditAccount, creditSub = pattern.ReturnCreditAccount, pattern.ReturnCreditSubAccount
	}

	debitSubCode, err := resolveSubAccount(debitSub, line)
	if err != nil {
		return nil, err
	}
	creditSubCode, err := resolveSubAccount(creditSub, line)
	if err != nil {
		return nil, err
	}

	entries := []Entry{
		{
			SalesNumber:     line.SalesNumber,
			SalesLineNumber: line.LineNumber,
			PatternCode:     pattern.Code,
			PostingDate:     line.PostingDate,
			Side:            SideDebit,
			AccountCode:     debitAccount,
			SubAccountCode:  debitSubCode,
			Amount:          amount,
			TaxAmount:       tax,
			Status:          StatusPending,
		},
		{
			SalesNumber:     line.SalesNumber,
			SalesLineNumber: line.LineNumber,
			PatternCode:     pattern.Code,
			PostingDate:     line.PostingDate,
			Side:            SideCredit,
			AccountCode:     creditAccount,
			SubAccountCode:  creditSubCode,
			Amount:          amount,
			TaxAmount:       tax,
			Status:          StatusPending,
		},
	}

	if err := VerifyBalance(entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// computeAmounts derives the entry amount and tax amount from the untaxed
// line amount. Tax is truncated toward zero at scale 0, matching the tax
// master convention.
func computeAmounts(base decimal.Decimal, mode TaxMode, rate decimal.Decimal) (amount, tax decimal.Decimal, err error) {
	switch mode {
	case TaxExclusive:
		tax = base.Mul(rate).Truncate(0)
		return base.Add(tax), tax, nil
	case TaxInclusive:
		tax = base.Mul(rate).Div(decimal.NewFromInt(1).Add(rate)).Truncate(0)
		return base, tax, nil
	case TaxExempt:
		return base, decimal.Zero, nil
	default:
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: %q", ErrTaxModeUnknown, mode)
	}
}

// resolveSubAccount turns a pattern sub-account spec into a concrete code.
// Specs are either empty, a literal code, or a derivation expression whose
// value comes from the sales line.
func resolveSubAccount(spec string, line SalesLine) (string, error) {
	switch spec {
	case "":
		return "", nil
	case DeriveCustomer:
		if line.CustomerCode == "" {
			return "", fmt.Errorf("%w: %s has no customer code", ErrUnresolvedSubAccount, line.Key())
		}
		return line.CustomerCode, nil
	case DeriveDepartment:
		if line.DepartmentCode == "" {
			return "", fmt.Errorf("%w: %s has no department code", ErrUnresolvedSubAccount, line.Key())
		}
		return line.DepartmentCode, nil
	default:
		return spec, nil
	}
}

// VerifyBalance checks that debits equal credits across the entry set.
func VerifyBalance(entries []Entry) error {
	net := decimal.Zero
	for _, e := range entries {
		switch e.Side {
		case SideDebit:
			net = net.Add(e.Amount)
		case SideCredit:
			net = net.Sub(e.Amount)
		}
	}
	if !net.IsZero() {
		return fmt.Errorf("%w: net %s", ErrUnbalanced, net)
	}
	return nil
}
